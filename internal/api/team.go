package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"procure/internal"
)

type teamMemberRequest struct {
	UserID string  `json:"user_id"`
	Name   string  `json:"name"`
	Email  *string `json:"email,omitempty"`
}

// ListTeamMembers returns the members a user can assign requests to.
func (h *Handler) ListTeamMembers(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	members, err := h.team.ListTeamMembers(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (h *Handler) CreateTeamMember(w http.ResponseWriter, r *http.Request) {
	var req teamMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	m := &internal.TeamMember{
		UserID: strings.TrimSpace(req.UserID),
		Name:   strings.TrimSpace(req.Name),
	}
	if m.UserID == "" || m.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and name are required"})
		return
	}
	if req.Email != nil && strings.TrimSpace(*req.Email) != "" {
		email := strings.TrimSpace(*req.Email)
		m.Email = &email
	}
	if err := h.team.CreateTeamMember(r.Context(), m); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("team member created", zap.String("member_id", m.ID), zap.String("user_id", m.UserID))
	writeJSON(w, http.StatusCreated, m)
}
