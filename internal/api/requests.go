package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"procure/internal"
	"procure/internal/sourcing"
)

type submitRequest struct {
	UserID      string  `json:"user_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	TargetPrice float64 `json:"target_price"`
	Category    *string `json:"category,omitempty"`
}

// SubmitRequest creates a dashboard request. Sourcing is left to the
// sourcing watcher, which picks the new row up from the change feed.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	created, err := h.sourcing.Submit(r.Context(), sourcing.NewRequest{
		UserID:      req.UserID,
		ProductName: req.ProductName,
		Quantity:    req.Quantity,
		TargetPrice: req.TargetPrice,
		Category:    req.Category,
		Source:      internal.SourceDashboard,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.sourcing.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) ListOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.sourcing.Options(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type selectRequest struct {
	OptionID string `json:"option_id"`
}

func (h *Handler) SelectOption(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil || req.OptionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "option_id is required"})
		return
	}
	updated, err := h.sourcing.SelectOption(r.Context(), chi.URLParam(r, "id"), req.OptionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	updated, err := h.sourcing.ApproveWithoutOption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	updated, err := h.sourcing.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type assignRequest struct {
	TeamMemberID *string `json:"team_member_id"`
}

// Assign sets the responsible team member; a null id clears it.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if req.TeamMemberID != nil && *req.TeamMemberID == "" {
		req.TeamMemberID = nil
	}
	updated, err := h.sourcing.Assign(r.Context(), chi.URLParam(r, "id"), req.TeamMemberID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
