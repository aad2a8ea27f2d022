package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"procure/internal"
)

type integrationRequest struct {
	UserID   string            `json:"user_id"`
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Provider internal.Provider `json:"provider"`
}

type integrationResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (req integrationRequest) missing() bool {
	return strings.TrimSpace(req.UserID) == "" ||
		strings.TrimSpace(req.Email) == "" ||
		req.Password == "" ||
		strings.TrimSpace(req.Host) == "" ||
		req.Port == 0 ||
		req.Provider == ""
}

// CreateIntegration stores IMAP credentials with the password encrypted.
// The password is never logged or echoed.
func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req integrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, integrationResponse{Error: "invalid JSON body"})
		return
	}
	if req.missing() {
		writeJSON(w, http.StatusBadRequest, integrationResponse{Error: "Missing required fields"})
		return
	}
	if !req.Provider.Valid() {
		writeJSON(w, http.StatusBadRequest, integrationResponse{Error: "provider must be gmail, outlook or other"})
		return
	}
	if req.Port < 1 || req.Port > 65535 {
		writeJSON(w, http.StatusBadRequest, integrationResponse{Error: "port out of range"})
		return
	}

	blob, err := h.vault.Encrypt(req.Password)
	if err != nil {
		h.log.Error("credential encryption failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, integrationResponse{Error: "encryption failed"})
		return
	}

	in := &internal.EmailIntegration{
		UserID:            strings.TrimSpace(req.UserID),
		Provider:          req.Provider,
		IMAPHost:          strings.TrimSpace(req.Host),
		IMAPPort:          req.Port,
		IMAPUser:          strings.TrimSpace(req.Email),
		IMAPPassEncrypted: blob,
		Status:            internal.IntegrationActive,
	}
	if err := h.integrations.CreateIntegration(r.Context(), in); err != nil {
		h.log.Error("create integration failed", zap.String("user", in.IMAPUser), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, integrationResponse{Error: "could not store integration"})
		return
	}

	h.log.Info("integration created", zap.String("integration_id", in.ID), zap.String("user", in.IMAPUser))
	writeJSON(w, http.StatusOK, integrationResponse{Success: true, ID: in.ID})
}

func (h *Handler) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.integrations.DeleteIntegration(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integrationResponse{Success: true, ID: id})
}
