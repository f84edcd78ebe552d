package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"quillsync/internal/workspace/model"
	"quillsync/pkg/logger"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p, err := h.Service.Profile(r.Context(), r.URL.Query().Get("userId"))
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidID):
		http.Error(w, "Invalid userId", http.StatusBadRequest)
		return
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "User not found", http.StatusNotFound)
		return
	default:
		logger.Sugar.Errorf("Handler: get profile failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}
