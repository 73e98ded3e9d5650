package registry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/middleware"
	"github.com/dreamphoto/trainer/internal/models"
)

type ModelResponse struct {
	ID             string  `json:"id"`
	ModelName      string  `json:"model_name"`
	TriggerWord    string  `json:"trigger_word"`
	Status         string  `json:"status"`
	TrainingID     *string `json:"training_id,omitempty"`
	ModelURL       *string `json:"model_url,omitempty"`
	ProviderStatus string  `json:"provider_status,omitempty"`
	FailureReason  *string `json:"failure_reason,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// ListModels serves GET /api/training/user-models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListModels(r.Context(), userID)
	if err != nil {
		h.log.Error("list models failed", "user_id", userID, "error", err)
		errs.WriteHTTP(w, err)
		return
	}
	resp := make([]ModelResponse, 0, len(list))
	for _, m := range list {
		resp = append(resp, modelToResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": resp})
}

// GetModel serves GET /api/training/models/{id}.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid model id"}`, http.StatusBadRequest)
		return
	}
	m, err := h.svc.GetModel(r.Context(), userID, id)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelToResponse(m))
}

func modelToResponse(m *models.Model) ModelResponse {
	return ModelResponse{
		ID:             m.ID.String(),
		ModelName:      m.Name,
		TriggerWord:    m.TriggerWord,
		Status:         m.Status,
		TrainingID:     m.JobID,
		ModelURL:       m.ResultURL,
		ProviderStatus: m.LastProviderStatus,
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
