package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

type TokenRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc        Service
	serviceKey string
	log        *slog.Logger
}

func NewHandler(svc Service, serviceKey string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, serviceKey: serviceKey, log: log}
}

// Token serves POST /api/auth/token. Only the bot, holding the service key,
// may exchange a platform user id for a bearer token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if h.serviceKey == "" {
		http.Error(w, `{"error":"token exchange disabled"}`, http.StatusNotFound)
		return
	}
	key := r.Header.Get("X-Service-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.serviceKey)) != 1 {
		http.Error(w, `{"error":"invalid service key"}`, http.StatusUnauthorized)
		return
	}
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	token, err := h.svc.Exchange(r.Context(), req.UserID, req.Username)
	if err != nil {
		h.log.Error("token exchange failed", "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"token exchange failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: token})
}
