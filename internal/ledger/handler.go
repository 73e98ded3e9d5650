package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dreamphoto/trainer/internal/errs"
	"github.com/dreamphoto/trainer/internal/middleware"
	"github.com/dreamphoto/trainer/internal/models"
)

const maxEntriesLimit = 200

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

type BalanceResponse struct {
	Balance int64                 `json:"balance"`
	Entries []*models.LedgerEntry `json:"entries"`
}

// Balance serves GET /api/training/balance?limit=N.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxEntriesLimit {
			errs.WriteHTTP(w, errs.Validation("limit", "must be between 1 and 200"))
			return
		}
		limit = n
	}

	balance, err := h.svc.Balance(r.Context(), userID)
	if err != nil {
		if errs.HTTPStatus(err) >= http.StatusInternalServerError {
			h.log.Error("balance lookup failed", "user_id", userID, "error", err)
		}
		errs.WriteHTTP(w, err)
		return
	}
	entries, err := h.svc.Entries(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("ledger entries lookup failed", "user_id", userID, "error", err)
		errs.WriteHTTP(w, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(BalanceResponse{Balance: balance, Entries: entries})
}
