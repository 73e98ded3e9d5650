// Package router assembles the HTTP surface of the trainer service.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/dreamphoto/trainer/internal/auth"
	"github.com/dreamphoto/trainer/internal/ledger"
	"github.com/dreamphoto/trainer/internal/metrics"
	"github.com/dreamphoto/trainer/internal/middleware"
	"github.com/dreamphoto/trainer/internal/registry"
	"github.com/dreamphoto/trainer/internal/training"
)

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Auth     *auth.Handler
	Training *training.Handler
	Registry *registry.Handler
	Ledger   *ledger.Handler
}

type Options struct {
	Verifier    middleware.TokenVerifier
	DB          Pinger
	CORSOrigins []string
	Log         *slog.Logger
}

// New returns the root handler: /api routes behind bearer auth, plus
// /health and /metrics.
func New(h Handlers, opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	authed := middleware.BearerAuth(opts.Verifier)
	route := func(pattern, name string, fn http.HandlerFunc, protected bool) (string, http.Handler) {
		var handler http.Handler = fn
		if protected {
			handler = authed(handler)
		}
		return pattern, middleware.Instrument(name, log)(handler)
	}

	mux := http.NewServeMux()
	mux.Handle(route("POST /api/auth/token", "auth_token", h.Auth.Token, false))
	mux.Handle(route("POST /api/training/upload-photos", "upload_photos", h.Training.UploadPhotos, true))
	mux.Handle(route("POST /api/training/start-training", "start_training", h.Training.StartTraining, true))
	mux.Handle(route("POST /api/training/check-status", "check_status", h.Training.CheckStatus, true))
	mux.Handle(route("GET /api/training/user-models", "user_models", h.Registry.ListModels, true))
	mux.Handle(route("GET /api/training/models/{id}", "get_model", h.Registry.GetModel, true))
	mux.Handle(route("GET /api/training/balance", "balance", h.Ledger.Balance, true))

	mux.HandleFunc("GET /health", health(opts.DB))
	mux.Handle("GET /metrics", metrics.Handler())

	return cors.New(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Service-Key"},
		AllowCredentials: true,
	}).Handler(mux)
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "database": "down"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
