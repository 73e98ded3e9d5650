package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamphoto/trainer/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument counts requests per route and logs slow or failed ones.
func Instrument(route string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
			if rec.code >= http.StatusInternalServerError {
				log.Warn("request failed", "route", route, "code", rec.code, "duration", time.Since(start))
			}
		})
	}
}
