package api

import (
	"log/slog"
	"net/http"
	"time"

	rlog "github.com/recomma/flipledger/log"
)

// RequestLogger attaches a request scoped logger to the context and logs
// each request once it completes.
func RequestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := rlog.ForOwner(logger, r.URL.Query().Get("owner")).With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(rlog.ContextWithLogger(r.Context(), reqLogger)))
		reqLogger.Debug("request served",
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
