package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
)

// LoggingMiddleware logs every request at Info level, capturing status
// code and byte count via httpsnoop instead of a hand-rolled
// ResponseWriter wrapper — httpsnoop correctly preserves optional
// interfaces (http.Flusher, http.Hijacker) that a naive wrapper drops.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", time.Since(start),
		)
	})
}
