package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/worker/id"
)

// HTTPMiddleware returns an http.Handler that logs every request with a
// correlation id, echoed back in the X-Request-Id header so mobile
// clients can quote it in bug reports. Inbound ids are kept. Server
// errors log at Warn so they surface at the default level.
func HTTPMiddleware(next http.Handler) http.Handler {
	logger := slog.With("component", "http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = id.Generate()
		}
		w.Header().Set("X-Request-Id", reqID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rw.status,
			"bytes", rw.bytes,
			"duration", time.Since(start),
		}
		if rw.status >= http.StatusInternalServerError {
			logger.Warn("request", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and the response size.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that need
// the underlying ResponseWriter (e.g. for Flush, Hijack).
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
