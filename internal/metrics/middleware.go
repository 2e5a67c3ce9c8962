package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMiddleware returns an http.Handler that records HTTP request
// count and duration metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(rw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// normalizePath collapses resource ids so metric labels stay
// low-cardinality: /v1/jobs/abc123/events -> /v1/jobs/{id}/events.
func normalizePath(path string) string {
	if path == "/health" || path == "/metrics" {
		return path
	}
	parts := strings.Split(path, "/")
	// /v1/<collection>/<id>/<rest...>
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "threads", "jobs", "terminals":
			if parts[3] != "" && parts[3] != "import" {
				parts[3] = "{id}"
			}
			return strings.Join(parts, "/")
		}
	}
	if strings.HasPrefix(path, "/v1/") {
		return path
	}
	return "/other"
}
