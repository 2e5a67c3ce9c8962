// Package httpapi is the worker's frontdoor: routing, bearer-token
// auth, JSON rendering, SSE streaming, and the terminal WebSocket.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mjmkk/opencodex-sub000/internal/logging"
	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
	"github.com/mjmkk/opencodex-sub000/internal/worker/projection"
	"github.com/mjmkk/opencodex-sub000/internal/worker/push"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
	"github.com/mjmkk/opencodex-sub000/internal/worker/terminal"
)

const maxBodyBytes = 1 << 20 // 1 MiB JSON body cap

// Server wires the worker's subsystems to HTTP.
type Server struct {
	cfg        *config.Config
	jobs       *jobs.Manager
	projection *projection.Projection
	terminals  *terminal.Manager
	push       *push.Dispatcher
	store      *store.Store

	http *http.Server
}

// New builds the Server and its routing table.
func New(cfg *config.Config, jm *jobs.Manager, proj *projection.Projection,
	tm *terminal.Manager, pd *push.Dispatcher, st *store.Store) *Server {

	s := &Server{
		cfg:        cfg,
		jobs:       jm,
		projection: proj,
		terminals:  tm,
		push:       pd,
		store:      st,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/projects", s.handleListProjects)

	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads", s.handleListThreads)
	mux.HandleFunc("POST /v1/threads/import", s.handleImportThread)
	mux.HandleFunc("POST /v1/threads/{id}/activate", s.handleActivateThread)
	mux.HandleFunc("POST /v1/threads/{id}/archive", s.handleArchiveThread(true))
	mux.HandleFunc("POST /v1/threads/{id}/unarchive", s.handleArchiveThread(false))
	mux.HandleFunc("POST /v1/threads/{id}/export", s.handleExportThread)
	mux.HandleFunc("GET /v1/threads/{id}/events", s.handleThreadEvents)
	mux.HandleFunc("POST /v1/threads/{id}/turns", s.handleStartTurn)

	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /v1/jobs/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)

	mux.HandleFunc("POST /v1/push/devices/register", s.handlePushRegister)
	mux.HandleFunc("POST /v1/push/devices/unregister", s.handlePushUnregister)

	mux.HandleFunc("GET /v1/threads/{id}/terminal", s.handleTerminalState)
	mux.HandleFunc("POST /v1/threads/{id}/terminal/open", s.handleTerminalOpen)
	mux.HandleFunc("POST /v1/terminals/{id}/resize", s.handleTerminalResize)
	mux.HandleFunc("POST /v1/terminals/{id}/close", s.handleTerminalClose)
	mux.HandleFunc("GET /v1/terminals/{id}/stream", s.handleTerminalStream)

	mux.Handle("GET /metrics", promhttp.Handler())

	// Gzip covers JSON responses only; SSE must flush per event and the
	// WebSocket upgrade needs the raw connection.
	gzipped := gzhttp.GzipHandler(mux)
	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isStreaming(r) {
			mux.ServeHTTP(w, r)
			return
		}
		gzipped.ServeHTTP(w, r)
	})

	handler := h2c.NewHandler(
		logging.HTTPMiddleware(metrics.HTTPMiddleware(s.auth(routed))),
		&http2.Server{MaxConcurrentStreams: 1000},
	)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Handler returns the composed middleware stack.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// isStreaming reports whether the request expects SSE or a WebSocket
// upgrade.
func isStreaming(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// auth enforces the bearer token on everything but /health. A token
// query parameter is accepted for WebSocket clients that cannot set
// headers.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			token = q
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			writeError(w, apierr.Unauthorized())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"authEnabled": s.cfg.Token != "",
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.cfg.Projects
	if projects == nil {
		projects = []config.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// decodeJSON reads a capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierr.PayloadTooLarge()
		}
		return apierr.InvalidRequest("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae := apierr.From(err)
	writeJSON(w, ae.Status, map[string]any{"error": ae})
}
