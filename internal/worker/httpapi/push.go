package httpapi

import (
	"net/http"

	"github.com/mjmkk/opencodex-sub000/internal/worker/push"
)

func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request) {
	var req push.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.push.Register(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "registered"})
}

func (s *Server) handlePushUnregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.push.Unregister(r.Context(), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unregistered"})
}
