package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/id"
	"github.com/mjmkk/opencodex-sub000/internal/worker/terminal"
)

func (s *Server) handleTerminalState(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	sess, ok := s.terminals.GetByThread(threadID)
	if !ok {
		writeError(w, apierr.NotFound("terminal session", threadID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess.Snapshot()})
}

func (s *Server) handleTerminalOpen(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var req struct {
		Cwd  string `json:"cwd"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	cwd := req.Cwd
	if cwd == "" {
		if t, ok := s.jobs.GetThread(threadID); ok {
			cwd = t.Cwd
		}
	}

	snap, reused, err := s.terminals.Open(threadID, cwd, req.Cols, req.Rows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": snap,
		"reused":  reused,
		"wsPath":  fmt.Sprintf("/v1/terminals/%s/stream", snap.ID),
	})
}

func (s *Server) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.terminals.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess.Snapshot()})
}

func (s *Server) handleTerminalClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Force  bool   `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "client_request"
	}

	snap, err := s.terminals.Close(r.PathValue("id"), req.Reason, req.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": snap})
}

// wsMessage is the client-to-server frame set.
type wsMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	ClientTs int64  `json:"clientTs,omitempty"`
}

func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	fromSeq := int64(-1)
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, apierr.InvalidRequest("fromSeq must be an integer, got %q", v))
			return
		}
		fromSeq = n
	}

	sess, err := s.terminals.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("terminal ws accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx := r.Context()
	clientID := id.Generate()

	send := newWSSender(ctx, conn)

	snap, replay, err := s.terminals.Attach(sessionID, clientID, fromSeq, func(fr terminal.Frame) {
		send.frame(fr)
	})
	if err != nil {
		ae := apierr.From(err)
		_ = send.json(map[string]any{"type": "error", "code": ae.Code, "message": ae.Message})
		_ = conn.Close(websocket.StatusPolicyViolation, ae.Code)
		return
	}
	defer s.terminals.Detach(sessionID, clientID)

	if err := send.json(map[string]any{
		"type":      "ready",
		"sessionId": snap.ID,
		"threadId":  snap.ThreadID,
		"cwd":       snap.Cwd,
		"seq":       snap.LastSeq,
	}); err != nil {
		return
	}
	for _, fr := range replay {
		send.frame(fr)
	}

	heartbeat := s.cfg.Terminal.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	activity := make(chan struct{}, 1)
	touch := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.terminalReadLoop(ctx, conn, sess, send, touch)
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil {
				_ = conn.Close(websocket.StatusInternalError, "read failed")
			}
			return
		case <-activity:
			lastActivity = time.Now()
		case <-ticker.C:
			if time.Since(lastActivity) > 2*heartbeat {
				_ = conn.Close(websocket.StatusInternalError, "client inactive")
				return
			}
			_ = send.json(map[string]any{"type": "ping"})
		}
	}
}

// terminalReadLoop consumes client frames until detach or error. A nil
// return means a clean close.
func (s *Server) terminalReadLoop(ctx context.Context, conn *websocket.Conn, sess *terminal.Session,
	send *wsSender, touch func()) error {

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		touch()

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "invalid message")
			return nil
		}

		switch msg.Type {
		case "input":
			if err := sess.WriteInput([]byte(msg.Data)); err != nil {
				ae := apierr.From(err)
				_ = send.json(map[string]any{"type": "error", "code": ae.Code, "message": ae.Message})
			}
		case "resize":
			if err := sess.Resize(msg.Cols, msg.Rows); err != nil {
				ae := apierr.From(err)
				_ = send.json(map[string]any{"type": "error", "code": ae.Code, "message": ae.Message})
			}
		case "ping":
			_ = send.json(map[string]any{"type": "pong", "clientTs": msg.ClientTs})
		case "pong":
			// Heartbeat response; activity already recorded.
		case "detach":
			_ = conn.Close(websocket.StatusNormalClosure, "detach")
			return nil
		default:
			_ = send.json(map[string]any{"type": "error", "code": "INVALID_REQUEST",
				"message": fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

// wsSender serializes concurrent writers (session listener, heartbeat,
// read loop replies) onto one connection.
type wsSender struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSender(ctx context.Context, conn *websocket.Conn) *wsSender {
	return &wsSender{ctx: ctx, conn: conn}
}

func (s *wsSender) json(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		return err
	}
	metrics.WSMessagesTotal.Inc()
	return nil
}

func (s *wsSender) frame(fr terminal.Frame) {
	if err := s.json(fr); err != nil {
		// The connection is gone; the detach in the handler cleans up.
		return
	}
}
