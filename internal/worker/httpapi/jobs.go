package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
)

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j.Snapshot()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req jobs.ApproveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ApprovalID == "" {
		writeError(w, apierr.InvalidRequest("approvalId is required"))
		return
	}

	result, err := s.jobs.Approve(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": snap})
}

// parseCursor reads the cursor query parameter. Absent or the literal
// "null" means replay from the start.
func parseCursor(r *http.Request) (*int64, error) {
	v := r.URL.Query().Get("cursor")
	if v == "" || v == "null" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, apierr.InvalidCursor("cursor must be an integer or null, got %q", v)
	}
	return &n, nil
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamJobEvents(w, r, jobID, cursor)
		return
	}

	events, next, err := s.jobs.ListEvents(jobID, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []jobs.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": next,
	})
}

// streamJobEvents serves the SSE path: replay after the cursor, then
// live envelopes until the job goes terminal or the client leaves.
func (s *Server) streamJobEvents(w http.ResponseWriter, r *http.Request, jobID string, cursor *int64) {
	j, err := s.jobs.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.InvalidRequest("streaming unsupported by connection"))
		return
	}

	// Subscribe before replay so nothing falls in the gap; the live
	// loop drops everything the replay already covered.
	live := make(chan jobs.Envelope, 256)
	overflow := make(chan struct{}, 1)
	detach := j.Subscribe(func(env jobs.Envelope) {
		select {
		case live <- env:
		default:
			select {
			case overflow <- struct{}{}:
			default:
			}
		}
	})
	defer detach()

	replay, last, err := j.ListEvents(cursor)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	for _, env := range replay {
		writeSSE(w, env)
	}
	flusher.Flush()

	if jobs.IsTerminal(j.Snapshot().State) {
		return
	}

	heartbeat := s.cfg.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			// The client fell too far behind; it re-syncs via cursor.
			return
		case env := <-live:
			if env.Seq <= last {
				continue
			}
			writeSSE(w, env)
			flusher.Flush()
			last = env.Seq
			if env.Type == jobs.EventJobFinished {
				return
			}
			// Terminal transitions without a job.finished (local
			// cancel, failed start) also end the stream once the
			// queue is drained.
			if jobs.IsTerminal(j.Snapshot().State) && len(live) == 0 {
				return
			}
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env jobs.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, data)
}
