package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/id"
	"github.com/mjmkk/opencodex-sub000/internal/worker/rpc"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

// notifParams covers every field the worker reads from agent
// notifications; the rest of the payload passes through untouched.
type notifParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Turn     struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"turn"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	ItemID string         `json:"itemId"`
	Thread upstreamThread `json:"thread"`
}

// correlate locates the job owning an agent message. Lookup order:
// exact (thread, turn) match, then the thread's job still waiting for
// its turn id (which gets filled in), then the thread's active job.
func (m *Manager) correlate(threadID, turnID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	if turnID != "" {
		if jobID, ok := m.byThreadTurn[threadTurn{threadID, turnID}]; ok {
			return m.jobs[jobID]
		}
	}
	if jobID, ok := m.pendingTurnByThread[threadID]; ok {
		j := m.jobs[jobID]
		if j != nil && turnID != "" {
			j.mu.Lock()
			if j.TurnID == "" {
				j.TurnID = turnID
			}
			j.mu.Unlock()
			m.byThreadTurn[threadTurn{threadID, turnID}] = jobID
			delete(m.pendingTurnByThread, threadID)
		}
		return j
	}
	if jobID, ok := m.activeByThread[threadID]; ok {
		return m.jobs[jobID]
	}
	return nil
}

// HandleNotification translates one agent notification into job state
// transitions and event envelopes. Unknown methods are ignored.
func (m *Manager) HandleNotification(method string, params json.RawMessage) {
	var p notifParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			slog.Warn("malformed notification params", "method", method, "error", err)
			return
		}
	}
	turnID := p.Turn.ID
	if turnID == "" {
		turnID = p.TurnID
	}

	switch method {
	case "thread/started":
		if p.Thread.ID != "" {
			m.markLoaded(p.Thread.ID)
			m.cacheThread(m.threadFromUpstream(p.Thread))
		} else if p.ThreadID != "" {
			m.markLoaded(p.ThreadID)
		}
		if j := m.correlate(p.ThreadID, turnID); j != nil {
			j.mu.Lock()
			j.appendLocked(EventThreadStarted, json.RawMessage(params))
			j.mu.Unlock()
		}

	case "turn/started":
		j := m.correlate(p.ThreadID, turnID)
		if j == nil {
			slog.Debug("turn/started for unknown job", "thread_id", p.ThreadID, "turn_id", turnID)
			return
		}
		j.mu.Lock()
		if !IsTerminal(j.State) {
			j.appendLocked(EventTurnStarted, json.RawMessage(params))
			j.setStateLocked(StateRunning)
		}
		j.mu.Unlock()
		m.persistJob(j)

	case "turn/completed":
		j := m.correlate(p.ThreadID, turnID)
		if j == nil {
			slog.Debug("turn/completed for unknown job", "thread_id", p.ThreadID, "turn_id", turnID)
			return
		}
		state := StateDone
		switch p.Turn.Status {
		case "failed":
			state = StateFailed
		case "interrupted":
			state = StateCancelled
		}
		j.mu.Lock()
		if !IsTerminal(j.State) {
			j.appendLocked(EventTurnCompleted, json.RawMessage(params))
			if state == StateFailed && p.Turn.Error != nil {
				j.Err = p.Turn.Error.Message
			}
			j.setStateLocked(state)
			j.finishLocked()
		}
		j.mu.Unlock()
		m.clearActive(j)
		m.persistJob(j)

	case "item/started":
		m.appendItemEvent(p, turnID, EventItemStarted, params)

	case "item/completed":
		m.appendItemEvent(p, turnID, EventItemCompleted, params)
		if p.Item.Type == "agentMessage" && p.Item.Text != "" {
			m.updatePreview(p.ThreadID, p.Item.Text)
		}

	case "item/agentMessage/delta":
		m.appendItemEvent(p, turnID, EventAgentDelta, params)

	case "item/commandExecution/outputDelta":
		m.appendItemEvent(p, turnID, EventCommandDelta, params)

	case "item/fileChange/outputDelta":
		m.appendItemEvent(p, turnID, EventFileDelta, params)

	case "error":
		j := m.correlate(p.ThreadID, turnID)
		if j == nil {
			slog.Warn("agent error without job", "thread_id", p.ThreadID, "message", p.Error.Message)
			return
		}
		j.mu.Lock()
		if p.Error.Message != "" {
			j.Err = p.Error.Message
		}
		j.appendLocked(EventError, json.RawMessage(params))
		j.mu.Unlock()
		m.persistJob(j)

	default:
		slog.Debug("ignoring notification", "method", method)
	}
}

func (m *Manager) appendItemEvent(p notifParams, turnID, typ string, params json.RawMessage) {
	j := m.correlate(p.ThreadID, turnID)
	if j == nil {
		slog.Debug("item event for unknown job", "thread_id", p.ThreadID, "turn_id", turnID)
		return
	}
	j.mu.Lock()
	j.appendLocked(typ, json.RawMessage(params))
	j.mu.Unlock()
}

// updatePreview refreshes the cached thread preview from the latest
// agent message.
func (m *Manager) updatePreview(threadID, text string) {
	if threadID == "" {
		return
	}
	m.mu.Lock()
	t, ok := m.threads[threadID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.Preview = m.sanitizePreview(text)
	t.UpdatedAt = m.clock()
	m.cacheThread(t)
}

// HandleRequest answers server-originated requests. Approval requests
// become pending approvals; everything else gets -32601.
func (m *Manager) HandleRequest(req rpc.ServerRequest) {
	switch req.Method {
	case "item/commandExecution/requestApproval":
		m.handleApprovalRequest(req, KindCommandExecution)
	case "item/fileChange/requestApproval":
		m.handleApprovalRequest(req, KindFileChange)
	default:
		slog.Warn("unsupported server request", "method", req.Method)
		if err := m.upstream.RespondError(req.ID, -32601, "method not found", nil); err != nil {
			slog.Warn("respond error failed", "method", req.Method, "error", err)
		}
	}
}

func (m *Manager) handleApprovalRequest(req rpc.ServerRequest, kind string) {
	var p notifParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}
	turnID := p.Turn.ID
	if turnID == "" {
		turnID = p.TurnID
	}
	itemID := p.ItemID
	if itemID == "" {
		itemID = p.Item.ID
	}

	j := m.correlate(p.ThreadID, turnID)
	if j == nil {
		slog.Warn("approval request without job", "method", req.Method, "thread_id", p.ThreadID, "turn_id", turnID)
		if err := m.upstream.RespondError(req.ID, -32000, "no job for approval request", nil); err != nil {
			slog.Warn("respond error failed", "method", req.Method, "error", err)
		}
		return
	}

	a := &Approval{
		ID:        id.WithPrefix("apr"),
		JobID:     j.ID,
		ThreadID:  j.ThreadID,
		TurnID:    turnID,
		ItemID:    itemID,
		Kind:      kind,
		Method:    req.Method,
		RequestID: req.ID,
		Payload:   json.RawMessage(req.Params),
		CreatedAt: m.clock(),
	}

	payload := approvalPayload(req.Params, map[string]any{
		"approvalId": a.ID,
		"kind":       kind,
		"jobId":      j.ID,
	})

	// The state transition envelope precedes the approval.required it
	// causes.
	j.mu.Lock()
	if IsTerminal(j.State) {
		state := j.State
		j.mu.Unlock()
		// The turn already ended; cancel so the agent is not left
		// waiting on an approval nobody can answer.
		slog.Warn("approval request for terminal job", "job_id", j.ID, "state", state, "method", req.Method)
		if err := m.upstream.Respond(req.ID, map[string]any{"decision": "cancel"}); err != nil {
			slog.Warn("respond cancel failed", "job_id", j.ID, "error", err)
		}
		return
	}
	j.pendingApprovals[a.ID] = struct{}{}
	if j.State != StateWaitingApproval {
		j.setStateLocked(StateWaitingApproval)
	}
	j.appendLocked(EventApprovalReq, payload)
	j.mu.Unlock()

	row := store.Approval{
		ID:        a.ID,
		JobID:     a.JobID,
		ThreadID:  a.ThreadID,
		TurnID:    a.TurnID,
		ItemID:    a.ItemID,
		Kind:      a.Kind,
		RequestID: string(a.RequestID),
		Method:    a.Method,
		Payload:   string(marshalPayload(a.Payload)),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	// Synchronous, and before the approval becomes routable: the
	// decision row references this one, and approve may race the
	// persist queue otherwise.
	insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := m.store.InsertApproval(insertCtx, row); err != nil {
		slog.Warn("persist approval failed", "approval_id", row.ID, "error", err)
	}
	cancel()

	m.mu.Lock()
	m.approvals[a.ID] = a
	m.mu.Unlock()

	m.persistJob(j)

	metrics.ApprovalsRequestedTotal.Inc()
}

// approvalPayload overlays correlation fields on the upstream params.
func approvalPayload(params json.RawMessage, extra map[string]any) map[string]any {
	out := map[string]any{}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &out)
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
