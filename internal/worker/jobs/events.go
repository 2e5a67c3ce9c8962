// Package jobs owns the worker's job and approval model: it translates
// the agent's notification stream into job state transitions, maintains
// per-job append-only event logs with cursor replay, and correlates
// server-originated approval requests with their owning jobs.
package jobs

import (
	"encoding/json"
	"time"
)

// Event envelope types. The set is closed; clients switch on it.
const (
	EventJobCreated    = "job.created"
	EventJobState      = "job.state"
	EventJobFinished   = "job.finished"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventItemStarted   = "item.started"
	EventItemCompleted = "item.completed"
	EventAgentDelta    = "item.agentMessage.delta"
	EventCommandDelta  = "item.commandExecution.outputDelta"
	EventFileDelta     = "item.fileChange.outputDelta"
	EventApprovalReq   = "approval.required"
	EventApprovalRes   = "approval.resolved"
	EventThreadStarted = "thread.started"
	EventError         = "error"
)

// Envelope is the wire record exposed to clients. Seq is strictly
// monotonic per job, starting at 0.
type Envelope struct {
	Type    string          `json:"type"`
	TS      time.Time       `json:"ts"`
	JobID   string          `json:"jobId"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Job states.
const (
	StateQueued          = "QUEUED"
	StateRunning         = "RUNNING"
	StateWaitingApproval = "WAITING_APPROVAL"
	StateDone            = "DONE"
	StateFailed          = "FAILED"
	StateCancelled       = "CANCELLED"
)

// IsTerminal reports whether a job state is terminal.
func IsTerminal(state string) bool {
	switch state {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Approval kinds.
const (
	KindCommandExecution = "command_execution"
	KindFileChange       = "file_change"
)

// Client decision strings.
const (
	DecisionAccept           = "accept"
	DecisionAcceptForSession = "accept_for_session"
	DecisionDecline          = "decline"
	DecisionCancel           = "cancel"
	DecisionAcceptAmended    = "accept_with_execpolicy_amendment"
)

// marshalPayload encodes v, falling back to null on failure. Payloads
// are pass-throughs of upstream JSON plus correlation fields, so a
// marshal failure here is a programming error worth surfacing as null
// rather than dropping the envelope.
func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
