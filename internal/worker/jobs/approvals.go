package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

// ApproveRequest is the client payload for POST /v1/jobs/{id}/approve.
type ApproveRequest struct {
	ApprovalID          string   `json:"approvalId"`
	Decision            string   `json:"decision"`
	ExecPolicyAmendment []string `json:"execPolicyAmendment,omitempty"`
	DeclineReason       string   `json:"declineReason,omitempty"`
}

// ApproveResult echoes the recorded decision. Status is "submitted" on
// first write and "already_submitted" on replay.
type ApproveResult struct {
	Status   string `json:"status"`
	Decision string `json:"decision"`
}

// mapDecision translates a client decision into the upstream wire
// value. The amendment variant is only valid for command executions.
func mapDecision(decision string, amendment []string, kind string) (any, error) {
	switch decision {
	case DecisionAccept:
		return "accept", nil
	case DecisionAcceptForSession:
		return "acceptForSession", nil
	case DecisionDecline:
		return "decline", nil
	case DecisionCancel:
		return "cancel", nil
	case DecisionAcceptAmended:
		if kind != KindCommandExecution {
			return nil, apierr.InvalidDecisionForKind("decision %q requires a %s approval, got %s", decision, KindCommandExecution, kind)
		}
		if len(amendment) == 0 {
			return nil, apierr.InvalidExecPolicyAmendment("execPolicyAmendment must be a non-empty array of tokens")
		}
		for _, tok := range amendment {
			if tok == "" {
				return nil, apierr.InvalidExecPolicyAmendment("execPolicyAmendment tokens must be non-empty")
			}
		}
		return map[string]any{
			"acceptWithExecpolicyAmendment": map[string]any{
				"execpolicy_amendment": amendment,
			},
		}, nil
	default:
		return nil, apierr.InvalidDecision("unknown decision %q", decision)
	}
}

// GetApproval returns a pending or resolved approval by id.
func (m *Manager) GetApproval(approvalID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[approvalID]
	if !ok {
		return nil, apierr.NotFound("approval", approvalID)
	}
	return a, nil
}

// Approve records a decision for a pending approval. The first write
// wins; the upstream server-request is answered exactly once, and
// replays echo the original decision.
func (m *Manager) Approve(ctx context.Context, jobID string, req ApproveRequest) (ApproveResult, error) {
	j, err := m.GetJob(jobID)
	if err != nil {
		return ApproveResult{}, err
	}

	m.mu.Lock()
	a, ok := m.approvals[req.ApprovalID]
	m.mu.Unlock()
	if !ok || a.JobID != jobID {
		return ApproveResult{}, apierr.NotFound("approval", req.ApprovalID)
	}

	wire, err := mapDecision(req.Decision, req.ExecPolicyAmendment, a.Kind)
	if err != nil {
		return ApproveResult{}, err
	}

	// The decision row is the idempotence gate: INSERT OR IGNORE under
	// the single-writer connection makes exactly one caller the winner.
	extra := decisionExtra(req)
	inserted, err := m.store.InsertDecision(ctx, store.Decision{
		ApprovalID: a.ID,
		Decision:   req.Decision,
		DecidedAt:  m.clock().UTC().Format(time.RFC3339Nano),
		Extra:      extra,
	})
	if err != nil {
		return ApproveResult{}, err
	}
	if !inserted {
		prev, err := m.store.GetDecision(ctx, a.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ApproveResult{}, apierr.NotFound("approval", a.ID)
			}
			return ApproveResult{}, err
		}
		return ApproveResult{Status: "already_submitted", Decision: prev.Decision}, nil
	}

	if err := m.upstream.Respond(a.RequestID, map[string]any{"decision": wire}); err != nil {
		// The decision is recorded either way; the agent will surface
		// its own failure through the turn if it never hears back.
		slog.Warn("approval response failed", "approval_id", a.ID, "error", err)
	}

	j.mu.Lock()
	delete(j.pendingApprovals, a.ID)
	j.appendLocked(EventApprovalRes, map[string]any{
		"approvalId": a.ID,
		"decision":   req.Decision,
	})
	if len(j.pendingApprovals) == 0 && j.State == StateWaitingApproval {
		j.setStateLocked(StateRunning)
	}
	j.mu.Unlock()
	m.persistJob(j)

	metrics.ApprovalsResolvedTotal.WithLabelValues(req.Decision).Inc()
	return ApproveResult{Status: "submitted", Decision: req.Decision}, nil
}

func decisionExtra(req ApproveRequest) string {
	if len(req.ExecPolicyAmendment) == 0 && req.DeclineReason == "" {
		return ""
	}
	extra, err := json.Marshal(struct {
		ExecPolicyAmendment []string `json:"execPolicyAmendment,omitempty"`
		DeclineReason       string   `json:"declineReason,omitempty"`
	}{req.ExecPolicyAmendment, req.DeclineReason})
	if err != nil {
		return ""
	}
	return string(extra)
}
