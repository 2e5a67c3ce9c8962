package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
)

type readItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

type readTurn struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Items []readItem `json:"items"`
}

type readResult struct {
	Thread struct {
		Turns []readTurn `json:"turns"`
	} `json:"thread"`
	Turns []readTurn `json:"turns"`
}

// build reads the thread from the agent and linearizes turns[*].items[*]
// into envelopes. Seq on projected envelopes is the thread cursor, not
// a per-job seq; live envelopes appended later keep their own.
func (p *Projection) build(ctx context.Context, threadID string) ([]jobs.Envelope, error) {
	result, err := p.upstream.Request(ctx, "thread/read", map[string]any{"threadId": threadID})
	if err != nil {
		return nil, err
	}
	var res readResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("malformed thread/read result: %w", err)
	}
	turns := res.Thread.Turns
	if len(turns) == 0 {
		turns = res.Turns
	}

	liveJobID := ""
	if j, ok := p.active.ActiveJobForThread(threadID); ok {
		liveJobID = j.ID
	}

	now := p.clock()
	var out []jobs.Envelope
	emit := func(jobID, typ string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			data = json.RawMessage("null")
		}
		out = append(out, jobs.Envelope{
			Type:    typ,
			TS:      now,
			JobID:   jobID,
			Seq:     int64(len(out)),
			Payload: data,
		})
	}

	for _, turn := range turns {
		for _, item := range turn.Items {
			if item.Type != "userMessage" && item.Type != "agentMessage" {
				continue
			}
			payload := map[string]any{"type": item.Type, "id": item.ID}
			if item.Text != "" {
				payload["text"] = item.Text
			} else if len(item.Content) > 0 {
				payload["content"] = json.RawMessage(item.Content)
			}
			emit(turn.ID, jobs.EventItemCompleted, payload)
		}

		state, terminal := mapTurnState(turn.Status)
		switch {
		case terminal:
			emit(turn.ID, jobs.EventJobState, map[string]any{"state": state})
			emit(turn.ID, jobs.EventJobFinished, map[string]any{"state": state})
		case state == jobs.StateRunning && liveJobID != "":
			// A RUNNING envelope only makes sense when there is a real
			// job id a client could subscribe to.
			emit(liveJobID, jobs.EventJobState, map[string]any{"state": state})
		}

		if turn.Error != nil && turn.Error.Message != "" {
			emit(turn.ID, jobs.EventError, map[string]any{"message": turn.Error.Message})
		}
	}
	return out, nil
}

func mapTurnState(status string) (state string, terminal bool) {
	switch status {
	case "completed":
		return jobs.StateDone, true
	case "failed":
		return jobs.StateFailed, true
	case "interrupted":
		return jobs.StateCancelled, true
	case "inProgress":
		return jobs.StateRunning, false
	default:
		return "", false
	}
}
