package jobs

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
)

// Listener receives every envelope appended after subscription.
type Listener func(Envelope)

type subscription struct {
	id int64
	fn Listener
}

// Job wraps a single upstream turn. It exclusively owns its event log
// and subscriber set. Jobs live for the lifetime of the process; only
// events are evicted.
type Job struct {
	mu sync.Mutex

	ID       string
	ThreadID string
	TurnID   string
	State    string
	Err      string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	TerminalAt time.Time

	pendingApprovals map[string]struct{}
	finishedEmitted  bool

	nextSeq  int64
	firstSeq int64
	events   []Envelope

	retention int
	nextSubID int64
	subs      []subscription

	// onAppend is installed by the Manager to persist envelopes and
	// invalidate projections; it runs after subscriber fan-out.
	onAppend func(Envelope)

	clock func() time.Time
}

func newJob(id, threadID string, retention int, clock func() time.Time, onAppend func(Envelope)) *Job {
	now := clock()
	return &Job{
		ID:               id,
		ThreadID:         threadID,
		State:            StateQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
		pendingApprovals: make(map[string]struct{}),
		retention:        retention,
		onAppend:         onAppend,
		clock:            clock,
	}
}

// Snapshot is the job DTO returned to clients.
type Snapshot struct {
	ID                 string     `json:"id"`
	ThreadID           string     `json:"threadId"`
	TurnID             string     `json:"turnId,omitempty"`
	State              string     `json:"state"`
	Error              string     `json:"error,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	TerminalAt         *time.Time `json:"terminalAt,omitempty"`
	PendingApprovalIDs []string   `json:"pendingApprovalIds"`
}

// Snapshot returns a copy of the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:                 j.ID,
		ThreadID:           j.ThreadID,
		TurnID:             j.TurnID,
		State:              j.State,
		Error:              j.Err,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		PendingApprovalIDs: make([]string, 0, len(j.pendingApprovals)),
	}
	if !j.TerminalAt.IsZero() {
		t := j.TerminalAt
		s.TerminalAt = &t
	}
	for id := range j.pendingApprovals {
		s.PendingApprovalIDs = append(s.PendingApprovalIDs, id)
	}
	slices.Sort(s.PendingApprovalIDs)
	return s
}

// append assigns the next seq, applies retention, fans out to
// subscribers in registration order, and hands the envelope to the
// manager's persistence hook. Callers hold j.mu.
func (j *Job) appendLocked(typ string, payload any) Envelope {
	env := Envelope{
		Type:    typ,
		TS:      j.clock(),
		JobID:   j.ID,
		Seq:     j.nextSeq,
		Payload: marshalPayload(payload),
	}
	j.nextSeq++
	j.events = append(j.events, env)

	for len(j.events) > j.retention {
		j.events = j.events[1:]
		j.firstSeq++
	}

	j.UpdatedAt = env.TS
	metrics.EventsAppendedTotal.Inc()

	for _, sub := range j.subs {
		deliver(sub.fn, env)
	}

	if j.onAppend != nil {
		j.onAppend(env)
	}
	return env
}

// deliver isolates subscriber panics so one misbehaving listener
// cannot disrupt delivery to the others.
func deliver(fn Listener, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "job_id", env.JobID, "seq", env.Seq, "panic", r)
		}
	}()
	fn(env)
}

// ListEvents returns retained envelopes after the cursor.
// cursor == nil replays everything still in memory. The returned next
// cursor is the last returned seq, or the input cursor when nothing
// qualified.
func (j *Job) ListEvents(cursor *int64) ([]Envelope, int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	from := j.firstSeq - 1
	if cursor != nil {
		if *cursor < j.firstSeq-1 {
			return nil, 0, apierr.CursorExpired(*cursor, j.firstSeq)
		}
		from = *cursor
	}

	var out []Envelope
	for _, env := range j.events {
		if env.Seq > from {
			out = append(out, env)
		}
	}

	next := from
	if len(out) > 0 {
		next = out[len(out)-1].Seq
	}
	return out, next, nil
}

// Subscribe registers a listener for subsequent envelopes and returns
// a detach function.
func (j *Job) Subscribe(fn Listener) func() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextSubID++
	id := j.nextSubID
	j.subs = append(j.subs, subscription{id: id, fn: fn})

	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		for i, sub := range j.subs {
			if sub.id == id {
				j.subs = append(j.subs[:i], j.subs[i+1:]...)
				return
			}
		}
	}
}

// FirstSeq returns the seq of the oldest retained envelope.
func (j *Job) FirstSeq() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.firstSeq
}

// LiveEvents returns a copy of the retained envelopes.
func (j *Job) LiveEvents() []Envelope {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Envelope, len(j.events))
	copy(out, j.events)
	return out
}

// setStateLocked records a state change and emits the job.state
// envelope. Terminal transitions stamp TerminalAt and decrement the
// active-jobs gauge.
func (j *Job) setStateLocked(state string) {
	wasTerminal := IsTerminal(j.State)
	j.State = state
	j.UpdatedAt = j.clock()
	if IsTerminal(state) && !wasTerminal {
		j.TerminalAt = j.UpdatedAt
		metrics.ActiveJobs.Dec()
	}
	j.appendLocked(EventJobState, map[string]any{"state": state})
}

// finishLocked emits job.finished at most once, only in terminal states.
func (j *Job) finishLocked() {
	if j.finishedEmitted || !IsTerminal(j.State) {
		return
	}
	j.finishedEmitted = true
	payload := map[string]any{"state": j.State}
	if j.Err != "" {
		payload["error"] = j.Err
	}
	j.appendLocked(EventJobFinished, payload)
}
