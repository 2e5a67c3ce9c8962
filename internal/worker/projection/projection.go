// Package projection flattens the agent's hierarchical thread/read
// result (turns containing items) into a linearly-cursored event list
// for thread-switch replay, merging in the live events of the thread's
// active job.
package projection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

// DefaultTTL bounds how long an in-memory snapshot is served without
// re-reading the thread from the agent.
const DefaultTTL = 5 * time.Second

const (
	defaultLimit = 200
	maxLimit     = 1000
)

// Upstream is the one agent call the projection needs.
type Upstream interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ActiveJobs resolves a thread's currently active job so its live
// events can be appended after the projected history.
type ActiveJobs interface {
	ActiveJobForThread(threadID string) (*jobs.Job, bool)
}

// Page is one slice of a thread's event history.
type Page struct {
	Events     []jobs.Envelope `json:"events"`
	NextCursor int64           `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
	Total      int64           `json:"total"`
}

type snapshot struct {
	envelopes []jobs.Envelope
	fetchedAt time.Time
}

// Projection serves paged thread history with two cache tiers: an
// in-memory TTL snapshot and a durable table refreshed on demand.
type Projection struct {
	upstream Upstream
	active   ActiveJobs
	store    *store.Store
	ttl      time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	cache    map[string]*snapshot
	flushing map[string]bool
}

// New creates a Projection with the given snapshot TTL (DefaultTTL
// when ttl <= 0).
func New(upstream Upstream, active ActiveJobs, st *store.Store, ttl time.Duration) *Projection {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Projection{
		upstream: upstream,
		active:   active,
		store:    st,
		ttl:      ttl,
		clock:    time.Now,
		cache:    make(map[string]*snapshot),
		flushing: make(map[string]bool),
	}
}

// Invalidate drops a thread's cached projection in both tiers. Called
// for every live event, so the durable delete is coalesced.
func (p *Projection) Invalidate(threadID string) {
	p.mu.Lock()
	delete(p.cache, threadID)
	if p.flushing[threadID] {
		p.mu.Unlock()
		return
	}
	p.flushing[threadID] = true
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.DeleteThreadProjection(ctx, threadID); err != nil {
			slog.Debug("projection invalidate failed", "thread_id", threadID, "error", err)
		}
		p.mu.Lock()
		delete(p.flushing, threadID)
		p.mu.Unlock()
	}()
}

// ListThreadEvents pages a thread's history. cursor = -1 starts from
// the beginning; the next cursor is the position of the last returned
// envelope. A cursor at or past the total is out of range, checked
// against fresh data before the conflict is raised.
func (p *Projection) ListThreadEvents(ctx context.Context, threadID string, cursor int64, limit int) (Page, error) {
	if cursor < -1 {
		return Page{}, apierr.InvalidCursor("cursor must be >= -1, got %d", cursor)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	envelopes, fresh := p.load(ctx, threadID)
	total := int64(len(envelopes))

	if cursor >= total && cursor != -1 {
		// The client may be ahead of a stale snapshot.
		if !fresh {
			envelopes = p.refresh(ctx, threadID)
			total = int64(len(envelopes))
		}
		if cursor >= total {
			return Page{}, apierr.ThreadCursorExpired(cursor, total)
		}
	}

	start := cursor + 1
	end := start + int64(limit)
	if end > total {
		end = total
	}

	out := make([]jobs.Envelope, end-start)
	copy(out, envelopes[start:end])

	next := cursor
	if len(out) > 0 {
		next = end - 1
	}
	return Page{
		Events:     out,
		NextCursor: next,
		HasMore:    end < total,
		Total:      total,
	}, nil
}

// load returns the thread's combined envelope slice, serving the
// in-memory snapshot while it is within TTL. fresh reports whether the
// result was rebuilt on this call.
func (p *Projection) load(ctx context.Context, threadID string) ([]jobs.Envelope, bool) {
	p.mu.Lock()
	snap, ok := p.cache[threadID]
	p.mu.Unlock()
	if ok && p.clock().Sub(snap.fetchedAt) < p.ttl {
		return p.merge(threadID, snap.envelopes), false
	}
	return p.refresh(ctx, threadID), true
}

// refresh rebuilds the projected base from the agent, falling back to
// the durable tier and finally to the flat per-thread event scan.
func (p *Projection) refresh(ctx context.Context, threadID string) []jobs.Envelope {
	base, err := p.build(ctx, threadID)
	if err != nil {
		slog.Warn("thread/read failed, serving cached projection", "thread_id", threadID, "error", err)
		base = p.loadDurable(ctx, threadID)
	} else {
		p.storeDurable(ctx, threadID, base)
	}

	p.mu.Lock()
	p.cache[threadID] = &snapshot{envelopes: base, fetchedAt: p.clock()}
	p.mu.Unlock()

	return p.merge(threadID, base)
}

// merge appends the active job's retained live events after the
// projected base. Live envelopes keep their real per-job seq so a
// client can hand it straight to the job event stream.
func (p *Projection) merge(threadID string, base []jobs.Envelope) []jobs.Envelope {
	out := make([]jobs.Envelope, len(base))
	copy(out, base)
	if j, ok := p.active.ActiveJobForThread(threadID); ok {
		out = append(out, j.LiveEvents()...)
	}
	return out
}

// StoreImported seeds the durable tier with externally supplied
// history, e.g. a thread import. The agent-backed refresh replaces it
// once the thread becomes resumable.
func (p *Projection) StoreImported(ctx context.Context, threadID string, envelopes []jobs.Envelope) error {
	rows := make([]string, 0, len(envelopes))
	for i, env := range envelopes {
		env.Seq = int64(i)
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		rows = append(rows, string(data))
	}
	if err := p.store.ReplaceThreadProjection(ctx, threadID, rows); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.cache, threadID)
	p.mu.Unlock()
	return nil
}

func (p *Projection) storeDurable(ctx context.Context, threadID string, base []jobs.Envelope) {
	rows := make([]string, 0, len(base))
	for _, env := range base {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		rows = append(rows, string(data))
	}
	if err := p.store.ReplaceThreadProjection(ctx, threadID, rows); err != nil {
		slog.Warn("materialize projection failed", "thread_id", threadID, "error", err)
	}
}

func (p *Projection) loadDurable(ctx context.Context, threadID string) []jobs.Envelope {
	rows, err := p.store.ListThreadProjection(ctx, threadID, -1, maxLimit*10)
	if err != nil || len(rows) == 0 {
		if err != nil {
			slog.Warn("durable projection read failed", "thread_id", threadID, "error", err)
		}
		return p.loadFlat(ctx, threadID)
	}
	out := make([]jobs.Envelope, 0, len(rows))
	for _, row := range rows {
		var env jobs.Envelope
		if err := json.Unmarshal([]byte(row.Envelope), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// loadFlat is the last-resort degraded path: persisted job events for
// the thread in (job created, seq) order.
func (p *Projection) loadFlat(ctx context.Context, threadID string) []jobs.Envelope {
	rows, err := p.store.ListEventsByThread(ctx, threadID)
	if err != nil {
		slog.Warn("flat event scan failed", "thread_id", threadID, "error", err)
		return nil
	}
	out := make([]jobs.Envelope, 0, len(rows))
	for _, row := range rows {
		ts, _ := time.Parse(time.RFC3339Nano, row.TS)
		out = append(out, jobs.Envelope{
			Type:    row.Type,
			TS:      ts,
			JobID:   row.JobID,
			Seq:     row.Seq,
			Payload: json.RawMessage(row.Payload),
		})
	}
	return out
}
