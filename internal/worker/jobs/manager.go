package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
	"github.com/mjmkk/opencodex-sub000/internal/worker/id"
	"github.com/mjmkk/opencodex-sub000/internal/worker/rpc"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

// Upstream is the slice of the RPC bridge the manager depends on.
type Upstream interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	Respond(id json.RawMessage, result any) error
	RespondError(id json.RawMessage, code int, message string, data any) error
}

// Thread is the client-facing thread DTO.
type Thread struct {
	ID            string    `json:"id"`
	Cwd           string    `json:"cwd"`
	Preview       string    `json:"preview"`
	ModelProvider string    `json:"modelProvider,omitempty"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Approval is a pending server-originated request awaiting a decision.
type Approval struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	ThreadID  string          `json:"threadId"`
	TurnID    string          `json:"turnId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Kind      string          `json:"kind"`
	Method    string          `json:"-"`
	RequestID json.RawMessage `json:"-"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type threadTurn struct {
	threadID string
	turnID   string
}

// EventHook observes every appended envelope together with its thread.
// Hooks run on the appending goroutine after subscriber fan-out.
type EventHook func(threadID string, env Envelope)

// Manager owns jobs, approvals, and the thread cache. All correlation
// maps are guarded by a single mutex; per-job event logs have their
// own locks.
type Manager struct {
	upstream  Upstream
	store     *store.Store
	cfg       *config.Config
	clock     func() time.Time
	retention int
	sanitizer *bluemonday.Policy

	mu                  sync.Mutex
	jobs                map[string]*Job
	byThreadTurn        map[threadTurn]string
	activeByThread      map[string]string
	pendingTurnByThread map[string]string
	approvals           map[string]*Approval
	threads             map[string]Thread
	loaded              map[string]struct{}

	hooksMu sync.Mutex
	hooks   []EventHook

	persistCh chan func(ctx context.Context)
	persistWG sync.WaitGroup
}

// NewManager creates a Manager. Call Close to drain the async
// persistence queue.
func NewManager(upstream Upstream, st *store.Store, cfg *config.Config, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	retention := cfg.EventRetention
	if retention <= 0 {
		retention = 2000
	}
	m := &Manager{
		upstream:            upstream,
		store:               st,
		cfg:                 cfg,
		clock:               clock,
		retention:           retention,
		sanitizer:           bluemonday.StrictPolicy(),
		jobs:                make(map[string]*Job),
		byThreadTurn:        make(map[threadTurn]string),
		activeByThread:      make(map[string]string),
		pendingTurnByThread: make(map[string]string),
		approvals:           make(map[string]*Approval),
		threads:             make(map[string]Thread),
		loaded:              make(map[string]struct{}),
		persistCh:           make(chan func(ctx context.Context), 1024),
	}
	m.persistWG.Add(1)
	go m.persistLoop()
	return m
}

// OnEvent registers a hook observing every appended envelope.
func (m *Manager) OnEvent(h EventHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Close drains pending cache writes.
func (m *Manager) Close() {
	close(m.persistCh)
	m.persistWG.Wait()
}

// Initialize performs the upstream handshake.
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.upstream.Request(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "worker", "version": "1"},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := m.upstream.Notify("initialized", nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	for fn := range m.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		fn(ctx)
		cancel()
	}
}

func (m *Manager) persist(fn func(ctx context.Context)) {
	defer func() {
		// Close races with late appends during shutdown; losing a cache
		// write then is acceptable, the store is not the source of truth.
		_ = recover()
	}()
	m.persistCh <- fn
}

// onAppendFor builds the per-job append hook: persist the envelope and
// notify registered hooks (projection invalidation, push dispatch).
func (m *Manager) onAppendFor(threadID string) func(Envelope) {
	return func(env Envelope) {
		row := store.Event{
			JobID:   env.JobID,
			Seq:     env.Seq,
			Type:    env.Type,
			TS:      env.TS.UTC().Format(time.RFC3339Nano),
			Payload: string(marshalPayload(env.Payload)),
		}
		m.persist(func(ctx context.Context) {
			if err := m.store.AppendEvent(ctx, row); err != nil {
				slog.Warn("persist event failed", "job_id", row.JobID, "seq", row.Seq, "error", err)
			}
		})

		m.hooksMu.Lock()
		hooks := make([]EventHook, len(m.hooks))
		copy(hooks, m.hooks)
		m.hooksMu.Unlock()
		for _, h := range hooks {
			h(threadID, env)
		}
	}
}

func jobRow(snap Snapshot) store.Job {
	row := store.Job{
		ID:        snap.ID,
		ThreadID:  snap.ThreadID,
		TurnID:    snap.TurnID,
		State:     snap.State,
		Error:     snap.Error,
		CreatedAt: snap.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if snap.TerminalAt != nil {
		row.TerminalAt.Valid = true
		row.TerminalAt.String = snap.TerminalAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func (m *Manager) persistJob(j *Job) {
	row := jobRow(j.Snapshot())
	m.persist(func(ctx context.Context) {
		if err := m.store.UpsertJob(ctx, row); err != nil {
			slog.Warn("persist job failed", "job_id", row.ID, "error", err)
		}
	})
}

// persistJobSync writes the job row before any dependent rows (events,
// approvals) can be written; both carry foreign keys on jobs.
func (m *Manager) persistJobSync(j *Job) {
	row := jobRow(j.Snapshot())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertJob(ctx, row); err != nil {
		slog.Warn("persist job failed", "job_id", row.ID, "error", err)
	}
}

// ---- threads ----

// upstreamThread tolerates both cwd and workingDirectory spellings.
type upstreamThread struct {
	ID               string `json:"id"`
	Cwd              string `json:"cwd"`
	WorkingDirectory string `json:"workingDirectory"`
	Preview          string `json:"preview"`
	ModelProvider    string `json:"modelProvider"`
	Archived         bool   `json:"archived"`
}

func (m *Manager) threadFromUpstream(ut upstreamThread) Thread {
	now := m.clock()
	t := Thread{
		ID:            ut.ID,
		Cwd:           ut.Cwd,
		Preview:       m.sanitizePreview(ut.Preview),
		ModelProvider: ut.ModelProvider,
		Archived:      ut.Archived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if t.Cwd == "" {
		t.Cwd = ut.WorkingDirectory
	}
	m.mu.Lock()
	if prev, ok := m.threads[ut.ID]; ok {
		t.CreatedAt = prev.CreatedAt
		if t.Preview == "" {
			t.Preview = prev.Preview
		}
		// Archived is worker-local state; keep ours.
		t.Archived = prev.Archived
	}
	m.mu.Unlock()
	return t
}

// sanitizePreview strips markup from agent-provided preview text and
// truncates it for list views.
func (m *Manager) sanitizePreview(s string) string {
	s = m.sanitizer.Sanitize(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 140 {
		s = s[:140]
	}
	return s
}

func (m *Manager) cacheThread(t Thread) {
	m.mu.Lock()
	m.threads[t.ID] = t
	m.mu.Unlock()

	row := store.Thread{
		ID:            t.ID,
		Cwd:           t.Cwd,
		Preview:       t.Preview,
		ModelProvider: t.ModelProvider,
		Archived:      t.Archived,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	m.persist(func(ctx context.Context) {
		if err := m.store.UpsertThread(ctx, row); err != nil {
			slog.Warn("persist thread failed", "thread_id", row.ID, "error", err)
		}
	})
}

// CreateThreadRequest is the client payload for POST /v1/threads.
type CreateThreadRequest struct {
	Project        string `json:"project"`
	Name           string `json:"name,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
}

// CreateThread resolves the project against the allow-list, starts an
// upstream thread, and mirrors it into the cache.
func (m *Manager) CreateThread(ctx context.Context, req CreateThreadRequest) (Thread, error) {
	project, ok := m.cfg.ResolveProject(req.Project)
	if !ok {
		return Thread{}, apierr.NotFound("project", req.Project)
	}

	params := map[string]any{"cwd": project.Path}
	if req.ApprovalPolicy != "" {
		params["approvalPolicy"] = req.ApprovalPolicy
	}
	if req.Sandbox != "" {
		params["sandbox"] = req.Sandbox
	}

	result, err := m.upstream.Request(ctx, "thread/start", params)
	if err != nil {
		return Thread{}, upstreamErr(err)
	}

	var res struct {
		Thread   upstreamThread `json:"thread"`
		ThreadID string         `json:"threadId"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return Thread{}, apierr.Upstream(fmt.Errorf("malformed thread/start result: %w", err))
	}
	ut := res.Thread
	if ut.ID == "" {
		ut.ID = res.ThreadID
	}
	if ut.ID == "" {
		return Thread{}, apierr.Upstream(fmt.Errorf("thread/start result missing thread id"))
	}
	if ut.Cwd == "" && ut.WorkingDirectory == "" {
		ut.Cwd = project.Path
	}

	if req.Name != "" {
		if _, err := m.upstream.Request(ctx, "thread/name/set", map[string]any{
			"threadId": ut.ID,
			"name":     req.Name,
		}); err != nil {
			slog.Warn("thread/name/set failed", "thread_id", ut.ID, "error", err)
		}
	}

	t := m.threadFromUpstream(ut)
	m.markLoaded(t.ID)
	m.cacheThread(t)
	return t, nil
}

// ListThreads mirrors the upstream thread list into the cache.
func (m *Manager) ListThreads(ctx context.Context, archived *bool) ([]Thread, error) {
	params := map[string]any{}
	if archived != nil {
		params["archived"] = *archived
	}
	result, err := m.upstream.Request(ctx, "thread/list", params)
	if err != nil {
		return nil, upstreamErr(err)
	}

	var res struct {
		Threads []upstreamThread `json:"threads"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, apierr.Upstream(fmt.Errorf("malformed thread/list result: %w", err))
	}

	out := make([]Thread, 0, len(res.Threads))
	for _, ut := range res.Threads {
		t := m.threadFromUpstream(ut)
		m.cacheThread(t)
		if archived != nil && t.Archived != *archived {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ActivateThread ensures the agent has the thread resident, resuming
// it lazily.
func (m *Manager) ActivateThread(ctx context.Context, threadID string) (Thread, error) {
	m.mu.Lock()
	_, isLoaded := m.loaded[threadID]
	t, cached := m.threads[threadID]
	m.mu.Unlock()

	if isLoaded && cached {
		return t, nil
	}

	result, err := m.upstream.Request(ctx, "thread/resume", map[string]any{"threadId": threadID})
	if err != nil {
		return Thread{}, upstreamErr(err)
	}

	var res struct {
		Thread upstreamThread `json:"thread"`
	}
	_ = json.Unmarshal(result, &res)
	ut := res.Thread
	if ut.ID == "" {
		ut.ID = threadID
	}

	t = m.threadFromUpstream(ut)
	m.markLoaded(threadID)
	m.cacheThread(t)
	return t, nil
}

// GetThread returns the cached thread DTO.
func (m *Manager) GetThread(threadID string) (Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	return t, ok
}

// SetThreadArchived flips the worker-local archived flag.
func (m *Manager) SetThreadArchived(ctx context.Context, threadID string, archived bool) (Thread, error) {
	m.mu.Lock()
	t, ok := m.threads[threadID]
	if ok {
		t.Archived = archived
		t.UpdatedAt = m.clock()
		m.threads[threadID] = t
	}
	m.mu.Unlock()

	if !ok {
		// Fall back to the cache for threads not seen this process.
		row, err := m.store.GetThread(ctx, threadID)
		if err != nil {
			return Thread{}, apierr.NotFound("thread", threadID)
		}
		if err := m.store.SetThreadArchived(ctx, threadID, archived, m.clock().UTC().Format(time.RFC3339Nano)); err != nil {
			return Thread{}, err
		}
		return threadFromRow(row, archived), nil
	}

	m.cacheThread(t)
	return t, nil
}

// ImportThread installs an exported thread into the cache without
// touching the agent.
func (m *Manager) ImportThread(t Thread) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.clock()
	}
	t.UpdatedAt = m.clock()
	t.Preview = m.sanitizePreview(t.Preview)
	m.cacheThread(t)
}

func threadFromRow(row store.Thread, archived bool) Thread {
	created, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	return Thread{
		ID:            row.ID,
		Cwd:           row.Cwd,
		Preview:       row.Preview,
		ModelProvider: row.ModelProvider,
		Archived:      archived,
		CreatedAt:     created,
		UpdatedAt:     updated,
	}
}

func (m *Manager) markLoaded(threadID string) {
	m.mu.Lock()
	m.loaded[threadID] = struct{}{}
	m.mu.Unlock()
}

// ensureLoaded lazily resumes a thread before starting a turn.
func (m *Manager) ensureLoaded(ctx context.Context, threadID string) error {
	m.mu.Lock()
	_, ok := m.loaded[threadID]
	m.mu.Unlock()
	if ok {
		return nil
	}
	_, err := m.ActivateThread(ctx, threadID)
	return err
}

// ---- jobs ----

// TurnInput is one input item of a client message.
type TurnInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// StartTurn creates a job and starts an upstream turn. At most one
// active job may exist per thread.
func (m *Manager) StartTurn(ctx context.Context, threadID string, input []TurnInput) (Snapshot, error) {
	m.mu.Lock()
	if _, ok := m.activeByThread[threadID]; ok {
		m.mu.Unlock()
		return Snapshot{}, apierr.ThreadHasActiveJob(threadID)
	}
	j := newJob(id.WithPrefix("job"), threadID, m.retention, m.clock, m.onAppendFor(threadID))
	m.jobs[j.ID] = j
	m.activeByThread[threadID] = j.ID
	m.pendingTurnByThread[threadID] = j.ID
	m.mu.Unlock()

	metrics.ActiveJobs.Inc()

	// The job row goes in before the first event row references it.
	m.persistJobSync(j)

	j.mu.Lock()
	j.appendLocked(EventJobCreated, map[string]any{"threadId": threadID})
	j.appendLocked(EventJobState, map[string]any{"state": StateQueued})
	j.mu.Unlock()

	if err := m.ensureLoaded(ctx, threadID); err != nil {
		m.failJob(j, fmt.Sprintf("resume thread: %v", err))
		return j.Snapshot(), nil
	}

	result, err := m.upstream.Request(ctx, "turn/start", map[string]any{
		"threadId": threadID,
		"input":    input,
	})
	if err != nil {
		m.failJob(j, err.Error())
		return j.Snapshot(), nil
	}

	var res struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(result, &res)
	turnID := res.Turn.ID
	if turnID == "" {
		turnID = res.TurnID
	}

	j.mu.Lock()
	if turnID != "" && j.TurnID == "" {
		j.TurnID = turnID
	}
	// The RUNNING envelope is emitted by the turn/started notification;
	// the response transition itself is silent.
	if j.State == StateQueued {
		j.State = StateRunning
		j.UpdatedAt = m.clock()
	}
	recordedTurn := j.TurnID
	j.mu.Unlock()

	if recordedTurn != "" {
		m.recordTurnID(threadID, j.ID, recordedTurn)
	}
	m.persistJob(j)
	return j.Snapshot(), nil
}

// failJob transitions a job to FAILED with the given error message.
// Only turn/completed transitions emit job.finished; a failed start
// records the error and the state change.
func (m *Manager) failJob(j *Job, msg string) {
	j.mu.Lock()
	if IsTerminal(j.State) {
		j.mu.Unlock()
		return
	}
	j.Err = msg
	j.setStateLocked(StateFailed)
	j.mu.Unlock()

	m.clearActive(j)
	m.persistJob(j)
}

// clearActive removes a terminal job from the correlation maps.
func (m *Manager) clearActive(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeByThread[j.ThreadID] == j.ID {
		delete(m.activeByThread, j.ThreadID)
	}
	if m.pendingTurnByThread[j.ThreadID] == j.ID {
		delete(m.pendingTurnByThread, j.ThreadID)
	}
}

// recordTurnID fills a job's turn id and indexes it for correlation.
func (m *Manager) recordTurnID(threadID, jobID, turnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byThreadTurn[threadTurn{threadID, turnID}] = jobID
	if m.pendingTurnByThread[threadID] == jobID {
		delete(m.pendingTurnByThread, threadID)
	}
}

// GetJob returns a job by id.
func (m *Manager) GetJob(jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, apierr.NotFound("job", jobID)
	}
	return j, nil
}

// ListEvents replays a job's retained envelopes after the cursor.
func (m *Manager) ListEvents(jobID string, cursor *int64) ([]Envelope, int64, error) {
	j, err := m.GetJob(jobID)
	if err != nil {
		return nil, 0, err
	}
	return j.ListEvents(cursor)
}

// Subscribe attaches a listener to a job's event log.
func (m *Manager) Subscribe(jobID string, fn Listener) (func(), error) {
	j, err := m.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	return j.Subscribe(fn), nil
}

// ActiveJobForThread returns the thread's active job, if any.
func (m *Manager) ActiveJobForThread(threadID string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobID, ok := m.activeByThread[threadID]
	if !ok {
		return nil, false
	}
	j, ok := m.jobs[jobID]
	return j, ok
}

// Cancel requests cancellation. Terminal jobs short-circuit; jobs with
// no turn id yet are cancelled locally; otherwise the terminal
// transition arrives via turn/completed(interrupted).
func (m *Manager) Cancel(ctx context.Context, jobID string) (Snapshot, error) {
	j, err := m.GetJob(jobID)
	if err != nil {
		return Snapshot{}, err
	}

	j.mu.Lock()
	if IsTerminal(j.State) {
		snap := j.snapshotLocked()
		j.mu.Unlock()
		return snap, nil
	}
	turnID := j.TurnID
	if turnID == "" {
		j.setStateLocked(StateCancelled)
		snap := j.snapshotLocked()
		j.mu.Unlock()
		m.clearActive(j)
		m.persistJob(j)
		return snap, nil
	}
	j.mu.Unlock()

	if _, err := m.upstream.Request(ctx, "turn/interrupt", map[string]any{
		"threadId": j.ThreadID,
		"turnId":   turnID,
	}); err != nil {
		return Snapshot{}, upstreamErr(err)
	}
	return j.Snapshot(), nil
}

func upstreamErr(err error) *apierr.Error {
	if errors.Is(err, rpc.ErrTimeout) {
		return apierr.UpstreamTimeout()
	}
	return apierr.Upstream(err)
}
