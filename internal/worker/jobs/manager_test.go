package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
	"github.com/mjmkk/opencodex-sub000/internal/worker/rpc"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

type upstreamCall struct {
	Method string
	Params json.RawMessage
}

type respondRec struct {
	ID     string
	Result json.RawMessage
}

type errorRec struct {
	ID      string
	Code    int
	Message string
}

// fakeUpstream records every call and serves canned results per method.
type fakeUpstream struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	errs    map[string]error

	calls      []upstreamCall
	responses  []respondRec
	respErrors []errorRec
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		results: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeUpstream) Request(_ context.Context, method string, params any) (json.RawMessage, error) {
	data, _ := json.Marshal(params)
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{Method: method, Params: data})
	result, ok := f.results[method]
	err := f.errs[method]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		result = json.RawMessage(`{}`)
	}
	return result, nil
}

func (f *fakeUpstream) Notify(method string, params any) error {
	data, _ := json.Marshal(params)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, upstreamCall{Method: method, Params: data})
	return nil
}

func (f *fakeUpstream) Respond(id json.RawMessage, result any) error {
	data, _ := json.Marshal(result)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, respondRec{ID: string(id), Result: data})
	return nil
}

func (f *fakeUpstream) RespondError(id json.RawMessage, code int, message string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respErrors = append(f.respErrors, errorRec{ID: string(id), Code: code, Message: message})
	return nil
}

func (f *fakeUpstream) callsFor(method string) []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []upstreamCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func newTestManager(t *testing.T) (*Manager, *fakeUpstream) {
	t.Helper()
	fake := newFakeUpstream()
	cfg := &config.Config{
		Projects:       []config.Project{{ID: "p1", Name: "proj", Path: "/p"}},
		EventRetention: 100,
	}
	m := NewManager(fake, newTestStore(t), cfg, testClock())
	t.Cleanup(m.Close)
	return m, fake
}

func eventTypes(events []Envelope) []string {
	out := make([]string, len(events))
	for i, env := range events {
		out[i] = env.Type
	}
	return out
}

func startThread(t *testing.T, m *Manager, fake *fakeUpstream) Thread {
	t.Helper()
	fake.mu.Lock()
	fake.results["thread/start"] = json.RawMessage(`{"thread":{"id":"th_1","cwd":"/p"}}`)
	fake.mu.Unlock()

	thread, err := m.CreateThread(context.Background(), CreateThreadRequest{Project: "p1"})
	require.NoError(t, err)
	require.Equal(t, "th_1", thread.ID)
	return thread
}

func TestStartTurnHappyPath(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	fake.mu.Lock()
	fake.results["turn/start"] = json.RawMessage(`{"turn":{"id":"t1"}}`)
	fake.mu.Unlock()

	snap, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)
	require.Equal(t, StateRunning, snap.State)
	require.Equal(t, "t1", snap.TurnID)

	m.HandleNotification("turn/started", json.RawMessage(`{"threadId":"th_1","turn":{"id":"t1"}}`))
	m.HandleNotification("turn/completed", json.RawMessage(`{"threadId":"th_1","turn":{"id":"t1","status":"completed"}}`))

	events, next, err := m.ListEvents(snap.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []string{
		EventJobCreated,
		EventJobState,
		EventTurnStarted,
		EventJobState,
		EventTurnCompleted,
		EventJobState,
		EventJobFinished,
	}, eventTypes(events))
	for i, env := range events {
		require.Equal(t, int64(i), env.Seq)
	}
	require.Equal(t, int64(6), next)

	final, err := m.GetJob(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StateDone, final.Snapshot().State)
}

func TestStartTurnSingleFlight(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	fake.mu.Lock()
	fake.results["turn/start"] = json.RawMessage(`{"turn":{"id":"t1"}}`)
	fake.mu.Unlock()

	_, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)

	_, err = m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "again"}})
	require.Error(t, err)
	require.Equal(t, "THREAD_HAS_ACTIVE_JOB", apierr.From(err).Code)
}

func TestStartTurnFailureMarksFailed(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	fake.mu.Lock()
	fake.errs["turn/start"] = fmt.Errorf("agent refused")
	fake.mu.Unlock()

	snap, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)
	require.Equal(t, StateFailed, snap.State)
	require.Contains(t, snap.Error, "agent refused")

	events, _, err := m.ListEvents(snap.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []string{EventJobCreated, EventJobState, EventJobState}, eventTypes(events))

	// The thread is free for a new turn.
	fake.mu.Lock()
	delete(fake.errs, "turn/start")
	fake.results["turn/start"] = json.RawMessage(`{"turn":{"id":"t2"}}`)
	fake.mu.Unlock()

	_, err = m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "retry"}})
	require.NoError(t, err)
}

func TestCancelWithoutTurnID(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	// The turn/start result carries no turn id, so cancellation is local.
	snap, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)
	require.Empty(t, snap.TurnID)

	cancelled, err := m.Cancel(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, cancelled.State)
	require.Empty(t, fake.callsFor("turn/interrupt"))

	// Terminal jobs short-circuit on repeat.
	again, err := m.Cancel(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, again.State)
}

func TestCancelWithTurnID(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	fake.mu.Lock()
	fake.results["turn/start"] = json.RawMessage(`{"turn":{"id":"t1"}}`)
	fake.mu.Unlock()

	snap, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)

	interrupted, err := m.Cancel(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunning, interrupted.State)
	require.Len(t, fake.callsFor("turn/interrupt"), 1)

	// The terminal transition arrives via notification.
	m.HandleNotification("turn/completed", json.RawMessage(`{"threadId":"th_1","turn":{"id":"t1","status":"interrupted"}}`))
	j, err := m.GetJob(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StateCancelled, j.Snapshot().State)
}

func TestTurnCompletedFailureRecordsError(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	fake.mu.Lock()
	fake.results["turn/start"] = json.RawMessage(`{"turn":{"id":"t1"}}`)
	fake.mu.Unlock()

	snap, err := m.StartTurn(context.Background(), "th_1", []TurnInput{{Type: "text", Text: "hi"}})
	require.NoError(t, err)

	m.HandleNotification("turn/completed", json.RawMessage(
		`{"threadId":"th_1","turn":{"id":"t1","status":"failed","error":{"message":"model overloaded"}}}`))

	j, err := m.GetJob(snap.ID)
	require.NoError(t, err)
	got := j.Snapshot()
	require.Equal(t, StateFailed, got.State)
	require.Equal(t, "model overloaded", got.Error)
}

func TestUnknownNotificationIgnored(t *testing.T) {
	m, _ := newTestManager(t)
	m.HandleNotification("something/new", json.RawMessage(`{"threadId":"th_x"}`))
}

func TestUnsupportedServerRequest(t *testing.T) {
	m, fake := newTestManager(t)

	m.HandleRequest(rpc.ServerRequest{
		ID:     json.RawMessage(`42`),
		Method: "fs/readFile",
		Params: json.RawMessage(`{}`),
	})

	require.Len(t, fake.respErrors, 1)
	require.Equal(t, -32601, fake.respErrors[0].Code)
	require.Equal(t, "42", fake.respErrors[0].ID)
}

func TestUncorrelatedApprovalRejected(t *testing.T) {
	m, fake := newTestManager(t)

	m.HandleRequest(rpc.ServerRequest{
		ID:     json.RawMessage(`43`),
		Method: "item/commandExecution/requestApproval",
		Params: json.RawMessage(`{"threadId":"th_unknown","turnId":"t9"}`),
	})

	require.Len(t, fake.respErrors, 1)
	require.Equal(t, -32000, fake.respErrors[0].Code)
}

func TestListThreadsMirrorsCache(t *testing.T) {
	m, fake := newTestManager(t)

	fake.mu.Lock()
	fake.results["thread/list"] = json.RawMessage(
		`{"threads":[{"id":"th_a","cwd":"/p"},{"id":"th_b","cwd":"/p","preview":"<b>hi</b> there"}]}`)
	fake.mu.Unlock()

	threads, err := m.ListThreads(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, threads, 2)

	// Preview markup is stripped.
	cached, ok := m.GetThread("th_b")
	require.True(t, ok)
	require.Equal(t, "hi there", cached.Preview)
}

func TestActivateThreadResumesOnce(t *testing.T) {
	m, fake := newTestManager(t)

	fake.mu.Lock()
	fake.results["thread/resume"] = json.RawMessage(`{"thread":{"id":"th_9","cwd":"/p"}}`)
	fake.mu.Unlock()

	_, err := m.ActivateThread(context.Background(), "th_9")
	require.NoError(t, err)
	_, err = m.ActivateThread(context.Background(), "th_9")
	require.NoError(t, err)

	require.Len(t, fake.callsFor("thread/resume"), 1)
}

func TestCreateThreadUnknownProject(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CreateThread(context.Background(), CreateThreadRequest{Project: "nope"})
	require.Error(t, err)
	require.Equal(t, "PROJECT_NOT_FOUND", apierr.From(err).Code)
}

func TestSetThreadArchived(t *testing.T) {
	m, fake := newTestManager(t)
	startThread(t, m, fake)

	archived, err := m.SetThreadArchived(context.Background(), "th_1", true)
	require.NoError(t, err)
	require.True(t, archived.Archived)

	unarchived, err := m.SetThreadArchived(context.Background(), "th_1", false)
	require.NoError(t, err)
	require.False(t, unarchived.Archived)
}
