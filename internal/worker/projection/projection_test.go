package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

type fakeUpstream struct {
	mu     sync.Mutex
	result json.RawMessage
	err    error
	calls  int
}

func (f *fakeUpstream) Request(_ context.Context, method string, _ any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method != "thread/read" {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeUpstream) set(result string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = json.RawMessage(result)
	f.err = err
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noActiveJobs struct{}

func (noActiveJobs) ActiveJobForThread(string) (*jobs.Job, bool) { return nil, false }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

const threadRead = `{"thread":{"turns":[
	{"id":"t1","status":"completed","items":[
		{"id":"i1","type":"userMessage","text":"hi"},
		{"id":"i2","type":"agentMessage","text":"hello"},
		{"id":"i3","type":"reasoning","text":"hidden"}
	]},
	{"id":"t2","status":"failed","error":{"message":"boom"},"items":[
		{"id":"i4","type":"userMessage","text":"again"}
	]}
]}}`

func TestLinearizesTurns(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set(threadRead, nil)
	p := New(fake, noActiveJobs{}, newTestStore(t), time.Minute)

	page, err := p.ListThreadEvents(context.Background(), "th_1", -1, 0)
	require.NoError(t, err)

	types := make([]string, len(page.Events))
	for i, env := range page.Events {
		types[i] = env.Type
		require.Equal(t, int64(i), env.Seq)
	}
	// Turn 1: two visible items then DONE + finished. The reasoning
	// item is not part of the history. Turn 2: item, FAILED, finished,
	// error.
	require.Equal(t, []string{
		jobs.EventItemCompleted,
		jobs.EventItemCompleted,
		jobs.EventJobState,
		jobs.EventJobFinished,
		jobs.EventItemCompleted,
		jobs.EventJobState,
		jobs.EventJobFinished,
		jobs.EventError,
	}, types)

	require.Equal(t, int64(7), page.NextCursor)
	require.False(t, page.HasMore)
	require.Equal(t, int64(8), page.Total)
}

func TestPaging(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set(threadRead, nil)
	p := New(fake, noActiveJobs{}, newTestStore(t), time.Minute)

	first, err := p.ListThreadEvents(context.Background(), "th_1", -1, 3)
	require.NoError(t, err)
	require.Len(t, first.Events, 3)
	require.Equal(t, int64(2), first.NextCursor)
	require.True(t, first.HasMore)

	second, err := p.ListThreadEvents(context.Background(), "th_1", first.NextCursor, 100)
	require.NoError(t, err)
	require.Len(t, second.Events, 5)
	require.Equal(t, int64(7), second.NextCursor)
	require.False(t, second.HasMore)
}

func TestCursorOutOfRange(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set(threadRead, nil)
	p := New(fake, noActiveJobs{}, newTestStore(t), time.Minute)

	_, err := p.ListThreadEvents(context.Background(), "th_1", 50, 10)
	require.Error(t, err)
	require.Equal(t, "THREAD_CURSOR_EXPIRED", apierr.From(err).Code)

	_, err = p.ListThreadEvents(context.Background(), "th_1", -2, 10)
	require.Error(t, err)
	require.Equal(t, "INVALID_CURSOR", apierr.From(err).Code)
}

func TestSnapshotTTL(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set(threadRead, nil)
	p := New(fake, noActiveJobs{}, newTestStore(t), time.Minute)

	_, err := p.ListThreadEvents(context.Background(), "th_1", -1, 10)
	require.NoError(t, err)
	_, err = p.ListThreadEvents(context.Background(), "th_1", -1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, fake.callCount())

	p.Invalidate("th_1")
	_, err = p.ListThreadEvents(context.Background(), "th_1", -1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, fake.callCount())
}

func TestDurableFallback(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set(threadRead, nil)
	st := newTestStore(t)
	p := New(fake, noActiveJobs{}, st, time.Nanosecond)

	// First read materializes the durable tier.
	page, err := p.ListThreadEvents(context.Background(), "th_1", -1, 0)
	require.NoError(t, err)
	total := page.Total

	// Agent gone: the durable tier serves the same history.
	fake.set("", fmt.Errorf("agent down"))
	page, err = p.ListThreadEvents(context.Background(), "th_1", -1, 0)
	require.NoError(t, err)
	require.Equal(t, total, page.Total)
}

func TestStoreImported(t *testing.T) {
	fake := &fakeUpstream{}
	fake.set("", fmt.Errorf("agent down"))
	st := newTestStore(t)
	p := New(fake, noActiveJobs{}, st, time.Minute)

	envelopes := []jobs.Envelope{
		{Type: jobs.EventItemCompleted, JobID: "t1", Payload: json.RawMessage(`{"text":"hi"}`)},
		{Type: jobs.EventJobState, JobID: "t1", Payload: json.RawMessage(`{"state":"DONE"}`)},
	}
	require.NoError(t, p.StoreImported(context.Background(), "th_imported", envelopes))

	page, err := p.ListThreadEvents(context.Background(), "th_imported", -1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	require.Equal(t, jobs.EventItemCompleted, page.Events[0].Type)
}
