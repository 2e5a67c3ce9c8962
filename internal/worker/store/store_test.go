package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	return New(db)
}

func TestThreadUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := Thread{ID: "th_1", Cwd: "/p", Preview: "hi", CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, s.UpsertThread(ctx, th))

	got, err := s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	require.Equal(t, "/p", got.Cwd)
	require.False(t, got.Archived)

	// Upsert replaces mutable fields.
	th.Preview = "updated"
	th.Archived = true
	th.UpdatedAt = "2026-01-02T00:00:00Z"
	require.NoError(t, s.UpsertThread(ctx, th))

	got, err = s.GetThread(ctx, "th_1")
	require.NoError(t, err)
	require.Equal(t, "updated", got.Preview)
	require.True(t, got.Archived)

	_, err = s.GetThread(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListThreadsArchivedFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, Thread{ID: "a", Cwd: "/p", CreatedAt: "1", UpdatedAt: "1"}))
	require.NoError(t, s.UpsertThread(ctx, Thread{ID: "b", Cwd: "/p", Archived: true, CreatedAt: "2", UpdatedAt: "2"}))

	all, err := s.ListThreads(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	archived := true
	only, err := s.ListThreads(ctx, &archived)
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, "b", only[0].ID)
}

func TestSetThreadArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, Thread{ID: "a", Cwd: "/p", CreatedAt: "1", UpdatedAt: "1"}))
	require.NoError(t, s.SetThreadArchived(ctx, "a", true, "2"))

	got, err := s.GetThread(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.Archived)

	require.ErrorIs(t, s.SetThreadArchived(ctx, "nope", true, "2"), ErrNotFound)
}

func TestJobAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := Job{ID: "job_1", ThreadID: "th_1", State: "QUEUED", CreatedAt: "1", UpdatedAt: "1"}
	require.NoError(t, s.UpsertJob(ctx, j))

	for seq := int64(0); seq < 3; seq++ {
		require.NoError(t, s.AppendEvent(ctx, Event{
			JobID: "job_1", Seq: seq, Type: "job.state", TS: "1", Payload: `{}`,
		}))
	}
	// Replays of the same (job, seq) are ignored, not duplicated.
	require.NoError(t, s.AppendEvent(ctx, Event{JobID: "job_1", Seq: 0, Type: "job.state", TS: "1", Payload: `{}`}))

	events, err := s.ListEventsByThread(ctx, "th_1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		require.Equal(t, int64(i), e.Seq)
	}

	j.State = "DONE"
	j.TerminalAt.Valid = true
	j.TerminalAt.String = "2"
	require.NoError(t, s.UpsertJob(ctx, j))

	got, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	require.Equal(t, "DONE", got.State)
	require.True(t, got.TerminalAt.Valid)
}

func TestDecisionIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertJob(ctx, Job{ID: "job_1", ThreadID: "th_1", State: "RUNNING", CreatedAt: "1", UpdatedAt: "1"}))
	require.NoError(t, s.InsertApproval(ctx, Approval{
		ID: "apr_1", JobID: "job_1", ThreadID: "th_1", Kind: "command_execution",
		RequestID: "77", Method: "item/commandExecution/requestApproval", Payload: `{}`, CreatedAt: "1",
	}))

	inserted, err := s.InsertDecision(ctx, Decision{ApprovalID: "apr_1", Decision: "accept", DecidedAt: "2"})
	require.NoError(t, err)
	require.True(t, inserted)

	// The second writer loses and reads the first decision back.
	inserted, err = s.InsertDecision(ctx, Decision{ApprovalID: "apr_1", Decision: "decline", DecidedAt: "3"})
	require.NoError(t, err)
	require.False(t, inserted)

	d, err := s.GetDecision(ctx, "apr_1")
	require.NoError(t, err)
	require.Equal(t, "accept", d.Decision)

	_, err = s.GetDecision(ctx, "apr_none")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPushDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := PushDevice{Token: "tok1", Platform: "ios", CreatedAt: "1", UpdatedAt: "1", LastSeenAt: "1"}
	require.NoError(t, s.UpsertPushDevice(ctx, d))

	d.DeviceName = "phone"
	d.LastSeenAt = "2"
	require.NoError(t, s.UpsertPushDevice(ctx, d))

	devices, err := s.ListPushDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "phone", devices[0].DeviceName)

	require.NoError(t, s.DeletePushDevice(ctx, "tok1"))
	require.NoError(t, s.DeletePushDevice(ctx, "tok1")) // unknown token is a no-op

	devices, err = s.ListPushDevices(ctx)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestThreadProjectionReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceThreadProjection(ctx, "th_1", []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`}))

	n, err := s.CountThreadProjection(ctx, "th_1")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	rows, err := s.ListThreadProjection(ctx, "th_1", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(1), rows[0].ThreadCursor)

	// Replace swaps atomically.
	require.NoError(t, s.ReplaceThreadProjection(ctx, "th_1", []string{`{"seq":0}`}))
	n, err = s.CountThreadProjection(ctx, "th_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteThreadProjection(ctx, "th_1"))
	n, err = s.CountThreadProjection(ctx, "th_1")
	require.NoError(t, err)
	require.Zero(t, n)
}
