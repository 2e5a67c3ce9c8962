package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
)

func testClock() func() time.Time {
	t := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestJobSeqMonotonic(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.mu.Lock()
	for i := 0; i < 10; i++ {
		j.appendLocked(EventAgentDelta, map[string]any{"i": i})
	}
	j.mu.Unlock()

	events, next, err := j.ListEvents(nil)
	require.NoError(t, err)
	require.Len(t, events, 10)
	require.Equal(t, int64(9), next)
	for i, env := range events {
		require.Equal(t, int64(i), env.Seq)
		require.Equal(t, "job_1", env.JobID)
	}
}

func TestJobRetentionAdvancesFirstSeq(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.mu.Lock()
	for i := 0; i < 250; i++ {
		j.appendLocked(EventAgentDelta, nil)
	}
	j.mu.Unlock()

	require.Equal(t, int64(150), j.FirstSeq())

	events, _, err := j.ListEvents(nil)
	require.NoError(t, err)
	require.Len(t, events, 100)
	require.Equal(t, int64(150), events[0].Seq)
	require.Equal(t, int64(249), events[len(events)-1].Seq)
}

func TestJobCursorSemantics(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.mu.Lock()
	for i := 0; i < 250; i++ {
		j.appendLocked(EventAgentDelta, nil)
	}
	j.mu.Unlock()

	// A cursor before the retained window conflicts.
	cursor := int64(5)
	_, _, err := j.ListEvents(&cursor)
	require.Error(t, err)
	require.Equal(t, "CURSOR_EXPIRED", apierr.From(err).Code)

	// A cursor inside the window replays the tail.
	cursor = 200
	events, next, err := j.ListEvents(&cursor)
	require.NoError(t, err)
	require.Len(t, events, 49)
	require.Equal(t, int64(201), events[0].Seq)
	require.Equal(t, int64(249), next)

	// A cursor at the head returns nothing and echoes itself.
	cursor = 249
	events, next, err = j.ListEvents(&cursor)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(249), next)
}

func TestJobCursorReplayRoundTrip(t *testing.T) {
	j := newJob("job_1", "th_1", 1000, testClock(), nil)

	j.mu.Lock()
	for i := 0; i < 50; i++ {
		j.appendLocked(EventAgentDelta, nil)
	}
	j.mu.Unlock()

	full, _, err := j.ListEvents(nil)
	require.NoError(t, err)

	for k := int64(0); k < 49; k += 7 {
		cursor := k
		tail, _, err := j.ListEvents(&cursor)
		require.NoError(t, err)
		require.Equal(t, full[k+1:], tail)
	}
}

func TestJobSubscribeAndDetach(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	var got []Envelope
	detach := j.Subscribe(func(env Envelope) { got = append(got, env) })

	j.mu.Lock()
	j.appendLocked(EventAgentDelta, nil)
	j.appendLocked(EventAgentDelta, nil)
	j.mu.Unlock()

	require.Len(t, got, 2)

	detach()
	j.mu.Lock()
	j.appendLocked(EventAgentDelta, nil)
	j.mu.Unlock()
	require.Len(t, got, 2)
}

func TestJobSubscriberPanicIsolated(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.Subscribe(func(Envelope) { panic("boom") })
	var got int
	j.Subscribe(func(Envelope) { got++ })

	j.mu.Lock()
	j.appendLocked(EventAgentDelta, nil)
	j.mu.Unlock()

	require.Equal(t, 1, got)
}

func TestJobFinishedEmittedOnce(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.mu.Lock()
	j.setStateLocked(StateDone)
	j.finishLocked()
	j.finishLocked()
	j.mu.Unlock()

	events, _, err := j.ListEvents(nil)
	require.NoError(t, err)

	var finished int
	for _, env := range events {
		if env.Type == EventJobFinished {
			finished++
		}
	}
	require.Equal(t, 1, finished)
	require.NotNil(t, j.Snapshot().TerminalAt)
}

func TestJobFinishRequiresTerminalState(t *testing.T) {
	j := newJob("job_1", "th_1", 100, testClock(), nil)

	j.mu.Lock()
	j.finishLocked()
	j.mu.Unlock()

	events, _, err := j.ListEvents(nil)
	require.NoError(t, err)
	require.Empty(t, events)
}
