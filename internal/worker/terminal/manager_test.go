package terminal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
)

// newTestManager spawns real /bin/sh shells; tests that only need frame
// mechanics use the fake process in session_test.go instead.
func newTestManager(t *testing.T, cfg config.Terminal) *Manager {
	t.Helper()
	t.Setenv("SHELL", "/bin/sh")
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	if cfg.MaxInputBytes == 0 {
		cfg.MaxInputBytes = 4096
	}
	if cfg.MaxScrollbackBytes == 0 {
		cfg.MaxScrollbackBytes = 64 * 1024
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerOpenAndReuse(t *testing.T) {
	m := newTestManager(t, config.Terminal{})
	cwd := t.TempDir()

	snap, reused, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)
	require.False(t, reused)
	require.Equal(t, StatusRunning, snap.Status)
	require.Equal(t, cwd, snap.Cwd)
	// Zero dimensions fall back to 80x24.
	require.Equal(t, 80, snap.Cols)
	require.Equal(t, 24, snap.Rows)

	again, reused, err := m.Open("th_1", cwd, 120, 40)
	require.NoError(t, err)
	require.True(t, reused)
	require.Equal(t, snap.ID, again.ID)

	other, reused, err := m.Open("th_2", cwd, 100, 30)
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, snap.ID, other.ID)
}

func TestManagerCapacity(t *testing.T) {
	m := newTestManager(t, config.Terminal{MaxSessions: 1})
	cwd := t.TempDir()

	_, _, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)

	_, _, err = m.Open("th_2", cwd, 0, 0)
	require.Error(t, err)
	require.Equal(t, "TERMINAL_CAPACITY", apierr.From(err).Code)

	// Reuse of the existing session is not a new spawn and stays allowed.
	_, reused, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)
	require.True(t, reused)
}

func TestManagerGetByThread(t *testing.T) {
	m := newTestManager(t, config.Terminal{})
	cwd := t.TempDir()

	snap, _, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)

	sess, ok := m.GetByThread("th_1")
	require.True(t, ok)
	require.Equal(t, snap.ID, sess.ID)

	_, ok = m.GetByThread("th_none")
	require.False(t, ok)

	_, err = m.Get("term_none")
	require.Error(t, err)
	require.Equal(t, "TERMINAL_NOT_FOUND", apierr.From(err).Code)
}

func TestManagerCloseForce(t *testing.T) {
	m := newTestManager(t, config.Terminal{})
	cwd := t.TempDir()

	snap, _, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)

	closed, err := m.Close(snap.ID, "client_request", true)
	require.NoError(t, err)
	require.Equal(t, StatusExited, closed.Status)

	// Force-close removes the session and frees the thread slot.
	_, err = m.Get(snap.ID)
	require.Error(t, err)
	_, ok := m.GetByThread("th_1")
	require.False(t, ok)

	fresh, reused, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)
	require.False(t, reused)
	require.NotEqual(t, snap.ID, fresh.ID)
}

func TestManagerIdleSweep(t *testing.T) {
	m := newTestManager(t, config.Terminal{
		IdleTTL:       20 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	cwd := t.TempDir()

	snap, _, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := m.Get(snap.ID); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("idle session never reclaimed")
}

func TestManagerAttachedSessionSurvivesSweep(t *testing.T) {
	m := newTestManager(t, config.Terminal{
		IdleTTL:       20 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	cwd := t.TempDir()

	snap, _, err := m.Open("th_1", cwd, 0, 0)
	require.NoError(t, err)

	_, _, err = m.Attach(snap.ID, "client_1", -1, func(Frame) {})
	require.NoError(t, err)
	defer m.Detach(snap.ID, "client_1")

	time.Sleep(150 * time.Millisecond)

	sess, err := m.Get(snap.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, sess.Snapshot().Status)
}
