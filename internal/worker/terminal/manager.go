package terminal

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/config"
	"github.com/mjmkk/opencodex-sub000/internal/worker/id"
)

// Manager owns every terminal session and the thread-to-session index
// under one lock. At most one running session exists per thread.
type Manager struct {
	cfg   config.Terminal
	shell string
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byThread map[string]string

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a Manager and starts the idle sweep.
func NewManager(cfg config.Terminal) *Manager {
	m := &Manager{
		cfg:      cfg,
		shell:    resolveDefaultShell(),
		clock:    time.Now,
		sessions: make(map[string]*Session),
		byThread: make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Shutdown stops the sweep and kills every running session.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close("shutdown", true)
	}
}

// Open returns the thread's running session, or spawns one. reused
// reports whether an existing session was returned.
func (m *Manager) Open(threadID, cwd string, cols, rows int) (Snapshot, bool, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	cols = clamp(cols, minCols, maxCols)
	rows = clamp(rows, minRows, maxRows)

	m.mu.Lock()
	if sid, ok := m.byThread[threadID]; ok {
		if s, ok := m.sessions[sid]; ok {
			m.mu.Unlock()
			s.mu.Lock()
			if s.status == StatusRunning {
				s.touchLocked()
				snap := s.snapshotLocked()
				s.mu.Unlock()
				return snap, true, nil
			}
			s.mu.Unlock()
			m.mu.Lock()
		}
	}

	running := 0
	for _, s := range m.sessions {
		if s.Snapshot().Status != StatusExited {
			running++
		}
	}
	if running >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return Snapshot{}, false, apierr.TerminalCapacity(m.cfg.MaxSessions)
	}
	m.mu.Unlock()

	proc, mode, err := spawn(m.shell, cwd, uint16(cols), uint16(rows))
	if err != nil {
		return Snapshot{}, false, err
	}
	supportsHooks := mode == ModePTY && strings.Contains(m.shell, "zsh")

	s := newSession(id.WithPrefix("term"), threadID, cwd, cols, rows, proc, mode, supportsHooks,
		m.cfg.MaxScrollbackBytes, m.cfg.MaxInputBytes, m.clock, m.handleExit)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byThread[threadID] = s.ID
	m.mu.Unlock()

	metrics.ActiveTerminals.Inc()
	s.installHooks()

	slog.Info("terminal opened",
		"session_id", s.ID,
		"thread_id", threadID,
		"mode", mode,
		"pid", proc.Pid(),
	)
	return s.Snapshot(), false, nil
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, apierr.NotFound("terminal session", sessionID)
	}
	return s, nil
}

// GetByThread returns the thread's indexed session, if any.
func (m *Manager) GetByThread(threadID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byThread[threadID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[sid]
	return s, ok
}

// Attach registers a client listener with replay.
func (m *Manager) Attach(sessionID, clientID string, fromSeq int64, fn func(Frame)) (Snapshot, []Frame, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return s.Attach(clientID, fromSeq, fn)
}

// Detach removes a client listener, cleaning up exited sessions once
// the last client leaves.
func (m *Manager) Detach(sessionID, clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if s.Detach(clientID) {
		m.remove(s)
	}
}

// Close kills a session's shell.
func (m *Manager) Close(sessionID, reason string, force bool) (Snapshot, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := s.Close(reason, force)
	if force {
		m.remove(s)
	}
	return snap, nil
}

// handleExit is the session exit callback: drop the thread index so a
// new open spawns a fresh shell, and clean up when nobody is attached.
func (m *Manager) handleExit(s *Session) {
	m.mu.Lock()
	if m.byThread[s.ThreadID] == s.ID {
		delete(m.byThread, s.ThreadID)
	}
	m.mu.Unlock()

	if s.ClientCount() == 0 {
		m.remove(s)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if m.byThread[s.ThreadID] == s.ID {
		delete(m.byThread, s.ThreadID)
	}
	m.mu.Unlock()
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep reclaims sessions that are provably idle: no clients, shell
// reports idle with zero background jobs, no live children, and no
// activity for the idle TTL.
func (m *Manager) sweep() {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	now := m.clock()
	for _, s := range candidates {
		status, clients, busy, jobs, lastActive, pid := s.idleStats()
		if status != StatusRunning || clients > 0 || busy || jobs > 0 {
			continue
		}
		if now.Sub(lastActive) < m.cfg.IdleTTL {
			continue
		}
		if hasChildren(pid) {
			continue
		}
		slog.Info("reclaiming idle terminal", "session_id", s.ID, "idle", now.Sub(lastActive))
		s.Close("idle_timeout", true)
		m.remove(s)
	}
}

// hasChildren reports whether the shell has live child processes.
func hasChildren(pid int) bool {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}
