package terminal

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
)

// Size clamps applied to resize requests.
const (
	minCols = 10
	maxCols = 500
	minRows = 5
	maxRows = 300
)

// Session is one shell under a PTY (or pipe fallback). The manager
// creates sessions; the session owns its frame log, listeners, and
// shell-state flags under its own lock.
type Session struct {
	ID       string
	ThreadID string
	Cwd      string

	mu     sync.Mutex
	status string
	cols   int
	rows   int

	transportMode string
	supportsHooks bool

	foregroundBusy bool
	backgroundJobs int

	createdAt    time.Time
	lastActiveAt time.Time
	closeReason  string

	proc   process
	filter *stateFilter

	nextSeq       int64
	frames        []Frame
	frameBytes    int
	maxScrollback int
	maxInput      int
	exitFrame     *Frame

	listeners map[string]*frameWatcher

	clock  func() time.Time
	onExit func(*Session)
}

// watcherBuffer bounds how far one client may fall behind before frames
// are dropped for it.
const watcherBuffer = 256

// frameWatcher decouples the read loop from one attached client. Frames
// queue in a buffered channel drained by a dedicated goroutine, so a
// slow WebSocket writer cannot stall the shell or the other clients.
type frameWatcher struct {
	ch   chan Frame
	done chan struct{}
}

func newFrameWatcher(fn func(Frame)) *frameWatcher {
	w := &frameWatcher{
		ch:   make(chan Frame, watcherBuffer),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case fr := <-w.ch:
				fn(fr)
			case <-w.done:
				return
			}
		}
	}()
	return w
}

func (w *frameWatcher) send(fr Frame) {
	select {
	case w.ch <- fr:
	default:
		// Buffer full. Drop rather than block; the client catches up
		// through seq-gap replay on reattach.
	}
}

func (w *frameWatcher) stop() {
	close(w.done)
}

func newSession(id, threadID, cwd string, cols, rows int, proc process, mode string, supportsHooks bool,
	maxScrollback, maxInput int, clock func() time.Time, onExit func(*Session)) *Session {

	now := clock()
	s := &Session{
		ID:            id,
		ThreadID:      threadID,
		Cwd:           cwd,
		status:        StatusRunning,
		cols:          cols,
		rows:          rows,
		transportMode: mode,
		supportsHooks: supportsHooks,
		createdAt:     now,
		lastActiveAt:  now,
		proc:          proc,
		filter:        newStateFilter(supportsHooks, now),
		maxScrollback: maxScrollback,
		maxInput:      maxInput,
		listeners:     make(map[string]*frameWatcher),
		clock:         clock,
		onExit:        onExit,
	}
	go s.readLoop()
	go s.waitLoop()
	return s
}

// Snapshot returns a copy of the session's client-visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:                      s.ID,
		ThreadID:                s.ThreadID,
		Cwd:                     s.Cwd,
		Status:                  s.status,
		Cols:                    s.cols,
		Rows:                    s.rows,
		TransportMode:           s.transportMode,
		SupportsShellStateHooks: s.supportsHooks,
		ForegroundBusy:          s.foregroundBusy,
		BackgroundJobs:          s.backgroundJobs,
		CreatedAt:               s.createdAt,
		LastActiveAt:            s.lastActiveAt,
		LastSeq:                 s.nextSeq - 1,
	}
	if s.exitFrame != nil {
		snap.ExitCode = s.exitFrame.ExitCode
	}
	return snap
}

func (s *Session) touchLocked() {
	s.lastActiveAt = s.clock()
}

// WriteInput writes client bytes to the shell verbatim.
func (s *Session) WriteInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return apierr.SessionExited(s.ID)
	}
	if len(data) > s.maxInput {
		return apierr.InvalidRequest("input exceeds %d bytes", s.maxInput)
	}
	if _, err := s.proc.Write(data); err != nil {
		return err
	}
	s.touchLocked()
	return nil
}

// Resize clamps and forwards the new dimensions. Pipe-mode sessions
// accept the values without forwarding anywhere.
func (s *Session) Resize(cols, rows int) error {
	cols = clamp(cols, minCols, maxCols)
	rows = clamp(rows, minRows, maxRows)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusExited {
		return apierr.SessionExited(s.ID)
	}
	if err := s.proc.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	s.cols, s.rows = cols, rows
	s.touchLocked()
	return nil
}

// Attach registers a listener and computes the replay for fromSeq.
// Replay is every retained frame with seq > fromSeq, with the exit
// frame last when present.
func (s *Session) Attach(clientID string, fromSeq int64, fn func(Frame)) (Snapshot, []Frame, error) {
	if fromSeq < -1 {
		return Snapshot{}, nil, apierr.InvalidRequest("fromSeq must be >= -1, got %d", fromSeq)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) > 0 && s.frames[0].Seq > fromSeq+1 {
		return Snapshot{}, nil, apierr.TerminalCursorExpired(fromSeq, s.frames[0].Seq)
	}

	var replay []Frame
	for _, fr := range s.frames {
		if fr.Seq > fromSeq {
			replay = append(replay, fr)
		}
	}
	if s.exitFrame != nil && s.exitFrame.Seq > fromSeq {
		replay = append(replay, *s.exitFrame)
	}

	if old, ok := s.listeners[clientID]; ok {
		old.stop()
	}
	s.listeners[clientID] = newFrameWatcher(fn)
	s.touchLocked()
	return s.snapshotLocked(), replay, nil
}

// Detach removes a listener. An exited session with no remaining
// listeners is handed back to the manager for cleanup.
func (s *Session) Detach(clientID string) (cleanup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.listeners[clientID]; ok {
		w.stop()
		delete(s.listeners, clientID)
	}
	return s.status == StatusExited && len(s.listeners) == 0
}

// ClientCount returns the number of attached listeners.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Close kills the shell. The exit callback drives cleanup unless force
// is set, in which case the session is marked exited immediately.
func (s *Session) Close(reason string, force bool) Snapshot {
	s.mu.Lock()
	if s.status == StatusRunning {
		s.status = StatusClosing
		s.closeReason = reason
	}
	proc := s.proc
	s.mu.Unlock()

	proc.Kill()

	if force {
		s.markExited(-1, "")
	}
	return s.Snapshot()
}

func (s *Session) readLoop() {
	out := s.proc.Output()
	buf := make([]byte, 32*1024)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.handleOutput(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("terminal read error", "session_id", s.ID, "error", err)
			}
			return
		}
	}
}

func (s *Session) handleOutput(data []byte) {
	s.mu.Lock()

	visible, updates := s.filter.Filter(data, s.clock())
	for _, upd := range updates {
		s.foregroundBusy = upd.busy
		s.backgroundJobs = upd.jobs
	}
	if len(visible) == 0 {
		s.mu.Unlock()
		return
	}

	fr := Frame{Type: FrameOutput, Seq: s.nextSeq, Data: string(visible)}
	s.nextSeq++
	s.frames = append(s.frames, fr)
	s.frameBytes += len(fr.Data)
	for s.frameBytes > s.maxScrollback && len(s.frames) > 1 {
		s.frameBytes -= len(s.frames[0].Data)
		s.frames = s.frames[1:]
	}

	ws := s.watchersLocked()
	s.mu.Unlock()

	for _, w := range ws {
		w.send(fr)
	}
}

func (s *Session) watchersLocked() []*frameWatcher {
	ws := make([]*frameWatcher, 0, len(s.listeners))
	for _, w := range s.listeners {
		ws = append(ws, w)
	}
	return ws
}

func (s *Session) waitLoop() {
	code, signal := s.proc.Wait()
	s.markExited(code, signal)
}

// markExited transitions to exited, appends the exit frame (highest
// seq), clears shell-state flags, and notifies listeners and the
// manager.
func (s *Session) markExited(code int, signal string) {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.status = StatusExited
	s.foregroundBusy = false
	s.backgroundJobs = 0

	fr := Frame{Type: FrameExit, Seq: s.nextSeq, ExitCode: &code}
	if signal != "" {
		fr.Signal = &signal
	}
	s.nextSeq++
	s.exitFrame = &fr

	ws := s.watchersLocked()
	s.mu.Unlock()

	metrics.ActiveTerminals.Dec()
	slog.Info("terminal exited", "session_id", s.ID, "exit_code", code, "signal", signal)

	for _, w := range ws {
		w.send(fr)
	}
	if s.onExit != nil {
		s.onExit(s)
	}
}

// installHooks sends the shell-state hook script to the shell.
func (s *Session) installHooks() {
	if !s.supportsHooks {
		return
	}
	if _, err := s.proc.Write([]byte(hookScript)); err != nil {
		slog.Warn("install shell hooks failed", "session_id", s.ID, "error", err)
	}
}

// idleStats returns the fields the sweep inspects.
func (s *Session) idleStats() (status string, clients int, busy bool, jobs int, lastActive time.Time, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, len(s.listeners), s.foregroundBusy, s.backgroundJobs, s.lastActiveAt, s.proc.Pid()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
