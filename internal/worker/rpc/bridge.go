// Package rpc runs the upstream agent subprocess and multiplexes a
// newline-delimited JSON-RPC 2.0 dialect over its stdio.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
)

// DefaultRequestTimeout bounds how long a Request waits for the agent.
const DefaultRequestTimeout = 120 * time.Second

// StderrFullEnv disables the stderr noise filter when set to a non-empty
// value, so every agent stderr line is logged verbatim.
const StderrFullEnv = "WORKER_LOG_AGENT_STDERR_FULL"

var (
	// ErrBridgeClosed is returned for requests in flight when the agent
	// process exits or the bridge is stopped.
	ErrBridgeClosed = errors.New("agent bridge closed")

	// ErrTimeout is returned when the agent does not answer a request
	// within the configured timeout.
	ErrTimeout = errors.New("agent request timed out")

	// ErrNotRunning is returned when writing to a bridge that has no
	// live subprocess.
	ErrNotRunning = errors.New("agent bridge not running")
)

// RPCError is a JSON-RPC error object returned by the agent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerRequest is a request originated by the agent that the worker
// must answer via Respond or RespondError.
type ServerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Hooks receive bridge events. All callbacks are invoked from the
// bridge's single stdout reader goroutine, so handlers observe
// messages in arrival order.
type Hooks struct {
	OnNotification  func(method string, params json.RawMessage)
	OnRequest       func(req ServerRequest)
	OnStderr        func(line string)
	OnProtocolError func(line []byte, err error)
	OnExit          func(err error)
}

// Options configures the agent subprocess.
type Options struct {
	Command        string
	Args           []string
	Dir            string
	Env            []string // appended to the inherited environment
	RequestTimeout time.Duration
}

func (o Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

type response struct {
	result json.RawMessage
	err    *RPCError
}

// proc is the state of one subprocess incarnation. A fresh proc is
// built on every Start so reader goroutines of an old process never
// touch a newer one.
type proc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	done     chan struct{}
	waitErr  error
	failOnce sync.Once
}

// Bridge supervises one agent subprocess and routes its messages.
type Bridge struct {
	opts  Options
	hooks Hooks

	mu      sync.Mutex
	cur     *proc
	stopped bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan response
}

// New creates a Bridge. Call Start to spawn the subprocess.
func New(opts Options, hooks Hooks) *Bridge {
	return &Bridge{
		opts:    opts,
		hooks:   hooks,
		pending: make(map[int64]chan response),
	}
}

// Start spawns the agent subprocess and begins the stdout read loop.
// A Bridge can be restarted with a fresh Start after the previous
// process exited.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur != nil && !b.cur.exited() {
		return fmt.Errorf("agent already running (pid %d)", b.cur.cmd.Process.Pid)
	}

	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, b.opts.Command, b.opts.Args...)
	cmd.Dir = b.opts.Dir
	cmd.Env = append(os.Environ(), b.opts.Env...)

	// SIGTERM first so the agent can flush thread state; Go escalates
	// to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start agent: %w", err)
	}

	p := &proc{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.cur = p
	b.stopped = false

	outScanner := bufio.NewScanner(stdout)
	outScanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	go b.readStdout(p, outScanner)
	go b.readStderr(bufio.NewScanner(stderr))

	slog.Info("agent started",
		"command", b.opts.Command,
		"pid", cmd.Process.Pid,
	)
	return nil
}

// Stop terminates the subprocess and fails all pending requests.
func (b *Bridge) Stop() {
	b.mu.Lock()
	p := b.cur
	if p == nil || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	// Closing stdin signals EOF; most agents exit on their own.
	_ = p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(3 * time.Second):
		p.cancel()
	}
}

// Stopped reports whether the bridge was shut down via Stop.
func (b *Bridge) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Wait blocks until the current subprocess exits.
func (b *Bridge) Wait() error {
	b.mu.Lock()
	p := b.cur
	b.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}
	<-p.done
	return p.waitErr
}

func (p *proc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Request sends {id, method, params} and awaits the matching response.
func (b *Bridge) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	p := b.cur
	b.mu.Unlock()
	if p == nil {
		return nil, ErrNotRunning
	}

	id := b.nextID.Add(1)

	msg := map[string]any{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}

	ch := make(chan response, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	if err := b.writeLine(msg); err != nil {
		b.removePending(id)
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "write_error").Inc()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(method, "error").Inc()
			return nil, resp.err
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "ok").Inc()
		return resp.result, nil
	case <-p.done:
		b.removePending(id)
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "closed").Inc()
		return nil, ErrBridgeClosed
	case <-ctx.Done():
		b.removePending(id)
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "canceled").Inc()
		return nil, ctx.Err()
	case <-time.After(b.opts.requestTimeout()):
		// Resolve locally; a late response for this id surfaces as a
		// protocol error in dispatch.
		b.removePending(id)
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "timeout").Inc()
		return nil, ErrTimeout
	}
}

// Notify sends {method, params} without awaiting a response.
func (b *Bridge) Notify(method string, params any) error {
	msg := map[string]any{"method": method}
	if params != nil {
		msg["params"] = params
	}
	return b.writeLine(msg)
}

// Respond answers a server-originated request.
func (b *Bridge) Respond(id json.RawMessage, result any) error {
	return b.writeLine(map[string]any{"id": id, "result": result})
}

// RespondError answers a server-originated request with a JSON-RPC error.
func (b *Bridge) RespondError(id json.RawMessage, code int, message string, data any) error {
	e := map[string]any{"code": code, "message": message}
	if data != nil {
		e["data"] = data
	}
	return b.writeLine(map[string]any{"id": id, "error": e})
}

func (b *Bridge) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil || b.stopped || b.cur.exited() {
		return ErrNotRunning
	}
	if _, err := b.cur.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (b *Bridge) removePending(id int64) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// wireMessage is the probe used to classify incoming lines.
type wireMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (m *wireMessage) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

func (b *Bridge) readStdout(p *proc, scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		b.dispatch(lineCopy)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read error", "error", err)
	}

	// Drain must complete before Wait closes the pipe.
	p.waitErr = p.cmd.Wait()
	b.failAllPending(p)
	close(p.done)

	slog.Info("agent exited", "error", p.waitErr)
	if b.hooks.OnExit != nil {
		b.hooks.OnExit(p.waitErr)
	}
}

// dispatch classifies one stdout line by JSON-RPC 2.0 shape:
// (id, no method) response; (id, method) server request;
// (no id, method) notification; anything else is a protocol error.
func (b *Bridge) dispatch(line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		b.protocolError(line, fmt.Errorf("parse line: %w", err))
		return
	}

	switch {
	case msg.hasID() && msg.Method == "":
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			b.protocolError(line, fmt.Errorf("non-integer response id %s", msg.ID))
			return
		}
		b.pendingMu.Lock()
		ch, ok := b.pending[id]
		if ok {
			delete(b.pending, id)
		}
		b.pendingMu.Unlock()
		if !ok {
			b.protocolError(line, fmt.Errorf("response for unknown id %d", id))
			return
		}
		ch <- response{result: msg.Result, err: msg.Error}

	case msg.hasID():
		if b.hooks.OnRequest != nil {
			b.hooks.OnRequest(ServerRequest{ID: msg.ID, Method: msg.Method, Params: msg.Params})
		}

	case msg.Method != "":
		if b.hooks.OnNotification != nil {
			b.hooks.OnNotification(msg.Method, msg.Params)
		}

	default:
		b.protocolError(line, errors.New("message has neither id nor method"))
	}
}

// protocolError logs and surfaces a malformed or unroutable line.
// Protocol errors never tear down the connection.
func (b *Bridge) protocolError(line []byte, err error) {
	metrics.ProtocolErrorsTotal.Inc()
	slog.Warn("agent protocol error", "error", err)
	if b.hooks.OnProtocolError != nil {
		b.hooks.OnProtocolError(line, err)
	}
}

// failAllPending rejects in-flight requests exactly once per process.
func (b *Bridge) failAllPending(p *proc) {
	p.failOnce.Do(func() {
		b.pendingMu.Lock()
		pending := b.pending
		b.pending = make(map[int64]chan response)
		b.pendingMu.Unlock()

		for _, ch := range pending {
			ch <- response{err: &RPCError{Code: -32099, Message: ErrBridgeClosed.Error()}}
		}
	})
}

// stderrNoise lists substrings of known-noisy agent stderr lines that
// are suppressed unless StderrFullEnv is set.
var stderrNoise = []string{
	"state db missing rollout",
	"failed to load rollout",
	"rollout recorder",
}

func (b *Bridge) readStderr(scanner *bufio.Scanner) {
	full := os.Getenv(StderrFullEnv) != ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !full && isStderrNoise(line) {
			continue
		}
		slog.Debug("agent stderr", "line", line)
		if b.hooks.OnStderr != nil {
			b.hooks.OnStderr(line)
		}
	}
}

func isStderrNoise(line string) bool {
	for _, s := range stderrNoise {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}
