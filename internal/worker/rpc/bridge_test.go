package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recorder collects hook invocations for assertions.
type recorder struct {
	mu             sync.Mutex
	notifications  []string
	requests       []ServerRequest
	protocolErrors []string
	exited         chan struct{}
	exitOnce       sync.Once
}

func newRecorder() *recorder {
	return &recorder{exited: make(chan struct{})}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnNotification: func(method string, _ json.RawMessage) {
			r.mu.Lock()
			r.notifications = append(r.notifications, method)
			r.mu.Unlock()
		},
		OnRequest: func(req ServerRequest) {
			r.mu.Lock()
			r.requests = append(r.requests, req)
			r.mu.Unlock()
		},
		OnProtocolError: func(_ []byte, err error) {
			r.mu.Lock()
			r.protocolErrors = append(r.protocolErrors, err.Error())
			r.mu.Unlock()
		},
		OnExit: func(error) {
			r.exitOnce.Do(func() { close(r.exited) })
		},
	}
}

func (r *recorder) waitRequests(t *testing.T, n int) []ServerRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.requests) >= n {
			out := make([]ServerRequest, len(r.requests))
			copy(out, r.requests)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d server requests", n)
	return nil
}

func (r *recorder) waitProtocolErrors(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.protocolErrors) >= n {
			out := make([]string, len(r.protocolErrors))
			copy(out, r.protocolErrors)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d protocol errors", n)
	return nil
}

// startEcho runs cat as the agent: every line written to stdin comes
// straight back on stdout, so the bridge's own writes exercise the full
// classification path.
func startEcho(t *testing.T, rec *recorder, opts Options) *Bridge {
	t.Helper()
	opts.Command = "cat"
	b := New(opts, rec.hooks())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func TestRequestResponseRoundTrip(t *testing.T) {
	rec := newRecorder()
	b := startEcho(t, rec, Options{})

	// The echoed request comes back with id+method, classified as a
	// server request; answering it echoes a response that resolves the
	// original pending entry.
	done := make(chan error, 1)
	var result json.RawMessage
	go func() {
		var err error
		result, err = b.Request(context.Background(), "status/get", map[string]any{"probe": true})
		done <- err
	}()

	reqs := rec.waitRequests(t, 1)
	require.Equal(t, "status/get", reqs[0].Method)
	require.NoError(t, b.Respond(reqs[0].ID, map[string]any{"ok": true}))

	require.NoError(t, <-done)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestRequestErrorResponse(t *testing.T) {
	rec := newRecorder()
	b := startEcho(t, rec, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "thread/start", nil)
		done <- err
	}()

	reqs := rec.waitRequests(t, 1)
	require.NoError(t, b.RespondError(reqs[0].ID, -32000, "nope", nil))

	err := <-done
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32000, rpcErr.Code)
	require.Equal(t, "nope", rpcErr.Message)
}

func TestNotificationDispatch(t *testing.T) {
	rec := newRecorder()
	b := startEcho(t, rec, Options{})

	require.NoError(t, b.Notify("initialized", map[string]any{}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.notifications)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"initialized"}, rec.notifications)
}

func TestRequestTimeout(t *testing.T) {
	rec := newRecorder()
	// The agent swallows stdin and answers nothing.
	b := New(Options{
		Command:        "sh",
		Args:           []string{"-c", "cat > /dev/null"},
		RequestTimeout: 50 * time.Millisecond,
	}, rec.hooks())
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	_, err := b.Request(context.Background(), "turn/start", nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestStopFailsPendingRequests(t *testing.T) {
	rec := newRecorder()
	b := New(Options{
		Command: "sh",
		Args:    []string{"-c", "cat > /dev/null"},
	}, rec.hooks())
	require.NoError(t, b.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "turn/start", nil)
		done <- err
	}()
	// Give the request a moment to register before tearing down.
	time.Sleep(20 * time.Millisecond)

	b.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request never failed after stop")
	}

	select {
	case <-rec.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit hook never fired")
	}
}

func TestProtocolErrors(t *testing.T) {
	rec := newRecorder()
	b := startEcho(t, rec, Options{})

	// Neither id nor method.
	require.NoError(t, b.writeLine(map[string]any{"jsonrpc": "2.0"}))
	// A response for an id nobody is waiting on.
	require.NoError(t, b.writeLine(map[string]any{"id": 999, "result": map[string]any{}}))

	errs := rec.waitProtocolErrors(t, 2)
	require.Len(t, errs, 2)
}

func TestNotRunning(t *testing.T) {
	b := New(Options{Command: "cat"}, Hooks{})
	_, err := b.Request(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, b.Notify("x", nil), ErrNotRunning)
}

func TestRestartAfterExit(t *testing.T) {
	rec := newRecorder()
	b := startEcho(t, rec, Options{})

	b.Stop()
	select {
	case <-rec.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("first process never exited")
	}

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Notify("initialized", nil))
}

func TestStderrNoiseFilter(t *testing.T) {
	require.True(t, isStderrNoise("WARN state db missing rollout path for thread"))
	require.True(t, isStderrNoise("failed to load rollout abc"))
	require.False(t, isStderrNoise("panic: something real"))
}
