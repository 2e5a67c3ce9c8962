// Package push keeps the device-token registry and fans interesting
// job events out to a pluggable notification sink.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mjmkk/opencodex-sub000/internal/metrics"
	"github.com/mjmkk/opencodex-sub000/internal/worker/apierr"
	"github.com/mjmkk/opencodex-sub000/internal/worker/jobs"
	"github.com/mjmkk/opencodex-sub000/internal/worker/store"
)

// ErrTokenInvalid is returned by sinks for permanently dead tokens;
// the dispatcher evicts the device in response.
var ErrTokenInvalid = errors.New("push token invalid")

// Notification is the provider-agnostic payload handed to the sink.
type Notification struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	ThreadID string `json:"threadId,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

// Sink delivers one notification to one device.
type Sink interface {
	Send(ctx context.Context, device store.PushDevice, n Notification) error
}

// LogSink is the default sink: it records deliveries in the log.
// Useful until a real provider is configured.
type LogSink struct{}

func (LogSink) Send(_ context.Context, device store.PushDevice, n Notification) error {
	slog.Info("push notification",
		"token", device.Token,
		"platform", device.Platform,
		"type", n.Type,
		"title", n.Title,
	)
	return nil
}

// RegisterRequest is the client payload for device registration.
type RegisterRequest struct {
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	BundleID    string `json:"bundleId,omitempty"`
	Environment string `json:"environment,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
}

// Dispatcher owns the device registry and a small delivery queue.
type Dispatcher struct {
	store *store.Store
	sink  Sink
	clock func() time.Time

	queue    chan Notification
	stopOnce sync.Once
	done     chan struct{}
}

// NewDispatcher creates a Dispatcher delivering through sink.
func NewDispatcher(st *store.Store, sink Sink) *Dispatcher {
	if sink == nil {
		sink = LogSink{}
	}
	d := &Dispatcher{
		store: st,
		sink:  sink,
		clock: time.Now,
		queue: make(chan Notification, 256),
		done:  make(chan struct{}),
	}
	go d.deliverLoop()
	return d
}

// Shutdown drains the queue.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() { close(d.queue) })
	<-d.done
}

// Register validates and upserts a device token.
func (d *Dispatcher) Register(ctx context.Context, req RegisterRequest) error {
	if req.Token == "" {
		return apierr.InvalidRequest("token is required")
	}
	switch req.Platform {
	case "ios", "android":
	default:
		return apierr.InvalidRequest("platform must be ios or android, got %q", req.Platform)
	}
	switch req.Environment {
	case "", "sandbox", "production":
	default:
		return apierr.InvalidRequest("environment must be sandbox or production, got %q", req.Environment)
	}

	now := d.clock().UTC().Format(time.RFC3339Nano)
	return d.store.UpsertPushDevice(ctx, store.PushDevice{
		Token:       req.Token,
		Platform:    req.Platform,
		BundleID:    req.BundleID,
		Environment: req.Environment,
		DeviceName:  req.DeviceName,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastSeenAt:  now,
	})
}

// Unregister removes a device token. Unknown tokens are a no-op.
func (d *Dispatcher) Unregister(ctx context.Context, token string) error {
	if token == "" {
		return apierr.InvalidRequest("token is required")
	}
	return d.store.DeletePushDevice(ctx, token)
}

// HandleEvent is registered as a job event hook; approvals and job
// completion become notifications.
func (d *Dispatcher) HandleEvent(threadID string, env jobs.Envelope) {
	var n Notification
	switch env.Type {
	case jobs.EventApprovalReq:
		n = Notification{
			Type:     env.Type,
			Title:    "Approval required",
			Body:     approvalBody(env.Payload),
			ThreadID: threadID,
			JobID:    env.JobID,
		}
	case jobs.EventJobFinished:
		n = Notification{
			Type:     env.Type,
			Title:    "Turn finished",
			Body:     finishedBody(env.Payload),
			ThreadID: threadID,
			JobID:    env.JobID,
		}
	default:
		return
	}

	select {
	case d.queue <- n:
	default:
		metrics.PushNotificationsTotal.WithLabelValues("dropped").Inc()
	}
}

func (d *Dispatcher) deliverLoop() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devices, err := d.store.ListPushDevices(ctx)
	if err != nil {
		slog.Warn("list push devices failed", "error", err)
		return
	}

	for _, device := range devices {
		err := d.sink.Send(ctx, device, n)
		switch {
		case err == nil:
			metrics.PushNotificationsTotal.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrTokenInvalid):
			metrics.PushNotificationsTotal.WithLabelValues("evicted").Inc()
			slog.Info("evicting invalid push token", "token", device.Token)
			if err := d.store.DeletePushDevice(ctx, device.Token); err != nil {
				slog.Warn("evict push token failed", "token", device.Token, "error", err)
			}
		default:
			metrics.PushNotificationsTotal.WithLabelValues("error").Inc()
			slog.Warn("push delivery failed", "token", device.Token, "error", err)
		}
	}
}

func approvalBody(payload json.RawMessage) string {
	var p struct {
		Kind    string `json:"kind"`
		Command string `json:"command"`
	}
	_ = json.Unmarshal(payload, &p)
	if p.Command != "" {
		return fmt.Sprintf("The agent wants to run: %s", p.Command)
	}
	if p.Kind == jobs.KindFileChange {
		return "The agent wants to change files"
	}
	return "The agent is waiting for a decision"
}

func finishedBody(payload json.RawMessage) string {
	var p struct {
		State string `json:"state"`
		Error string `json:"error"`
	}
	_ = json.Unmarshal(payload, &p)
	switch p.State {
	case jobs.StateFailed:
		if p.Error != "" {
			return "Turn failed: " + p.Error
		}
		return "Turn failed"
	case jobs.StateCancelled:
		return "Turn cancelled"
	default:
		return "Turn completed"
	}
}
