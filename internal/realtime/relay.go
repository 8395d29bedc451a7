package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serversentinel/sentinel/internal/bus"
	"github.com/serversentinel/sentinel/internal/models"
)

const (
	defaultOutboxSize     = 1024
	defaultPublishTimeout = 5 * time.Second
)

const (
	kindBroadcast = "broadcast"
	kindUpdate    = "update"
	kindMetric    = "metric"
)

type envelope struct {
	Kind     string               `json:"kind"`
	Alert    *models.Alert        `json:"alert,omitempty"`
	AlertID  int64                `json:"alertId,omitempty"`
	Update   json.RawMessage      `json:"update,omitempty"`
	UserIDs  []string             `json:"userIds,omitempty"`
	ClientID string               `json:"clientId,omitempty"`
	Sample   *models.MetricSample `json:"sample,omitempty"`
}

// Relay is a Broadcaster that routes every event through the bus so all
// server instances deliver it to their local hub. Events are queued and
// published by a single goroutine; callers never wait on the bus.
type Relay struct {
	bus     bus.Bus
	topic   string
	hub     *Hub
	sub     bus.Subscription
	timeout time.Duration
	logger  *slog.Logger

	outbox  chan envelope
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

type RelayOption func(*Relay)

// WithOutbox sets how many events may wait for the bus before new ones are dropped.
func WithOutbox(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.outbox = make(chan envelope, n)
		}
	}
}

// WithPublishTimeout bounds a single bus publish.
func WithPublishTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRelay subscribes hub to topic on b and starts the publisher.
func NewRelay(b bus.Bus, topic string, hub *Hub, logger *slog.Logger, opts ...RelayOption) (*Relay, error) {
	r := &Relay{
		bus:     b,
		topic:   topic,
		hub:     hub,
		timeout: defaultPublishTimeout,
		logger:  logger,
		outbox:  make(chan envelope, defaultOutboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	sub, err := b.Subscribe(topic, r.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe realtime relay: %w", err)
	}
	r.sub = sub
	go r.run()
	return r, nil
}

// Close stops the publisher and unsubscribes. Events still queued are
// delivered to the local hub only.
func (r *Relay) Close() error {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
	return r.sub.Unsubscribe()
}

// Dropped is the number of events discarded because the outbox was full.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Pending is the number of events waiting to be published.
func (r *Relay) Pending() int {
	return len(r.outbox)
}

func (r *Relay) run() {
	defer close(r.stopped)
	for {
		select {
		case env := <-r.outbox:
			r.send(env)
		case <-r.done:
			for {
				select {
				case env := <-r.outbox:
					r.apply(context.Background(), env)
				default:
					return
				}
			}
		}
	}
}

func (r *Relay) Broadcast(ctx context.Context, alert models.Alert) {
	r.publish(ctx, envelope{Kind: kindBroadcast, Alert: &alert})
}

func (r *Relay) SendUpdate(ctx context.Context, alertID int64, update any, userIDs []string) {
	raw, err := json.Marshal(update)
	if err != nil {
		r.logger.Error("failed to encode alert update", "alert_id", alertID, "err", err)
		return
	}
	r.publish(ctx, envelope{Kind: kindUpdate, AlertID: alertID, Update: raw, UserIDs: userIDs})
}

func (r *Relay) SendMetricUpdate(ctx context.Context, clientID string, sample models.MetricSample) {
	r.publish(ctx, envelope{Kind: kindMetric, ClientID: clientID, Sample: &sample})
}

func (r *Relay) publish(_ context.Context, env envelope) {
	select {
	case <-r.done:
		r.apply(context.Background(), env)
		return
	default:
	}
	select {
	case r.outbox <- env:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("realtime outbox full, dropping event", "kind", env.Kind, "dropped", n)
		if m := r.hub.metrics; m != nil {
			m.MessageDropped()
		}
	}
}

// send falls back to local delivery when the bus rejects the event, so
// dashboards attached to this instance still see it.
func (r *Relay) send(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("failed to encode realtime envelope", "kind", env.Kind, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.bus.Publish(ctx, r.topic, data); err != nil {
		r.logger.Warn("realtime publish failed, delivering locally", "kind", env.Kind, "err", err)
		r.apply(ctx, env)
	}
}

func (r *Relay) receive(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("dropping malformed realtime envelope", "err", err)
		return
	}
	r.apply(ctx, env)
}

func (r *Relay) apply(ctx context.Context, env envelope) {
	switch env.Kind {
	case kindBroadcast:
		if env.Alert != nil {
			r.hub.Broadcast(ctx, *env.Alert)
		}
	case kindUpdate:
		r.hub.SendUpdate(ctx, env.AlertID, env.Update, env.UserIDs)
	case kindMetric:
		if env.Sample != nil {
			r.hub.SendMetricUpdate(ctx, env.ClientID, *env.Sample)
		}
	default:
		r.logger.Warn("unknown realtime envelope kind", "kind", env.Kind)
	}
}
