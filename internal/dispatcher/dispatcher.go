// Package dispatcher connects one chain's registry to the telemetry feed.
package dispatcher

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/feed"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/metrics"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/transport"
)

// SubscribePrefix precedes the chain name in the subscription control message.
const SubscribePrefix = constants.SubscriptionCommand + ":"

// EventRecorder receives the gap between consecutive frames of a chain.
type EventRecorder interface {
	SetTimeFromLastEvent(chain string, gap time.Duration)
}

// Stats receives per-frame and per-connection counts.
type Stats interface {
	ObserveFrame(chain string, size int)
	IncApplied(chain, action string)
	IncConnection(chain, status string)
}

// Status is a point-in-time view of a dispatcher for health reporting.
type Status struct {
	Chain        string    `json:"chain"`
	Connected    bool      `json:"connected"`
	SubscribedTo string    `json:"subscribed_to,omitempty"`
	Nodes        int       `json:"nodes"`
	LastEvent    time.Time `json:"last_event,omitempty"`
	Connections  int       `json:"connections"`
	Stopped      bool      `json:"stopped"`
	LastError    string    `json:"last_error,omitempty"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEventRecorder sets where frame gaps are recorded.
func WithEventRecorder(r EventRecorder) Option {
	return func(d *Dispatcher) { d.events = r }
}

// WithStats sets the frame and connection counters.
func WithStats(s Stats) Option {
	return func(d *Dispatcher) { d.stats = s }
}

// WithReporter sets the anomaly sink.
func WithReporter(r *errors.Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithLogger overrides the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher applies the frames of one feed connection to one chain registry.
// It implements transport.Handler; frames are applied in arrival order on the
// transport's read loop.
type Dispatcher struct {
	chain     *registry.Chain
	transport transport.Transport
	events    EventRecorder
	stats     Stats
	reporter  *errors.Reporter
	logger    *zap.Logger

	mu          sync.RWMutex
	sender      transport.Sender
	connected   bool
	connections int
	stopped     bool
	lastErr     error
}

// New creates a dispatcher for chain reading from t.
func New(chain *registry.Chain, t transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{chain: chain, transport: t}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.ForChain("dispatcher", chain.Name())
	}
	if d.reporter == nil {
		var counter errors.AnomalyCounter
		if c, ok := d.stats.(errors.AnomalyCounter); ok {
			counter = c
		}
		d.reporter = errors.NewReporter(d.logger, counter)
	}
	return d
}

// Name returns the chain this dispatcher serves.
func (d *Dispatcher) Name() string { return d.chain.Name() }

// Run drives the transport until ctx is cancelled, in which case it returns
// nil, or the transport gives up. A transport error that is not recoverable
// is returned as is; anything else becomes a connection failure. It never
// retries by itself.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.transport.Run(ctx, d)
	if err == nil || (ctx.Err() != nil && stderrors.Is(err, ctx.Err())) {
		return nil
	}

	d.mu.Lock()
	d.lastErr = err
	d.stopped = true
	d.mu.Unlock()

	if appErr, ok := errors.As(err); ok &&
		(stderrors.Is(err, errors.ErrConnectionFailure) || !errors.IsRecoverable(appErr)) {
		return appErr.WithChain(d.Name())
	}
	return errors.Wrap(err, errors.ErrorTypeNetwork, errors.CodeConnectionFailure, "Telemetry transport stopped").
		WithSeverity(errors.SeverityHigh).
		WithChain(d.Name())
}

// OnOpen subscribes to the chain on a fresh connection.
func (d *Dispatcher) OnOpen(ctx context.Context, s transport.Sender) error {
	d.mu.Lock()
	d.sender = s
	d.connected = true
	d.connections++
	d.stopped = false
	d.lastErr = nil
	d.mu.Unlock()

	if d.stats != nil {
		d.stats.IncConnection(d.Name(), metrics.ConnectionOpen)
	}
	logger.FromContext(ctx, d.logger).Info("Subscribing to chain")
	return d.subscribe(ctx)
}

// OnMessage decodes a frame and applies its messages in order. A frame that
// fails to decode is dropped whole; a message that fails to apply is reported
// and the rest of the frame still applies.
func (d *Dispatcher) OnMessage(ctx context.Context, raw []byte) {
	name := d.Name()
	if d.stats != nil {
		d.stats.ObserveFrame(name, len(raw))
	}

	frame, err := feed.Decode(raw)
	if err != nil {
		d.reporter.Report(name, err)
		return
	}
	if frame.Trailing {
		logger.FromContext(ctx, d.logger).Debug("Frame has an unpaired trailing element",
			zap.Int("messages", len(frame.Messages)))
	}

	gap := d.chain.Touch()
	if d.events != nil {
		d.events.SetTimeFromLastEvent(name, gap)
	}

	for _, msg := range frame.Messages {
		if err := d.chain.Apply(msg); err != nil {
			d.reporter.Report(name, err)
			continue
		}
		if d.stats != nil {
			d.stats.IncApplied(name, msg.Action.String())
		}
		if msg.Action == feed.AddedChain {
			d.resubscribe(ctx, msg)
		}
	}
}

// OnClose records that the connection ended.
func (d *Dispatcher) OnClose(err error) {
	d.mu.Lock()
	d.sender = nil
	d.connected = false
	if err != nil {
		d.lastErr = err
	}
	d.mu.Unlock()

	status := metrics.ConnectionClosed
	if err != nil && !stderrors.Is(err, errors.ErrConnectionClosed) {
		status = metrics.ConnectionFailed
	}
	if d.stats != nil {
		d.stats.IncConnection(d.Name(), status)
	}
	d.logger.Info("Feed connection closed", zap.Error(err))
}

// Status reports the dispatcher's connection and registry state.
func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	s := Status{
		Chain:       d.Name(),
		Connected:   d.connected,
		Connections: d.connections,
		Stopped:     d.stopped,
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	d.mu.RUnlock()

	s.SubscribedTo = d.chain.SubscribedTo()
	s.Nodes = d.chain.Len()
	s.LastEvent = d.chain.LastEvent()
	return s
}

// resubscribe renews the subscription when the feed re-announces this chain.
func (d *Dispatcher) resubscribe(ctx context.Context, msg feed.Message) {
	p, err := feed.ParseAddedChain(msg.Payload)
	if err != nil || p.Label != d.Name() {
		return
	}
	if err := d.subscribe(ctx); err != nil {
		logger.FromContext(ctx, d.logger).Warn("Resubscribe failed", zap.Error(err))
	}
}

func (d *Dispatcher) subscribe(ctx context.Context) error {
	d.mu.RLock()
	s := d.sender
	d.mu.RUnlock()

	if s == nil {
		return errors.ConnectionClosed(nil)
	}
	return s.Send(ctx, SubscribePrefix+d.Name())
}
