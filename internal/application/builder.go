package application

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/config"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/dispatcher"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/health"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/metrics"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/transport"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/web"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/workers"
)

// ExporterBuilder is used to incrementally construct an Exporter.
type ExporterBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	logger *zap.Logger
	dialer transport.Dialer

	registry    *prometheus.Registry
	stats       *metrics.Exporter
	aggregator  *metrics.Aggregator
	chains      []*registry.Chain
	dispatchers []*dispatcher.Dispatcher
	workerPool  *workers.WorkerPool
	health      *health.HealthChecker
	server      *web.Server
}

// NewExporterBuilder creates a builder with its own cancelable context.
func NewExporterBuilder(ctx context.Context, cfg *config.Config) *ExporterBuilder {
	c, cancel := context.WithCancel(ctx)
	return &ExporterBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
		logger: logger.New("application"),
	}
}

// WithDialer replaces the WebSocket dialer every chain connects through.
func (b *ExporterBuilder) WithDialer(d transport.Dialer) *ExporterBuilder {
	b.dialer = d
	return b
}

// BuildMetrics creates the exporter's own Prometheus registry, the
// self-metrics and the node count aggregator.
func (b *ExporterBuilder) BuildMetrics() error {
	b.registry = prometheus.NewRegistry()
	b.stats = metrics.NewExporter(b.registry)
	b.stats.RegisterChains(b.config.ChainNames())

	if b.config.Metrics.RuntimeCollectors {
		if err := metrics.RegisterRuntimeCollectors(b.registry); err != nil {
			return fmt.Errorf("register runtime collectors: %w", err)
		}
	}

	b.aggregator = metrics.NewAggregator()
	if err := b.registry.Register(b.aggregator); err != nil {
		return fmt.Errorf("register aggregator: %w", err)
	}
	return nil
}

// BuildChains creates a registry, a reconnecting socket and a dispatcher for
// every configured chain.
func (b *ExporterBuilder) BuildChains() error {
	if b.aggregator == nil {
		return fmt.Errorf("metrics must be built before chains")
	}

	tc := b.config.Telemetry
	dialer := b.dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.WebSocketConfig{
			HandshakeTimeout: tc.ConnectionTimeout,
			ReadTimeout:      tc.ReadTimeout,
			WriteTimeout:     tc.WriteTimeout,
			PingInterval:     tc.PingInterval,
			ReadLimit:        tc.ReadLimit,
		})
	}
	retry := transport.NewRetryPolicy(tc.MaxRetries, tc.RetryBaseDelay, tc.RetryMaxDelay)
	inactive := b.config.Nodes.InactiveNodeDuration()

	for _, cc := range b.config.Chains {
		chain := registry.NewChain(cc.Name,
			registry.Classifier{Active: cc.ActiveNodePattern, Passive: cc.PassiveNodePattern},
			inactive)
		if err := b.aggregator.AddChain(chain); err != nil {
			return errors.ConfigurationError("chains", err.Error())
		}

		socket := transport.NewSocket(transport.SocketConfig{
			Address:   tc.Host,
			Retry:     retry,
			SendRate:  rate.Limit(tc.SendRate),
			SendBurst: tc.SendBurst,
		}, dialer, transport.WithSocketLogger(logger.ForChain("transport", cc.Name)))

		d := dispatcher.New(chain, socket,
			dispatcher.WithEventRecorder(b.aggregator),
			dispatcher.WithStats(b.stats))

		b.chains = append(b.chains, chain)
		b.dispatchers = append(b.dispatchers, d)
		b.logger.Info("Chain configured",
			zap.String("chain", cc.Name),
			zap.String("active_pattern", cc.ActiveNodePattern),
			zap.String("passive_pattern", cc.PassiveNodePattern))
	}
	return nil
}

// BuildWorkers sizes the worker pool to one worker per chain.
func (b *ExporterBuilder) BuildWorkers() {
	n := len(b.dispatchers)
	b.workerPool = workers.NewWorkerPool(n, n, b.logger.Named("workers"))
}

// BuildHealth sets up the health checker over every dispatcher.
func (b *ExporterBuilder) BuildHealth() {
	probes := make([]health.ChainProbe, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		probes = append(probes, d)
	}
	silent := constants.SilentFeedFactor * b.config.Nodes.InactiveNodeDuration()
	b.health = health.NewHealthChecker(probes, b.stats, silent, logger.New("health"), config.Version)
}

// BuildServer sets up the HTTP server. It is built even when metrics are
// disabled so the router stays available to callers.
func (b *ExporterBuilder) BuildServer() {
	views := make([]web.ChainView, 0, len(b.chains))
	for _, c := range b.chains {
		views = append(views, c)
	}
	log := logger.New("web")
	b.server = web.NewServer(
		fmt.Sprintf(":%d", b.config.Metrics.Port),
		b.config.Metrics.Path,
		b.registry,
		b.health,
		web.NewHandler(views, log),
		log)
}

// Build finalizes the exporter construction.
func (b *ExporterBuilder) Build() (*Exporter, error) {
	if b.registry == nil || b.stats == nil || b.aggregator == nil {
		return nil, fmt.Errorf("metrics must be built before calling Build()")
	}
	if len(b.dispatchers) == 0 {
		return nil, fmt.Errorf("chains must be built before calling Build()")
	}
	if b.workerPool == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.health == nil {
		return nil, fmt.Errorf("health checker must be built before calling Build()")
	}
	if b.server == nil {
		return nil, fmt.Errorf("server must be built before calling Build()")
	}

	return &Exporter{
		ctx:         b.ctx,
		cancel:      b.cancel,
		config:      b.config,
		logger:      b.logger,
		registry:    b.registry,
		stats:       b.stats,
		aggregator:  b.aggregator,
		chains:      b.chains,
		dispatchers: b.dispatchers,
		workerPool:  b.workerPool,
		health:      b.health,
		server:      b.server,
		serverDone:  make(chan struct{}),
	}, nil
}
