// Package application wires the feed consumers, metrics and HTTP server into
// one runnable exporter.
package application

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/config"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/dispatcher"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/health"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/metrics"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/web"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/workers"
)

// Exporter ties together the components needed to export telemetry.
type Exporter struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	logger *zap.Logger

	registry    *prometheus.Registry
	stats       *metrics.Exporter
	aggregator  *metrics.Aggregator
	chains      []*registry.Chain
	dispatchers []*dispatcher.Dispatcher
	workerPool  *workers.WorkerPool
	health      *health.HealthChecker
	server      *web.Server
	serverDone  chan struct{}

	startTime time.Time
}

// New creates and configures an Exporter using the ExporterBuilder.
func New(ctx context.Context, cfg *config.Config) (*Exporter, error) {
	return newExporter(NewExporterBuilder(ctx, cfg))
}

func newExporter(builder *ExporterBuilder) (*Exporter, error) {
	if err := builder.BuildMetrics(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building metrics: %w", err)
	}
	if err := builder.BuildChains(); err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed building chains: %w", err)
	}
	builder.BuildWorkers()
	builder.BuildHealth()
	builder.BuildServer()

	exp, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build exporter: %w", err)
	}
	return exp, nil
}

// Start launches one dispatcher per chain and, when metrics are enabled, the
// HTTP server. It does not block.
func (e *Exporter) Start() error {
	e.startTime = time.Now()

	for _, d := range e.dispatchers {
		if !e.workerPool.AddJob(func() { e.runChain(d) }) {
			return fmt.Errorf("worker pool rejected chain %q", d.Name())
		}
	}

	if !e.config.Metrics.Enabled {
		close(e.serverDone)
		e.logger.Info("Metrics endpoint disabled")
		return nil
	}
	go func() {
		defer close(e.serverDone)
		if err := e.server.ListenAndServe(e.ctx); err != nil {
			e.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	e.logger.Info("Exporter started",
		zap.Int("chains", len(e.dispatchers)),
		zap.Int("metrics_port", e.config.Metrics.Port),
		zap.String("metrics_path", e.config.Metrics.Path))
	return nil
}

// runChain runs a dispatcher until the exporter stops. A dispatcher whose
// transport gave up is restarted after the configured delay; a zero delay or
// an unrecoverable error leaves the chain down.
func (e *Exporter) runChain(d *dispatcher.Dispatcher) {
	delay := e.config.Telemetry.RestartDelay
	log := e.logger.With(zap.String("chain", d.Name()))

	for {
		err := d.Run(e.ctx)
		if e.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("dispatcher returned without error")
		}
		if appErr, ok := errors.As(err); ok && !errors.IsRecoverable(appErr) {
			log.Error("Chain feed stopped; error is not recoverable", zap.Error(appErr))
			return
		}
		if delay <= 0 {
			log.Error("Chain feed stopped; restarts disabled", zap.Error(err))
			return
		}

		log.Warn("Chain feed stopped; restarting", zap.Error(err), zap.Duration("restart_delay", delay))
		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
			return
		}
	}
}

// Shutdown stops every chain and the HTTP server, waiting at most
// constants.ShutdownTimeout for them.
func (e *Exporter) Shutdown() error {
	e.logger.Info("Initiating graceful shutdown...")
	e.cancel()
	if e.startTime.IsZero() {
		e.workerPool.Stop()
		return nil
	}

	timeout := time.NewTimer(constants.ShutdownTimeout)
	defer timeout.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.workerPool.Stop()
	}()

	select {
	case <-done:
		e.logger.Debug("Chain dispatchers stopped")
	case <-timeout.C:
		return fmt.Errorf("dispatcher shutdown timed out after %v", constants.ShutdownTimeout)
	}

	select {
	case <-e.serverDone:
	case <-timeout.C:
		return fmt.Errorf("HTTP server shutdown timed out after %v", constants.ShutdownTimeout)
	}

	e.logger.Info("Exporter shutdown completed", zap.Duration("uptime", time.Since(e.startTime)))
	return nil
}

// Config returns the exporter's configuration.
func (e *Exporter) Config() *config.Config { return e.config }

// Gatherer returns the registry served on the metrics path.
func (e *Exporter) Gatherer() prometheus.Gatherer { return e.registry }

// Handler returns the HTTP router whether or not the server was started.
func (e *Exporter) Handler() http.Handler { return e.server.Handler() }

// Status reports every chain's dispatcher state.
func (e *Exporter) Status() []dispatcher.Status {
	out := make([]dispatcher.Status, 0, len(e.dispatchers))
	for _, d := range e.dispatchers {
		out = append(out, d.Status())
	}
	return out
}
