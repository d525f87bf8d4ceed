package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/feed"
)

// Connection statuses counted by Exporter.IncConnection.
const (
	ConnectionOpen   = "open"
	ConnectionClosed = "closed"
	ConnectionFailed = "failed"
)

const frameRateWindow = 60 * time.Second

// Exporter holds the exporter's own operational metrics.
type Exporter struct {
	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FrameSizeBytes prometheus.Histogram

	// Message metrics
	MessagesApplied *prometheus.CounterVec
	Anomalies       *prometheus.CounterVec

	// Connection metrics
	Connections *prometheus.CounterVec

	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// NewExporter registers the self-metrics on reg.
func NewExporter(reg prometheus.Registerer) *Exporter {
	factory := promauto.With(reg)
	return &Exporter{
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "frames_received_total",
			Help:      "The total number of telemetry feed frames received",
		}, []string{"chain"}),

		FrameSizeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "frame_size_bytes",
			Help:      "Size of received telemetry feed frames in bytes",
			Buckets:   prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
		}),

		MessagesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "messages_applied_total",
			Help:      "The total number of feed messages applied by action",
		}, []string{"chain", "action"}),

		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "anomalies_total",
			Help:      "The total number of feed anomalies by error code",
		}, []string{"chain", "code"}),

		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.MetricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of telemetry connections by status",
		}, []string{"chain", "status"}), // "open", "closed", "failed"

		windows: make(map[string]*SlidingWindow),
	}
}

// RegisterRuntimeCollectors adds the Go runtime and process collectors.
func RegisterRuntimeCollectors(reg prometheus.Registerer) error {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RegisterChains pre-creates the labelled series of each chain so they are
// exported as zero before the first event. Applied-message series exist for
// every protocol action.
func (e *Exporter) RegisterChains(chains []string) {
	actions := feed.Actions()
	for _, chain := range chains {
		e.FramesReceived.WithLabelValues(chain)
		for _, status := range []string{ConnectionOpen, ConnectionClosed, ConnectionFailed} {
			e.Connections.WithLabelValues(chain, status)
		}
		for _, a := range actions {
			e.MessagesApplied.WithLabelValues(chain, a.String())
		}
	}
}

// ObserveFrame counts a received frame of the given size.
func (e *Exporter) ObserveFrame(chain string, size int) {
	e.FramesReceived.WithLabelValues(chain).Inc()
	e.FrameSizeBytes.Observe(float64(size))
	e.window(chain).Add()
}

// IncApplied counts one applied feed message.
func (e *Exporter) IncApplied(chain, action string) {
	e.MessagesApplied.WithLabelValues(chain, action).Inc()
}

// IncAnomaly counts one feed anomaly.
func (e *Exporter) IncAnomaly(chain, code string) {
	e.Anomalies.WithLabelValues(chain, code).Inc()
}

// IncConnection counts a connection lifecycle event.
func (e *Exporter) IncConnection(chain, status string) {
	e.Connections.WithLabelValues(chain, status).Inc()
}

// FramesPerSecond returns the recent frame rate of a chain.
func (e *Exporter) FramesPerSecond(chain string) float64 {
	return e.window(chain).Rate()
}

func (e *Exporter) window(chain string) *SlidingWindow {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[chain]
	if !ok {
		w = NewSlidingWindow(frameRateWindow, 10000)
		e.windows[chain] = w
	}
	return w
}
