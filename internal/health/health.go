package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/constants"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/dispatcher"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// ChainProbe reports the state of one chain's feed.
type ChainProbe interface {
	Status() dispatcher.Status
}

// RateSource reports recent frame throughput per chain.
type RateSource interface {
	FramesPerSecond(chain string) float64
}

// Each chain runs a dispatcher, a read loop and a keepalive.
const goroutinesPerChain = 3

// HealthChecker derives exporter health from the feed state of every chain
// and from process resources.
type HealthChecker struct {
	chains     []ChainProbe
	rates      RateSource
	silentFeed time.Duration
	logger     *zap.Logger
	startTime  time.Time
	version    string
	clock      func() time.Time
}

// NewHealthChecker creates a new health checker. A connected chain that has
// not sent a frame for silentFeed is reported as degraded. rates may be nil.
func NewHealthChecker(chains []ChainProbe, rates RateSource, silentFeed time.Duration, logger *zap.Logger, version string) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		chains:     chains,
		rates:      rates,
		silentFeed: silentFeed,
		logger:     logger.Named("health"),
		startTime:  time.Now(),
		version:    version,
		clock:      time.Now,
	}
}

// CheckHealth grades every chain feed and the process itself. The exporter
// is as healthy as its worst component.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	began := time.Now()
	components := make([]*ComponentStatus, 0, len(h.chains)+1)

	for _, probe := range h.chains {
		if ctx.Err() != nil {
			break
		}
		components = append(components, h.checkChain(probe.Status()))
	}
	components = append(components, h.checkProcess())

	overall := StatusHealthy
	counts := make(map[HealthStatus]int, 3)
	for _, c := range components {
		counts[c.Status]++
		if severity[c.Status] > severity[overall] {
			overall = c.Status
		}
	}

	return &HealthResponse{
		Status:     overall,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Truncate(time.Second).String(),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   counts[StatusHealthy],
			"degraded_components":  counts[StatusDegraded],
			"unhealthy_components": counts[StatusUnhealthy],
			"check_duration_ms":    time.Since(began).Milliseconds(),
		},
	}
}

var severity = map[HealthStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

// checkChain grades one chain's feed connection
func (h *HealthChecker) checkChain(s dispatcher.Status) *ComponentStatus {
	status := &ComponentStatus{
		Name: "chain:" + s.Chain,
		Details: map[string]interface{}{
			"connected":     s.Connected,
			"nodes":         s.Nodes,
			"connections":   s.Connections,
			"subscribed_to": s.SubscribedTo,
		},
	}
	if !s.LastEvent.IsZero() {
		status.Details["last_event"] = s.LastEvent
	}
	if s.LastError != "" {
		status.Details["last_error"] = s.LastError
	}
	rate := -1.0
	if h.rates != nil {
		rate = h.rates.FramesPerSecond(s.Chain)
		status.Details["frames_per_second"] = rate
	}

	switch {
	case s.Stopped:
		status.Status = StatusUnhealthy
		status.Message = "Telemetry feed unavailable"
	case !s.Connected:
		status.Status = StatusDegraded
		status.Message = "Connecting to telemetry feed"
	case s.LastEvent.IsZero():
		status.Status = StatusDegraded
		status.Message = "Connected, waiting for the first frame"
	case h.silentFeed > 0 && h.clock().Sub(s.LastEvent) > h.silentFeed:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("No frame for %s", h.clock().Sub(s.LastEvent).Truncate(time.Second))
	case rate == 0 && s.Nodes > 0:
		// Nodes report every few seconds, so a populated chain with an empty
		// rate window has stalled even before it counts as silent.
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Feed stalled with %d nodes registered", s.Nodes)
	case rate > 0:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Receiving %.2f frames/s for %d nodes", rate, s.Nodes)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Receiving telemetry for %d nodes", s.Nodes)
	}
	return status
}

// checkProcess grades heap use and goroutine count. Every chain keeps a few
// goroutines busy, so the goroutine limits grow with the number of chains.
func (h *HealthChecker) checkProcess() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := float64(m.HeapAlloc) / (1 << 20)
	goroutines := runtime.NumGoroutine()
	extra := goroutinesPerChain * len(h.chains)

	status := &ComponentStatus{
		Name:    "process",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%.1f MB heap, %d goroutines", heapMB, goroutines),
		Details: map[string]interface{}{
			"heap_mb":    heapMB,
			"sys_mb":     float64(m.Sys) / (1 << 20),
			"num_gc":     m.NumGC,
			"goroutines": goroutines,
		},
	}

	switch {
	case heapMB > constants.MemoryCriticalMB || goroutines > constants.GoroutineCritical+extra:
		status.Status = StatusUnhealthy
	case heapMB > constants.MemoryWarningMB || goroutines > constants.GoroutineWarning+extra:
		status.Status = StatusDegraded
	}
	return status
}

// HandleHealth is the HTTP handler for health checks. Liveness (the default)
// fails only when a component is unhealthy; with ?ready=1 a degraded exporter
// is not ready either.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout*time.Second)
	defer cancel()

	healthResponse := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	switch healthResponse.Status {
	case StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case StatusDegraded:
		if r.URL.Query().Get("ready") == "1" {
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
