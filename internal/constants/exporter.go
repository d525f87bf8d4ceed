package constants

import "time"

// Exporter metadata
const (
	ExporterName        = "substrate-telemetry-exporter"
	DefaultHealthPath   = "/health"
	ChainsAPIPath       = "/api/chains"
	MetricsNamespace    = "substrate_exporter"
	SubscriptionCommand = "subscribe"
)

// HTTP server constants
const (
	ReadHeaderTimeout = 5 * time.Second
	WriteTimeout      = 10 * time.Second
	IdleTimeout       = 60 * time.Second
	ShutdownTimeout   = 10 * time.Second
)

// Timeout constants (in seconds)
const (
	HealthCheckTimeout = 5 // Timeout for health check operations
)

// Health thresholds
const (
	MemoryWarningMB   = 500
	MemoryCriticalMB  = 1000
	GoroutineWarning  = 1000
	GoroutineCritical = 5000

	// A connected chain that has not sent a frame for this many inactivity
	// thresholds is reported as degraded.
	SilentFeedFactor = 2
)
