package core

import (
	"context"
	"sync"
)

// Logger is the minimal structured logging interface used throughout the
// registry. Fields are passed as a map so call sites stay terse while
// ProductionLogger renders them as JSON or key=value pairs depending on
// environment.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	// Context-aware methods for distributed tracing and request correlation.
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with component context support, so
// different subsystems can share one base configuration while tagging their
// own logs for filtering:
//
//	kubectl logs ... | jq 'select(.component == "registry/heartbeatmon")'
//
// Component naming convention:
//   - "registry/catalog"      - catalog store
//   - "registry/lifecycle"    - lifecycle manager
//   - "registry/heartbeatmon" - heartbeat monitor
//   - "registry/healthcheck"  - health checker
//   - "registry/eventbus"     - event bus
//   - "registry/cluster"      - cluster sync / gossip / leader election
//   - "registry/transport"    - HTTP/WS boundary
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// Telemetry is the optional tracing facade used around register/probe/gossip
// paths. telemetry.Tracer implements this over OpenTelemetry.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Default no-op implementations, used when the caller hasn't wired telemetry.

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan discards everything written to it.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// ============================================================================
// Global registry pattern for telemetry integration
// ============================================================================

// MetricsRegistry lets the telemetry module register itself with core,
// avoiding a circular package dependency while still letting catalog,
// lifecycle, heartbeatmon, healthcheck, and cluster emit metrics.
//
// telemetry.Metrics implements this interface and calls SetMetricsRegistry
// during initialization.
type MetricsRegistry interface {
	// Counter increments a counter metric by 1.
	// Example: Counter("catalog.registrations", "serviceId", "orders")
	Counter(name string, labels ...string)

	// EmitWithContext emits a metric with context for trace correlation.
	EmitWithContext(ctx context.Context, name string, value float64, labels ...string)

	// GetBaggage returns baggage from context for correlation.
	GetBaggage(ctx context.Context) map[string]string

	// Gauge sets a gauge metric to a specific value.
	// Example: Gauge("catalog.instances.healthy", 5, "serviceId", "orders")
	Gauge(name string, value float64, labels ...string)

	// Histogram records a value in a histogram distribution.
	// Example: Histogram("healthcheck.probe.duration_ms", 12.5, "type", "HTTP")
	Histogram(name string, value float64, labels ...string)
}

// Global registry - set by the telemetry package when it initializes.
var globalMetricsRegistry MetricsRegistry

// SetMetricsRegistry allows the telemetry package to register itself.
func SetMetricsRegistry(registry MetricsRegistry) {
	globalMetricsRegistry = registry
	enableMetricsOnExistingLoggers()
}

// GetGlobalMetricsRegistry returns the global metrics registry if available.
// Returns nil if the telemetry package has not registered one yet, which
// lets registry internals emit metrics without a circular import.
//
//	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
//	    registry.EmitWithContext(ctx, "metric.name", value, labels...)
//	}
func GetGlobalMetricsRegistry() MetricsRegistry {
	return globalMetricsRegistry
}

// Track created loggers to enable metrics when telemetry becomes available.
var createdLoggers []*ProductionLogger
var loggersMutex sync.RWMutex

func trackLogger(logger *ProductionLogger) {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()

	createdLoggers = append(createdLoggers, logger)

	if globalMetricsRegistry != nil {
		logger.EnableMetrics()
	}
}

func enableMetricsOnExistingLoggers() {
	loggersMutex.Lock()
	defer loggersMutex.Unlock()

	for _, logger := range createdLoggers {
		logger.EnableMetrics()
	}
}
