// Package core: CircuitBreaker is the contract cluster sync (C9) and health
// checking (C4) depend on when calling out to peer nodes or monitored
// instances, without importing the concrete resilience implementation
// directly and risking an import cycle.
package core

import (
	"context"
	"time"
)

// CircuitBreaker protects outbound calls — peer gossip/probe in cluster sync,
// HTTP/TCP probes in health checking — from piling up against an
// unresponsive peer or instance.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open, it returns an error wrapping ErrCircuitBreakerOpen immediately
	// without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs fn with both circuit breaker protection and a
	// timeout, for probes that might hang past ClusterProbeTimeout.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns counters tracked by the breaker (successes,
	// failures, state transitions).
	GetMetrics() map[string]interface{}

	// Reset forces the breaker back to closed, clearing failure counts.
	Reset()

	// CanExecute reports whether the breaker would currently allow a call.
	CanExecute() bool
}

// CircuitBreakerParams configures a CircuitBreaker for a named peer or probe
// target, kept free of the concrete resilience.CircuitBreakerConfig type so
// core has no import-cycle risk on the resilience package.
type CircuitBreakerParams struct {
	// Name identifies the breaker (peer nodeId, instance id) for logging/metrics.
	Name string

	Threshold        int
	Timeout          time.Duration
	HalfOpenRequests int

	Logger    Logger
	Telemetry Telemetry
}

// DefaultCircuitBreakerParams returns the defaults used when guarding a
// cluster peer connection, keyed to the cluster probe and gossip timeouts.
func DefaultCircuitBreakerParams(name string) CircuitBreakerParams {
	return CircuitBreakerParams{
		Name:             name,
		Threshold:        5,
		Timeout:          ClusterProbeTimeout,
		HalfOpenRequests: 3,
	}
}
