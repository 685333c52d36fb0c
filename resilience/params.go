package resilience

import (
	"github.com/hsc-io/registry/core"
)

// NewFromParams builds a *CircuitBreaker from a core.CircuitBreakerParams,
// satisfying core.CircuitBreaker, so cluster sync (C9) and health checking
// (C4) can guard outbound peer/instance calls without importing this
// package's concrete CircuitBreakerConfig.
func NewFromParams(params core.CircuitBreakerParams) (core.CircuitBreaker, error) {
	cfg := DefaultConfig()
	cfg.Name = params.Name
	if params.Threshold > 0 {
		cfg.VolumeThreshold = params.Threshold
	}
	if params.Timeout > 0 {
		cfg.SleepWindow = params.Timeout
	}
	if params.HalfOpenRequests > 0 {
		cfg.HalfOpenRequests = params.HalfOpenRequests
	}
	if params.Logger != nil {
		cfg.Logger = params.Logger
	}
	cfg.Metrics = NewTelemetryMetrics()

	return NewCircuitBreaker(cfg)
}
