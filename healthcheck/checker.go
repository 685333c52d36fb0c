// Package healthcheck implements the Health Checker (C4): one recurring
// probe task per instance, HTTP/TCP/SCRIPT dispatch, and retry/failure
// counting before an instance is demoted.
package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/telemetry"
)

// StatusUpdater applies a health-driven transition and emits the matching
// HealthEvent. The Registry Facade implements this, routing through
// lifecycle.Manager and eventbus.Bus so every transition — caller-requested
// or health-driven — goes through the same status manager.
type StatusUpdater interface {
	ApplyHealthTransition(instance *core.ServiceInstance, newStatus core.InstanceStatus, message string)
}

// BreakerFactory builds a per-instance core.CircuitBreaker, keeping
// healthcheck decoupled from the concrete resilience package (satisfied by
// resilience.NewFromParams at wiring time in cmd/registry-server).
type BreakerFactory func(name string) (core.CircuitBreaker, error)

// Checker runs one scheduled probe task per instanceId over a bounded
// worker pool.
type Checker struct {
	updater StatusUpdater
	logger  core.Logger
	client  *http.Client

	mu       sync.Mutex
	tasks    map[string]context.CancelFunc // instanceId -> cancel
	failures map[string]int                // instanceId -> consecutive non-UP count

	poolSize int
	sem      chan struct{}

	breakerFactory BreakerFactory
	breakersMu     sync.Mutex
	breakers       map[string]core.CircuitBreaker
}

// New creates a Checker. poolSize bounds concurrent in-flight probes
// (defaults to 10 if zero or negative).
func New(updater StatusUpdater, poolSize int, logger core.Logger) *Checker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/healthcheck")
	}
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Checker{
		updater:  updater,
		logger:   logger,
		client:   &http.Client{},
		tasks:    make(map[string]context.CancelFunc),
		failures: make(map[string]int),
		poolSize: poolSize,
		sem:      make(chan struct{}, poolSize),
		breakers: make(map[string]core.CircuitBreaker),
	}
}

// WithBreakerFactory enables per-instance circuit breaking on the probe
// path, so a consistently unreachable instance stops being hammered between
// retry-window evaluations. Without it, probes call the instance directly.
func (c *Checker) WithBreakerFactory(factory BreakerFactory) *Checker {
	c.breakerFactory = factory
	return c
}

// WithHTTPClient overrides the client used for HTTP probes, so
// cmd/registry-server can supply a trace-propagating client
// (telemetry.NewTracedHTTPClient) instead of the bare default.
func (c *Checker) WithHTTPClient(client *http.Client) *Checker {
	if client != nil {
		c.client = client
	}
	return c
}

func (c *Checker) breakerFor(instanceID string) core.CircuitBreaker {
	if c.breakerFactory == nil {
		return nil
	}
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if b, ok := c.breakers[instanceID]; ok {
		return b
	}
	b, err := c.breakerFactory(instanceID)
	if err != nil {
		c.logger.Warn("failed to build circuit breaker for instance probe", map[string]interface{}{"instanceId": instanceID, "error": err.Error()})
		return nil
	}
	c.breakers[instanceID] = b
	return b
}

// ScheduleHealthCheck cancels any prior task for instance.InstanceID and
// schedules a new one at config.Interval, zeroing the failure counter.
// No-op if the instance has no health check config or it's disabled.
func (c *Checker) ScheduleHealthCheck(instance *core.ServiceInstance) {
	if instance == nil || instance.HealthCheck == nil || !instance.HealthCheck.Enabled {
		return
	}
	c.CancelHealthCheck(instance.InstanceID)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.tasks[instance.InstanceID] = cancel
	c.failures[instance.InstanceID] = 0
	c.mu.Unlock()

	go c.runLoop(ctx, instance)
}

// CancelHealthCheck cancels and removes the task and failure counter for
// instanceID.
func (c *Checker) CancelHealthCheck(instanceID string) {
	c.mu.Lock()
	cancel, ok := c.tasks[instanceID]
	delete(c.tasks, instanceID)
	delete(c.failures, instanceID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Checker) runLoop(ctx context.Context, instance *core.ServiceInstance) {
	interval := instance.HealthCheck.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, instance)
		}
	}
}

// tick runs one probe and applies the failure-counting algorithm: a UP
// result resets the counter, a non-UP result increments it, and the
// instance is only demoted once the count reaches RetryCount.
func (c *Checker) tick(ctx context.Context, instance *core.ServiceInstance) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return
	}

	// A probe tick has no inbound request to inherit a trace from — it's a
	// standing async boundary, not a one-off task resuming a stored trace, so
	// it's linked with an empty parent (degrades to a plain span) rather than
	// a real traceID/parentSpanID pair.
	spanCtx, endSpan := telemetry.StartLinkedSpan(ctx, "healthcheck.probe", "", "", map[string]string{
		"instanceId": instance.InstanceID, "serviceId": instance.ServiceID,
	})
	defer endSpan()

	probeStart := time.Now()
	status, message := c.CheckHealth(spanCtx, instance)
	emitHistogram("healthcheck.probe.duration_ms", float64(time.Since(probeStart).Milliseconds()), "type", string(probeType(instance)))
	emitCounter("healthcheck.probes", "type", string(probeType(instance)), "status", string(status))

	c.mu.Lock()
	_, tracked := c.tasks[instance.InstanceID]
	c.mu.Unlock()
	if !tracked {
		return // cancelled between dequeue and probe completion
	}

	if status == core.StatusUp {
		c.mu.Lock()
		c.failures[instance.InstanceID] = 0
		c.mu.Unlock()
		if instance.Status != core.StatusUp {
			c.updater.ApplyHealthTransition(instance, core.StatusUp, "Health check recovered")
		}
		return
	}

	c.mu.Lock()
	c.failures[instance.InstanceID]++
	count := c.failures[instance.InstanceID]
	c.mu.Unlock()

	if count >= instance.HealthCheck.RetryCount {
		c.updater.ApplyHealthTransition(instance, core.StatusDown, fmt.Sprintf("Health check failed %d times", count))
	} else {
		c.logger.Debug("health check attempt failed, within retry budget", map[string]interface{}{
			"instanceId": instance.InstanceID, "attempt": count, "message": message,
		})
	}
}

// CheckHealth performs a one-shot probe dispatched by config.Type.
func (c *Checker) CheckHealth(ctx context.Context, instance *core.ServiceInstance) (core.InstanceStatus, string) {
	config := instance.HealthCheck
	if config == nil {
		config = &core.HealthCheckConfig{Type: core.HealthCheckHTTP, Path: "/actuator/health", Timeout: 5 * time.Second}
	}
	switch config.Type {
	case core.HealthCheckTCP:
		return c.probeTCP(ctx, instance, config)
	case core.HealthCheckScript:
		return core.StatusUp, "Script check not implemented"
	default:
		return c.probeHTTP(ctx, instance, config)
	}
}

func (c *Checker) probeHTTP(ctx context.Context, instance *core.ServiceInstance, config *core.HealthCheckConfig) (core.InstanceStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	var message string
	err := c.guardedCall(ctx, instance.InstanceID, func() error {
		url := instance.URI() + config.Path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			message = fmt.Sprintf("failed to build health check request: %v", err)
			return err
		}
		req.Header.Set("X-Health-Check-ID", uuid.NewString())

		resp, err := c.client.Do(req)
		if err != nil {
			message = fmt.Sprintf("HTTP health check failed: %v", err)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			message = "HTTP check successful"
			return nil
		}
		message = fmt.Sprintf("HTTP health check returned status %d", resp.StatusCode)
		return fmt.Errorf(message)
	})
	if err != nil {
		if message == "" {
			message = fmt.Sprintf("HTTP health check failed: %v", err)
		}
		return core.StatusDown, message
	}
	return core.StatusUp, message
}

func (c *Checker) probeTCP(ctx context.Context, instance *core.ServiceInstance, config *core.HealthCheckConfig) (core.InstanceStatus, string) {
	var message string
	err := c.guardedCall(ctx, instance.InstanceID, func() error {
		d := net.Dialer{Timeout: config.Timeout}
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(instance.Host, fmt.Sprintf("%d", instance.Port)))
		if err != nil {
			message = fmt.Sprintf("TCP health check failed: %v", err)
			return err
		}
		_ = conn.Close()
		message = "TCP check successful"
		return nil
	})
	if err != nil {
		if message == "" {
			message = fmt.Sprintf("TCP health check failed: %v", err)
		}
		return core.StatusDown, message
	}
	return core.StatusUp, message
}

// guardedCall runs fn directly, or through instanceID's circuit breaker when
// one is configured — the HTTP/TCP probe calls core.CircuitBreaker exists to
// protect.
func (c *Checker) guardedCall(ctx context.Context, instanceID string, fn func() error) error {
	if breaker := c.breakerFor(instanceID); breaker != nil {
		return breaker.Execute(ctx, fn)
	}
	return fn()
}

func probeType(instance *core.ServiceInstance) core.HealthCheckType {
	if instance.HealthCheck == nil {
		return core.HealthCheckHTTP
	}
	return instance.HealthCheck.Type
}

// emitCounter/emitHistogram are weak-coupled wrappers around
// core.GetGlobalMetricsRegistry(), matching the pattern documented on
// core.MetricsRegistry itself (its own doc comment names
// "healthcheck.probe.duration_ms" as the worked example).
func emitCounter(name string, labels ...string) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter(name, labels...)
	}
}

func emitHistogram(name string, value float64, labels ...string) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Histogram(name, value, labels...)
	}
}

// FailureCount exposes the current consecutive-failure counter for an
// instance, used by tests and diagnostics.
func (c *Checker) FailureCount(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[instanceID]
}

// Shutdown cancels every in-flight task.
func (c *Checker) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.tasks {
		cancel()
		delete(c.tasks, id)
		delete(c.failures, id)
	}
}
