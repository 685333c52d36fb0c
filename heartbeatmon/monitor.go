// Package heartbeatmon implements the Heartbeat Monitor (C3): a periodic
// scan of the catalog that delegates timed-out instances to the Lifecycle
// Manager.
package heartbeatmon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsc-io/registry/core"
)

// CatalogView is the subset of catalog.Store the monitor needs, kept narrow
// so this package doesn't import catalog directly (Monitor is wired by the
// Registry Facade, which already holds a *catalog.Store).
type CatalogView interface {
	GetAllInstances() map[string][]*core.ServiceInstance
}

// LifecycleView is the subset of lifecycle.Manager the monitor needs.
type LifecycleView interface {
	IsHeartbeatTimeout(instance *core.ServiceInstance, timeout time.Duration) bool
	HandleHeartbeatTimeout(instance *core.ServiceInstance, timeout time.Duration)
}

// OnTimeout is invoked once per instance the monitor demotes, so the caller
// (the Registry Facade) can persist the mutated instance back to the catalog
// and publish the matching HealthEvent/ServiceEvent.
type OnTimeout func(instance *core.ServiceInstance)

// Monitor runs the periodic heartbeat scan, demoting any instance whose
// lastHeartbeat has gone stale.
type Monitor struct {
	catalog   CatalogView
	lifecycle LifecycleView
	onTimeout OnTimeout
	timeout   time.Duration
	logger    core.Logger

	totalChecks   atomic.Int64
	totalTimeouts atomic.Int64

	stop chan struct{}
	done chan struct{}

	mu          sync.Mutex
	lastResult  core.HeartbeatCheckResult
}

// New creates a Monitor. timeout is the per-instance heartbeat expiration
// (defaults to 90s if zero or negative).
func New(catalogView CatalogView, lifecycleView LifecycleView, onTimeout OnTimeout, timeout time.Duration, logger core.Logger) *Monitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/heartbeatmon")
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Monitor{
		catalog:   catalogView,
		lifecycle: lifecycleView,
		onTimeout: onTimeout,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start launches the periodic scan at interval.
func (m *Monitor) Start(interval time.Duration) {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runPass()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop cancels the periodic scan and waits for the current pass to finish.
func (m *Monitor) Stop() {
	if m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if m.done != nil {
		<-m.done
	}
}

// runPass performs one scan. Exceptions (panics from a misbehaving callback)
// are caught and logged; the task must never die.
func (m *Monitor) runPass() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("heartbeat monitor pass panicked", map[string]interface{}{"recovered": r})
		}
	}()

	checked, timedOut := 0, 0
	for _, instances := range m.catalog.GetAllInstances() {
		for _, inst := range instances {
			checked++
			if m.lifecycle.IsHeartbeatTimeout(inst, m.timeout) {
				m.lifecycle.HandleHeartbeatTimeout(inst, m.timeout)
				timedOut++
				if m.onTimeout != nil {
					m.onTimeout(inst)
				}
			}
		}
	}

	m.totalChecks.Add(int64(checked))
	m.totalTimeouts.Add(int64(timedOut))

	result := core.HeartbeatCheckResult{
		CheckedInstances: checked,
		TimeoutInstances: timedOut,
		Timestamp:        time.Now().UTC(),
	}
	m.mu.Lock()
	m.lastResult = result
	m.mu.Unlock()

	if timedOut > 0 {
		m.logger.Info("heartbeat monitor pass found timeouts", map[string]interface{}{
			"checked": checked, "timedOut": timedOut,
		})
	}
}

// LastResult returns the most recent HeartbeatCheckResult.
func (m *Monitor) LastResult() core.HeartbeatCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// Totals returns accumulated counters across every pass since Start.
func (m *Monitor) Totals() (totalChecks, totalTimeouts int64) {
	return m.totalChecks.Load(), m.totalTimeouts.Load()
}

// RunOnce exposes a single synchronous pass, used by tests and by a caller
// that wants to force an immediate scan outside the ticker cadence.
func (m *Monitor) RunOnce() {
	m.runPass()
}
