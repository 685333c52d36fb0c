// Package lifecycle implements the Lifecycle Manager (C2): the instance
// state machine, per-instance status history, and heartbeat-timeout rules.
package lifecycle

import (
	"sync"
	"time"

	"github.com/hsc-io/registry/core"
)

// Transition records one status change for an instance's history ring.
type Transition struct {
	From      core.InstanceStatus
	To        core.InstanceStatus
	Reason    string
	Timestamp time.Time
}

// Manager owns the transition table and per-instance status history. It has
// no storage authority of its own — callers (the Registry Facade, Health
// Checker) pass it the *core.ServiceInstance to mutate in place; the Catalog
// Store remains the system of record.
type Manager struct {
	mu      sync.RWMutex
	history map[string][]Transition // keyed by instanceId, bounded ring

	logger core.Logger
}

// New creates a Manager. logger may be nil.
func New(logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/lifecycle")
	}
	return &Manager{
		history: make(map[string][]Transition),
		logger:  logger,
	}
}

func (m *Manager) record(instanceID string, from, to core.InstanceStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.history[instanceID], Transition{From: from, To: to, Reason: reason, Timestamp: time.Now().UTC()})
	if len(ring) > core.StatusHistoryLimit {
		ring = ring[len(ring)-core.StatusHistoryLimit:]
	}
	m.history[instanceID] = ring
}

// History returns a snapshot of the bounded status-transition ring for an
// instance.
func (m *Manager) History(instanceID string) []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring := m.history[instanceID]
	out := make([]Transition, len(ring))
	copy(out, ring)
	return out
}

// UpdateStatus consults the transition table and mutates instance in place
// on success. Returns false silently on an invalid transition — unlike
// catalog.Store.UpdateInstanceStatus, this layer never errors; the Registry
// Facade and Health Checker are expected to check the bool.
func (m *Manager) UpdateStatus(instance *core.ServiceInstance, newStatus core.InstanceStatus, reason string) bool {
	if instance == nil {
		return false
	}
	from := instance.Status
	if !from.CanTransitionTo(newStatus) {
		return false
	}
	instance.Status = newStatus
	instance.LastHeartbeat = time.Now().UTC()
	if from != newStatus {
		m.record(instance.InstanceID, from, newStatus, reason)
	}
	return true
}

// HandleRegistration marks a freshly registered instance STARTING unless the
// caller explicitly supplied a status. Status defaults to STARTING if unset,
// or is left as the caller-supplied value (e.g. UP) otherwise; this applies
// to any status left over from a previous registration of the same
// instanceId too, not just a fresh zero value (see DESIGN.md).
func (m *Manager) HandleRegistration(instance *core.ServiceInstance) {
	if instance == nil {
		return
	}
	from := instance.Status
	if from == "" {
		instance.Status = core.StatusStarting
	}
	m.record(instance.InstanceID, from, instance.Status, "registered")
}

// HandleHeartbeat refreshes lastHeartbeat and recovers STARTING/DOWN/UNKNOWN
// instances to UP. OUT_OF_SERVICE is left untouched.
func (m *Manager) HandleHeartbeat(instance *core.ServiceInstance) {
	if instance == nil {
		return
	}
	instance.LastHeartbeat = time.Now().UTC()
	switch instance.Status {
	case core.StatusStarting, core.StatusDown, core.StatusUnknown:
		m.UpdateStatus(instance, core.StatusUp, "heartbeat received")
	case core.StatusOutOfService:
		// left untouched
	}
}

// HandleDeregistration transitions to OUT_OF_SERVICE then purges the
// instance's status history.
func (m *Manager) HandleDeregistration(instance *core.ServiceInstance) {
	if instance == nil {
		return
	}
	m.UpdateStatus(instance, core.StatusOutOfService, "deregistered")
	m.mu.Lock()
	delete(m.history, instance.InstanceID)
	m.mu.Unlock()
}

// IsHeartbeatTimeout reports whether instance's lastHeartbeat is missing or
// older than timeout (default 90s).
func (m *Manager) IsHeartbeatTimeout(instance *core.ServiceInstance, timeout time.Duration) bool {
	if instance == nil || instance.LastHeartbeat.IsZero() {
		return true
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return time.Since(instance.LastHeartbeat) > timeout
}

// HandleHeartbeatTimeout demotes a timed-out instance: UP -> DOWN; DOWN
// older than 2x timeout -> UNKNOWN; other states unchanged.
func (m *Manager) HandleHeartbeatTimeout(instance *core.ServiceInstance, timeout time.Duration) {
	if instance == nil {
		return
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	switch instance.Status {
	case core.StatusUp:
		from := instance.Status
		instance.Status = core.StatusDown
		m.record(instance.InstanceID, from, core.StatusDown, "heartbeat timeout")
	case core.StatusDown:
		if !instance.LastHeartbeat.IsZero() && time.Since(instance.LastHeartbeat) > 2*timeout {
			from := instance.Status
			instance.Status = core.StatusUnknown
			m.record(instance.InstanceID, from, core.StatusUnknown, "heartbeat timeout (extended)")
		}
	}
}
