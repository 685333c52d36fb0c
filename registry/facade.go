// Package registry implements the Registry Facade (C7): the write-side
// orchestrator that is the single place mutating the catalog, driving
// lifecycle transitions, scheduling/cancelling health checks, and
// publishing the matching ServiceEvent for every operation.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/hsc-io/registry/core"
)

// Catalog is the subset of catalog.Store the facade mutates.
type Catalog interface {
	Register(instance *core.ServiceInstance) (*core.ServiceInstance, error)
	Deregister(serviceID, instanceID string) (*core.ServiceInstance, error)
	Renew(serviceID, instanceID string) (*core.ServiceInstance, error)
	UpdateInstanceStatus(serviceID, instanceID string, newStatus core.InstanceStatus) (*core.ServiceInstance, error)
	GetInstance(serviceID, instanceID string) *core.ServiceInstance
}

// Lifecycle is the subset of lifecycle.Manager the facade drives.
type Lifecycle interface {
	HandleRegistration(instance *core.ServiceInstance)
	HandleDeregistration(instance *core.ServiceInstance)
	HandleHeartbeat(instance *core.ServiceInstance)
	UpdateStatus(instance *core.ServiceInstance, newStatus core.InstanceStatus, reason string) bool
}

// HealthScheduler is the subset of healthcheck.Checker the facade drives.
type HealthScheduler interface {
	ScheduleHealthCheck(instance *core.ServiceInstance)
	CancelHealthCheck(instanceID string)
}

// EventPublisher is the subset of eventbus.Bus the facade publishes to.
type EventPublisher interface {
	Publish(event *core.ServiceEvent)
	PublishHealth(event *core.HealthEvent)
}

// GossipForwarder receives every locally emitted ServiceEvent so it can be
// forwarded to cluster.Sync for outbound gossip when clustering is enabled.
// A no-op implementation is used when clustering is disabled.
type GossipForwarder interface {
	ForwardLocalEvent(event *core.ServiceEvent)
}

type noopGossip struct{}

func (noopGossip) ForwardLocalEvent(*core.ServiceEvent) {}

// Facade is the Registry Facade (C7).
type Facade struct {
	catalog   Catalog
	lifecycle Lifecycle
	health    HealthScheduler
	events    EventPublisher
	gossip    GossipForwarder
	logger    core.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithGossipForwarder wires cluster gossip forwarding for outbound events.
func WithGossipForwarder(g GossipForwarder) Option {
	return func(f *Facade) { f.gossip = g }
}

// New creates a Facade wiring the catalog, lifecycle manager, health
// scheduler, and event bus together.
func New(catalog Catalog, lifecycle Lifecycle, health HealthScheduler, events EventPublisher, logger core.Logger, opts ...Option) *Facade {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/facade")
	}
	f := &Facade{
		catalog:   catalog,
		lifecycle: lifecycle,
		health:    health,
		events:    events,
		gossip:    noopGossip{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) emit(eventType core.EventType, instance *core.ServiceInstance) {
	event := &core.ServiceEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		ServiceID:  instance.ServiceID,
		InstanceID: instance.InstanceID,
		Instance:   instance,
		Timestamp:  time.Now().UTC(),
	}
	f.events.Publish(event)
	f.gossip.ForwardLocalEvent(event)
}

// Register registers a new instance: catalog write, lifecycle registration,
// health check scheduling, and a REGISTER event.
func (f *Facade) Register(instance *core.ServiceInstance) (*core.ServiceInstance, error) {
	stored, err := f.catalog.Register(instance)
	if err != nil {
		return nil, err
	}
	f.lifecycle.HandleRegistration(stored)
	f.health.ScheduleHealthCheck(stored)
	f.emit(core.EventRegister, stored)
	return stored, nil
}

// Deregister removes an instance: catalog delete, lifecycle deregistration,
// health check cancellation, DEREGISTER event. A missing instance is not an
// error — deregistering twice is a no-op, not a failure.
func (f *Facade) Deregister(serviceID, instanceID string) error {
	stored, err := f.catalog.Deregister(serviceID, instanceID)
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	f.lifecycle.HandleDeregistration(stored)
	f.health.CancelHealthCheck(instanceID)
	f.emit(core.EventDeregister, stored)
	return nil
}

// Renew refreshes an instance's heartbeat: catalog renew, lifecycle
// heartbeat handling, RENEW event.
func (f *Facade) Renew(serviceID, instanceID string) (*core.ServiceInstance, error) {
	stored, err := f.catalog.Renew(serviceID, instanceID)
	if err != nil {
		return nil, err
	}
	f.lifecycle.HandleHeartbeat(stored)
	f.emit(core.EventRenew, stored)
	return stored, nil
}

// UpdateStatus applies a caller-requested status transition: catalog write,
// lifecycle transition, health check reconcile (cancel+reschedule so a
// transition out of OUT_OF_SERVICE resumes probing), STATUS_CHANGE event.
func (f *Facade) UpdateStatus(serviceID, instanceID string, newStatus core.InstanceStatus) (*core.ServiceInstance, error) {
	stored, err := f.catalog.UpdateInstanceStatus(serviceID, instanceID, newStatus)
	if err != nil {
		return nil, err
	}
	f.lifecycle.UpdateStatus(stored, newStatus, "status update requested")
	f.health.CancelHealthCheck(instanceID)
	f.health.ScheduleHealthCheck(stored)
	f.emit(core.EventStatusChange, stored)
	return stored, nil
}

// ApplyHealthTransition implements healthcheck.StatusUpdater: the Health
// Checker calls this on every recovery/failure transition so the facade can
// persist the change back to the catalog, route it through the Lifecycle
// Manager, and publish both the HealthEvent and the HEALTH_CHECK
// ServiceEvent.
func (f *Facade) ApplyHealthTransition(instance *core.ServiceInstance, newStatus core.InstanceStatus, message string) {
	previous := instance.Status
	stored, err := f.catalog.UpdateInstanceStatus(instance.ServiceID, instance.InstanceID, newStatus)
	if err != nil {
		f.logger.Warn("health-driven status transition rejected", map[string]interface{}{
			"serviceId": instance.ServiceID, "instanceId": instance.InstanceID, "error": err.Error(),
		})
		return
	}
	if stored == nil {
		return
	}
	// instance (not stored) still carries the pre-transition status: stored is
	// a catalog clone already mutated to newStatus, and handing that to the
	// lifecycle manager would make its from != newStatus check always false,
	// so the status-history ring would never see health-driven transitions.
	f.lifecycle.UpdateStatus(instance, newStatus, message)

	f.events.PublishHealth(&core.HealthEvent{
		EventID:        uuid.NewString(),
		InstanceID:     stored.InstanceID,
		PreviousStatus: previous,
		CurrentStatus:  newStatus,
		Message:        message,
		Timestamp:      time.Now().UTC(),
	})
	f.emit(core.EventHealthCheck, stored)
}

// OnHeartbeatTimeout implements heartbeatmon.OnTimeout: the Heartbeat
// Monitor has already mutated instance in place via the Lifecycle Manager;
// this persists the result back to the catalog and publishes the matching
// events.
func (f *Facade) OnHeartbeatTimeout(instance *core.ServiceInstance) {
	stored, err := f.catalog.UpdateInstanceStatus(instance.ServiceID, instance.InstanceID, instance.Status)
	if err != nil {
		f.logger.Warn("heartbeat timeout transition rejected", map[string]interface{}{
			"serviceId": instance.ServiceID, "instanceId": instance.InstanceID, "error": err.Error(),
		})
		return
	}
	if stored == nil {
		return
	}
	f.emit(core.EventStatusChange, stored)
}
