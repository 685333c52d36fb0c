// Package discovery implements the Discovery Facade (C6): the stateless
// read side of the registry — snapshot queries and live watch streams.
package discovery

import (
	"github.com/hsc-io/registry/core"
)

// CatalogView is the subset of catalog.Store the facade reads from.
type CatalogView interface {
	GetInstances(serviceID string) []*core.ServiceInstance
	GetHealthyInstances(serviceID string) []*core.ServiceInstance
	GetAllInstances() map[string][]*core.ServiceInstance
}

// EventSource is the subset of eventbus.Bus the facade watches.
type EventSource interface {
	Subscribe(serviceID string) (<-chan *core.ServiceEvent, func())
}

// ServiceCatalog is a point-in-time snapshot of every known service and its
// instances, with services that currently have no instances filtered out.
type ServiceCatalog struct {
	Services map[string][]*core.ServiceInstance `json:"services"`
}

// Facade is the Discovery Facade (C6).
type Facade struct {
	catalog CatalogView
	events  EventSource
	logger  core.Logger
}

// New creates a Facade over catalog and events.
func New(catalog CatalogView, events EventSource, logger core.Logger) *Facade {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/discovery")
	}
	return &Facade{catalog: catalog, events: events, logger: logger}
}

// Discover returns every known instance of serviceId, or InvalidArgument if
// serviceId is empty or malformed.
func (f *Facade) Discover(serviceID string) ([]*core.ServiceInstance, error) {
	if !core.ValidIdentifier(serviceID) {
		return nil, core.NewErrorWithID("Facade.Discover", core.KindInvalidArgument, serviceID, "invalid serviceId", nil)
	}
	return f.catalog.GetInstances(serviceID), nil
}

// DiscoverHealthy returns only instances with status == UP.
func (f *Facade) DiscoverHealthy(serviceID string) ([]*core.ServiceInstance, error) {
	if !core.ValidIdentifier(serviceID) {
		return nil, core.NewErrorWithID("Facade.DiscoverHealthy", core.KindInvalidArgument, serviceID, "invalid serviceId", nil)
	}
	return f.catalog.GetHealthyInstances(serviceID), nil
}

// GetCatalog returns a snapshot of every service, omitting services with no
// current instances.
func (f *Facade) GetCatalog() ServiceCatalog {
	all := f.catalog.GetAllInstances()
	services := make(map[string][]*core.ServiceInstance, len(all))
	for serviceID, instances := range all {
		if len(instances) > 0 {
			services[serviceID] = instances
		}
	}
	return ServiceCatalog{Services: services}
}

// WatchService subscribes to serviceId's ServiceEvent stream and returns a
// channel plus a cancel func the caller must invoke when done watching.
// Invalid serviceId returns InvalidArgument instead of subscribing.
func (f *Facade) WatchService(serviceID string) (<-chan *core.ServiceEvent, func(), error) {
	if !core.ValidIdentifier(serviceID) {
		return nil, nil, core.NewErrorWithID("Facade.WatchService", core.KindInvalidArgument, serviceID, "invalid serviceId", nil)
	}
	ch, cancel := f.events.Subscribe(serviceID)
	return ch, cancel, nil
}
