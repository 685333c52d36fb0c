// Package transport implements the HTTP boundary: routing, middleware, and
// the JSON request/response mapping onto the Registry/Discovery facades and
// cluster gossip endpoint.
package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/discovery"
)

// RegistryWriter is the subset of registry.Facade the HTTP handlers call.
type RegistryWriter interface {
	Register(instance *core.ServiceInstance) (*core.ServiceInstance, error)
	Deregister(serviceID, instanceID string) error
	Renew(serviceID, instanceID string) (*core.ServiceInstance, error)
	UpdateStatus(serviceID, instanceID string, newStatus core.InstanceStatus) (*core.ServiceInstance, error)
}

// InstanceReader is the subset of discovery.Facade the list-instances
// endpoint calls.
type InstanceReader interface {
	Discover(serviceID string) ([]*core.ServiceInstance, error)
	DiscoverHealthy(serviceID string) ([]*core.ServiceInstance, error)
}

// CatalogReader is the subset of discovery.Facade the catalog endpoint calls.
type CatalogReader interface {
	GetCatalog() discovery.ServiceCatalog
}

// ClusterGossipReceiver is the subset of cluster.Sync the inbound gossip
// endpoint calls.
type ClusterGossipReceiver interface {
	HandleClusterEvent(event *core.ServiceEvent)
}

// ClusterHealthReporter reports whether this node currently believes the
// cluster holds quorum, for /api/v1/cluster/health.
type ClusterHealthReporter interface {
	IsClusterHealthy() bool
}

// instanceUpdateRequest is the PUT body for the status-update endpoint.
type instanceUpdateRequest struct {
	Status core.InstanceStatus `json:"status"`
}

// RegisterHandler handles POST /api/v1/services/{serviceId}/instances.
func RegisterHandler(writer RegistryWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := pathParam(r.URL.Path, "/api/v1/services/", "/instances")
		var instance core.ServiceInstance
		if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
			WriteError(w, r, core.NewError("transport.Register", core.KindInvalidArgument, "malformed request body", err))
			return
		}
		instance.ServiceID = serviceID

		stored, err := writer.Register(&instance)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, stored)
	}
}

// DeregisterHandler handles
// DELETE /api/v1/services/{serviceId}/instances/{instanceId}.
func DeregisterHandler(writer RegistryWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, instanceID := serviceAndInstance(r.URL.Path, "/instances")
		if err := writer.Deregister(serviceID, instanceID); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RenewHandler handles
// PUT /api/v1/services/{serviceId}/instances/{instanceId}/heartbeat.
func RenewHandler(writer RegistryWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, instanceID := serviceAndInstance(r.URL.Path, "/instances")
		stored, err := writer.Renew(serviceID, instanceID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if stored == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, stored)
	}
}

// UpdateStatusHandler handles
// PUT /api/v1/services/{serviceId}/instances/{instanceId}/status.
func UpdateStatusHandler(writer RegistryWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID, instanceID := serviceAndInstance(r.URL.Path, "/instances")
		var req instanceUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, r, core.NewError("transport.UpdateStatus", core.KindInvalidArgument, "malformed request body", err))
			return
		}
		stored, err := writer.UpdateStatus(serviceID, instanceID, req.Status)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if stored == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, stored)
	}
}

// ListInstancesHandler handles
// GET /api/v1/services/{serviceId}/instances[?healthy=true].
func ListInstancesHandler(reader InstanceReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := pathParam(r.URL.Path, "/api/v1/services/", "/instances")

		var (
			instances []*core.ServiceInstance
			err       error
		)
		if r.URL.Query().Get("healthy") == "true" {
			instances, err = reader.DiscoverHealthy(serviceID)
		} else {
			instances, err = reader.Discover(serviceID)
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, instances)
	}
}

// CatalogHandler handles GET /api/v1/catalog.
func CatalogHandler(reader CatalogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, reader.GetCatalog())
	}
}

// ClusterEventsHandler handles POST /api/v1/cluster/events, the inbound
// gossip entry point.
func ClusterEventsHandler(receiver ClusterGossipReceiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event core.ServiceEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			WriteError(w, r, core.NewError("transport.ClusterEvents", core.KindInvalidArgument, "malformed cluster event", err))
			return
		}
		receiver.HandleClusterEvent(&event)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ClusterHealthHandler handles GET /api/v1/cluster/health.
func ClusterHealthHandler(reporter ClusterHealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !reporter.IsClusterHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// pathParam extracts the path segment between prefix and suffix, e.g.
// pathParam("/api/v1/services/orders/instances", "/api/v1/services/", "/instances") -> "orders".
func pathParam(path, prefix, suffix string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	if idx := strings.Index(trimmed, suffix); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// serviceAndInstance extracts {serviceId} and {instanceId} from a path of
// shape "/api/v1/services/{serviceId}<marker>/{instanceId}[/suffix]".
func serviceAndInstance(path, marker string) (serviceID, instanceID string) {
	rest := strings.TrimPrefix(path, "/api/v1/services/")
	idx := strings.Index(rest, marker)
	if idx < 0 {
		return rest, ""
	}
	serviceID = rest[:idx]
	remainder := strings.TrimPrefix(rest[idx+len(marker):], "/")
	if slash := strings.Index(remainder, "/"); slash >= 0 {
		remainder = remainder[:slash]
	}
	instanceID = remainder
	return serviceID, instanceID
}
