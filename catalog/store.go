// Package catalog implements the Catalog Store: the thread-safe, two-level
// serviceId -> instanceId -> instance map that is the registry's sole
// writable authority for instance state.
package catalog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsc-io/registry/core"
)

// serviceShard holds every instance registered for one serviceId.
type serviceShard struct {
	mu        sync.RWMutex
	instances map[string]*core.ServiceInstance
}

// Store is the Catalog Store (C1). Reads take a point-in-time snapshot;
// writes are linearizable per (serviceId, instanceId), grounded on the
// sharded sync.RWMutex-guarded-map pattern used throughout the retrieval
// pack's in-memory caches (e.g. pkg/routing.SimpleCache).
type Store struct {
	mu       sync.RWMutex
	services map[string]*serviceShard

	logger core.Logger
	mirror Mirror

	shutdown atomic.Bool
	sweepOK  atomic.Bool

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

// Mirror is the optional, non-authoritative write sink a Store pushes
// instance snapshots to after each mutation (catalog/mirror.go's Redis
// implementation). Never consulted for reads.
type Mirror interface {
	Publish(instance *core.ServiceInstance)
	Remove(serviceID, instanceID string)
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a logger the store uses for sweeper diagnostics.
func WithLogger(logger core.Logger) Option {
	return func(s *Store) {
		if aware, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = aware.WithComponent("registry/catalog")
		} else {
			s.logger = logger
		}
	}
}

// WithMirror attaches a non-authoritative mirror sink.
func WithMirror(mirror Mirror) Option {
	return func(s *Store) { s.mirror = mirror }
}

// New creates an empty, healthy Store.
func New(opts ...Option) *Store {
	s := &Store{
		services: make(map[string]*serviceShard),
		logger:   &core.NoOpLogger{},
	}
	s.sweepOK.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) getShard(serviceID string) (*serviceShard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shard, ok := s.services[serviceID]
	return shard, ok
}

func (s *Store) getOrCreateShard(serviceID string) *serviceShard {
	if shard, ok := s.getShard(serviceID); ok {
		return shard
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if shard, ok := s.services[serviceID]; ok {
		return shard
	}
	shard := &serviceShard{instances: make(map[string]*core.ServiceInstance)}
	s.services[serviceID] = shard
	return shard
}

// removeShardIfEmpty removes the outer serviceId entry iff shard is still
// empty once the outer lock is held, so a serviceId with no instances left
// doesn't linger in the map, without racing a concurrent register into the
// same shard.
func (s *Store) removeShardIfEmpty(serviceID string, shard *serviceShard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.services[serviceID]
	if !ok || cur != shard {
		return
	}
	cur.mu.RLock()
	empty := len(cur.instances) == 0
	cur.mu.RUnlock()
	if empty {
		delete(s.services, serviceID)
	}
}

func (s *Store) unavailable(op string) error {
	return core.NewError(op, core.KindUnavailable, "catalog store is shut down", core.ErrClusterUnavailable)
}

// Register stores instance under (serviceId, instanceId), overwriting any
// previous entry. Sets registrationTime if absent, always refreshes
// lastHeartbeat.
func (s *Store) Register(instance *core.ServiceInstance) (*core.ServiceInstance, error) {
	if s.shutdown.Load() {
		return nil, s.unavailable("Store.Register")
	}
	if err := instance.Validate(); err != nil {
		return nil, err
	}

	clone := instance.Clone()
	now := time.Now().UTC()
	if clone.RegistrationTime.IsZero() {
		clone.RegistrationTime = now
	}
	clone.LastHeartbeat = now
	if clone.Status == "" {
		clone.Status = core.StatusStarting
	}

	shard := s.getOrCreateShard(clone.ServiceID)
	shard.mu.Lock()
	shard.instances[clone.InstanceID] = clone
	shard.mu.Unlock()

	if s.mirror != nil {
		s.mirror.Publish(clone)
	}
	emitCounter("catalog.registrations", "serviceId", clone.ServiceID)
	return clone.Clone(), nil
}

// Deregister removes the entry and, if it was the last instance for its
// service, removes the service entry too.
func (s *Store) Deregister(serviceID, instanceID string) (*core.ServiceInstance, error) {
	if s.shutdown.Load() {
		return nil, s.unavailable("Store.Deregister")
	}
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil, nil
	}

	shard.mu.Lock()
	removed, existed := shard.instances[instanceID]
	if existed {
		delete(shard.instances, instanceID)
	}
	empty := len(shard.instances) == 0
	shard.mu.Unlock()

	if empty {
		s.removeShardIfEmpty(serviceID, shard)
	}
	if !existed {
		return nil, nil
	}
	if s.mirror != nil {
		s.mirror.Remove(serviceID, instanceID)
	}
	emitCounter("catalog.deregistrations", "serviceId", serviceID)
	return removed, nil
}

// Renew touches lastHeartbeat to now without changing status.
func (s *Store) Renew(serviceID, instanceID string) (*core.ServiceInstance, error) {
	if s.shutdown.Load() {
		return nil, s.unavailable("Store.Renew")
	}
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil, nil
	}
	shard.mu.Lock()
	instance, found := shard.instances[instanceID]
	if found {
		instance.LastHeartbeat = time.Now().UTC()
	}
	shard.mu.Unlock()
	if !found {
		return nil, nil
	}
	clone := instance.Clone()
	if s.mirror != nil {
		s.mirror.Publish(clone)
	}
	return clone, nil
}

// UpdateInstanceStatus consults the status transition table; on an invalid
// transition it fails with IllegalStateTransition, on a valid one it sets
// status and refreshes lastHeartbeat.
func (s *Store) UpdateInstanceStatus(serviceID, instanceID string, newStatus core.InstanceStatus) (*core.ServiceInstance, error) {
	if s.shutdown.Load() {
		return nil, s.unavailable("Store.UpdateInstanceStatus")
	}
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil, nil
	}
	shard.mu.Lock()
	instance, found := shard.instances[instanceID]
	if !found {
		shard.mu.Unlock()
		return nil, nil
	}
	if !instance.Status.CanTransitionTo(newStatus) {
		from := instance.Status
		shard.mu.Unlock()
		return nil, core.NewErrorWithID("Store.UpdateInstanceStatus", core.KindIllegalStateTransition, instanceID,
			string(from)+" -> "+string(newStatus)+" is not an allowed transition", core.ErrIllegalTransition)
	}
	instance.Status = newStatus
	instance.LastHeartbeat = time.Now().UTC()
	clone := instance.Clone()
	shard.mu.Unlock()

	if s.mirror != nil {
		s.mirror.Publish(clone)
	}
	return clone, nil
}

// GetInstances returns a snapshot of every instance registered for serviceID.
func (s *Store) GetInstances(serviceID string) []*core.ServiceInstance {
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	out := make([]*core.ServiceInstance, 0, len(shard.instances))
	for _, inst := range shard.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// GetHealthyInstances filters GetInstances to status == UP.
func (s *Store) GetHealthyInstances(serviceID string) []*core.ServiceInstance {
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	out := make([]*core.ServiceInstance, 0, len(shard.instances))
	for _, inst := range shard.instances {
		if inst.Status.IsHealthy() {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// GetInstance returns one instance, or nil if absent.
func (s *Store) GetInstance(serviceID, instanceID string) *core.ServiceInstance {
	shard, ok := s.getShard(serviceID)
	if !ok {
		return nil
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	inst, found := shard.instances[instanceID]
	if !found {
		return nil
	}
	return inst.Clone()
}

// GetServices returns every serviceId with at least one registered instance.
func (s *Store) GetServices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for id := range s.services {
		out = append(out, id)
	}
	return out
}

// GetAllInstances returns a snapshot of the entire catalog.
func (s *Store) GetAllInstances() map[string][]*core.ServiceInstance {
	s.mu.RLock()
	shards := make(map[string]*serviceShard, len(s.services))
	for id, shard := range s.services {
		shards[id] = shard
	}
	s.mu.RUnlock()

	out := make(map[string][]*core.ServiceInstance, len(shards))
	for id, shard := range shards {
		shard.mu.RLock()
		insts := make([]*core.ServiceInstance, 0, len(shard.instances))
		for _, inst := range shard.instances {
			insts = append(insts, inst.Clone())
		}
		shard.mu.RUnlock()
		if len(insts) > 0 {
			out[id] = insts
		}
	}
	return out
}

// GetStatistics reports catalog-wide counts.
func (s *Store) GetStatistics() core.CatalogStatistics {
	all := s.GetAllInstances()
	stats := core.CatalogStatistics{
		StorageType: "in-memory",
		Healthy:     s.IsHealthy(),
	}
	if s.mirror != nil {
		stats.StorageType = "in-memory+redis-mirror"
	}
	stats.TotalServices = len(all)
	for _, insts := range all {
		stats.TotalInstances += len(insts)
		for _, inst := range insts {
			if inst.Status.IsHealthy() {
				stats.HealthyInstances++
			} else {
				stats.UnhealthyInstances++
			}
		}
	}
	return stats
}

// CleanupExpired removes every instance whose lastHeartbeat is older than
// now-expiration, returning the removed count.
func (s *Store) CleanupExpired(expiration time.Duration) int {
	if s.shutdown.Load() {
		return 0
	}
	cutoff := time.Now().UTC().Add(-expiration)

	s.mu.RLock()
	shards := make(map[string]*serviceShard, len(s.services))
	for id, shard := range s.services {
		shards[id] = shard
	}
	s.mu.RUnlock()

	removed := 0
	for serviceID, shard := range shards {
		var stale []string
		shard.mu.Lock()
		for id, inst := range shard.instances {
			if inst.LastHeartbeat.Before(cutoff) {
				stale = append(stale, id)
			}
		}
		for _, id := range stale {
			delete(shard.instances, id)
			removed++
		}
		empty := len(shard.instances) == 0
		shard.mu.Unlock()

		if s.mirror != nil {
			for _, id := range stale {
				s.mirror.Remove(serviceID, id)
			}
		}
		if empty {
			s.removeShardIfEmpty(serviceID, shard)
		}
	}
	if removed > 0 {
		emitGauge("catalog.expirations.last_sweep", float64(removed))
	}
	return removed
}

// Clear empties the catalog without shutting the store down.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make(map[string]*serviceShard)
}

// Shutdown marks the store unavailable; every mutating call after this
// returns Unavailable, and IsHealthy reports false.
func (s *Store) Shutdown() {
	s.shutdown.Store(true)
	s.StopSweeper()
}

// IsHealthy reports whether the store is open and its last sweep succeeded.
func (s *Store) IsHealthy() bool {
	return !s.shutdown.Load() && s.sweepOK.Load()
}

// StartSweeper launches a single background worker that runs CleanupExpired
// on interval. Sweep failures (panics recovered from a misbehaving mirror,
// say) flip IsHealthy false until the next successful pass, without taking
// the whole process down.
func (s *Store) StartSweeper(interval, expiration time.Duration) {
	s.sweeperStop = make(chan struct{})
	s.sweeperDone = make(chan struct{})

	go func() {
		defer close(s.sweeperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runSweep(expiration)
			case <-s.sweeperStop:
				return
			}
		}
	}()
}

func (s *Store) runSweep(expiration time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.sweepOK.Store(false)
			s.logger.Error("catalog sweep panicked", map[string]interface{}{"recovered": r})
			return
		}
	}()
	removed := s.CleanupExpired(expiration)
	s.sweepOK.Store(true)
	if removed > 0 {
		s.logger.Debug("expired instances swept", map[string]interface{}{"removed": removed})
	}
}

// StopSweeper stops the background sweeper, if running, and waits for it to
// exit (bounded by the caller's own shutdown timeout).
func (s *Store) StopSweeper() {
	if s.sweeperStop == nil {
		return
	}
	select {
	case <-s.sweeperStop:
	default:
		close(s.sweeperStop)
	}
	if s.sweeperDone != nil {
		<-s.sweeperDone
	}
}

// emitCounter/emitGauge are weak-coupled wrappers around
// core.GetGlobalMetricsRegistry() (nil until telemetry.EnableFrameworkIntegration
// runs), matching the pattern documented on core.MetricsRegistry itself.
func emitCounter(name string, labels ...string) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter(name, labels...)
	}
}

func emitGauge(name string, value float64, labels ...string) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Gauge(name, value, labels...)
	}
}
