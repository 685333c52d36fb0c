package cluster

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hsc-io/registry/core"
)

// Management is Cluster Management (C10): a second, independent peer health
// probe (against /api/v1/cluster/health), failover detection, and leader
// election.
type Management struct {
	cache      *NodeCache
	selfNodeID string
	client     *http.Client
	logger     core.Logger

	mu     sync.RWMutex
	leader string

	healthStop   chan struct{}
	healthDone   chan struct{}
	failoverStop chan struct{}
	failoverDone chan struct{}
	electionStop chan struct{}
	electionDone chan struct{}

	breakerFactory BreakerFactory
	breakersMu     sync.Mutex
	breakers       map[string]core.CircuitBreaker
}

// NewManagement creates a Management over an already-populated NodeCache
// (populated at Sync initialization).
func NewManagement(cache *NodeCache, selfNodeID string, logger core.Logger) *Management {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/cluster/management")
	}
	return &Management{
		cache:      cache,
		selfNodeID: selfNodeID,
		client:     &http.Client{},
		logger:     logger,
		breakers:   make(map[string]core.CircuitBreaker),
	}
}

// WithBreakerFactory enables per-peer circuit breaking on the health-probe
// path. Without it, probes call peers directly.
func (m *Management) WithBreakerFactory(factory BreakerFactory) *Management {
	m.breakerFactory = factory
	return m
}

// WithHTTPClient overrides the client used for peer health probes, so
// cmd/registry-server can supply a trace-propagating client
// (telemetry.NewTracedHTTPClient) instead of the bare default.
func (m *Management) WithHTTPClient(client *http.Client) *Management {
	if client != nil {
		m.client = client
	}
	return m
}

func (m *Management) breakerFor(nodeID string) core.CircuitBreaker {
	if m.breakerFactory == nil {
		return nil
	}
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()
	if b, ok := m.breakers[nodeID]; ok {
		return b
	}
	b, err := m.breakerFactory(nodeID)
	if err != nil {
		m.logger.Warn("failed to build circuit breaker for peer", map[string]interface{}{"nodeId": nodeID, "error": err.Error()})
		return nil
	}
	m.breakers[nodeID] = b
	return b
}

// StartClusterManagement launches the three periodic tasks. probeInterval
// governs the health probe; failover and election run on their own fixed
// periods (core.FailoverCheckInterval, core.LeaderElectionInterval).
func (m *Management) StartClusterManagement(probeInterval time.Duration) {
	m.healthStop, m.healthDone = make(chan struct{}), make(chan struct{})
	m.failoverStop, m.failoverDone = make(chan struct{}), make(chan struct{})
	m.electionStop, m.electionDone = make(chan struct{}), make(chan struct{})

	go m.loop(m.healthStop, m.healthDone, probeInterval, m.probeHealthOnce)
	go m.loop(m.failoverStop, m.failoverDone, core.FailoverCheckInterval, m.checkFailoverOnce)
	go m.loop(m.electionStop, m.electionDone, core.LeaderElectionInterval, func() { m.ElectLeader() })

	m.ElectLeader() // also runs on demand, immediately at start
}

func (m *Management) loop(stop, done chan struct{}, interval time.Duration, task func()) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runGuarded(task)
		case <-stop:
			return
		}
	}
}

func (m *Management) runGuarded(task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cluster management task panicked", map[string]interface{}{"recovered": r})
		}
	}()
	task()
}

// StopClusterManagement cancels all three periodic tasks and waits for the
// in-flight passes to finish, bounded by the caller's own shutdown timeout.
func (m *Management) StopClusterManagement() {
	stopAndWait(m.healthStop, m.healthDone)
	stopAndWait(m.failoverStop, m.failoverDone)
	stopAndWait(m.electionStop, m.electionDone)
}

func stopAndWait(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// probeHealthOnce probes every peer's /api/v1/cluster/health; a transition
// to DOWN triggers PerformFailover.
func (m *Management) probeHealthOnce() {
	for _, node := range m.cache.GetAllNodes() {
		if node.NodeID == m.selfNodeID {
			continue
		}
		ok := m.probeHealthEndpoint(node)
		if ok {
			m.cache.UpdateNodeStatus(node.NodeID, core.NodeUp)
			continue
		}
		wasUp := node.Status == core.NodeUp
		m.cache.UpdateNodeStatus(node.NodeID, core.NodeDown)
		if wasUp {
			m.PerformFailover(node.NodeID)
		}
	}
}

func (m *Management) probeHealthEndpoint(node core.ClusterNode) bool {
	call := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), core.ClusterProbeTimeout)
		defer cancel()

		url := fmt.Sprintf("http://%s:%d/api/v1/cluster/health", node.Host, node.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("cluster health probe returned status %d", resp.StatusCode)
		}
		return nil
	}

	if breaker := m.breakerFor(node.NodeID); breaker != nil {
		return breaker.Execute(context.Background(), call) == nil
	}
	return call() == nil
}

// checkFailoverOnce evaluates NeedsFailover and logs a warning if true. No
// automatic partition action beyond re-election is taken.
func (m *Management) checkFailoverOnce() {
	if m.NeedsFailover() {
		m.logger.Warn("cluster needs failover: healthy node count below quorum", map[string]interface{}{
			"healthyCount": m.cache.GetHealthyNodeCount(),
			"totalCount":   m.cache.GetNodeCount(),
		})
	}
}

// NeedsFailover reports healthyCount < totalCount/2 (integer division).
func (m *Management) NeedsFailover() bool {
	total := m.cache.GetNodeCount()
	healthy := m.cache.GetHealthyNodeCount()
	return healthy < total/2
}

// PerformFailover reacts to nodeId transitioning to DOWN. It is declarative:
// it logs the event and forces an immediate re-election (in case nodeId was
// the leader), with no automatic partition action beyond that.
func (m *Management) PerformFailover(nodeID string) {
	m.logger.Warn("cluster node failed over", map[string]interface{}{"nodeId": nodeID})
	m.mu.RLock()
	wasLeader := m.leader == nodeID
	m.mu.RUnlock()
	if wasLeader {
		m.ElectLeader()
	}
}

// ElectLeader elects, among currently healthy nodes, the one with the
// lexicographically smallest nodeId. Runs immediately when called; also
// invoked periodically and whenever the current leader is absent or not UP.
func (m *Management) ElectLeader() string {
	healthy := m.cache.GetHealthyNodes()
	if len(healthy) == 0 {
		m.mu.Lock()
		m.leader = ""
		m.mu.Unlock()
		return ""
	}
	sort.Slice(healthy, func(i, j int) bool { return healthy[i].NodeID < healthy[j].NodeID })
	newLeader := healthy[0].NodeID

	m.mu.Lock()
	changed := m.leader != newLeader
	m.leader = newLeader
	m.mu.Unlock()

	if changed {
		m.logger.Info("cluster leader elected", map[string]interface{}{"nodeId": newLeader})
	}
	return newLeader
}

// GetLeader returns the current leader nodeId, electing one first if the
// current leader is empty or not UP.
func (m *Management) GetLeader() string {
	m.mu.RLock()
	leader := m.leader
	m.mu.RUnlock()

	if leader == "" {
		return m.ElectLeader()
	}
	node, ok := m.cache.GetNode(leader)
	if !ok || node.Status != core.NodeUp {
		return m.ElectLeader()
	}
	return leader
}

// AddNode adds a peer to the cluster.
func (m *Management) AddNode(node core.ClusterNode) {
	m.cache.PutNode(node)
}

// RemoveNode removes a peer, triggering re-election if it was the current
// leader.
func (m *Management) RemoveNode(nodeID string) {
	m.cache.RemoveNode(nodeID)
	m.mu.RLock()
	wasLeader := m.leader == nodeID
	m.mu.RUnlock()
	if wasLeader {
		m.ElectLeader()
	}
}

// GetAllNodes returns every tracked node.
func (m *Management) GetAllNodes() []core.ClusterNode {
	return m.cache.GetAllNodes()
}

// GetHealthyNodes returns every healthy tracked node.
func (m *Management) GetHealthyNodes() []core.ClusterNode {
	return m.cache.GetHealthyNodes()
}

// GetClusterStatus returns a snapshot of cluster membership health.
func (m *Management) GetClusterStatus() core.ClusterStatus {
	nodes := m.cache.GetAllNodes()
	healthy := 0
	for _, n := range nodes {
		if n.Status == core.NodeUp {
			healthy++
		}
	}
	return core.ClusterStatus{
		ClusterID:    "default",
		Nodes:        nodes,
		CurrentNode:  m.selfNodeID,
		TotalNodes:   len(nodes),
		HealthyNodes: healthy,
	}
}

// IsClusterHealthy implements transport.ClusterHealthReporter for the
// GET /api/v1/cluster/health and /readyz endpoints: healthy iff
// healthyNodes > totalNodes/2.
func (m *Management) IsClusterHealthy() bool {
	return m.GetClusterStatus().IsHealthy()
}
