package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/resilience"
	"github.com/hsc-io/registry/telemetry"
)

// gossipRetryConfig bounds the transient-retry budget for a single gossip
// delivery attempt, so a dropped packet or momentary DNS hiccup doesn't
// immediately count as a circuit-breaker failure the way a sustained outage
// should.
var gossipRetryConfig = &resilience.RetryConfig{
	MaxAttempts:   2,
	InitialDelay:  50 * time.Millisecond,
	MaxDelay:      200 * time.Millisecond,
	BackoffFactor: 2.0,
	JitterEnabled: true,
}

// BreakerFactory builds a per-peer core.CircuitBreaker, keeping cluster
// decoupled from the concrete resilience package (satisfied by
// resilience.NewFromParams at wiring time in cmd/registry-server).
type BreakerFactory func(name string) (core.CircuitBreaker, error)

// LocalPublisher is the subset of eventbus.Bus that Sync delivers inbound
// gossip events to, without routing back through the Registry Facade (and
// therefore without ever re-forwarding them outward — single-hop loop
// suppression).
type LocalPublisher interface {
	Publish(event *core.ServiceEvent)
}

// Sync is Cluster Sync (C9): peer health probing, outbound gossip of
// locally produced events, and the inbound gossip entry point.
type Sync struct {
	cache      *NodeCache
	selfNodeID string
	client     *http.Client
	local      LocalPublisher
	logger     core.Logger

	breakerFactory BreakerFactory
	breakersMu     sync.Mutex
	breakers       map[string]core.CircuitBreaker

	stop chan struct{}
	done chan struct{}
}

// NewSync initializes Cluster Sync: resolves the current host, derives
// nodeId, parses the configured peer list, and inserts self and peers into
// cache. Peer addresses must be "host:port"; a malformed one is returned as
// an error rather than silently skipped.
func NewSync(cache *NodeCache, selfPort int, peers []string, local LocalPublisher, logger core.Logger) (*Sync, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/cluster/sync")
	}

	selfHost, selfNodeID := core.ResolveSelfAddress(selfPort, logger)
	cache.PutNode(core.ClusterNode{NodeID: selfNodeID, Host: selfHost, Port: selfPort, Status: core.NodeUp, LastSeen: time.Now().UTC()})

	for _, peer := range peers {
		host, port, err := core.ParsePeerAddress(peer)
		if err != nil {
			return nil, err
		}
		nodeID := fmt.Sprintf("%s:%d", host, port)
		if nodeID == selfNodeID {
			continue
		}
		cache.PutNode(core.ClusterNode{NodeID: nodeID, Host: host, Port: port, Status: core.NodeUnknown})
	}

	return &Sync{
		cache:      cache,
		selfNodeID: selfNodeID,
		client:     &http.Client{},
		local:      local,
		logger:     logger,
		breakers:   make(map[string]core.CircuitBreaker),
	}, nil
}

// SelfNodeID returns this process's cluster nodeId.
func (s *Sync) SelfNodeID() string {
	return s.selfNodeID
}

// WithBreakerFactory enables per-peer circuit breaking on the health probe
// and outbound gossip paths. Without it, both call peers directly.
func (s *Sync) WithBreakerFactory(factory BreakerFactory) *Sync {
	s.breakerFactory = factory
	return s
}

// WithHTTPClient overrides the client used for peer probes and gossip
// delivery, so cmd/registry-server can supply a trace-propagating client
// (telemetry.NewTracedHTTPClient) instead of the bare default.
func (s *Sync) WithHTTPClient(client *http.Client) *Sync {
	if client != nil {
		s.client = client
	}
	return s
}

// breakerFor lazily builds (and caches) the circuit breaker guarding calls to
// nodeID, or returns nil if no factory was configured.
func (s *Sync) breakerFor(nodeID string) core.CircuitBreaker {
	if s.breakerFactory == nil {
		return nil
	}
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	if b, ok := s.breakers[nodeID]; ok {
		return b
	}
	b, err := s.breakerFactory(nodeID)
	if err != nil {
		s.logger.Warn("failed to build circuit breaker for peer", map[string]interface{}{"nodeId": nodeID, "error": err.Error()})
		return nil
	}
	s.breakers[nodeID] = b
	return b
}

// callPeer runs fn directly, or through nodeID's circuit breaker when one is
// configured, treating an open breaker the same as a failed call.
func (s *Sync) callPeer(nodeID string, fn func() error) bool {
	breaker := s.breakerFor(nodeID)
	if breaker == nil {
		return fn() == nil
	}
	return breaker.Execute(context.Background(), fn) == nil
}

// Start launches the periodic peer health probe at interval.
func (s *Sync) Start(interval time.Duration) {
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.probePeersOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop cancels the periodic probe and waits for the in-flight pass to finish.
func (s *Sync) Stop() {
	if s.stop == nil {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.done != nil {
		<-s.done
	}
}

// probePeersOnce performs one pass of the peer health probe: GET
// /actuator/health on every peer except self, with ClusterProbeTimeout.
func (s *Sync) probePeersOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cluster sync probe pass panicked", map[string]interface{}{"recovered": r})
		}
	}()

	var wg sync.WaitGroup
	for _, node := range s.cache.GetAllNodes() {
		if node.NodeID == s.selfNodeID {
			continue
		}
		wg.Add(1)
		go func(n core.ClusterNode) {
			defer wg.Done()
			s.probeOne(n)
		}(node)
	}
	wg.Wait()
}

func (s *Sync) probeOne(node core.ClusterNode) {
	_, endSpan := telemetry.StartLinkedSpan(context.Background(), "cluster.sync.probe", "", "", map[string]string{"nodeId": node.NodeID})
	defer endSpan()

	ok := s.callPeer(node.NodeID, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), core.ClusterProbeTimeout)
		defer cancel()

		url := fmt.Sprintf("http://%s:%d/actuator/health", node.Host, node.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("peer probe returned status %d", resp.StatusCode)
		}
		return nil
	})

	if ok {
		if node.Status != core.NodeUp {
			s.logger.Info("cluster peer back online", map[string]interface{}{"nodeId": node.NodeID})
		}
		s.cache.UpdateNodeStatus(node.NodeID, core.NodeUp)
		return
	}

	if node.Status == core.NodeUp {
		s.logger.Warn("cluster peer down", map[string]interface{}{"nodeId": node.NodeID})
	}
	s.cache.UpdateNodeStatus(node.NodeID, core.NodeDown)
}

// ForwardLocalEvent implements registry.GossipForwarder: it tags event with
// this node's id (if not already tagged) and POSTs it to every currently
// healthy peer's /api/v1/cluster/events with ClusterGossipTimeout. Per-peer
// failures are logged and swallowed.
func (s *Sync) ForwardLocalEvent(event *core.ServiceEvent) {
	if event.OriginNode == "" {
		event.OriginNode = s.selfNodeID
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event for cluster gossip", map[string]interface{}{"error": err.Error()})
		return
	}

	for _, node := range s.cache.GetHealthyNodes() {
		if node.NodeID == s.selfNodeID {
			continue
		}
		go s.gossipOne(node, body)
	}
}

func (s *Sync) gossipOne(node core.ClusterNode, body []byte) {
	_, endSpan := telemetry.StartLinkedSpan(context.Background(), "cluster.sync.gossip", "", "", map[string]string{"nodeId": node.NodeID})
	defer endSpan()

	ok := s.callPeer(node.NodeID, func() error {
		return resilience.Retry(context.Background(), gossipRetryConfig, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), core.ClusterGossipTimeout)
			defer cancel()

			url := fmt.Sprintf("http://%s:%d/api/v1/cluster/events", node.Host, node.Port)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return nil
		})
	})
	if !ok {
		s.logger.Warn("cluster gossip to peer failed", map[string]interface{}{"nodeId": node.NodeID})
		emitClusterCounter("cluster.gossip.failures", "nodeId", node.NodeID)
		return
	}
	emitClusterCounter("cluster.gossip.sent", "nodeId", node.NodeID)
}

// emitClusterCounter is a weak-coupled wrapper around
// core.GetGlobalMetricsRegistry(), matching the pattern used across catalog
// and healthcheck.
func emitClusterCounter(name string, labels ...string) {
	if registry := core.GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter(name, labels...)
	}
}

// HandleClusterEvent is the inbound gossip entry point: it publishes event
// onto the local event bus for local subscribers, and never re-gossips it
// outward (single-hop loop suppression — unlike registry.Facade.emit, this
// path never calls ForwardLocalEvent).
func (s *Sync) HandleClusterEvent(event *core.ServiceEvent) {
	s.local.Publish(event)
}
