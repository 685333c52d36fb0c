// Package cluster implements the Node Cache (C8), Cluster Sync (C9), and
// Cluster Management (C10): peer membership tracking, gossip-based event
// propagation across registry processes, and failover/leader election.
package cluster

import (
	"sync"
	"time"

	"github.com/hsc-io/registry/core"
)

// NodeCache is the Node Cache (C8): a concurrent nodeId -> ClusterNode map,
// the sole authority for cluster membership.
type NodeCache struct {
	mu    sync.RWMutex
	nodes map[string]*core.ClusterNode
}

// NewNodeCache creates an empty NodeCache.
func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: make(map[string]*core.ClusterNode)}
}

// PutNode inserts or replaces a node entry.
func (c *NodeCache) PutNode(node core.ClusterNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := node
	c.nodes[node.NodeID] = &n
}

// RemoveNode removes a node entry.
func (c *NodeCache) RemoveNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, nodeID)
}

// GetNode returns a copy of the node entry, or false if absent.
func (c *NodeCache) GetNode(nodeID string) (core.ClusterNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return core.ClusterNode{}, false
	}
	return *n, true
}

// UpdateNodeStatus sets status and refreshes lastSeen for nodeId, if present.
func (c *NodeCache) UpdateNodeStatus(nodeID string, status core.ClusterNodeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return
	}
	n.Status = status
	n.LastSeen = time.Now().UTC()
}

// GetAllNodes returns a snapshot of every node.
func (c *NodeCache) GetAllNodes() []core.ClusterNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	return out
}

// GetHealthyNodes returns every node with status == UP.
func (c *NodeCache) GetHealthyNodes() []core.ClusterNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		if n.Status == core.NodeUp {
			out = append(out, *n)
		}
	}
	return out
}

// GetNodeCount returns the total number of tracked nodes.
func (c *NodeCache) GetNodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// GetHealthyNodeCount returns the number of nodes with status == UP.
func (c *NodeCache) GetHealthyNodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, n := range c.nodes {
		if n.Status == core.NodeUp {
			count++
		}
	}
	return count
}
