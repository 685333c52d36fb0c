package core

import "time"

// Environment variable prefix for all server configuration.
const EnvPrefix = "HSC_REGISTRY_SERVER"

// Redis catalog mirror defaults (the mirror is non-authoritative).
const (
	// MirrorKeyPrefix namespaces mirrored instance keys in Redis.
	// Format: <prefix><serviceId>:<instanceId>
	MirrorKeyPrefix = "hsc:registry:instances:"

	// MirrorTTL bounds how long a mirrored entry survives without a refresh,
	// equal to the default heartbeat monitor timeout (90s) so a healthy
	// instance's mirror entry doesn't expire between heartbeats.
	MirrorTTL = 90 * time.Second
)

// StatusHistoryLimit bounds the per-instance status-transition ring buffer,
// so a long-lived instance flapping between statuses can't grow its history
// without bound.
const StatusHistoryLimit = 32

// ClusterProbeTimeout bounds the C9 peer health probe.
const ClusterProbeTimeout = 5 * time.Second

// ClusterGossipTimeout bounds the C9 outbound gossip POST.
const ClusterGossipTimeout = 3 * time.Second

// FailoverCheckInterval is the C10 failover monitor period.
const FailoverCheckInterval = 10 * time.Second

// LeaderElectionInterval is the C10 periodic re-election period.
const LeaderElectionInterval = 30 * time.Second

// ShutdownGracePeriod bounds cancellation of scheduled tasks during
// shutdown; workers still running after this are force-stopped.
const ShutdownGracePeriod = 5 * time.Second
