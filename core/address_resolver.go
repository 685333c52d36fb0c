package core

import (
	"fmt"
	"net"
	"os"
)

// ResolveSelfAddress determines this process's own host and derives a
// cluster nodeId, used by Cluster Sync initialization.
//
// In Kubernetes environments (KUBERNETES_SERVICE_HOST set), the pod's
// HOSTNAME is stable and DNS-resolvable within the cluster, so it is used
// directly. Outside Kubernetes, the OS hostname is used, falling back to
// "localhost" if hostname resolution fails.
//
// nodeId is "<host>:<port>", matching the host:port shape used for
// cluster.nodes peer entries so a node can recognize itself in its own
// configured peer list.
func ResolveSelfAddress(port int, logger Logger) (host string, nodeID string) {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		if hn := os.Getenv("HOSTNAME"); hn != "" {
			host = hn
		}
	}
	if host == "" {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			host = hn
		} else {
			if logger != nil {
				logger.Warn("failed to resolve hostname, falling back to localhost", map[string]interface{}{
					"error": fmt.Sprint(err),
				})
			}
			host = "localhost"
		}
	}

	nodeID = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if logger != nil {
		logger.Info("resolved self cluster address", map[string]interface{}{
			"host":   host,
			"nodeId": nodeID,
		})
	}
	return host, nodeID
}

// ParsePeerAddress splits a "host:port" peer address string as used in
// cluster.nodes. Returns KindInvalidArgument on malformed input.
func ParsePeerAddress(addr string) (host string, port int, err error) {
	h, p, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return "", 0, NewErrorWithID("ParsePeerAddress", KindInvalidArgument, addr, "malformed peer address, expected host:port", splitErr)
	}
	var portNum int
	if _, scanErr := fmt.Sscanf(p, "%d", &portNum); scanErr != nil || portNum < 1 || portNum > 65535 {
		return "", 0, NewErrorWithID("ParsePeerAddress", KindInvalidArgument, addr, "malformed peer port", scanErr)
	}
	return h, portNum, nil
}
