package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSelfAddress_NonKubernetes(t *testing.T) {
	os.Unsetenv("KUBERNETES_SERVICE_HOST")

	host, nodeID := ResolveSelfAddress(8761, nil)

	assert.NotEmpty(t, host)
	assert.Contains(t, nodeID, host)
	assert.Contains(t, nodeID, "8761")
}

func TestResolveSelfAddress_Kubernetes(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	t.Setenv("HOSTNAME", "registry-server-0")

	host, nodeID := ResolveSelfAddress(8761, nil)

	assert.Equal(t, "registry-server-0", host)
	assert.Equal(t, "registry-server-0:8761", nodeID)
}

func TestParsePeerAddress(t *testing.T) {
	host, port, err := ParsePeerAddress("10.0.0.5:8761")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", host)
	assert.Equal(t, 8761, port)
}

func TestParsePeerAddress_Malformed(t *testing.T) {
	cases := []string{"no-port", "", "host:", "host:notanumber"}
	for _, addr := range cases {
		_, _, err := ParsePeerAddress(addr)
		require.Error(t, err)
		assert.Equal(t, KindInvalidArgument, KindOf(err))
	}
}
