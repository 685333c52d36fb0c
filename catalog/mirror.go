package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hsc-io/registry/core"
)

// RedisMirror is an optional, non-authoritative read-only mirror of the
// catalog, pushed to on every store mutation so external tooling (redis-cli,
// dashboards) can inspect the live catalog without calling the registry's
// API. It is never consulted by Store for reads or writes; catalog.Store
// remains the sole source of truth.
//
// Uses a key-per-entity-with-TTL shape: one key per instance, refreshed with
// a short TTL on every publish so a crashed registry's mirror entries expire
// on their own instead of lingering as stale reads.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger
}

// NewRedisMirror connects to redisURL and returns a ready RedisMirror.
func NewRedisMirror(redisURL string, logger core.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.NewError("NewRedisMirror", core.KindInvalidArgument, "invalid redis URL", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.NewError("NewRedisMirror", core.KindUnavailable, "redis mirror unreachable", err)
	}

	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/catalog/mirror")
	}

	return &RedisMirror{
		client: client,
		prefix: core.MirrorKeyPrefix,
		ttl:    core.MirrorTTL,
		logger: logger,
	}, nil
}

func (m *RedisMirror) key(serviceID, instanceID string) string {
	return fmt.Sprintf("%s%s:%s", m.prefix, serviceID, instanceID)
}

// Publish writes instance's JSON representation with a refreshed TTL. Best
// effort: failures are logged and swallowed, never surfaced to the caller,
// since the mirror carries no read/write authority.
func (m *RedisMirror) Publish(instance *core.ServiceInstance) {
	if instance == nil {
		return
	}
	data, err := json.Marshal(instance)
	if err != nil {
		m.logger.Warn("failed to marshal instance for mirror", map[string]interface{}{
			"serviceId": instance.ServiceID, "instanceId": instance.InstanceID, "error": err.Error(),
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := m.key(instance.ServiceID, instance.InstanceID)
	if err := m.client.Set(ctx, key, data, m.ttl).Err(); err != nil {
		m.logger.Warn("failed to publish instance to redis mirror", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

// Remove deletes the mirrored entry for (serviceId, instanceId).
func (m *RedisMirror) Remove(serviceID, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.client.Del(ctx, m.key(serviceID, instanceID)).Err(); err != nil {
		m.logger.Warn("failed to remove instance from redis mirror", map[string]interface{}{
			"serviceId": serviceID, "instanceId": instanceID, "error": err.Error(),
		})
	}
}

// Close releases the underlying Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
