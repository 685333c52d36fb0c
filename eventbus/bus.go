// Package eventbus implements the Event Bus (C5): a per-service multicast
// stream of ServiceEvent, and an independent multicast stream of
// HealthEvent. Each subscription is a buffered channel plus a cleanup
// closure, fanned out in-process rather than over a shared pub/sub channel.
package eventbus

import (
	"sync"

	"github.com/hsc-io/registry/core"
)

// subscriberBufferSize bounds each subscriber's channel; publication is
// non-blocking and drops on overflow rather than stalling the producer.
const subscriberBufferSize = 64

// Bus is the Event Bus (C5).
type Bus struct {
	mu       sync.RWMutex
	services map[string]*serviceSink // serviceId -> sink, created lazily

	healthMu   sync.RWMutex
	healthSubs map[int]chan *core.HealthEvent
	nextHealth int

	logger core.Logger
}

type serviceSink struct {
	mu   sync.RWMutex
	subs map[int]chan *core.ServiceEvent
	next int
}

// New creates an empty Bus.
func New(logger core.Logger) *Bus {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if aware, ok := logger.(core.ComponentAwareLogger); ok {
		logger = aware.WithComponent("registry/eventbus")
	}
	return &Bus{
		services:   make(map[string]*serviceSink),
		healthSubs: make(map[int]chan *core.HealthEvent),
		logger:     logger,
	}
}

// Subscribe returns a channel of ServiceEvent for serviceId, created lazily
// on first subscribe, and a cleanup func that must be called when the
// caller is done watching. When the last subscriber unsubscribes, the sink
// entry is removed.
func (b *Bus) Subscribe(serviceID string) (<-chan *core.ServiceEvent, func()) {
	b.mu.Lock()
	sink, ok := b.services[serviceID]
	if !ok {
		sink = &serviceSink{subs: make(map[int]chan *core.ServiceEvent)}
		b.services[serviceID] = sink
	}
	b.mu.Unlock()

	ch := make(chan *core.ServiceEvent, subscriberBufferSize)
	sink.mu.Lock()
	id := sink.next
	sink.next++
	sink.subs[id] = ch
	sink.mu.Unlock()

	cleanup := func() {
		sink.mu.Lock()
		if _, ok := sink.subs[id]; ok {
			delete(sink.subs, id)
			close(ch)
		}
		empty := len(sink.subs) == 0
		sink.mu.Unlock()

		if empty {
			b.mu.Lock()
			if cur, ok := b.services[serviceID]; ok && cur == sink {
				cur.mu.RLock()
				stillEmpty := len(cur.subs) == 0
				cur.mu.RUnlock()
				if stillEmpty {
					delete(b.services, serviceID)
				}
			}
			b.mu.Unlock()
		}
	}
	return ch, cleanup
}

// Publish delivers event to every current subscriber of event.ServiceID.
// Non-blocking: a subscriber whose buffer is full has the event dropped for
// it, logged as a warning.
func (b *Bus) Publish(event *core.ServiceEvent) {
	b.mu.RLock()
	sink, ok := b.services[event.ServiceID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	sink.mu.RLock()
	defer sink.mu.RUnlock()
	for _, ch := range sink.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("service event dropped, subscriber buffer full", map[string]interface{}{
				"serviceId": event.ServiceID, "eventId": event.EventID,
			})
		}
	}
}

// SubscribeHealth returns a channel of every HealthEvent published anywhere
// in the catalog: one global multicast sink, not scoped per service like
// Subscribe.
func (b *Bus) SubscribeHealth() (<-chan *core.HealthEvent, func()) {
	ch := make(chan *core.HealthEvent, subscriberBufferSize)

	b.healthMu.Lock()
	id := b.nextHealth
	b.nextHealth++
	b.healthSubs[id] = ch
	b.healthMu.Unlock()

	cleanup := func() {
		b.healthMu.Lock()
		if _, ok := b.healthSubs[id]; ok {
			delete(b.healthSubs, id)
			close(ch)
		}
		b.healthMu.Unlock()
	}
	return ch, cleanup
}

// PublishHealth delivers event to every current health subscriber.
func (b *Bus) PublishHealth(event *core.HealthEvent) {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	for _, ch := range b.healthSubs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("health event dropped, subscriber buffer full", map[string]interface{}{
				"instanceId": event.InstanceID, "eventId": event.EventID,
			})
		}
	}
}

// SubscriberCount reports the current number of ServiceEvent subscribers
// for serviceId, used by tests to verify sink cleanup.
func (b *Bus) SubscriberCount(serviceID string) int {
	b.mu.RLock()
	sink, ok := b.services[serviceID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	sink.mu.RLock()
	defer sink.mu.RUnlock()
	return len(sink.subs)
}
