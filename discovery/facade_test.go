package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsc-io/registry/core"
	"github.com/hsc-io/registry/eventbus"
)

type fakeCatalog struct {
	instances map[string][]*core.ServiceInstance
}

func (f *fakeCatalog) GetInstances(serviceID string) []*core.ServiceInstance {
	return f.instances[serviceID]
}

func (f *fakeCatalog) GetHealthyInstances(serviceID string) []*core.ServiceInstance {
	var out []*core.ServiceInstance
	for _, inst := range f.instances[serviceID] {
		if inst.Status.IsHealthy() {
			out = append(out, inst)
		}
	}
	return out
}

func (f *fakeCatalog) GetAllInstances() map[string][]*core.ServiceInstance {
	return f.instances
}

func TestFacade_Discover(t *testing.T) {
	cat := &fakeCatalog{instances: map[string][]*core.ServiceInstance{
		"orders": {{ServiceID: "orders", InstanceID: "o1", Status: core.StatusUp}},
	}}
	f := New(cat, eventbus.New(nil), nil)

	instances, err := f.Discover("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestFacade_Discover_InvalidServiceID(t *testing.T) {
	f := New(&fakeCatalog{}, eventbus.New(nil), nil)
	_, err := f.Discover("")
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidArgument, core.KindOf(err))
}

func TestFacade_DiscoverHealthy_FiltersDown(t *testing.T) {
	cat := &fakeCatalog{instances: map[string][]*core.ServiceInstance{
		"orders": {
			{ServiceID: "orders", InstanceID: "o1", Status: core.StatusUp},
			{ServiceID: "orders", InstanceID: "o2", Status: core.StatusDown},
		},
	}}
	f := New(cat, eventbus.New(nil), nil)

	instances, err := f.DiscoverHealthy("orders")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "o1", instances[0].InstanceID)
}

func TestFacade_GetCatalog_OmitsEmptyServices(t *testing.T) {
	cat := &fakeCatalog{instances: map[string][]*core.ServiceInstance{
		"orders": {{ServiceID: "orders", InstanceID: "o1"}},
		"empty":  {},
	}}
	f := New(cat, eventbus.New(nil), nil)

	catalog := f.GetCatalog()
	assert.Contains(t, catalog.Services, "orders")
	assert.NotContains(t, catalog.Services, "empty")
}

func TestFacade_WatchService_ReceivesEvents(t *testing.T) {
	bus := eventbus.New(nil)
	f := New(&fakeCatalog{}, bus, nil)

	ch, cancel, err := f.WatchService("orders")
	require.NoError(t, err)
	defer cancel()

	bus.Publish(&core.ServiceEvent{EventID: "e1", ServiceID: "orders", Type: core.EventRegister})

	select {
	case got := <-ch:
		assert.Equal(t, "e1", got.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestFacade_WatchService_InvalidServiceID(t *testing.T) {
	f := New(&fakeCatalog{}, eventbus.New(nil), nil)
	_, _, err := f.WatchService("")
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidArgument, core.KindOf(err))
}
