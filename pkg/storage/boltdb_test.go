package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestContainerCRUD(t *testing.T) {
	store := newTestStore(t)

	c := &types.Container{ID: "ct-1", VMID: 100, Lifecycle: types.LifecyclePending, CreatedAt: time.Now()}
	require.NoError(t, store.CreateContainer(c))

	got, err := store.GetContainer("ct-1")
	require.NoError(t, err)
	assert.Equal(t, c.VMID, got.VMID)

	c.Lifecycle = types.LifecycleReady
	require.NoError(t, store.UpdateContainer(c))

	got, err = store.GetContainer("ct-1")
	require.NoError(t, err)
	assert.Equal(t, types.LifecycleReady, got.Lifecycle)

	list, err := store.ListContainers()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteContainer("ct-1"))
	_, err = store.GetContainer("ct-1")
	assert.Error(t, err)
}

func TestContainerServiceUniquePerName(t *testing.T) {
	store := newTestStore(t)

	svc := &types.ContainerService{ContainerID: "ct-1", Name: "web", Status: types.ServiceStatusRunning}
	require.NoError(t, store.UpsertContainerService(svc))

	svc.Status = types.ServiceStatusDown
	require.NoError(t, store.UpsertContainerService(svc))

	list, err := store.ListContainerServices("ct-1")
	require.NoError(t, err)
	require.Len(t, list, 1, "same name must update in place, not duplicate")
	assert.Equal(t, types.ServiceStatusDown, list[0].Status)
}

func TestEventsPreserveArrivalOrder(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(&types.ProgressEvent{
			ContainerID: "ct-1",
			Type:        types.ProgressStep,
			Message:     string(rune('a' + i)),
		}))
	}

	events, err := store.ListEvents("ct-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, string(rune('a'+i)), e.Message)
	}
}
