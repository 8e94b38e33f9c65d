package scheduler

import (
	"testing"

	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func addHost(t *testing.T, store storage.Store, id string, status types.HostStatus) {
	t.Helper()
	require.NoError(t, store.PutHost(&types.Host{ID: id, Address: id + ":8081", Status: status}))
}

func TestPlaceLabSpreadsByLoad(t *testing.T) {
	s, store := newTestScheduler(t)
	addHost(t, store, "h1", types.HostOnline)
	addHost(t, store, "h2", types.HostOnline)

	lab := &types.Lab{ID: "lab-1"}
	require.NoError(t, store.CreateLab(lab))
	nodes := []*types.Node{
		{ID: "n1", LabID: "lab-1", Name: "r1"},
		{ID: "n2", LabID: "lab-1", Name: "r2"},
		{ID: "n3", LabID: "lab-1", Name: "r3"},
		{ID: "n4", LabID: "lab-1", Name: "r4"},
	}

	placements, err := s.PlaceLab(lab, nodes)
	require.NoError(t, err)
	require.Len(t, placements, 4)

	perHost := map[string]int{}
	for _, hostID := range placements {
		perHost[hostID]++
	}
	assert.Equal(t, 2, perHost["h1"])
	assert.Equal(t, 2, perHost["h2"])
}

func TestPlaceLabIsSticky(t *testing.T) {
	s, store := newTestScheduler(t)
	addHost(t, store, "h1", types.HostOnline)
	addHost(t, store, "h2", types.HostOnline)

	lab := &types.Lab{ID: "lab-1"}
	require.NoError(t, store.CreateLab(lab))
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r1", HostID: "h2"}))

	placements, err := s.PlaceLab(lab, []*types.Node{{ID: "n1", LabID: "lab-1", Name: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "h2", placements["r1"])
}

func TestPlaceLabReplacesOfflineHost(t *testing.T) {
	s, store := newTestScheduler(t)
	addHost(t, store, "h1", types.HostOnline)
	addHost(t, store, "h2", types.HostOffline)

	lab := &types.Lab{ID: "lab-1"}
	require.NoError(t, store.CreateLab(lab))
	// Node was previously on h2, which is now offline.
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r1", HostID: "h2"}))

	placements, err := s.PlaceLab(lab, []*types.Node{{ID: "n1", LabID: "lab-1", Name: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "h1", placements["r1"])
}

func TestDefaultAgentPinning(t *testing.T) {
	s, store := newTestScheduler(t)
	addHost(t, store, "h1", types.HostOnline)
	addHost(t, store, "h2", types.HostOnline)

	lab := &types.Lab{ID: "lab-1", DefaultAgent: "h2"}
	require.NoError(t, store.CreateLab(lab))

	placements, err := s.PlaceLab(lab, []*types.Node{
		{ID: "n1", LabID: "lab-1", Name: "r1"},
		{ID: "n2", LabID: "lab-1", Name: "r2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "h2", placements["r1"])
	assert.Equal(t, "h2", placements["r2"])
}

func TestNoOnlineAgents(t *testing.T) {
	s, store := newTestScheduler(t)
	addHost(t, store, "h1", types.HostOffline)

	lab := &types.Lab{ID: "lab-1"}
	_, err := s.PlaceLab(lab, []*types.Node{{ID: "n1", Name: "r1"}})
	assert.Error(t, err)

	_, err = s.SelectHost(lab)
	assert.Error(t, err)
}
