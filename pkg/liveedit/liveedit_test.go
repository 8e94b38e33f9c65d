package liveedit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeEnqueuer) Enqueue(labID, userID, action string) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return &types.Job{ID: "j1", LabID: labID, UserID: userID, Action: action}, nil
}

func (f *fakeEnqueuer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type fixture struct {
	mgr      *Manager
	store    storage.Store
	enqueuer *fakeEnqueuer
	removed  *[]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var mu sync.Mutex
	var removed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/nodes/remove" {
			mu.Lock()
			removed = append(removed, r.URL.Path)
			mu.Unlock()
		}
		w.Write([]byte("{}"))
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, store.PutHost(&types.Host{
		ID:      "h1",
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Status:  types.HostOnline,
	}))

	enq := &fakeEnqueuer{}
	mgr := New(store, agent.NewPool(), enq, nil, 25*time.Millisecond)
	t.Cleanup(mgr.Stop)
	return &fixture{mgr: mgr, store: store, enqueuer: enq, removed: &removed}
}

func (f *fixture) seedRunningLab(t *testing.T) *types.Lab {
	t.Helper()
	lab := &types.Lab{ID: "lab-1", Owner: "alice", State: types.LabStateRunning}
	require.NoError(t, f.store.CreateLab(lab))
	return lab
}

func (f *fixture) seedNode(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, f.store.CreateNode(&types.Node{ID: id, LabID: "lab-1", Name: name, Image: "alpine:3"}))
}

func TestDebounceCoalescesBurst(t *testing.T) {
	f := newFixture(t)
	f.seedRunningLab(t)
	f.seedNode(t, "n1", "r1")
	f.seedNode(t, "n2", "r2")

	// A burst of edits, including a duplicate, inside one window.
	f.mgr.NodeAdded("lab-1", "n1")
	f.mgr.NodeAdded("lab-1", "n1")
	f.mgr.NodeAdded("lab-1", "n2")

	assert.Eventually(t, func() bool {
		return len(f.enqueuer.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	actions := f.enqueuer.snapshot()
	assert.ElementsMatch(t, []string{"sync:node:n1", "sync:node:n2"}, actions)

	// The window fired once; nothing more trickles in.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, f.enqueuer.snapshot(), 2)

	ns, err := f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodePending, ns.ActualState)
	assert.Equal(t, types.NodeDesiredRunning, ns.DesiredState)
}

func TestEditResetsWindow(t *testing.T) {
	f := newFixture(t)
	f.seedRunningLab(t)
	f.seedNode(t, "n1", "r1")
	f.seedNode(t, "n2", "r2")

	f.mgr.NodeAdded("lab-1", "n1")
	time.Sleep(15 * time.Millisecond)
	// Still inside the window: this edit restarts it, so nothing has
	// flushed yet.
	f.mgr.NodeAdded("lab-1", "n2")
	assert.Empty(t, f.enqueuer.snapshot())

	assert.Eventually(t, func() bool {
		return len(f.enqueuer.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveCancelsPendingAdd(t *testing.T) {
	f := newFixture(t)
	f.seedRunningLab(t)
	f.seedNode(t, "n1", "r1")

	f.mgr.NodeAdded("lab-1", "n1")
	f.mgr.NodeRemoved("lab-1", "r1")
	f.mgr.Flush("lab-1")

	assert.Empty(t, f.enqueuer.snapshot())
}

func TestRemoveDestroysContainerAndState(t *testing.T) {
	f := newFixture(t)
	f.seedRunningLab(t)
	f.seedNode(t, "n1", "r1")
	require.NoError(t, f.store.PutNodeState(&types.NodeState{
		LabID:       "lab-1",
		NodeID:      "n1",
		NodeName:    "r1",
		ActualState: types.NodeRunning,
		HostID:      "h1",
	}))

	f.mgr.NodeRemoved("lab-1", "r1")
	f.mgr.Flush("lab-1")

	assert.Len(t, *f.removed, 1)
	_, err := f.store.GetNodeState("lab-1", "n1")
	assert.Error(t, err)
}

func TestAddsDeferredWhileLabStopped(t *testing.T) {
	f := newFixture(t)
	lab := &types.Lab{ID: "lab-1", Owner: "alice", State: types.LabStateStopped}
	require.NoError(t, f.store.CreateLab(lab))
	f.seedNode(t, "n1", "r1")

	f.mgr.NodeAdded("lab-1", "n1")
	f.mgr.Flush("lab-1")

	assert.Empty(t, f.enqueuer.snapshot())
	_, err := f.store.GetNodeState("lab-1", "n1")
	assert.Error(t, err)
}

func TestAddRedeploysOnlySettledStoppedNodes(t *testing.T) {
	tests := []struct {
		name     string
		actual   types.NodeActualState
		deployed bool
	}{
		{"stopped", types.NodeStopped, true},
		{"undeployed", types.NodeUndeployed, true},
		{"exited", types.NodeExited, false},
		{"pending", types.NodePending, false},
		{"starting", types.NodeStarting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedRunningLab(t)
			f.seedNode(t, "n1", "r1")
			require.NoError(t, f.store.PutNodeState(&types.NodeState{
				LabID:        "lab-1",
				NodeID:       "n1",
				NodeName:     "r1",
				ActualState:  tt.actual,
				DesiredState: types.NodeDesiredRunning,
				HostID:       "h1",
			}))

			f.mgr.NodeAdded("lab-1", "n1")
			f.mgr.Flush("lab-1")

			if tt.deployed {
				assert.Equal(t, []string{"sync:node:n1"}, f.enqueuer.snapshot())
			} else {
				assert.Empty(t, f.enqueuer.snapshot())
			}
		})
	}
}

func TestAddSkipsDeployedNode(t *testing.T) {
	f := newFixture(t)
	f.seedRunningLab(t)
	f.seedNode(t, "n1", "r1")
	require.NoError(t, f.store.PutNodeState(&types.NodeState{
		LabID:       "lab-1",
		NodeID:      "n1",
		NodeName:    "r1",
		ActualState: types.NodeRunning,
		HostID:      "h1",
	}))

	f.mgr.NodeAdded("lab-1", "n1")
	f.mgr.Flush("lab-1")

	assert.Empty(t, f.enqueuer.snapshot())
}
