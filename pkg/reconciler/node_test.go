package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nodeFixture struct {
	rec   *NodeReconciler
	store storage.Store
	calls *int32
}

func newNodeFixture(t *testing.T, agentFails bool) *nodeFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if agentFails {
			http.Error(w, `{"error":"runtime busy"}`, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, store.PutHost(&types.Host{
		ID:      "h1",
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Status:  types.HostOnline,
	}))

	return &nodeFixture{
		rec:   NewNodeReconciler(store, agent.NewPool(), broadcast.New(nil)),
		store: store,
		calls: &calls,
	}
}

func (f *nodeFixture) seedNode(t *testing.T, actual types.NodeActualState, desired types.NodeDesiredState) *types.Lab {
	t.Helper()
	lab := &types.Lab{ID: "lab-1", Provider: types.ProviderDocker}
	require.NoError(t, f.store.CreateLab(lab))
	require.NoError(t, f.store.PutNodeState(&types.NodeState{
		LabID:        "lab-1",
		NodeID:       "n1",
		NodeName:     "r1",
		HostID:       "h1",
		ActualState:  actual,
		DesiredState: desired,
		TransitionAt: time.Now().UTC(),
	}))
	return lab
}

func TestEnforcementStartsStoppedNode(t *testing.T) {
	f := newNodeFixture(t, false)
	lab := f.seedNode(t, types.NodeStopped, types.NodeDesiredRunning)

	enforced, err := f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)
	assert.Equal(t, 1, enforced)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls))

	ns, err := f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStarting, ns.ActualState)
	assert.Equal(t, 1, ns.EnforcementAttempts)
}

func TestEnforcementSkipsMatchedAndTransitional(t *testing.T) {
	f := newNodeFixture(t, false)
	lab := f.seedNode(t, types.NodeRunning, types.NodeDesiredRunning)

	enforced, err := f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)
	assert.Equal(t, 0, enforced)
	assert.Equal(t, int32(0), atomic.LoadInt32(f.calls))
}

func TestEnforcementRetryCap(t *testing.T) {
	f := newNodeFixture(t, true)
	lab := f.seedNode(t, types.NodeStopped, types.NodeDesiredRunning)

	// Run past the cap; the agent always fails.
	for i := 0; i < DefaultMaxEnforcementAttempts+1; i++ {
		_, err := f.rec.ReconcileLab(context.Background(), lab)
		require.NoError(t, err)
	}

	ns, err := f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxEnforcementAttempts, ns.EnforcementAttempts)
	assert.False(t, ns.EnforcementFailedAt.IsZero())

	// Parked: no further agent calls.
	before := atomic.LoadInt32(f.calls)
	_, err = f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)
	assert.Equal(t, before, atomic.LoadInt32(f.calls))

	// UI retry clears the flag and enforcement resumes.
	require.NoError(t, f.rec.RetryEnforcement("lab-1", "n1"))
	_, err = f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt32(f.calls), before)
}

func TestStuckPendingPromotedToError(t *testing.T) {
	f := newNodeFixture(t, false)
	lab := f.seedNode(t, types.NodePending, types.NodeDesiredRunning)

	ns, err := f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	ns.TransitionAt = time.Now().UTC().Add(-2 * DefaultPendingStale)
	require.NoError(t, f.store.PutNodeState(ns))

	_, err = f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)

	ns, err = f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeError, ns.ActualState)
	assert.Equal(t, "stuck in pending", ns.LastError)
}

func TestFreshPendingIsLeftAlone(t *testing.T) {
	f := newNodeFixture(t, false)
	lab := f.seedNode(t, types.NodePending, types.NodeDesiredRunning)

	_, err := f.rec.ReconcileLab(context.Background(), lab)
	require.NoError(t, err)

	ns, err := f.store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodePending, ns.ActualState)
}
