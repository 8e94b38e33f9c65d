package cleanup

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/reservation"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, storage.Store, *[]agent.ReconcilePortsRequest) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var reconciles []agent.ReconcilePortsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/overlay/reconcile-ports" {
			var req agent.ReconcilePortsRequest
			json.NewDecoder(r.Body).Decode(&req)
			reconciles = append(reconciles, req)
			json.NewEncoder(w).Encode(agent.ReconcilePortsReply{})
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

	pool := agent.NewPool()
	links := linkmgr.New(store, pool, reservation.New(store, reservation.NewNormalizer(nil)))
	return New(store, pool, links, t.TempDir()), store, &reconciles
}

func seedLabRows(t *testing.T, store storage.Store, labID string) {
	t.Helper()
	require.NoError(t, store.CreateLab(&types.Lab{ID: labID}))
	require.NoError(t, store.CreateNode(&types.Node{ID: labID + "-n1", LabID: labID, Name: "r1"}))
	require.NoError(t, store.PutNodeState(&types.NodeState{LabID: labID, NodeID: labID + "-n1"}))
	require.NoError(t, store.PutLinkState(&types.LinkState{ID: labID + "-ls1", LabID: labID, LinkName: "r1-r2"}))
	require.NoError(t, store.InsertReservation(&types.Reservation{LabID: labID, NodeID: "r1", IfNormal: "eth1", LinkStateID: labID + "-ls1"}))
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: labID, NodeName: "r1", HostID: "h1"}))
	require.NoError(t, store.PutTunnel(&types.VxlanTunnel{ID: labID + "-t1", LabID: labID, LinkStateID: labID + "-ls1", AgentA: "h1", AgentB: "h2", VNI: 5001, Status: types.TunnelActive}))
	require.NoError(t, store.UpsertInterfaceMapping(&types.InterfaceMapping{LabID: labID, NodeID: labID + "-n1", LinuxIf: "eth1"}))
	require.NoError(t, store.CreateJob(&types.Job{ID: labID + "-j1", LabID: labID, Status: types.JobCompleted}))
}

func TestLabDeletedLeavesNoRows(t *testing.T) {
	svc, store, reconciles := newService(t)
	seedLabRows(t, store, "lab-1")
	seedLabRows(t, store, "lab-2")

	svc.Handle(Event{Type: EventLabDeleted, LabID: "lab-1"})

	// Invariant: zero rows mentioning the lab across every table.
	nodes, _ := store.ListNodesByLab("lab-1")
	assert.Empty(t, nodes)
	nss, _ := store.ListNodeStatesByLab("lab-1")
	assert.Empty(t, nss)
	lss, _ := store.ListLinkStatesByLab("lab-1")
	assert.Empty(t, lss)
	rs, _ := store.ListReservationsByLab("lab-1")
	assert.Empty(t, rs)
	ps, _ := store.ListPlacementsByLab("lab-1")
	assert.Empty(t, ps)
	ts, _ := store.ListTunnelsByLab("lab-1")
	assert.Empty(t, ts)
	ms, _ := store.ListInterfaceMappingsByLab("lab-1")
	assert.Empty(t, ms)
	jobs, _ := store.ListJobsByLab("lab-1")
	assert.Empty(t, jobs)

	// Other labs untouched.
	other, _ := store.ListNodeStatesByLab("lab-2")
	assert.Len(t, other, 1)

	// Agents were told which ports remain valid; the deleted lab's port
	// is not among them.
	require.NotEmpty(t, *reconciles)
	for _, req := range *reconciles {
		assert.NotContains(t, req.ValidPortNames, linkmgr.VxlanPortName("lab-1", "r1-r2"))
	}
}

func TestLabDeletedIsIdempotent(t *testing.T) {
	svc, store, _ := newService(t)
	seedLabRows(t, store, "lab-1")

	svc.Handle(Event{Type: EventLabDeleted, LabID: "lab-1"})
	svc.Handle(Event{Type: EventLabDeleted, LabID: "lab-1"})

	nss, _ := store.ListNodeStatesByLab("lab-1")
	assert.Empty(t, nss)
}

func TestLabDeletedRemovesWorkspace(t *testing.T) {
	svc, store, _ := newService(t)

	dir := filepath.Join(t.TempDir(), "lab-1-workspace")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, store.CreateLab(&types.Lab{ID: "lab-1", WorkspacePath: dir}))

	svc.Handle(Event{Type: EventLabDeleted, LabID: "lab-1"})

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestNodeRemovedDeletesPlacement(t *testing.T) {
	svc, store, _ := newService(t)
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r1", HostID: "h1"}))
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r2", HostID: "h1"}))

	svc.Handle(Event{Type: EventNodeRemoved, LabID: "lab-1", NodeName: "r1"})

	ps, err := store.ListPlacementsByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "r2", ps[0].NodeName)
}

func TestAgentOfflineMarksImageSyncUntrusted(t *testing.T) {
	svc, store, _ := newService(t)
	require.NoError(t, store.CreateLab(&types.Lab{ID: "lab-1"}))
	require.NoError(t, store.PutNodeState(&types.NodeState{LabID: "lab-1", NodeID: "n1", HostID: "h1", ImageSyncStatus: "synced"}))
	require.NoError(t, store.PutNodeState(&types.NodeState{LabID: "lab-1", NodeID: "n2", HostID: "h2", ImageSyncStatus: "synced"}))

	svc.Handle(Event{Type: EventAgentOffline, AgentID: "h1"})

	ns, err := store.GetNodeState("lab-1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "untrusted", ns.ImageSyncStatus)

	ns, err = store.GetNodeState("lab-1", "n2")
	require.NoError(t, err)
	assert.Equal(t, "synced", ns.ImageSyncStatus)
}

// recoveryFixture runs a fake agent whose inventory is scripted per test.
func recoveryFixture(t *testing.T, labIDs []string) (*Service, storage.Store, *[][]string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var cleanups [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/discover-labs":
			json.NewEncoder(w).Encode(map[string][]string{"lab_ids": labIDs})
		case "/cleanup-orphans":
			var req struct {
				ValidLabIDs []string `json:"valid_lab_ids"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			cleanups = append(cleanups, req.ValidLabIDs)
			w.Write([]byte("{}"))
		default:
			w.Write([]byte("{}"))
		}
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, store.PutHost(&types.Host{
		ID:      "h1",
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Status:  types.HostOnline,
	}))

	pool := agent.NewPool()
	links := linkmgr.New(store, pool, reservation.New(store, reservation.NewNormalizer(nil)))
	return New(store, pool, links, t.TempDir()), store, &cleanups
}

func TestAgentRegisteredCleansUnknownLabs(t *testing.T) {
	svc, store, cleanups := recoveryFixture(t, []string{"lab-1", "lab-stray"})
	require.NoError(t, store.CreateLab(&types.Lab{ID: "lab-1"}))

	svc.Handle(Event{Type: EventAgentRegistered, AgentID: "h1"})

	// The agent held a lab the controller does not know; it was handed
	// the valid set so it can drop the rest.
	require.Len(t, *cleanups, 1)
	assert.Equal(t, []string{"lab-1"}, (*cleanups)[0])
}

func TestAgentRegisteredWithCleanInventorySkipsCleanup(t *testing.T) {
	svc, store, cleanups := recoveryFixture(t, []string{"lab-1"})
	require.NoError(t, store.CreateLab(&types.Lab{ID: "lab-1"}))

	svc.Handle(Event{Type: EventAgentRegistered, AgentID: "h1"})

	assert.Empty(t, *cleanups)
}

func TestDestroyFinishedSweepsOrphanPlacements(t *testing.T) {
	svc, store, _ := newService(t)
	require.NoError(t, store.CreateLab(&types.Lab{ID: "lab-1"}))
	require.NoError(t, store.CreateNode(&types.Node{ID: "n1", LabID: "lab-1", Name: "r1"}))
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r1", HostID: "h1"}))
	// Orphan: no declared node named r9.
	require.NoError(t, store.PutPlacement(&types.Placement{LabID: "lab-1", NodeName: "r9", HostID: "h1"}))

	svc.Handle(Event{Type: EventDestroyFinished, LabID: "lab-1"})

	ps, err := store.ListPlacementsByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "r1", ps[0].NodeName)
}

func TestJobCompletedPrunesOldJobs(t *testing.T) {
	svc, store, _ := newService(t)

	old := &types.Job{ID: "j-old", LabID: "lab-1", Status: types.JobCompleted, CompletedAt: time.Now().UTC().Add(-48 * time.Hour)}
	recent := &types.Job{ID: "j-new", LabID: "lab-1", Status: types.JobCompleted, CompletedAt: time.Now().UTC()}
	runningJob := &types.Job{ID: "j-run", LabID: "lab-1", Status: types.JobRunning}
	require.NoError(t, store.CreateJob(old))
	require.NoError(t, store.CreateJob(recent))
	require.NoError(t, store.CreateJob(runningJob))

	svc.Handle(Event{Type: EventJobCompleted})

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, j := range jobs {
		ids[j.ID] = true
	}
	assert.False(t, ids["j-old"])
	assert.True(t, ids["j-new"])
	assert.True(t, ids["j-run"])
}
