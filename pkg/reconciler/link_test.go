package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/reservation"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinkFixture(t *testing.T) (*LinkReconciler, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := agent.NewPool()
	mgr := linkmgr.New(store, pool, reservation.New(store, reservation.NewNormalizer(nil)))
	return NewLinkReconciler(store, pool, mgr, broadcast.New(nil), DefaultLinkInterval), store
}

func onlineHost(t *testing.T, store storage.Store, id string) {
	t.Helper()
	require.NoError(t, store.PutHost(&types.Host{ID: id, Address: id + ":8081", Status: types.HostOnline}))
}

func TestCandidateSelection(t *testing.T) {
	rec, store := newLinkFixture(t)
	onlineHost(t, store, "h1")
	onlineHost(t, store, "h2")
	require.NoError(t, store.PutHost(&types.Host{ID: "h3", Address: "h3:8081", Status: types.HostOffline}))

	put := func(ls *types.LinkState) {
		require.NoError(t, store.PutLinkState(ls))
	}
	// Settled up: candidate.
	put(&types.LinkState{ID: "a", LabID: "lab-1", LinkName: "a", DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp, SourceHostID: "h1", TargetHostID: "h1"})
	// Error: candidate.
	put(&types.LinkState{ID: "b", LabID: "lab-1", LinkName: "b", DesiredState: types.LinkDesiredUp, ActualState: types.LinkError, SourceHostID: "h1", TargetHostID: "h1"})
	// Cross-host partial attachment: candidate.
	put(&types.LinkState{ID: "c", LabID: "lab-1", LinkName: "c", DesiredState: types.LinkDesiredUp, ActualState: types.LinkCreating, IsCrossHost: true, SourceAttached: true, SourceHostID: "h1", TargetHostID: "h2"})
	// Desired down: not a candidate.
	put(&types.LinkState{ID: "d", LabID: "lab-1", LinkName: "d", DesiredState: types.LinkDesiredDown, ActualState: types.LinkUp, SourceHostID: "h1", TargetHostID: "h1"})
	// Mid-creation, nothing dangling: not a candidate.
	put(&types.LinkState{ID: "e", LabID: "lab-1", LinkName: "e", DesiredState: types.LinkDesiredUp, ActualState: types.LinkCreating, SourceHostID: "h1", TargetHostID: "h1"})
	// Agent offline: skipped.
	put(&types.LinkState{ID: "f", LabID: "lab-1", LinkName: "f", DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp, SourceHostID: "h3", TargetHostID: "h3"})

	candidates, err := rec.Candidates()
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, ls := range candidates {
		ids[ls.ID] = true
	}
	assert.True(t, ids["a"])
	assert.True(t, ids["b"])
	assert.True(t, ids["c"])
	assert.False(t, ids["d"])
	assert.False(t, ids["e"])
	assert.False(t, ids["f"])
}

func TestDuplicateTunnelSweepKeepsNewestActive(t *testing.T) {
	rec, store := newLinkFixture(t)
	onlineHost(t, store, "h1")
	onlineHost(t, store, "h2")

	require.NoError(t, store.PutLinkState(&types.LinkState{
		ID: "ls-live", LabID: "lab-1", LinkID: "l1", LinkName: "r1-r2",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp,
	}))
	require.NoError(t, store.PutLinkState(&types.LinkState{
		ID: "ls-dead", LabID: "lab-1", LinkID: "l2", LinkName: "r1-r2-old",
		DesiredState: types.LinkDesiredDeleted, ActualState: types.LinkDown,
	}))

	now := time.Now().UTC()
	// Preferred: owned by an active link state.
	require.NoError(t, store.PutTunnel(&types.VxlanTunnel{
		ID: "t1", LabID: "lab-1", LinkStateID: "ls-live", AgentA: "h1", AgentB: "h2",
		VNI: 5001, Status: types.TunnelActive, CreatedAt: now.Add(-time.Hour),
	}))
	// Duplicate on the same key, owned by a deleted link.
	require.NoError(t, store.PutTunnel(&types.VxlanTunnel{
		ID: "t2", LabID: "lab-1", LinkStateID: "ls-dead", AgentA: "h1", AgentB: "h2",
		VNI: 5001, Status: types.TunnelActive, CreatedAt: now,
	}))
	// Different VNI: untouched.
	require.NoError(t, store.PutTunnel(&types.VxlanTunnel{
		ID: "t3", LabID: "lab-1", LinkStateID: "ls-live", AgentA: "h1", AgentB: "h2",
		VNI: 6001, Status: types.TunnelActive, CreatedAt: now,
	}))

	require.NoError(t, rec.sweepDuplicateTunnels(context.Background()))

	tunnels, err := store.ListTunnelsByLab("lab-1")
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, tn := range tunnels {
		ids[tn.ID] = true
	}
	assert.True(t, ids["t1"], "active-linked tunnel must survive")
	assert.False(t, ids["t2"], "duplicate must be removed")
	assert.True(t, ids["t3"])
}

func TestOrphanCleanup(t *testing.T) {
	rec, store := newLinkFixture(t)
	// Both agents offline: tunnel removal must be deferred.
	require.NoError(t, store.PutHost(&types.Host{ID: "h1", Address: "h1:8081", Status: types.HostOffline}))
	require.NoError(t, store.PutHost(&types.Host{ID: "h2", Address: "h2:8081", Status: types.HostOffline}))

	require.NoError(t, store.PutLinkState(&types.LinkState{
		ID: "ls-orphan", LabID: "lab-1", LinkID: "", LinkName: "gone",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkError,
	}))
	require.NoError(t, store.InsertReservation(&types.Reservation{
		LabID: "lab-1", NodeID: "r1", IfNormal: "eth1", LinkStateID: "ls-orphan", LinkName: "gone",
	}))
	require.NoError(t, store.PutTunnel(&types.VxlanTunnel{
		ID: "t1", LabID: "lab-1", LinkStateID: "ls-orphan", AgentA: "h1", AgentB: "h2",
		VNI: 5001, Status: types.TunnelActive, CreatedAt: time.Now().UTC(),
	}))

	// An orphan that is still up stays.
	require.NoError(t, store.PutLinkState(&types.LinkState{
		ID: "ls-up", LabID: "lab-1", LinkID: "", LinkName: "still-up",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp,
	}))

	require.NoError(t, rec.cleanupOrphans(context.Background()))

	_, err := store.GetLinkState("ls-orphan")
	assert.Error(t, err)

	_, err = store.GetLinkState("ls-up")
	assert.NoError(t, err)

	rs, err := store.ListReservationsByLab("lab-1")
	require.NoError(t, err)
	assert.Empty(t, rs)

	// Tunnel deferred to cleanup, not deleted, because agents are offline.
	tn, err := store.GetTunnel("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TunnelCleanup, tn.Status)
	assert.Empty(t, tn.LinkStateID)
}

// scriptedAgent fakes one agent's OVS surface and counts what the
// reconciler asked of it.
type scriptedAgent struct {
	srv *httptest.Server

	mu        sync.Mutex
	creates   int
	attaches  int
	vlanSets  int
	portVlan  map[string]int
	ports     []agent.PortState
	attachTag int
}

func newScriptedAgent(t *testing.T) *scriptedAgent {
	t.Helper()
	a := &scriptedAgent{portVlan: make(map[string]int), attachTag: 101}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *scriptedAgent) addr() string {
	return strings.TrimPrefix(a.srv.URL, "http://")
}

func (a *scriptedAgent) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case r.URL.Path == "/links/create":
		a.creates++
		json.NewEncoder(w).Encode(agent.CreateLinkReply{VlanTag: 100, PortA: "p1", PortB: "p2", Bridge: "br-lab"})
	case r.URL.Path == "/overlay/attach":
		a.attaches++
		json.NewEncoder(w).Encode(agent.AttachReply{VlanTag: a.attachTag, Port: "p-ovl", Bridge: "br-lab"})
	case strings.HasSuffix(r.URL.Path, "/port-state"):
		json.NewEncoder(w).Encode(map[string][]agent.PortState{"ports": a.ports})
	case strings.HasSuffix(r.URL.Path, "/port-vlan") && r.Method == http.MethodGet:
		port := r.URL.Query().Get("port")
		json.NewEncoder(w).Encode(agent.PortVlan{PortName: port, VlanTag: a.portVlan[port]})
	case strings.HasSuffix(r.URL.Path, "/port-vlan") && r.Method == http.MethodPost:
		var pv agent.PortVlan
		json.NewDecoder(r.Body).Decode(&pv)
		a.portVlan[pv.PortName] = pv.VlanTag
		a.vlanSets++
		w.Write([]byte("{}"))
	default:
		w.Write([]byte("{}"))
	}
}

func (a *scriptedAgent) counts() (creates, attaches, vlanSets int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates, a.attaches, a.vlanSets
}

func (a *scriptedAgent) tagOf(port string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.portVlan[port]
}

func seedSameHostLink(t *testing.T, store storage.Store) (*types.Link, *types.LinkState) {
	t.Helper()
	link := &types.Link{
		ID: "l1", LabID: "lab-1", Name: "r1-r2",
		A: types.Endpoint{NodeID: "n1", NodeName: "r1", IfName: "eth1"},
		B: types.Endpoint{NodeID: "n2", NodeName: "r2", IfName: "eth1"},
	}
	require.NoError(t, store.CreateLink(link))
	ls := &types.LinkState{
		ID: "ls-1", LabID: "lab-1", LinkID: "l1", LinkName: "r1-r2",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp,
		SourceHostID: "h1", TargetHostID: "h1",
		SourceVlanTag: 100, TargetVlanTag: 100,
		SourceCarrier: types.CarrierOn, TargetCarrier: types.CarrierOn,
	}
	require.NoError(t, store.PutLinkState(ls))
	return link, ls
}

func TestHealthySameHostLinkIsNotReplumbed(t *testing.T) {
	rec, store := newLinkFixture(t)
	a := newScriptedAgent(t)
	a.portVlan["p1"] = 100
	a.portVlan["p2"] = 100
	a.ports = []agent.PortState{
		{Node: "r1", Interface: "eth1", Carrier: types.CarrierOn, OVSPort: "p1", Bridge: "br-lab", VlanTag: 100},
		{Node: "r2", Interface: "eth1", Carrier: types.CarrierOn, OVSPort: "p2", Bridge: "br-lab", VlanTag: 100},
	}
	require.NoError(t, store.PutHost(&types.Host{ID: "h1", Address: a.addr(), Status: types.HostOnline}))
	seedSameHostLink(t, store)

	for i := 0; i < 2; i++ {
		require.NoError(t, rec.Pass(context.Background()))
	}

	creates, _, _ := a.counts()
	assert.Zero(t, creates, "healthy link must not be re-created on a sweep")

	// Mapping rows were rebuilt from the agent's port report.
	m, err := store.GetInterfaceMapping("lab-1", "n1", "eth1")
	require.NoError(t, err)
	assert.Equal(t, "p1", m.OVSPort)
	m, err = store.GetInterfaceMapping("lab-1", "n2", "eth1")
	require.NoError(t, err)
	assert.Equal(t, "p2", m.OVSPort)
}

func TestVlanDriftRepairedWithoutRecreate(t *testing.T) {
	rec, store := newLinkFixture(t)
	a := newScriptedAgent(t)
	// One port drifted off the recorded tag.
	a.portVlan["p1"] = 100
	a.portVlan["p2"] = 999
	require.NoError(t, store.PutHost(&types.Host{ID: "h1", Address: a.addr(), Status: types.HostOnline}))
	_, ls := seedSameHostLink(t, store)

	for port, ep := range map[string]types.Endpoint{
		"p1": {NodeID: "n1", NodeName: "r1", IfName: "eth1"},
		"p2": {NodeID: "n2", NodeName: "r2", IfName: "eth1"},
	} {
		require.NoError(t, store.UpsertInterfaceMapping(&types.InterfaceMapping{
			LabID: "lab-1", NodeID: ep.NodeID, LinuxIf: ep.IfName,
			OVSPort: port, Bridge: "br-lab", VlanTag: 100,
		}))
	}

	require.NoError(t, rec.reconcileLink(context.Background(), ls))

	creates, _, vlanSets := a.counts()
	assert.Zero(t, creates, "drift is repaired in place, not by re-plumbing")
	assert.GreaterOrEqual(t, vlanSets, 1)
	assert.Equal(t, 100, a.tagOf("p2"))

	got, err := store.GetLinkState("ls-1")
	require.NoError(t, err)
	assert.Equal(t, types.LinkUp, got.ActualState)
}

func TestPartialRecoveryReattachesOnlyDanglingSide(t *testing.T) {
	rec, store := newLinkFixture(t)
	a1 := newScriptedAgent(t)
	a2 := newScriptedAgent(t)
	a2.attachTag = 205
	require.NoError(t, store.PutHost(&types.Host{ID: "h1", Address: a1.addr(), Status: types.HostOnline}))
	require.NoError(t, store.PutHost(&types.Host{ID: "h2", Address: a2.addr(), Status: types.HostOnline}))

	link := &types.Link{
		ID: "l1", LabID: "lab-1", Name: "r1-r2",
		A: types.Endpoint{NodeID: "n1", NodeName: "r1", IfName: "eth1"},
		B: types.Endpoint{NodeID: "n2", NodeName: "r2", IfName: "eth1"},
	}
	require.NoError(t, store.CreateLink(link))
	ls := &types.LinkState{
		ID: "ls-1", LabID: "lab-1", LinkID: "l1", LinkName: "r1-r2",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkCreating,
		IsCrossHost:  true,
		SourceHostID: "h1", TargetHostID: "h2",
		SourceVlanTag: 101, SourceAttached: true,
	}
	require.NoError(t, store.PutLinkState(ls))

	require.NoError(t, rec.reconcileLink(context.Background(), ls))

	_, srcAttaches, _ := a1.counts()
	_, dstAttaches, _ := a2.counts()
	assert.Zero(t, srcAttaches, "the attached side is left alone")
	assert.Equal(t, 1, dstAttaches)
	srcCreates, _, _ := a1.counts()
	dstCreates, _, _ := a2.counts()
	assert.Zero(t, srcCreates+dstCreates)

	got, err := store.GetLinkState("ls-1")
	require.NoError(t, err)
	assert.True(t, got.SourceAttached)
	assert.True(t, got.TargetAttached)
	assert.Equal(t, 205, got.TargetVlanTag)
	assert.Equal(t, types.LinkUp, got.ActualState)
}

func TestPassRepairsReservationDrift(t *testing.T) {
	rec, store := newLinkFixture(t)
	// Offline host keeps the repair ladder quiet; the sweep still runs.
	require.NoError(t, store.PutHost(&types.Host{ID: "h1", Address: "h1:8081", Status: types.HostOffline}))

	link := &types.Link{
		ID: "l1", LabID: "lab-1", Name: "r1-r2",
		A: types.Endpoint{NodeID: "n1", NodeName: "r1", IfName: "eth1"},
		B: types.Endpoint{NodeID: "n2", NodeName: "r2", IfName: "eth1"},
	}
	require.NoError(t, store.CreateLink(link))
	require.NoError(t, store.PutLinkState(&types.LinkState{
		ID: "ls-1", LabID: "lab-1", LinkID: "l1", LinkName: "r1-r2",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkUnknown,
		SourceHostID: "h1", TargetHostID: "h1",
	}))
	// Stale row owned by a link state that no longer exists.
	require.NoError(t, store.InsertReservation(&types.Reservation{
		LabID: "lab-1", NodeID: "n9", IfNormal: "eth9", LinkStateID: "ls-gone", LinkName: "gone",
	}))

	require.NoError(t, rec.Pass(context.Background()))

	rs, err := store.ListReservationsByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, "ls-1", r.LinkStateID)
	}
}

func TestRecomputeOperBroadcastGating(t *testing.T) {
	_, store := newLinkFixture(t)
	onlineHost(t, store, "h1")

	link := &types.Link{
		ID: "l1", LabID: "lab-1", Name: "r1-r2",
		A: types.Endpoint{NodeID: "n1", NodeName: "r1", IfName: "eth1"},
		B: types.Endpoint{NodeID: "n2", NodeName: "r2", IfName: "eth1"},
	}
	require.NoError(t, store.CreateLink(link))
	for _, nodeID := range []string{"n1", "n2"} {
		require.NoError(t, store.PutNodeState(&types.NodeState{
			LabID: "lab-1", NodeID: nodeID, ActualState: types.NodeRunning,
			DesiredState: types.NodeDesiredRunning,
		}))
	}
	ls := &types.LinkState{
		ID: "ls-1", LabID: "lab-1", LinkID: "l1", LinkName: "r1-r2",
		DesiredState: types.LinkDesiredUp, ActualState: types.LinkUp,
		SourceHostID: "h1", TargetHostID: "h1",
		SourceCarrier: types.CarrierOn, TargetCarrier: types.CarrierOn,
	}
	require.NoError(t, store.PutLinkState(ls))

	changed, err := RecomputeOper(store, ls, link)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.OperUp, ls.SourceOperState)
	assert.Equal(t, types.OperUp, ls.TargetOperState)
	epoch := ls.OperEpoch

	// Same facts: no change, no epoch bump.
	changed, err = RecomputeOper(store, ls, link)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, epoch, ls.OperEpoch)

	// Carrier drop on the source flips both sides with specific reasons.
	ls.SourceCarrier = types.CarrierOff
	changed, err = RecomputeOper(store, ls, link)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.OperDown, ls.SourceOperState)
	assert.Equal(t, types.ReasonLocalInterfaceDown, ls.SourceOperReason)
	assert.Equal(t, types.OperDown, ls.TargetOperState)
	assert.Equal(t, types.ReasonPeerInterfaceDown, ls.TargetOperReason)
	assert.Equal(t, epoch+1, ls.OperEpoch)
}
