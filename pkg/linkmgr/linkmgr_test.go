package linkmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/reservation"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVNIIsDeterministicAndInRange(t *testing.T) {
	a := AllocateVNI("lab-1", "r1-r2")
	b := AllocateVNI("lab-1", "r1-r2")
	assert.Equal(t, a, b)

	c := AllocateVNI("lab-1", "r1-r3")
	assert.NotEqual(t, a, c)

	for _, name := range []string{"r1-r2", "r1-r3", "spine1-leaf4", "x"} {
		vni := AllocateVNI("lab-1", name)
		assert.GreaterOrEqual(t, vni, 1000)
		assert.Less(t, vni, 16_001_000)
	}
}

func TestVxlanPortName(t *testing.T) {
	name := VxlanPortName("lab-1", "r1-r2")
	assert.Len(t, name, 14)
	assert.True(t, strings.HasPrefix(name, "vxlan-"))
	assert.Equal(t, name, VxlanPortName("lab-1", "r1-r2"))
	assert.NotEqual(t, name, VxlanPortName("lab-2", "r1-r2"))
}

// fakeAgent serves the minimal agent API the manager touches.
func fakeAgent(t *testing.T, vlanTag int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/links/create":
			json.NewEncoder(w).Encode(agent.CreateLinkReply{VlanTag: vlanTag, PortA: "pa", PortB: "pb", Bridge: "br-lab"})
		case r.URL.Path == "/overlay/attach":
			var req agent.AttachRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(agent.AttachReply{VlanTag: vlanTag, Port: req.Node + "-ovs", Bridge: "br-lab"})
		case r.URL.Path == "/overlay/cleanup":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

type fixture struct {
	mgr   *Manager
	store storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := agent.NewPool()
	res := reservation.New(store, reservation.NewNormalizer(nil))
	return &fixture{mgr: New(store, pool, res), store: store}
}

func (f *fixture) addAgent(t *testing.T, id string, srv *httptest.Server) {
	t.Helper()
	require.NoError(t, f.store.PutHost(&types.Host{
		ID:      id,
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Status:  types.HostOnline,
	}))
}

func (f *fixture) seedLab(t *testing.T, placements map[string]string) *types.Lab {
	t.Helper()
	lab := &types.Lab{ID: "lab-1", Name: "test", Provider: types.ProviderDocker}
	require.NoError(t, f.store.CreateLab(lab))
	for node, host := range placements {
		require.NoError(t, f.store.PutPlacement(&types.Placement{LabID: lab.ID, NodeName: node, HostID: host}))
	}
	return lab
}

func link(id, name, nodeA, ifA, nodeB, ifB string) *types.Link {
	return &types.Link{
		ID:    id,
		LabID: "lab-1",
		Name:  name,
		A:     types.Endpoint{NodeID: nodeA, NodeName: nodeA, IfName: ifA},
		B:     types.Endpoint{NodeID: nodeB, NodeName: nodeB, IfName: ifB},
	}
}

func TestDeploySameHostLink(t *testing.T) {
	f := newFixture(t)
	srv := fakeAgent(t, 42)
	defer srv.Close()
	f.addAgent(t, "h1", srv)

	lab := f.seedLab(t, map[string]string{"r1": "h1", "r2": "h1"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))

	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	states, err := f.store.ListLinkStatesByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	ls := states[0]
	assert.Equal(t, types.LinkUp, ls.ActualState)
	assert.False(t, ls.IsCrossHost)
	assert.Equal(t, 42, ls.SourceVlanTag)
	assert.Equal(t, 42, ls.TargetVlanTag)
	assert.Equal(t, types.CarrierOn, ls.SourceCarrier)
	assert.Equal(t, 0, ls.VNI)
}

func TestDeployCrossHostLink(t *testing.T) {
	f := newFixture(t)
	srvA := fakeAgent(t, 10)
	defer srvA.Close()
	srvB := fakeAgent(t, 20)
	defer srvB.Close()
	f.addAgent(t, "h1", srvA)
	f.addAgent(t, "h2", srvB)

	lab := f.seedLab(t, map[string]string{"r1": "h1", "r2": "h2"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))

	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	states, err := f.store.ListLinkStatesByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	ls := states[0]
	assert.Equal(t, types.LinkUp, ls.ActualState)
	assert.True(t, ls.IsCrossHost)
	assert.True(t, ls.SourceAttached)
	assert.True(t, ls.TargetAttached)
	assert.Equal(t, AllocateVNI("lab-1", "r1-r2"), ls.VNI)

	tunnels, err := f.store.ListTunnelsByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	tun := tunnels[0]
	assert.Equal(t, types.TunnelActive, tun.Status)
	assert.Equal(t, "h1", tun.AgentA) // canonical order
	assert.Equal(t, "h2", tun.AgentB)
	assert.Equal(t, ls.VNI, tun.VNI)
}

func TestDeployRecordsInterfaceMappings(t *testing.T) {
	f := newFixture(t)
	srvA := fakeAgent(t, 10)
	defer srvA.Close()
	srvB := fakeAgent(t, 20)
	defer srvB.Close()
	f.addAgent(t, "h1", srvA)
	f.addAgent(t, "h2", srvB)

	lab := f.seedLab(t, map[string]string{"r1": "h1", "r2": "h1", "r3": "h2"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))
	require.NoError(t, f.store.CreateLink(link("l2", "r1-r3", "r1", "eth2", "r3", "eth1")))

	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	// Same-host link: both endpoints mapped to the agent's ports.
	m, err := f.store.GetInterfaceMapping("lab-1", "r1", "eth1")
	require.NoError(t, err)
	assert.Equal(t, "pa", m.OVSPort)
	assert.Equal(t, 10, m.VlanTag)
	m, err = f.store.GetInterfaceMapping("lab-1", "r2", "eth1")
	require.NoError(t, err)
	assert.Equal(t, "pb", m.OVSPort)

	// Cross-host link: each side recorded with its own local tag.
	m, err = f.store.GetInterfaceMapping("lab-1", "r1", "eth2")
	require.NoError(t, err)
	assert.Equal(t, "r1-ovs", m.OVSPort)
	assert.Equal(t, 10, m.VlanTag)
	m, err = f.store.GetInterfaceMapping("lab-1", "r3", "eth1")
	require.NoError(t, err)
	assert.Equal(t, "r3-ovs", m.OVSPort)
	assert.Equal(t, 20, m.VlanTag)
}

func TestDeployFailsFastOnMissingPlacement(t *testing.T) {
	f := newFixture(t)
	srv := fakeAgent(t, 42)
	defer srv.Close()
	f.addAgent(t, "h1", srv)

	// r2 has no placement.
	lab := f.seedLab(t, map[string]string{"r1": "h1"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))

	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	states, err := f.store.ListLinkStatesByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, types.LinkError, states[0].ActualState)
	assert.Equal(t, "Missing host placement", states[0].ErrorMessage)
}

func TestDeployReservationConflict(t *testing.T) {
	f := newFixture(t)
	srv := fakeAgent(t, 42)
	defer srv.Close()
	f.addAgent(t, "h1", srv)

	lab := f.seedLab(t, map[string]string{"r1": "h1", "r2": "h1", "r3": "h1"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))
	// Second link claims r1:eth1 as well.
	require.NoError(t, f.store.CreateLink(link("l2", "r1-r3", "r1", "eth1", "r3", "eth1")))

	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	states, err := f.store.ListLinkStatesByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, states, 2)

	byName := map[string]*types.LinkState{}
	for _, ls := range states {
		byName[ls.LinkName] = ls
	}
	winner, loser := byName["r1-r2"], byName["r1-r3"]
	if winner.ActualState != types.LinkUp {
		winner, loser = loser, winner
	}
	assert.Equal(t, types.LinkUp, winner.ActualState)
	assert.Equal(t, types.LinkError, loser.ActualState)
	assert.Contains(t, loser.ErrorMessage, winner.LinkName)
}

func TestTeardownLab(t *testing.T) {
	f := newFixture(t)
	srvA := fakeAgent(t, 10)
	defer srvA.Close()
	srvB := fakeAgent(t, 20)
	defer srvB.Close()
	f.addAgent(t, "h1", srvA)
	f.addAgent(t, "h2", srvB)

	lab := f.seedLab(t, map[string]string{"r1": "h1", "r2": "h2"})
	require.NoError(t, f.store.CreateLink(link("l1", "r1-r2", "r1", "eth1", "r2", "eth1")))
	require.NoError(t, f.mgr.DeployLabLinks(context.Background(), lab))

	require.NoError(t, f.mgr.TeardownLab(context.Background(), "lab-1"))

	tunnels, err := f.store.ListTunnelsByLab("lab-1")
	require.NoError(t, err)
	assert.Empty(t, tunnels)

	states, err := f.store.ListLinkStatesByLab("lab-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	ls := states[0]
	assert.Equal(t, types.LinkDown, ls.ActualState)
	assert.Equal(t, types.CarrierOff, ls.SourceCarrier)
	assert.False(t, ls.SourceAttached)
	assert.Equal(t, 0, ls.VNI)
	assert.Equal(t, 0, ls.SourceVlanTag)
}
