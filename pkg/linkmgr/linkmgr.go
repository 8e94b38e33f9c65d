package linkmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/reservation"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Manager orchestrates link creation and teardown across agents.
type Manager struct {
	store        storage.Store
	pool         *agent.Pool
	reservations *reservation.Service
}

func New(store storage.Store, pool *agent.Pool, reservations *reservation.Service) *Manager {
	return &Manager{store: store, pool: pool, reservations: reservations}
}

// Reservations exposes the endpoint-reservation service so supervisors
// can sweep it alongside link repair.
func (m *Manager) Reservations() *reservation.Service {
	return m.reservations
}

// DeployLabLinks creates every declared link of a lab after its containers
// are up. Links whose endpoints lack a host placement fail fast; a
// reservation conflict flips the link to error naming the conflicting
// links. One bad link never aborts the rest.
func (m *Manager) DeployLabLinks(ctx context.Context, lab *types.Lab) error {
	links, err := m.store.ListLinksByLab(lab.ID)
	if err != nil {
		return err
	}
	placements, err := m.store.ListPlacementsByLab(lab.ID)
	if err != nil {
		return err
	}
	hostByNode := make(map[string]string, len(placements))
	for _, p := range placements {
		hostByNode[p.NodeName] = p.HostID
	}

	var result *multierror.Error
	for _, link := range links {
		if err := m.deployLink(ctx, lab, link, hostByNode); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) deployLink(ctx context.Context, lab *types.Lab, link *types.Link, hostByNode map[string]string) error {
	ls, err := m.ensureLinkState(lab.ID, link)
	if err != nil {
		return err
	}

	srcHostID, srcOK := hostByNode[link.A.NodeName]
	dstHostID, dstOK := hostByNode[link.B.NodeName]
	if !srcOK || !dstOK {
		ls.ActualState = types.LinkError
		ls.ErrorMessage = "Missing host placement"
		return m.store.PutLinkState(ls)
	}
	ls.SourceHostID = srcHostID
	ls.TargetHostID = dstHostID
	ls.IsCrossHost = srcHostID != dstHostID

	ok, conflicts, err := m.reservations.Claim(ls, link)
	if err != nil {
		return err
	}
	if !ok {
		ls.ActualState = types.LinkError
		ls.ErrorMessage = "Endpoint conflict with link(s): " + joinNames(conflicts)
		return m.store.PutLinkState(ls)
	}

	ls.ActualState = types.LinkCreating
	if err := m.store.PutLinkState(ls); err != nil {
		return err
	}

	if ls.IsCrossHost {
		err = m.CreateCrossHost(ctx, ls, link)
	} else {
		err = m.CreateSameHost(ctx, ls, link)
	}
	if err != nil {
		ls.ActualState = types.LinkError
		ls.ErrorMessage = err.Error()
		if putErr := m.store.PutLinkState(ls); putErr != nil {
			return putErr
		}
		return err
	}
	return nil
}

// ensureLinkState loads the link's state row, creating one in desired-up
// when absent.
func (m *Manager) ensureLinkState(labID string, link *types.Link) (*types.LinkState, error) {
	states, err := m.store.ListLinkStatesByLab(labID)
	if err != nil {
		return nil, err
	}
	for _, ls := range states {
		if ls.LinkID == link.ID {
			return ls, nil
		}
	}
	ls := &types.LinkState{
		ID:           uuid.New().String(),
		LabID:        labID,
		LinkID:       link.ID,
		LinkName:     link.Name,
		DesiredState: types.LinkDesiredUp,
		ActualState:  types.LinkUnknown,
	}
	if err := m.store.PutLinkState(ls); err != nil {
		return nil, err
	}
	return ls, nil
}

// CreateSameHost wires both endpoints into one VLAN on the shared agent.
func (m *Manager) CreateSameHost(ctx context.Context, ls *types.LinkState, link *types.Link) error {
	host, err := m.store.GetHost(ls.SourceHostID)
	if err != nil {
		return err
	}

	reply, err := m.pool.Get(host).CreateLink(ctx, &agent.CreateLinkRequest{
		LabID:    link.LabID,
		LinkName: link.Name,
		NodeA:    link.A.NodeName,
		IfA:      link.A.IfName,
		NodeB:    link.B.NodeName,
		IfB:      link.B.IfName,
		MTU:      link.MTU,
	})
	if err != nil {
		return err
	}

	for _, side := range []struct {
		ep   types.Endpoint
		port string
	}{{link.A, reply.PortA}, {link.B, reply.PortB}} {
		if side.port == "" {
			continue
		}
		if err := m.recordMapping(link.LabID, side.ep, side.port, reply.Bridge, reply.VlanTag); err != nil {
			return err
		}
	}

	ls.SourceVlanTag = reply.VlanTag
	ls.TargetVlanTag = reply.VlanTag
	ls.ActualState = types.LinkUp
	ls.SourceCarrier = types.CarrierOn
	ls.TargetCarrier = types.CarrierOn
	ls.ErrorMessage = ""
	return m.store.PutLinkState(ls)
}

// recordMapping upserts the observed OVS wiring for one endpoint so the
// reconciler can verify tags without re-plumbing.
func (m *Manager) recordMapping(labID string, ep types.Endpoint, ovsPort, bridge string, tag int) error {
	return m.store.UpsertInterfaceMapping(&types.InterfaceMapping{
		LabID:   labID,
		NodeID:  ep.NodeID,
		LinuxIf: ep.IfName,
		OVSPort: ovsPort,
		Bridge:  bridge,
		VlanTag: tag,
	})
}

// CreateCrossHost attaches a VXLAN endpoint on each agent in parallel and
// records the tunnel. Each side picks its own VLAN tag.
func (m *Manager) CreateCrossHost(ctx context.Context, ls *types.LinkState, link *types.Link) error {
	srcHost, err := m.store.GetHost(ls.SourceHostID)
	if err != nil {
		return err
	}
	dstHost, err := m.store.GetHost(ls.TargetHostID)
	if err != nil {
		return err
	}

	vni := AllocateVNI(link.LabID, link.Name)
	portName := VxlanPortName(link.LabID, link.Name)
	ls.VNI = vni

	type side struct {
		host   *types.Host
		peer   *types.Host
		ep     types.Endpoint
		tag    *int
		attach *bool
	}
	sides := []side{
		{srcHost, dstHost, link.A, &ls.SourceVlanTag, &ls.SourceAttached},
		{dstHost, srcHost, link.B, &ls.TargetVlanTag, &ls.TargetAttached},
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)
	for i := range sides {
		sd := &sides[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := m.pool.Get(sd.host).AttachOverlay(ctx, &agent.AttachRequest{
				LabID:     link.LabID,
				LinkName:  link.Name,
				Node:      sd.ep.NodeName,
				Interface: sd.ep.IfName,
				PortName:  portName,
				VNI:       vni,
				LocalIP:   hostIP(sd.host),
				RemoteIP:  hostIP(sd.peer),
				MTU:       link.MTU,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				return
			}
			*sd.tag = reply.VlanTag
			*sd.attach = true
			if reply.Port != "" {
				if err := m.recordMapping(link.LabID, sd.ep, reply.Port, reply.Bridge, reply.VlanTag); err != nil {
					merr = multierror.Append(merr, err)
				}
			}
		}()
	}
	wg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		// Keep whatever attached for the reconciler's partial recovery.
		if putErr := m.store.PutLinkState(ls); putErr != nil {
			return putErr
		}
		return err
	}

	agentA, agentB := canonicalPair(srcHost.ID, dstHost.ID)
	tunnel := &types.VxlanTunnel{
		ID:          uuid.New().String(),
		LabID:       link.LabID,
		LinkStateID: ls.ID,
		AgentA:      agentA,
		AgentB:      agentB,
		VNI:         vni,
		VlanTag:     ls.SourceVlanTag,
		Status:      types.TunnelActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.PutTunnel(tunnel); err != nil {
		return err
	}

	ls.ActualState = types.LinkUp
	ls.SourceCarrier = types.CarrierOn
	ls.TargetCarrier = types.CarrierOn
	ls.ErrorMessage = ""
	return m.store.PutLinkState(ls)
}

// TeardownLab removes every tunnel a lab owns: mark rows cleanup, sweep
// overlay ports on each participating agent, drop the rows and clear the
// link states back down. Offline agents are skipped; the orphan sweep
// catches them later.
func (m *Manager) TeardownLab(ctx context.Context, labID string) error {
	tunnels, err := m.store.ListTunnelsByLab(labID)
	if err != nil {
		return err
	}

	agents := make(map[string]struct{})
	for _, t := range tunnels {
		t.Status = types.TunnelCleanup
		if err := m.store.PutTunnel(t); err != nil {
			return err
		}
		agents[t.AgentA] = struct{}{}
		agents[t.AgentB] = struct{}{}
	}

	for agentID := range agents {
		host, err := m.store.GetHost(agentID)
		if err != nil || host.Status != types.HostOnline {
			continue
		}
		if err := m.pool.Get(host).CleanupOverlay(ctx, labID); err != nil {
			log.WithAgent(agentID).Warn().Err(err).
				Str("lab_id", labID).Msg("Overlay cleanup failed, leaving tunnel for orphan sweep")
		}
	}

	for _, t := range tunnels {
		if err := m.store.DeleteTunnel(t.ID); err != nil {
			return err
		}
	}

	states, err := m.store.ListLinkStatesByLab(labID)
	if err != nil {
		return err
	}
	for _, ls := range states {
		ls.ActualState = types.LinkDown
		ls.SourceCarrier = types.CarrierOff
		ls.TargetCarrier = types.CarrierOff
		ls.SourceAttached = false
		ls.TargetAttached = false
		ls.SourceVlanTag = 0
		ls.TargetVlanTag = 0
		ls.VNI = 0
		if err := m.store.PutLinkState(ls); err != nil {
			return err
		}
	}
	return nil
}

// canonicalPair orders two agent IDs so a tunnel's pair is comparable
// regardless of which side initiated it.
func canonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func hostIP(h *types.Host) string {
	addr := h.Address
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func joinNames(names []string) string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	out := ""
	for i, n := range sorted {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
