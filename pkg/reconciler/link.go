package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/storage/rowlock"
	"github.com/canopy-net/canopy/pkg/types"
)

// DefaultLinkInterval is how often the link reconciler sweeps.
const DefaultLinkInterval = 60 * time.Second

// LinkReconciler periodically verifies links against agent reality and
// repairs drift. Multiple concurrent passes coordinate through a
// skip-locked row lock table, so an overlapping pass simply skips the
// rows another one is working on.
type LinkReconciler struct {
	store       storage.Store
	pool        *agent.Pool
	mgr         *linkmgr.Manager
	locks       *rowlock.Table
	broadcaster *broadcast.Broadcaster
	interval    time.Duration
	stopCh      chan struct{}
}

func NewLinkReconciler(store storage.Store, pool *agent.Pool, mgr *linkmgr.Manager, broadcaster *broadcast.Broadcaster, interval time.Duration) *LinkReconciler {
	if interval <= 0 {
		interval = DefaultLinkInterval
	}
	return &LinkReconciler{
		store:       store,
		pool:        pool,
		mgr:         mgr,
		locks:       rowlock.NewTable(),
		broadcaster: broadcaster,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *LinkReconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *LinkReconciler) Stop() {
	close(r.stopCh)
}

func (r *LinkReconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if err := r.Pass(ctx); err != nil {
				log.WithComponent("link-reconciler").Error().Err(err).Msg("Reconcile pass failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Pass runs one full reconcile cycle.
func (r *LinkReconciler) Pass(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconcileDuration, "link")
		metrics.ReconcileCyclesTotal.WithLabelValues("link").Inc()
	}()

	if err := r.sweepDuplicateTunnels(ctx); err != nil {
		log.WithComponent("link-reconciler").Warn().Err(err).Msg("Duplicate tunnel sweep failed")
	}
	if err := r.cleanupOrphans(ctx); err != nil {
		log.WithComponent("link-reconciler").Warn().Err(err).Msg("Orphan cleanup failed")
	}
	if _, err := r.mgr.Reservations().Reconcile(); err != nil {
		log.WithComponent("link-reconciler").Warn().Err(err).Msg("Reservation sweep failed")
	}

	candidates, err := r.Candidates()
	if err != nil {
		return err
	}

	ids := make([]string, len(candidates))
	byID := make(map[string]*types.LinkState, len(candidates))
	for i, ls := range candidates {
		ids[i] = ls.ID
		byID[ls.ID] = ls
	}
	acquired := r.locks.AcquireSkipLocked(ids)
	defer r.locks.Release(acquired)

	for _, id := range acquired {
		if err := r.reconcileLink(ctx, byID[id]); err != nil {
			log.WithLab(byID[id].LabID).Warn().Err(err).
				Str("link", byID[id].LinkName).Msg("Link reconcile failed")
		}
	}

	if err := r.declarePortState(ctx); err != nil {
		log.WithComponent("link-reconciler").Warn().Err(err).Msg("Port-state declaration failed")
	}
	return nil
}

// Candidates selects the link states worth a look this cycle: desired up
// and either settled in up/error or cross-host with a dangling side.
// Links whose required agents are offline are skipped; there is nothing
// useful to do until the agent returns.
func (r *LinkReconciler) Candidates() ([]*types.LinkState, error) {
	states, err := r.store.ListLinkStates()
	if err != nil {
		return nil, err
	}

	var out []*types.LinkState
	for _, ls := range states {
		if ls.DesiredState != types.LinkDesiredUp {
			continue
		}
		settled := ls.ActualState == types.LinkUp || ls.ActualState == types.LinkError
		partial := ls.IsCrossHost && (ls.SourceAttached != ls.TargetAttached)
		if !settled && !partial {
			continue
		}
		if !hostOnline(r.store, ls.SourceHostID) {
			continue
		}
		if ls.IsCrossHost && !hostOnline(r.store, ls.TargetHostID) {
			continue
		}
		out = append(out, ls)
	}
	return out, nil
}

func (r *LinkReconciler) reconcileLink(ctx context.Context, ls *types.LinkState) error {
	if ls.LinkID == "" {
		return nil // orphans are handled by cleanupOrphans
	}
	link, err := r.store.GetLink(ls.LinkID)
	if err != nil {
		return err
	}

	if ok, err := r.verify(ctx, ls); err == nil && ok {
		return r.finish(ls, link)
	}

	// Repair ladder, stop on first success.
	if r.repairVlans(ctx, ls) {
		if ok, err := r.verify(ctx, ls); err == nil && ok {
			metrics.LinkRepairsTotal.WithLabelValues("vlan").Inc()
			return r.finish(ls, link)
		}
	}
	if ls.IsCrossHost && r.partialRecovery(ctx, ls, link) {
		metrics.LinkRepairsTotal.WithLabelValues("partial").Inc()
		return r.finish(ls, link)
	}

	var createErr error
	if ls.IsCrossHost {
		createErr = r.mgr.CreateCrossHost(ctx, ls, link)
	} else {
		createErr = r.mgr.CreateSameHost(ctx, ls, link)
	}
	if createErr != nil {
		ls.ActualState = types.LinkError
		ls.ErrorMessage = createErr.Error()
		if err := r.store.PutLinkState(ls); err != nil {
			return err
		}
		return createErr
	}
	metrics.LinkRepairsTotal.WithLabelValues("recreate").Inc()
	return r.finish(ls, link)
}

// finish promotes the link to up and recomputes oper state.
func (r *LinkReconciler) finish(ls *types.LinkState, link *types.Link) error {
	if ls.ActualState != types.LinkUp {
		ls.ActualState = types.LinkUp
		ls.ErrorMessage = ""
		if err := r.store.PutLinkState(ls); err != nil {
			return err
		}
	}
	changed, err := RecomputeOper(r.store, ls, link)
	if err != nil {
		return err
	}
	if changed && r.broadcaster != nil {
		r.broadcaster.Publish(ls.LabID, OperFrame(ls))
		metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameLinkState)).Inc()
	}
	return nil
}

// verify checks the agents' OVS reality against the recorded tags: for
// same-host links the two container ports must share the recorded tag;
// for cross-host links both sides must carry tags and the deterministic
// tunnel port must exist on both bridges. Missing interface mappings are
// rebuilt from the agent's port report; while they stay missing, a
// settled link is trusted rather than re-plumbed.
func (r *LinkReconciler) verify(ctx context.Context, ls *types.LinkState) (bool, error) {
	if !ls.IsCrossHost {
		if ls.SourceVlanTag == 0 || ls.SourceVlanTag != ls.TargetVlanTag {
			return false, nil
		}
		host, err := r.store.GetHost(ls.SourceHostID)
		if err != nil {
			return false, err
		}
		client := r.pool.Get(host)

		mappings, err := r.portsFor(ls)
		if err != nil {
			return false, err
		}
		if len(mappings) < 2 {
			refreshed, err := r.refreshMappings(ctx, client, ls)
			if err != nil || len(refreshed) < 2 {
				return ls.ActualState == types.LinkUp, nil
			}
			mappings = refreshed
		}
		for _, m := range mappings {
			pv, err := client.GetPortVlan(ctx, ls.LabID, m.OVSPort)
			if err != nil || pv.VlanTag != ls.SourceVlanTag {
				return false, err
			}
			m.VlanTag = pv.VlanTag
			if err := r.store.UpsertInterfaceMapping(m); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if ls.SourceVlanTag == 0 || ls.TargetVlanTag == 0 || !ls.SourceAttached || !ls.TargetAttached {
		return false, nil
	}
	portName := linkmgr.VxlanPortName(ls.LabID, ls.LinkName)
	for _, hostID := range []string{ls.SourceHostID, ls.TargetHostID} {
		host, err := r.store.GetHost(hostID)
		if err != nil {
			return false, err
		}
		status, err := r.pool.Get(host).OverlayStatus(ctx)
		if err != nil {
			return false, err
		}
		if !contains(status.Ports, portName) {
			return false, nil
		}
	}
	return true, nil
}

// repairVlans rewrites port tags from the DB-recorded source of truth.
// Returns true when every write succeeded.
func (r *LinkReconciler) repairVlans(ctx context.Context, ls *types.LinkState) bool {
	mappings, err := r.portsFor(ls)
	if err != nil || len(mappings) == 0 {
		return false
	}

	ok := true
	for _, m := range mappings {
		hostID := ls.SourceHostID
		tag := ls.SourceVlanTag
		if ls.IsCrossHost && m.NodeID == r.targetNodeID(ls) {
			hostID = ls.TargetHostID
			tag = ls.TargetVlanTag
		}
		if tag == 0 {
			ok = false
			continue
		}
		host, err := r.store.GetHost(hostID)
		if err != nil {
			ok = false
			continue
		}
		if err := r.pool.Get(host).SetPortVlan(ctx, ls.LabID, &agent.PortVlan{PortName: m.OVSPort, VlanTag: tag}); err != nil {
			ok = false
		}
	}

	if ok && ls.IsCrossHost {
		// The tunnel port carries the local tag on each side.
		portName := linkmgr.VxlanPortName(ls.LabID, ls.LinkName)
		for hostID, tag := range map[string]int{ls.SourceHostID: ls.SourceVlanTag, ls.TargetHostID: ls.TargetVlanTag} {
			host, err := r.store.GetHost(hostID)
			if err != nil {
				ok = false
				continue
			}
			if err := r.pool.Get(host).SetPortVlan(ctx, ls.LabID, &agent.PortVlan{PortName: portName, VlanTag: tag}); err != nil {
				ok = false
			}
		}
	}
	return ok
}

// partialRecovery re-attaches only the dangling sides of a cross-host
// link; promotes to up only when both sides end attached.
func (r *LinkReconciler) partialRecovery(ctx context.Context, ls *types.LinkState, link *types.Link) bool {
	if ls.SourceAttached && ls.TargetAttached {
		return false
	}

	vni := linkmgr.AllocateVNI(ls.LabID, ls.LinkName)
	portName := linkmgr.VxlanPortName(ls.LabID, ls.LinkName)

	attach := func(hostID, peerID string, ep types.Endpoint, tag *int, attached *bool) {
		if *attached {
			return
		}
		host, err := r.store.GetHost(hostID)
		if err != nil {
			return
		}
		peer, err := r.store.GetHost(peerID)
		if err != nil {
			return
		}
		reply, err := r.pool.Get(host).AttachOverlay(ctx, &agent.AttachRequest{
			LabID:     ls.LabID,
			LinkName:  ls.LinkName,
			Node:      ep.NodeName,
			Interface: ep.IfName,
			PortName:  portName,
			VNI:       vni,
			LocalIP:   hostAddr(host),
			RemoteIP:  hostAddr(peer),
			MTU:       link.MTU,
		})
		if err != nil {
			log.WithAgent(hostID).Warn().Err(err).Str("link", ls.LinkName).Msg("Partial re-attach failed")
			return
		}
		*tag = reply.VlanTag
		*attached = true
		if reply.Port != "" {
			r.store.UpsertInterfaceMapping(&types.InterfaceMapping{
				LabID:   ls.LabID,
				NodeID:  ep.NodeID,
				LinuxIf: ep.IfName,
				OVSPort: reply.Port,
				Bridge:  reply.Bridge,
				VlanTag: reply.VlanTag,
			})
		}
	}

	attach(ls.SourceHostID, ls.TargetHostID, link.A, &ls.SourceVlanTag, &ls.SourceAttached)
	attach(ls.TargetHostID, ls.SourceHostID, link.B, &ls.TargetVlanTag, &ls.TargetAttached)

	if err := r.store.PutLinkState(ls); err != nil {
		return false
	}
	return ls.SourceAttached && ls.TargetAttached
}

// sweepDuplicateTunnels groups active tunnels by (canonical pair, vni) and
// keeps only the best row per key: active link state first, then newest.
func (r *LinkReconciler) sweepDuplicateTunnels(ctx context.Context) error {
	tunnels, err := r.store.ListTunnels()
	if err != nil {
		return err
	}

	type key struct {
		a, b string
		vni  int
	}
	groups := make(map[key][]*types.VxlanTunnel)
	for _, t := range tunnels {
		if t.Status == types.TunnelCleanup {
			continue
		}
		groups[key{t.AgentA, t.AgentB, t.VNI}] = append(groups[key{t.AgentA, t.AgentB, t.VNI}], t)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			pi, pj := r.tunnelPreferred(group[i]), r.tunnelPreferred(group[j])
			if pi != pj {
				return pi
			}
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		for _, dup := range group[1:] {
			r.detachTunnel(ctx, dup)
			if err := r.store.DeleteTunnel(dup.ID); err != nil {
				return err
			}
			log.WithLab(dup.LabID).Info().Int("vni", dup.VNI).Msg("Removed duplicate tunnel row")
		}
	}
	return nil
}

func (r *LinkReconciler) tunnelPreferred(t *types.VxlanTunnel) bool {
	if t.LinkStateID == "" {
		return false
	}
	ls, err := r.store.GetLinkState(t.LinkStateID)
	if err != nil {
		return false
	}
	return ls.DesiredState != types.LinkDesiredDeleted
}

// detachTunnel best-effort removes the tunnel port on both agents.
func (r *LinkReconciler) detachTunnel(ctx context.Context, t *types.VxlanTunnel) {
	ls, err := r.store.GetLinkState(t.LinkStateID)
	portName := ""
	if err == nil {
		portName = linkmgr.VxlanPortName(t.LabID, ls.LinkName)
	}
	if portName == "" {
		return
	}
	for _, hostID := range []string{t.AgentA, t.AgentB} {
		host, err := r.store.GetHost(hostID)
		if err != nil || host.Status != types.HostOnline {
			continue
		}
		if err := r.pool.Get(host).DetachOverlay(ctx, &agent.DetachRequest{LabID: t.LabID, PortName: portName}); err != nil {
			log.WithAgent(hostID).Debug().Err(err).Msg("Best-effort tunnel detach failed")
		}
	}
}

// cleanupOrphans deletes link states whose declaration is gone and not
// up, tearing down any tunnels they own. Tunnels on offline agents are
// deferred by flipping them to cleanup status.
func (r *LinkReconciler) cleanupOrphans(ctx context.Context) error {
	states, err := r.store.ListLinkStates()
	if err != nil {
		return err
	}

	for _, ls := range states {
		if ls.LinkID != "" || ls.ActualState == types.LinkUp {
			continue
		}

		tunnels, err := r.store.ListTunnelsByLab(ls.LabID)
		if err != nil {
			return err
		}
		for _, t := range tunnels {
			if t.LinkStateID != ls.ID {
				continue
			}
			deferred := false
			portName := linkmgr.VxlanPortName(t.LabID, ls.LinkName)
			for _, hostID := range []string{t.AgentA, t.AgentB} {
				host, err := r.store.GetHost(hostID)
				if err != nil || host.Status != types.HostOnline {
					deferred = true
					continue
				}
				if err := r.pool.Get(host).DetachOverlay(ctx, &agent.DetachRequest{LabID: t.LabID, PortName: portName}); err != nil {
					deferred = true
				}
			}
			if deferred {
				t.Status = types.TunnelCleanup
				t.LinkStateID = ""
				if err := r.store.PutTunnel(t); err != nil {
					return err
				}
			} else if err := r.store.DeleteTunnel(t.ID); err != nil {
				return err
			}
		}

		if err := r.store.DeleteReservationsByLinkState(ls.ID); err != nil {
			return err
		}
		if err := r.store.DeleteLinkState(ls.ID); err != nil {
			return err
		}
		log.WithLab(ls.LabID).Info().Str("link", ls.LinkName).Msg("Removed orphan link state")
	}
	return nil
}

// declarePortState sends each agent one batch of same-host port pairings
// so it can watch carrier transitions.
func (r *LinkReconciler) declarePortState(ctx context.Context) error {
	states, err := r.store.ListLinkStates()
	if err != nil {
		return err
	}

	type batchKey struct {
		hostID string
		labID  string
	}
	batches := make(map[batchKey][]agent.PortStateDeclaration)
	for _, ls := range states {
		if ls.IsCrossHost || ls.SourceVlanTag == 0 || ls.LinkID == "" {
			continue
		}
		mappings, err := r.portsFor(ls)
		if err != nil || len(mappings) < 2 {
			continue
		}
		link, err := r.store.GetLink(ls.LinkID)
		if err != nil {
			continue
		}
		k := batchKey{ls.SourceHostID, ls.LabID}
		batches[k] = append(batches[k], agent.PortStateDeclaration{
			Node:      link.A.NodeName,
			Interface: link.A.IfName,
			PeerNode:  link.B.NodeName,
			PeerIf:    link.B.IfName,
		})
	}

	for k, pairings := range batches {
		host, err := r.store.GetHost(k.hostID)
		if err != nil || host.Status != types.HostOnline {
			continue
		}
		if err := r.pool.Get(host).DeclarePortState(ctx, k.labID, pairings); err != nil {
			log.WithAgent(k.hostID).Warn().Err(err).Msg("Port-state declaration rejected")
		}
	}
	return nil
}

// portsFor returns the recorded interface mappings for a link's two
// endpoints.
func (r *LinkReconciler) portsFor(ls *types.LinkState) ([]*types.InterfaceMapping, error) {
	if ls.LinkID == "" {
		return nil, nil
	}
	link, err := r.store.GetLink(ls.LinkID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListInterfaceMappingsByLab(ls.LabID)
	if err != nil {
		return nil, err
	}
	var out []*types.InterfaceMapping
	for _, m := range all {
		if (m.NodeID == link.A.NodeID && m.LinuxIf == link.A.IfName) ||
			(m.NodeID == link.B.NodeID && m.LinuxIf == link.B.IfName) {
			out = append(out, m)
		}
	}
	return out, nil
}

// refreshMappings rebuilds a link's interface-mapping rows from the
// agent's observed port report, then re-reads them.
func (r *LinkReconciler) refreshMappings(ctx context.Context, client *agent.Client, ls *types.LinkState) ([]*types.InterfaceMapping, error) {
	link, err := r.store.GetLink(ls.LinkID)
	if err != nil {
		return nil, err
	}
	ports, err := client.GetPortState(ctx, ls.LabID)
	if err != nil {
		return nil, err
	}

	nodeIDs := map[string]string{
		link.A.NodeName: link.A.NodeID,
		link.B.NodeName: link.B.NodeID,
	}
	for _, p := range ports {
		nodeID, ok := nodeIDs[p.Node]
		if !ok || p.OVSPort == "" {
			continue
		}
		err := r.store.UpsertInterfaceMapping(&types.InterfaceMapping{
			LabID:   ls.LabID,
			NodeID:  nodeID,
			LinuxIf: p.Interface,
			OVSPort: p.OVSPort,
			Bridge:  p.Bridge,
			VlanTag: p.VlanTag,
		})
		if err != nil {
			return nil, err
		}
	}
	return r.portsFor(ls)
}

func (r *LinkReconciler) targetNodeID(ls *types.LinkState) string {
	link, err := r.store.GetLink(ls.LinkID)
	if err != nil {
		return ""
	}
	return link.B.NodeID
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func hostAddr(h *types.Host) string {
	addr := h.Address
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
