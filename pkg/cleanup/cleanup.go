package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/linkmgr"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

// EventType names a cleanup trigger.
type EventType string

const (
	EventLabDeleted      EventType = "LAB_DELETED"
	EventNodeRemoved     EventType = "NODE_REMOVED"
	EventAgentOffline    EventType = "AGENT_OFFLINE"
	EventAgentRegistered EventType = "AGENT_REGISTERED"
	EventDeployFinished  EventType = "DEPLOY_FINISHED"
	EventDestroyFinished EventType = "DESTROY_FINISHED"
	EventJobCompleted    EventType = "JOB_COMPLETED"
)

// Event is one cleanup trigger. Fields beyond Type are set as relevant.
type Event struct {
	Type     EventType
	LabID    string
	NodeName string
	AgentID  string
}

// jobRetention is how long terminal job rows are kept.
const jobRetention = 24 * time.Hour

// Service consumes cleanup events and runs the matching handlers. Every
// handler is idempotent, failures in one never abort the others, and a
// transient failure is retried exactly once before the event is dropped.
type Service struct {
	store         storage.Store
	pool          *agent.Pool
	links         *linkmgr.Manager
	workspaceRoot string

	ch     chan Event
	stopCh chan struct{}
	done   chan struct{}
}

func New(store storage.Store, pool *agent.Pool, links *linkmgr.Manager, workspaceRoot string) *Service {
	return &Service{
		store:         store,
		pool:          pool,
		links:         links,
		workspaceRoot: workspaceRoot,
		ch:            make(chan Event, 256),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins consuming events.
func (s *Service) Start() {
	go s.run()
}

// Stop drains nothing further and waits for the loop to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.done
}

// Emit queues an event. Never blocks; a full queue drops the event with a
// warning.
func (s *Service) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		log.WithComponent("cleanup").Warn().
			Str("type", string(e.Type)).Msg("Cleanup queue full, event dropped")
	}
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case e := <-s.ch:
			s.Handle(e)
		case <-s.stopCh:
			return
		}
	}
}

// Handle dispatches one event, retrying once on transient failure.
func (s *Service) Handle(e Event) {
	logger := log.WithComponent("cleanup")

	err := s.dispatch(e)
	if err != nil && errdefs.IsRetriable(err) {
		logger.Debug().Str("type", string(e.Type)).Msg("Transient cleanup failure, retrying once")
		err = s.dispatch(e)
	}
	if err != nil {
		logger.Warn().Err(err).Str("type", string(e.Type)).
			Str("lab_id", e.LabID).Msg("Cleanup handler failed, dropping event")
	}
}

func (s *Service) dispatch(e Event) error {
	switch e.Type {
	case EventLabDeleted:
		return s.labDeleted(e.LabID)
	case EventNodeRemoved:
		return s.nodeRemoved(e.LabID, e.NodeName)
	case EventAgentOffline:
		return s.agentOffline(e.AgentID)
	case EventAgentRegistered:
		return s.agentRegistered(e.AgentID)
	case EventDeployFinished, EventDestroyFinished:
		return s.sweepLab(e.LabID)
	case EventJobCompleted:
		return s.pruneJobs()
	default:
		return nil
	}
}

// labDeleted removes everything a deleted lab left behind: workspace
// files, DB rows and stray VXLAN ports on every online agent.
func (s *Service) labDeleted(labID string) error {
	if s.workspaceRoot != "" {
		lab, err := s.store.GetLab(labID)
		dir := ""
		if err == nil {
			dir = lab.WorkspacePath
		}
		if dir != "" {
			if err := os.RemoveAll(dir); err != nil {
				log.WithLab(labID).Warn().Err(err).Msg("Failed to remove workspace dir")
			}
		}
	}

	if err := s.store.DeleteLabRows(labID); err != nil {
		return err
	}

	return s.reconcileAgentPorts(labID)
}

func (s *Service) nodeRemoved(labID, nodeName string) error {
	return s.store.DeletePlacement(labID, nodeName)
}

// agentOffline marks image-sync state untrusted for nodes placed on the
// lost agent, so the next deploy re-verifies images.
func (s *Service) agentOffline(agentID string) error {
	labs, err := s.store.ListLabs()
	if err != nil {
		return err
	}
	for _, lab := range labs {
		states, err := s.store.ListNodeStatesByLab(lab.ID)
		if err != nil {
			return err
		}
		for _, ns := range states {
			if ns.HostID != agentID || ns.ImageSyncStatus == "untrusted" {
				continue
			}
			ns.ImageSyncStatus = "untrusted"
			if err := s.store.PutNodeState(ns); err != nil {
				return err
			}
		}
	}
	return nil
}

// agentRegistered audits a (re-)registered agent's container inventory:
// when the agent holds labs the controller does not know, it is told the
// full valid set and removes the rest.
func (s *Service) agentRegistered(agentID string) error {
	host, err := s.store.GetHost(agentID)
	if err != nil {
		return err
	}
	client := s.pool.Get(host)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	discovered, err := client.DiscoverLabs(ctx)
	if err != nil {
		return err
	}

	labs, err := s.store.ListLabs()
	if err != nil {
		return err
	}
	valid := make([]string, 0, len(labs))
	known := make(map[string]bool, len(labs))
	for _, lab := range labs {
		valid = append(valid, lab.ID)
		known[lab.ID] = true
	}

	stray := false
	for _, id := range discovered {
		if known[id] {
			continue
		}
		stray = true
		log.WithAgent(agentID).Info().Str("lab_id", id).
			Msg("Agent holds containers for an unknown lab")
	}
	if !stray {
		return nil
	}
	return client.CleanupOrphans(ctx, valid)
}

// sweepLab drops placements that no longer match a declared node and
// reconciles VXLAN ports for the lab's agents.
func (s *Service) sweepLab(labID string) error {
	nodes, err := s.store.ListNodesByLab(labID)
	if err != nil {
		return err
	}
	declared := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		declared[n.Name] = true
	}

	placements, err := s.store.ListPlacementsByLab(labID)
	if err != nil {
		return err
	}
	for _, p := range placements {
		if declared[p.NodeName] {
			continue
		}
		if err := s.store.DeletePlacement(p.LabID, p.NodeName); err != nil {
			return err
		}
		log.WithLab(labID).Debug().Str("node", p.NodeName).Msg("Removed orphan placement")
	}

	return s.reconcileAgentPorts(labID)
}

// reconcileAgentPorts tells every online agent the full set of tunnel
// port names that should still exist; the agent removes the rest. Ports
// belonging to the named lab are excluded from the valid set.
func (s *Service) reconcileAgentPorts(excludeLabID string) error {
	tunnels, err := s.store.ListTunnels()
	if err != nil {
		return err
	}
	valid := []string{}
	for _, t := range tunnels {
		if t.LabID == excludeLabID || t.Status == types.TunnelCleanup {
			continue
		}
		ls, err := s.store.GetLinkState(t.LinkStateID)
		if err != nil {
			continue
		}
		valid = append(valid, linkmgr.VxlanPortName(t.LabID, ls.LinkName))
	}

	hosts, err := s.store.ListHosts()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	for _, host := range hosts {
		if host.Status != types.HostOnline {
			continue
		}
		_, err := s.pool.Get(host).ReconcileVxlanPorts(ctx, &agent.ReconcilePortsRequest{
			ValidPortNames: valid,
			Confirm:        true,
			AllowEmpty:     true,
		})
		if err != nil {
			log.WithAgent(host.ID).Warn().Err(err).Msg("VXLAN port reconcile failed")
		}
	}
	return nil
}

// pruneJobs drops terminal jobs older than the retention window.
func (s *Service) pruneJobs() error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-jobRetention)
	for _, j := range jobs {
		if !j.Terminal() || j.CompletedAt.IsZero() || j.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteJob(j.ID); err != nil {
			return err
		}
	}
	return nil
}
