package liveedit

import (
	"context"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
)

// DefaultDebounce is how long the manager waits after the last edit
// before applying the batch.
const DefaultDebounce = 500 * time.Millisecond

const applyTimeout = 60 * time.Second

// Enqueuer submits async jobs. Satisfied by jobs.Runner.
type Enqueuer interface {
	Enqueue(labID, userID, action string) (*types.Job, error)
}

// Manager batches topology edits made against a running lab. Edits
// accumulate per lab and are applied together once the lab has been
// quiet for the debounce window, so a burst of UI changes produces one
// pass instead of one deploy per click.
type Manager struct {
	store    storage.Store
	pool     *agent.Pool
	jobs     Enqueuer
	cleanups *cleanup.Service
	debounce time.Duration

	mu   sync.Mutex
	labs map[string]*pending
}

// pending accumulates one lab's unapplied edits. Adds are keyed by node
// ID, removes by node name; re-adding or re-removing the same node
// within a window is a no-op.
type pending struct {
	mu      sync.Mutex
	adds    map[string]struct{}
	removes map[string]struct{}
	timer   *time.Timer
}

func New(store storage.Store, pool *agent.Pool, jobs Enqueuer, cleanups *cleanup.Service, debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		store:    store,
		pool:     pool,
		jobs:     jobs,
		cleanups: cleanups,
		debounce: debounce,
		labs:     make(map[string]*pending),
	}
}

// NodeAdded records a node added to the lab's topology and restarts the
// lab's debounce window.
func (m *Manager) NodeAdded(labID, nodeID string) {
	p := m.lab(labID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adds[nodeID] = struct{}{}
	m.restartTimer(p, labID)
}

// NodeRemoved records a node removed from the lab's topology and
// restarts the lab's debounce window.
func (m *Manager) NodeRemoved(labID, nodeName string) {
	p := m.lab(labID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes[nodeName] = struct{}{}
	m.restartTimer(p, labID)
}

// Flush applies a lab's accumulated edits immediately, cancelling any
// armed timer. Safe to call with nothing pending.
func (m *Manager) Flush(labID string) {
	m.mu.Lock()
	p := m.labs[labID]
	m.mu.Unlock()
	if p == nil {
		return
	}

	p.mu.Lock()
	adds, removes := p.adds, p.removes
	p.adds = make(map[string]struct{})
	p.removes = make(map[string]struct{})
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if len(adds) == 0 && len(removes) == 0 {
		return
	}
	m.apply(labID, adds, removes)
}

// Stop cancels every armed timer without applying.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.labs {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
	}
}

func (m *Manager) lab(labID string) *pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.labs[labID]
	if !ok {
		p = &pending{
			adds:    make(map[string]struct{}),
			removes: make(map[string]struct{}),
		}
		m.labs[labID] = p
	}
	return p
}

// restartTimer is called with the pending lock held.
func (m *Manager) restartTimer(p *pending, labID string) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(m.debounce, func() { m.Flush(labID) })
}

// apply runs removes first so a freed agent slot is available before the
// adds deploy. An add whose node was also removed in the same window is
// dropped entirely.
func (m *Manager) apply(labID string, adds, removes map[string]struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	logger := log.WithLab(labID)

	for name := range removes {
		if err := m.removeNode(ctx, labID, name); err != nil {
			logger.Warn().Err(err).Str("node", name).Msg("Live-edit node removal failed")
		}
	}

	if len(adds) == 0 {
		return
	}
	lab, err := m.store.GetLab(labID)
	if err != nil {
		logger.Warn().Err(err).Msg("Live-edit apply skipped, lab not found")
		return
	}
	if lab.State != types.LabStateRunning && lab.State != types.LabStateStarting {
		logger.Debug().Str("state", string(lab.State)).
			Msg("Lab not running, added nodes deploy with the next up")
		return
	}

	for nodeID := range adds {
		node, err := m.store.GetNode(nodeID)
		if err != nil {
			continue
		}
		if _, gone := removes[node.Name]; gone {
			continue
		}
		if err := m.deployAdd(lab, node); err != nil {
			logger.Warn().Err(err).Str("node", node.Name).Msg("Live-edit node add failed")
		}
	}
}

// deployAdd flips the new node to pending and hands the rollout to a
// single-node sync job. Only undeployed and cleanly stopped nodes are
// picked up; exited and mid-transition nodes belong to enforcement.
func (m *Manager) deployAdd(lab *types.Lab, node *types.Node) error {
	ns, err := m.store.GetNodeState(lab.ID, node.ID)
	if err != nil {
		ns = &types.NodeState{
			ID:       uuid.New().String(),
			LabID:    lab.ID,
			NodeID:   node.ID,
			NodeName: node.Name,
		}
	} else if ns.ActualState != types.NodeUndeployed && ns.ActualState != types.NodeStopped {
		return nil
	}

	ns.DesiredState = types.NodeDesiredRunning
	ns.ActualState = types.NodePending
	ns.TransitionAt = time.Now().UTC()
	if err := m.store.PutNodeState(ns); err != nil {
		return err
	}

	_, err = m.jobs.Enqueue(lab.ID, lab.Owner, "sync:node:"+node.ID)
	return err
}

// removeNode destroys the container on its owning agent and drops the
// node's state row. Placement and downstream rows go through the cleanup
// bus.
func (m *Manager) removeNode(ctx context.Context, labID, name string) error {
	var ns *types.NodeState
	states, err := m.store.ListNodeStatesByLab(labID)
	if err != nil {
		return err
	}
	for _, s := range states {
		if s.NodeName == name {
			ns = s
			break
		}
	}

	if ns != nil && ns.HostID != "" {
		host, err := m.store.GetHost(ns.HostID)
		if err == nil && host.Status == types.HostOnline {
			if err := m.pool.Get(host).RemoveNode(ctx, labID, name); err != nil {
				log.WithLab(labID).Warn().Err(err).Str("node", name).
					Msg("Container removal failed, orphan sweep will retry")
			}
		}
	}
	if ns != nil {
		if err := m.store.DeleteNodeState(labID, ns.NodeID); err != nil {
			return err
		}
	}

	if m.cleanups != nil {
		m.cleanups.Emit(cleanup.Event{Type: cleanup.EventNodeRemoved, LabID: labID, NodeName: name})
	}
	return nil
}
