package reconciler

import (
	"context"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/statemachine"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

const (
	// DefaultMaxEnforcementAttempts caps automatic enforcement retries
	// before the node is parked for manual intervention.
	DefaultMaxEnforcementAttempts = 3

	// DefaultPendingStale promotes nodes stuck in pending to error.
	DefaultPendingStale = 600 * time.Second
)

// NodeReconciler drives node actual states toward their desired states.
// It runs inside sync jobs rather than on its own timer.
type NodeReconciler struct {
	store       storage.Store
	pool        *agent.Pool
	broadcaster *broadcast.Broadcaster

	maxAttempts  int
	pendingStale time.Duration
}

func NewNodeReconciler(store storage.Store, pool *agent.Pool, broadcaster *broadcast.Broadcaster) *NodeReconciler {
	return &NodeReconciler{
		store:        store,
		pool:         pool,
		broadcaster:  broadcaster,
		maxAttempts:  DefaultMaxEnforcementAttempts,
		pendingStale: DefaultPendingStale,
	}
}

// ReconcileLab runs one enforcement pass over a lab's nodes and returns
// how many enforcement actions it issued.
func (r *NodeReconciler) ReconcileLab(ctx context.Context, lab *types.Lab) (int, error) {
	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return 0, err
	}

	enforced := 0
	for _, ns := range states {
		if r.promoteStuckPending(ns) {
			continue
		}
		if acted, err := r.enforce(ctx, lab, ns); err != nil {
			log.WithLab(lab.ID).Warn().Err(err).
				Str("node", ns.NodeName).Msg("Enforcement failed")
		} else if acted {
			enforced++
		}
	}
	return enforced, nil
}

// RetryEnforcement clears a node's fail flag and attempt counter so the
// next sync pass enforces again. Triggered from the UI.
func (r *NodeReconciler) RetryEnforcement(labID, nodeID string) error {
	ns, err := r.store.GetNodeState(labID, nodeID)
	if err != nil {
		return err
	}
	ns.EnforcementAttempts = 0
	ns.EnforcementFailedAt = time.Time{}
	if err := r.store.PutNodeState(ns); err != nil {
		return err
	}
	r.broadcastNode(labID, ns, true)
	return nil
}

// promoteStuckPending flips nodes that sat in pending past the stale
// threshold to error. Returns true when it acted.
func (r *NodeReconciler) promoteStuckPending(ns *types.NodeState) bool {
	if ns.ActualState != types.NodePending || ns.DesiredState != types.NodeDesiredRunning {
		return false
	}
	if ns.TransitionAt.IsZero() || time.Since(ns.TransitionAt) < r.pendingStale {
		return false
	}

	ns.ActualState = types.NodeError
	ns.LastError = "stuck in pending"
	ns.TransitionAt = time.Now().UTC()
	if err := r.store.PutNodeState(ns); err != nil {
		log.WithLab(ns.LabID).Error().Err(err).Str("node", ns.NodeName).Msg("Failed to persist stuck-pending promotion")
		return false
	}
	log.WithLab(ns.LabID).Warn().Str("node", ns.NodeName).Msg("Node stuck in pending, promoted to error")
	r.broadcastNode(ns.LabID, ns, !r.failFlagSet(ns))
	return true
}

func (r *NodeReconciler) enforce(ctx context.Context, lab *types.Lab, ns *types.NodeState) (bool, error) {
	if !statemachine.NeedsEnforcement(ns.ActualState, ns.DesiredState) {
		return false, nil
	}
	if r.failFlagSet(ns) {
		return false, nil
	}
	if ns.EnforcementAttempts >= r.maxAttempts {
		ns.EnforcementFailedAt = time.Now().UTC()
		if err := r.store.PutNodeState(ns); err != nil {
			return false, err
		}
		log.WithLab(lab.ID).Warn().Str("node", ns.NodeName).
			Int("attempts", ns.EnforcementAttempts).Msg("Enforcement retry limit reached")
		r.broadcastNode(lab.ID, ns, false)
		return false, nil
	}

	action := statemachine.GetEnforcementAction(ns.ActualState, ns.DesiredState)
	host, err := r.store.GetHost(ns.HostID)
	if err != nil {
		return false, err
	}

	ns.EnforcementAttempts++
	if err := r.store.PutNodeState(ns); err != nil {
		return false, err
	}

	err = r.pool.Get(host).NodeAction(ctx, "", &agent.NodeActionRequest{
		LabID:    lab.ID,
		Node:     ns.NodeName,
		Op:       string(action),
		Provider: lab.Provider,
	})
	metrics.EnforcementActionsTotal.WithLabelValues(string(action)).Inc()
	if err != nil {
		ns.LastError = err.Error()
		if putErr := r.store.PutNodeState(ns); putErr != nil {
			return false, putErr
		}
		r.broadcastNode(lab.ID, ns, ns.EnforcementAttempts < r.maxAttempts)
		return false, err
	}

	next := types.NodeStarting
	if action == statemachine.ActionStop {
		next = types.NodeStopping
	}
	if statemachine.CanTransition(ns.ActualState, next) {
		ns.ActualState = next
		ns.TransitionAt = time.Now().UTC()
	}
	ns.LastError = ""
	if err := r.store.PutNodeState(ns); err != nil {
		return false, err
	}
	r.broadcastNode(lab.ID, ns, true)
	return true, nil
}

func (r *NodeReconciler) failFlagSet(ns *types.NodeState) bool {
	return !ns.EnforcementFailedAt.IsZero()
}

func (r *NodeReconciler) broadcastNode(labID string, ns *types.NodeState, willRetry bool) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(labID, NodeFrame(ns, willRetry))
	metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameNodeState)).Inc()
}

// NodeFrame builds the node_state broadcast payload.
func NodeFrame(ns *types.NodeState, willRetry bool) *broadcast.Frame {
	return broadcast.NewFrame(broadcast.FrameNodeState, map[string]interface{}{
		"node":                 ns.NodeName,
		"display_state":        statemachine.DisplayState(ns.ActualState, ns.DesiredState),
		"actual_state":         ns.ActualState,
		"desired_state":        ns.DesiredState,
		"host":                 ns.HostID,
		"enforcement_attempts": ns.EnforcementAttempts,
		"will_retry":           willRetry,
		"image_sync_status":    ns.ImageSyncStatus,
		"image_sync_progress":  ns.ImageSyncProgress,
		"last_error":           ns.LastError,
	})
}
