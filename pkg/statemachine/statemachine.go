package statemachine

import (
	"github.com/canopy-net/canopy/pkg/types"
)

// nodeTransitions holds the legal actual-state transitions for nodes.
// Self-transitions are always permitted and are not listed.
var nodeTransitions = map[types.NodeActualState][]types.NodeActualState{
	types.NodeUndeployed: {types.NodePending, types.NodeError},
	types.NodePending:    {types.NodeStarting, types.NodeRunning, types.NodeUndeployed, types.NodeError},
	types.NodeStarting:   {types.NodeRunning, types.NodeStopped, types.NodeError},
	types.NodeRunning:    {types.NodeStopping, types.NodeStopped, types.NodeError},
	types.NodeStopping:   {types.NodeStopped, types.NodeError},
	types.NodeStopped:    {types.NodeStarting, types.NodePending, types.NodeUndeployed, types.NodeError},
	types.NodeExited:     {types.NodeStarting, types.NodePending, types.NodeStopped, types.NodeError},
	types.NodeError:      {types.NodePending, types.NodeStarting, types.NodeStopped, types.NodeUndeployed},
}

// CanTransition reports whether a node may move from one actual state to
// another. Self-transitions are legal.
func CanTransition(from, to types.NodeActualState) bool {
	if from == to {
		return true
	}
	for _, t := range nodeTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state is one enforcement acts on:
// the node is settled, not mid-transition.
func IsTerminal(s types.NodeActualState) bool {
	switch s {
	case types.NodeRunning, types.NodeStopped, types.NodeError, types.NodeUndeployed:
		return true
	}
	return false
}

// IsStoppedEquivalent reports whether the state counts as "not running"
// for enforcement purposes.
func IsStoppedEquivalent(s types.NodeActualState) bool {
	switch s {
	case types.NodeStopped, types.NodeExited, types.NodeUndeployed, types.NodePending:
		return true
	}
	return false
}

// IsTransitional reports whether the node is mid-transition and should be
// left alone.
func IsTransitional(s types.NodeActualState) bool {
	switch s {
	case types.NodePending, types.NodeStarting, types.NodeStopping:
		return true
	}
	return false
}

// MatchesDesired reports whether the actual state satisfies the desired one.
func MatchesDesired(actual types.NodeActualState, desired types.NodeDesiredState) bool {
	switch desired {
	case types.NodeDesiredRunning:
		return actual == types.NodeRunning
	case types.NodeDesiredStopped:
		return actual == types.NodeStopped
	}
	return false
}

// EnforcementAction is what the node reconciler should do to a node.
type EnforcementAction string

const (
	ActionNone  EnforcementAction = ""
	ActionStart EnforcementAction = "start"
	ActionStop  EnforcementAction = "stop"
)

// GetEnforcementAction derives the reconciler action from (actual, desired).
// Transitional states always wait.
func GetEnforcementAction(actual types.NodeActualState, desired types.NodeDesiredState) EnforcementAction {
	if IsTransitional(actual) {
		return ActionNone
	}
	if desired == types.NodeDesiredRunning && (IsStoppedEquivalent(actual) || actual == types.NodeError) {
		return ActionStart
	}
	if desired == types.NodeDesiredStopped && actual == types.NodeRunning {
		return ActionStop
	}
	return ActionNone
}

// NeedsEnforcement reports whether the node is settled in a state that does
// not match its desired state.
func NeedsEnforcement(actual types.NodeActualState, desired types.NodeDesiredState) bool {
	return IsTerminal(actual) && !MatchesDesired(actual, desired)
}

// DisplayState collapses the eight actual states into the five the UI
// shows, taking desired state into account for the ambiguous ones.
func DisplayState(actual types.NodeActualState, desired types.NodeDesiredState) string {
	switch actual {
	case types.NodePending:
		if desired == types.NodeDesiredRunning {
			return "starting"
		}
		return "stopped"
	case types.NodeRunning:
		if desired == types.NodeDesiredStopped {
			return "stopping"
		}
		return "running"
	case types.NodeStopped, types.NodeExited, types.NodeUndeployed:
		if desired == types.NodeDesiredRunning {
			return "starting"
		}
		return "stopped"
	case types.NodeStarting:
		return "starting"
	case types.NodeStopping:
		return "stopping"
	case types.NodeError:
		return "error"
	}
	return "error"
}

// BulkDecision classifies one node for a bulk start/stop command.
type BulkDecision string

const (
	BulkProceed          BulkDecision = "proceed"
	BulkSkipTransitional BulkDecision = "skip_transitional"
	BulkAlreadyInState   BulkDecision = "already_in_state"
	BulkResetAndProceed  BulkDecision = "reset_and_proceed"
)

// ClassifyBulk decides how a bulk desired-state command treats one node.
func ClassifyBulk(actual types.NodeActualState, target types.NodeDesiredState) BulkDecision {
	if IsTransitional(actual) {
		return BulkSkipTransitional
	}
	if MatchesDesired(actual, target) {
		return BulkAlreadyInState
	}
	if actual == types.NodeError && target == types.NodeDesiredRunning {
		return BulkResetAndProceed
	}
	return BulkProceed
}

// StateCounts aggregates a lab's nodes by actual state.
type StateCounts struct {
	Running    int
	Stopped    int
	Undeployed int
	Error      int
	Pending    int
	Starting   int
	Stopping   int
}

// Total returns the number of counted nodes.
func (c StateCounts) Total() int {
	return c.Running + c.Stopped + c.Undeployed + c.Error + c.Pending + c.Starting + c.Stopping
}

// CountNodes builds StateCounts from a list of node states.
func CountNodes(states []*types.NodeState) StateCounts {
	var c StateCounts
	for _, ns := range states {
		switch ns.ActualState {
		case types.NodeRunning:
			c.Running++
		case types.NodeStopped, types.NodeExited:
			c.Stopped++
		case types.NodeUndeployed:
			c.Undeployed++
		case types.NodeError:
			c.Error++
		case types.NodePending:
			c.Pending++
		case types.NodeStarting:
			c.Starting++
		case types.NodeStopping:
			c.Stopping++
		}
	}
	return c
}

// AggregateLabState computes a lab's state as a pure function of its
// per-node counts. Precedence: error, stopping, starting, then steady
// states; a mix of running and stopped nodes counts as running.
func AggregateLabState(c StateCounts) types.LabState {
	if c.Error > 0 {
		return types.LabStateError
	}
	if c.Stopping > 0 {
		return types.LabStateStopping
	}
	if c.Starting > 0 || c.Pending > 0 {
		return types.LabStateStarting
	}
	if c.Total() == 0 {
		return types.LabStateStopped
	}
	if c.Running > 0 {
		return types.LabStateRunning
	}
	return types.LabStateStopped
}
