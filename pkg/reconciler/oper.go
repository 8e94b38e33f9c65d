package reconciler

import (
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/statemachine"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

// RecomputeOper re-derives both endpoints' operational state from current
// facts, persists the link state when anything changed, and reports
// whether it did. The oper epoch only moves on actual change, so callers
// can broadcast exactly when this returns true.
func RecomputeOper(store storage.Store, ls *types.LinkState, link *types.Link) (bool, error) {
	transport := statemachine.DeriveTransport(ls)

	srcFacts := endpointFacts(store, ls, link, true)
	dstFacts := endpointFacts(store, ls, link, false)

	var res statemachine.OperResult
	res.SourceState, res.SourceReason = statemachine.DeriveOperState(srcFacts, transport)
	res.TargetState, res.TargetReason = statemachine.DeriveOperState(dstFacts, transport)

	old := *ls
	if !statemachine.ApplyOper(ls, res) {
		return false, nil
	}

	log.WithLab(ls.LabID).Info().
		Str("link", ls.LinkName).
		Str("source_old", string(old.SourceOperState)).
		Str("source_new", string(ls.SourceOperState)).
		Str("source_reason", string(ls.SourceOperReason)).
		Str("target_old", string(old.TargetOperState)).
		Str("target_new", string(ls.TargetOperState)).
		Str("target_reason", string(ls.TargetOperReason)).
		Int64("oper_epoch", ls.OperEpoch).
		Msg("Link oper transition")

	return true, store.PutLinkState(ls)
}

// OperFrame builds the link_state broadcast payload for a link.
func OperFrame(ls *types.LinkState) *broadcast.Frame {
	return broadcast.NewFrame(broadcast.FrameLinkState, map[string]interface{}{
		"link":               ls.LinkName,
		"actual_state":       ls.ActualState,
		"desired_state":      ls.DesiredState,
		"source_carrier":     ls.SourceCarrier,
		"target_carrier":     ls.TargetCarrier,
		"source_oper_state":  ls.SourceOperState,
		"source_oper_reason": ls.SourceOperReason,
		"target_oper_state":  ls.TargetOperState,
		"target_oper_reason": ls.TargetOperReason,
		"oper_epoch":         ls.OperEpoch,
		"error_message":      ls.ErrorMessage,
	})
}

// endpointFacts gathers one side's prerequisites for being operationally
// up. Missing rows count as down: oper state is conservative by
// construction of the strict-AND rule.
func endpointFacts(store storage.Store, ls *types.LinkState, link *types.Link, source bool) statemachine.EndpointFacts {
	var local, peer types.Endpoint
	var peerHostID string
	var localCarrier, peerCarrier types.CarrierState
	if source {
		local, peer = link.A, link.B
		peerHostID = ls.TargetHostID
		localCarrier, peerCarrier = ls.SourceCarrier, ls.TargetCarrier
	} else {
		local, peer = link.B, link.A
		peerHostID = ls.SourceHostID
		localCarrier, peerCarrier = ls.TargetCarrier, ls.SourceCarrier
	}

	return statemachine.EndpointFacts{
		AdminUp:          ls.DesiredState == types.LinkDesiredUp,
		LocalNodeUp:      nodeRunning(store, ls.LabID, local.NodeID),
		LocalInterfaceUp: localCarrier == types.CarrierOn,
		PeerHostOnline:   hostOnline(store, peerHostID),
		PeerNodeUp:       nodeRunning(store, ls.LabID, peer.NodeID),
		PeerInterfaceUp:  peerCarrier == types.CarrierOn,
	}
}

func nodeRunning(store storage.Store, labID, nodeID string) bool {
	ns, err := store.GetNodeState(labID, nodeID)
	if err != nil {
		return false
	}
	return ns.ActualState == types.NodeRunning
}

func hostOnline(store storage.Store, hostID string) bool {
	if hostID == "" {
		return false
	}
	host, err := store.GetHost(hostID)
	if err != nil {
		return false
	}
	return host.Status == types.HostOnline
}
