package statemachine

import (
	"github.com/canopy-net/canopy/pkg/types"
)

// TransportState is the derived health of the path between two endpoints.
type TransportState string

const (
	TransportUp       TransportState = "up"
	TransportDegraded TransportState = "degraded"
	TransportDown     TransportState = "down"
)

// EndpointFacts are the inputs for one side's oper-state derivation.
// "Local" is the endpoint being computed, "Peer" the far side.
type EndpointFacts struct {
	AdminUp          bool
	LocalNodeUp      bool
	LocalInterfaceUp bool
	PeerHostOnline   bool
	PeerNodeUp       bool
	PeerInterfaceUp  bool
}

// DeriveTransport computes the transport state for a link.
func DeriveTransport(ls *types.LinkState) TransportState {
	if !ls.IsCrossHost {
		if ls.ActualState == types.LinkUp {
			return TransportUp
		}
		return TransportDown
	}
	bothAttached := ls.SourceAttached && ls.TargetAttached
	if bothAttached && ls.ActualState == types.LinkUp {
		return TransportUp
	}
	if ls.SourceAttached != ls.TargetAttached || ls.ActualState == types.LinkError {
		return TransportDegraded
	}
	return TransportDown
}

// DeriveOperState computes one endpoint's operational state as the strict
// AND of its prerequisites. The first failed prerequisite, in order, gives
// the reason.
func DeriveOperState(f EndpointFacts, transport TransportState) (types.OperState, types.OperReason) {
	if !f.AdminUp {
		return types.OperDown, types.ReasonAdminDown
	}
	if !f.LocalNodeUp {
		return types.OperDown, types.ReasonLocalNodeDown
	}
	if !f.LocalInterfaceUp {
		return types.OperDown, types.ReasonLocalInterfaceDown
	}
	if !f.PeerHostOnline {
		return types.OperDown, types.ReasonPeerHostOffline
	}
	if !f.PeerNodeUp {
		return types.OperDown, types.ReasonPeerNodeDown
	}
	if !f.PeerInterfaceUp {
		return types.OperDown, types.ReasonPeerInterfaceDown
	}
	switch transport {
	case TransportUp:
		return types.OperUp, types.ReasonNone
	case TransportDegraded:
		return types.OperDown, types.ReasonTransportDegraded
	case TransportDown:
		return types.OperDown, types.ReasonTransportDown
	}
	return types.OperDown, types.ReasonUnknown
}

// OperResult holds both sides of a recomputed oper state.
type OperResult struct {
	SourceState  types.OperState
	SourceReason types.OperReason
	TargetState  types.OperState
	TargetReason types.OperReason
}

// Changed reports whether applying the result to the link state would
// change any derived oper field.
func (r OperResult) Changed(ls *types.LinkState) bool {
	return ls.SourceOperState != r.SourceState ||
		ls.SourceOperReason != r.SourceReason ||
		ls.TargetOperState != r.TargetState ||
		ls.TargetOperReason != r.TargetReason
}

// ApplyOper writes the result onto the link state and bumps OperEpoch when
// any derived field changed. Returns true when the epoch was bumped.
func ApplyOper(ls *types.LinkState, r OperResult) bool {
	if !r.Changed(ls) {
		return false
	}
	ls.SourceOperState = r.SourceState
	ls.SourceOperReason = r.SourceReason
	ls.TargetOperState = r.TargetState
	ls.TargetOperReason = r.TargetReason
	ls.OperEpoch++
	return true
}
