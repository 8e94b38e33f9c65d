package statemachine

import (
	"testing"

	"github.com/canopy-net/canopy/pkg/types"
	"github.com/stretchr/testify/assert"
)

func allUp() EndpointFacts {
	return EndpointFacts{
		AdminUp:          true,
		LocalNodeUp:      true,
		LocalInterfaceUp: true,
		PeerHostOnline:   true,
		PeerNodeUp:       true,
		PeerInterfaceUp:  true,
	}
}

func TestDeriveOperState(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*EndpointFacts)
		transport  TransportState
		wantState  types.OperState
		wantReason types.OperReason
	}{
		{"everything up", nil, TransportUp, types.OperUp, types.ReasonNone},
		{"admin down", func(f *EndpointFacts) { f.AdminUp = false }, TransportUp, types.OperDown, types.ReasonAdminDown},
		{"local node down", func(f *EndpointFacts) { f.LocalNodeUp = false }, TransportUp, types.OperDown, types.ReasonLocalNodeDown},
		{"local interface down", func(f *EndpointFacts) { f.LocalInterfaceUp = false }, TransportUp, types.OperDown, types.ReasonLocalInterfaceDown},
		{"peer host offline", func(f *EndpointFacts) { f.PeerHostOnline = false }, TransportUp, types.OperDown, types.ReasonPeerHostOffline},
		{"peer node down", func(f *EndpointFacts) { f.PeerNodeUp = false }, TransportUp, types.OperDown, types.ReasonPeerNodeDown},
		{"peer interface down", func(f *EndpointFacts) { f.PeerInterfaceUp = false }, TransportUp, types.OperDown, types.ReasonPeerInterfaceDown},
		{"transport degraded", nil, TransportDegraded, types.OperDown, types.ReasonTransportDegraded},
		{"transport down", nil, TransportDown, types.OperDown, types.ReasonTransportDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := allUp()
			if tt.mutate != nil {
				tt.mutate(&facts)
			}
			state, reason := DeriveOperState(facts, tt.transport)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestDeriveTransport(t *testing.T) {
	sameHostUp := &types.LinkState{ActualState: types.LinkUp}
	assert.Equal(t, TransportUp, DeriveTransport(sameHostUp))

	sameHostDown := &types.LinkState{ActualState: types.LinkDown}
	assert.Equal(t, TransportDown, DeriveTransport(sameHostDown))

	crossUp := &types.LinkState{IsCrossHost: true, SourceAttached: true, TargetAttached: true, ActualState: types.LinkUp}
	assert.Equal(t, TransportUp, DeriveTransport(crossUp))

	partial := &types.LinkState{IsCrossHost: true, SourceAttached: true, TargetAttached: false, ActualState: types.LinkUp}
	assert.Equal(t, TransportDegraded, DeriveTransport(partial))

	errored := &types.LinkState{IsCrossHost: true, SourceAttached: true, TargetAttached: true, ActualState: types.LinkError}
	assert.Equal(t, TransportDegraded, DeriveTransport(errored))

	detached := &types.LinkState{IsCrossHost: true, ActualState: types.LinkDown}
	assert.Equal(t, TransportDown, DeriveTransport(detached))
}

func TestApplyOperBumpsEpoch(t *testing.T) {
	ls := &types.LinkState{OperEpoch: 3}

	res := OperResult{
		SourceState: types.OperUp, SourceReason: types.ReasonNone,
		TargetState: types.OperUp, TargetReason: types.ReasonNone,
	}

	// First application changes fields, epoch bumps.
	assert.True(t, ApplyOper(ls, res))
	assert.Equal(t, int64(4), ls.OperEpoch)

	// Applying the identical result is a no-op.
	assert.False(t, ApplyOper(ls, res))
	assert.Equal(t, int64(4), ls.OperEpoch)

	// A reason-only change still bumps the epoch.
	res.TargetState = types.OperDown
	res.TargetReason = types.ReasonPeerInterfaceDown
	assert.True(t, ApplyOper(ls, res))
	assert.Equal(t, int64(5), ls.OperEpoch)
}
