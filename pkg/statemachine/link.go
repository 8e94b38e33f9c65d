package statemachine

import (
	"github.com/canopy-net/canopy/pkg/types"
)

// linkTransitions holds the legal actual-state transitions for links.
// Self-transitions are always permitted and are not listed.
var linkTransitions = map[types.LinkActualState][]types.LinkActualState{
	types.LinkUnknown:  {types.LinkPending, types.LinkUp, types.LinkDown},
	types.LinkPending:  {types.LinkCreating, types.LinkUp, types.LinkError},
	types.LinkCreating: {types.LinkUp, types.LinkDown, types.LinkError},
	types.LinkUp:       {types.LinkDown, types.LinkError},
	types.LinkDown:     {types.LinkPending, types.LinkUp, types.LinkError},
	types.LinkError:    {types.LinkPending, types.LinkDown, types.LinkUp},
}

// CanTransitionLink reports whether a link may move from one actual state
// to another. Self-transitions are legal.
func CanTransitionLink(from, to types.LinkActualState) bool {
	if from == to {
		return true
	}
	for _, t := range linkTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
