package reservation

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

// Service enforces the invariant that every (lab, node, normalised
// interface) endpoint is claimed by at most one desired-up link.
type Service struct {
	store storage.Store
	norm  *Normalizer
}

func New(store storage.Store, norm *Normalizer) *Service {
	return &Service{store: store, norm: norm}
}

// Drift summarises one reconcile pass.
type Drift struct {
	Dropped   int // reservations whose link is gone or no longer desires up
	Reclaimed int // desired-up links that were missing reservations
	Conflicts int // re-claims that failed on a conflicting owner
}

// Claim reserves both endpoints of the link for the given link state.
// Claiming is idempotent: prior reservations owned by this link state are
// released first, so repeated claims leave exactly two rows. On conflict it
// returns false plus the sorted names of the links holding the endpoints;
// no partial claim survives.
func (s *Service) Claim(ls *types.LinkState, link *types.Link) (bool, []string, error) {
	if err := s.store.DeleteReservationsByLinkState(ls.ID); err != nil {
		return false, nil, fmt.Errorf("failed to release prior reservations: %w", err)
	}

	conflicts := make(map[string]struct{})
	for _, ep := range []types.Endpoint{link.A, link.B} {
		r := &types.Reservation{
			LabID:       link.LabID,
			NodeID:      ep.NodeID,
			IfNormal:    s.norm.Normalize(ep.IfName),
			LinkStateID: ls.ID,
			LinkName:    link.Name,
			ClaimedAt:   time.Now().UTC(),
		}
		err := s.store.InsertReservation(r)
		if err == nil {
			continue
		}
		if errdefs.CategoryOf(err) != errdefs.CategoryConflict {
			return false, nil, err
		}
		var ce *errdefs.Error
		if errors.As(err, &ce) && ce.Details["conflicting_link"] != "" {
			conflicts[ce.Details["conflicting_link"]] = struct{}{}
		} else {
			conflicts["unknown"] = struct{}{}
		}
	}

	if len(conflicts) > 0 {
		// Roll back whatever this claim managed to insert.
		if err := s.store.DeleteReservationsByLinkState(ls.ID); err != nil {
			log.WithComponent("reservation").Warn().Err(err).
				Str("link", link.Name).Msg("Failed to roll back partial claim")
		}
		names := make([]string, 0, len(conflicts))
		for name := range conflicts {
			names = append(names, name)
		}
		sort.Strings(names)
		return false, names, nil
	}
	return true, nil, nil
}

// Release drops every reservation owned by the link state.
func (s *Service) Release(linkStateID string) error {
	return s.store.DeleteReservationsByLinkState(linkStateID)
}

// Sync claims when the link desires up and releases otherwise.
func (s *Service) Sync(ls *types.LinkState, link *types.Link) (bool, []string, error) {
	if ls.DesiredState == types.LinkDesiredUp {
		return s.Claim(ls, link)
	}
	return true, nil, s.Release(ls.ID)
}

// Reconcile sweeps the reservation table back to the desired set: drop
// rows whose owning link is gone or no longer desires up, re-claim
// desired-up links with missing rows, and report the drift.
func (s *Service) Reconcile() (Drift, error) {
	var drift Drift
	logger := log.WithComponent("reservation")

	reservations, err := s.store.ListReservations()
	if err != nil {
		return drift, err
	}

	// Pass 1: drop stale rows.
	owned := make(map[string]int) // link state id -> surviving row count
	for _, r := range reservations {
		ls, err := s.store.GetLinkState(r.LinkStateID)
		if err != nil || ls.DesiredState != types.LinkDesiredUp {
			if err := s.store.DeleteReservation(r.Key()); err != nil {
				return drift, err
			}
			drift.Dropped++
			continue
		}
		owned[r.LinkStateID]++
	}

	// Pass 2: re-claim desired-up links missing a full set.
	states, err := s.store.ListLinkStates()
	if err != nil {
		return drift, err
	}
	for _, ls := range states {
		if ls.DesiredState != types.LinkDesiredUp || owned[ls.ID] == 2 {
			continue
		}
		if ls.LinkID == "" {
			continue // orphan with no declaration left to derive endpoints from
		}
		link, err := s.store.GetLink(ls.LinkID)
		if err != nil {
			continue
		}
		ok, conflicts, err := s.Claim(ls, link)
		if err != nil {
			return drift, err
		}
		if !ok {
			drift.Conflicts++
			logger.Warn().Str("link", link.Name).Strs("conflicts", conflicts).
				Msg("Reconcile could not re-claim endpoints")
			continue
		}
		drift.Reclaimed++
	}

	if drift.Dropped > 0 || drift.Reclaimed > 0 || drift.Conflicts > 0 {
		logger.Info().
			Int("dropped", drift.Dropped).
			Int("reclaimed", drift.Reclaimed).
			Int("conflicts", drift.Conflicts).
			Msg("Reservation drift repaired")
	}
	return drift, nil
}
