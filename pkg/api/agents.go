package api

import (
	"net/http"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/types"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agent.RegisterRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	host, err := s.registry.Register(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, host)
}

type heartbeatRequest struct {
	Usage map[string]float64 `json:"usage"`
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.registry.Heartbeat(r.PathValue("id"), req.Usage); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": hosts})
}

type carrierRequest struct {
	LabID        string             `json:"lab_id"`
	Node         string             `json:"node"`
	Interface    string             `json:"interface"`
	CarrierState types.CarrierState `json:"carrier_state"`
}

// handleCarrier is the agent callback for vendor-interface carrier
// changes. It records the new carrier on the matching link side,
// relays it to the peer agent on cross-host links so the remote
// container sees the flap, then re-derives oper state and broadcasts
// on change.
func (s *Server) handleCarrier(w http.ResponseWriter, r *http.Request) {
	var req carrierRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.CarrierState != types.CarrierOn && req.CarrierState != types.CarrierOff {
		s.writeError(w, errdefs.Newf(errdefs.CategoryValidation, "invalid carrier state %q", req.CarrierState))
		return
	}

	link, source, err := s.linkByEndpoint(req.LabID, req.Node, req.Interface)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ls, err := s.linkStateFor(req.LabID, link.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if source {
		ls.SourceCarrier = req.CarrierState
	} else {
		ls.TargetCarrier = req.CarrierState
	}
	if err := s.store.PutLinkState(ls); err != nil {
		s.writeError(w, err)
		return
	}

	if ls.IsCrossHost {
		s.relayCarrier(r, link, ls, source, req.CarrierState)
	}

	changed, err := reconciler.RecomputeOper(s.store, ls, link)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if changed && s.broadcaster != nil {
		s.broadcaster.Publish(ls.LabID, reconciler.OperFrame(ls))
		metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameLinkState)).Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// relayCarrier mirrors a carrier change to the agent that owns the other
// side of a cross-host link. Best effort: the periodic reconcile pass
// converges the peer if the relay fails.
func (s *Server) relayCarrier(r *http.Request, link *types.Link, ls *types.LinkState, source bool, carrier types.CarrierState) {
	peer := link.B
	peerHostID := ls.TargetHostID
	if !source {
		peer = link.A
		peerHostID = ls.SourceHostID
	}
	if peerHostID == "" {
		return
	}
	host, err := s.store.GetHost(peerHostID)
	if err != nil || host.Status != types.HostOnline {
		return
	}
	if err := s.pool.Get(host).SetCarrier(r.Context(), ls.LabID, peer.NodeName, peer.IfName, carrier); err != nil {
		log.WithLab(ls.LabID).Warn().Err(err).
			Str("link", ls.LinkName).
			Str("host", peerHostID).
			Msg("Failed to relay carrier to peer agent")
	}
}

// linkByEndpoint resolves the link touching (node, interface) and which
// side of it the endpoint is.
func (s *Server) linkByEndpoint(labID, node, iface string) (*types.Link, bool, error) {
	links, err := s.store.ListLinksByLab(labID)
	if err != nil {
		return nil, false, err
	}
	for _, l := range links {
		if l.A.NodeName == node && l.A.IfName == iface {
			return l, true, nil
		}
		if l.B.NodeName == node && l.B.IfName == iface {
			return l, false, nil
		}
	}
	return nil, false, errdefs.Newf(errdefs.CategoryNotFound,
		"no link touches %s/%s in lab %s", node, iface, labID)
}

func (s *Server) linkStateFor(labID, linkID string) (*types.LinkState, error) {
	states, err := s.store.ListLinkStatesByLab(labID)
	if err != nil {
		return nil, err
	}
	for _, ls := range states {
		if ls.LinkID == linkID {
			return ls, nil
		}
	}
	return nil, errdefs.Newf(errdefs.CategoryNotFound, "no link state for link %s", linkID)
}
