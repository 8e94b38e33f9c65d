package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/statemachine"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
)

type createLabRequest struct {
	Name         string         `json:"name"`
	Owner        string         `json:"owner"`
	Provider     types.Provider `json:"provider"`
	DefaultAgent string         `json:"default_agent"`
}

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	var req createLabRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, errdefs.New(errdefs.CategoryValidation, "lab name is required"))
		return
	}
	if req.Provider == "" {
		req.Provider = types.ProviderDocker
	}
	if req.Owner == "" {
		req.Owner = s.subject(r)
	}

	lab := &types.Lab{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Owner:        req.Owner,
		Provider:     req.Provider,
		State:        types.LabStateStopped,
		DefaultAgent: req.DefaultAgent,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateLab(lab); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, lab)
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.store.ListLabs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"labs": labs})
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lab)
}

// handleDeleteLab refuses while the lab is up; callers destroy first.
// Row cascade and agent-side cleanup run through the cleanup bus.
func (s *Server) handleDeleteLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch lab.State {
	case types.LabStateRunning, types.LabStateStarting, types.LabStateStopping:
		s.writeError(w, errdefs.Newf(errdefs.CategoryConflict,
			"lab is %s, destroy it before deleting", lab.State))
		return
	}

	if err := s.store.DeleteLab(lab.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if s.cleanups != nil {
		s.cleanups.Emit(cleanup.Event{Type: cleanup.EventLabDeleted, LabID: lab.ID})
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle returns a handler enqueueing the named lab-wide job.
func (s *Server) lifecycle(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lab, err := s.store.GetLab(r.PathValue("id"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		user := s.subject(r)
		if user == "" {
			user = lab.Owner
		}
		job, err := s.runner.Enqueue(lab.ID, user, action)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	labID := r.PathValue("id")
	if _, err := s.store.GetLab(labID); err != nil {
		s.writeError(w, err)
		return
	}
	states, err := s.store.ListNodeStatesByLab(labID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	nodes := make([]map[string]interface{}, 0, len(states))
	for _, ns := range states {
		nodes = append(nodes, map[string]interface{}{
			"node_id":              ns.NodeID,
			"node":                 ns.NodeName,
			"display_state":        statemachine.DisplayState(ns.ActualState, ns.DesiredState),
			"actual_state":         ns.ActualState,
			"desired_state":        ns.DesiredState,
			"host":                 ns.HostID,
			"is_ready":             ns.IsReady,
			"enforcement_attempts": ns.EnforcementAttempts,
			"image_sync_status":    ns.ImageSyncStatus,
			"last_error":           ns.LastError,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	labID := r.PathValue("id")
	if _, err := s.store.GetLab(labID); err != nil {
		s.writeError(w, err)
		return
	}
	states, err := s.store.ListLinkStatesByLab(labID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"links": states})
}

type bulkStateRequest struct {
	State types.NodeDesiredState `json:"state"`
}

// handleBulkNodeState sets every node's desired state at once. Nodes
// mid-transition are skipped, nodes already matching are reported as
// such, and one sync job converges the rest.
func (s *Server) handleBulkNodeState(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bulkStateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.State != types.NodeDesiredRunning && req.State != types.NodeDesiredStopped {
		s.writeError(w, errdefs.Newf(errdefs.CategoryValidation, "invalid desired state %q", req.State))
		return
	}

	states, err := s.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	affected, skipped, already := []string{}, []string{}, []string{}
	for _, ns := range states {
		switch statemachine.ClassifyBulk(ns.ActualState, req.State) {
		case statemachine.BulkSkipTransitional:
			skipped = append(skipped, ns.NodeName)
			continue
		case statemachine.BulkAlreadyInState:
			already = append(already, ns.NodeName)
			continue
		case statemachine.BulkResetAndProceed:
			ns.LastError = ""
			ns.EnforcementAttempts = 0
			ns.EnforcementFailedAt = time.Time{}
		}
		ns.DesiredState = req.State
		if err := s.store.PutNodeState(ns); err != nil {
			s.writeError(w, err)
			return
		}
		affected = append(affected, ns.NodeName)
		s.broadcastNode(ns)
	}
	sort.Strings(affected)
	sort.Strings(skipped)
	sort.Strings(already)

	var jobID string
	if len(affected) > 0 {
		user := s.subject(r)
		if user == "" {
			user = lab.Owner
		}
		job, err := s.runner.Enqueue(lab.ID, user, "sync")
		if err != nil {
			s.writeError(w, err)
			return
		}
		jobID = job.ID
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"affected":             len(affected),
		"skipped_transitional": len(skipped),
		"already_in_state":     len(already),
		"affected_nodes":       affected,
		"skipped_nodes":        skipped,
		"already_nodes":        already,
		"job_id":               jobID,
	})
}

// handleNodeDesiredState sets one node's desired state by node name.
func (s *Server) handleNodeDesiredState(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ns, err := s.nodeStateByName(lab.ID, r.PathValue("node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bulkStateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.State != types.NodeDesiredRunning && req.State != types.NodeDesiredStopped {
		s.writeError(w, errdefs.Newf(errdefs.CategoryValidation, "invalid desired state %q", req.State))
		return
	}

	switch statemachine.ClassifyBulk(ns.ActualState, req.State) {
	case statemachine.BulkSkipTransitional:
		s.writeError(w, errdefs.Newf(errdefs.CategoryConflict,
			"node %s is %s, retry once it settles", ns.NodeName, ns.ActualState))
		return
	case statemachine.BulkAlreadyInState:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "already_in_state"})
		return
	case statemachine.BulkResetAndProceed:
		ns.LastError = ""
		ns.EnforcementAttempts = 0
		ns.EnforcementFailedAt = time.Time{}
	}

	ns.DesiredState = req.State
	if err := s.store.PutNodeState(ns); err != nil {
		s.writeError(w, err)
		return
	}
	s.broadcastNode(ns)

	user := s.subject(r)
	if user == "" {
		user = lab.Owner
	}
	job, err := s.runner.Enqueue(lab.ID, user, "sync:node:"+ns.NodeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

type nodeActionRequest struct {
	Op string `json:"op"`
}

func (s *Server) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	node := r.PathValue("node")
	var req nodeActionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	switch req.Op {
	case "start", "stop", "restart":
	default:
		s.writeError(w, errdefs.Newf(errdefs.CategoryValidation, "unknown node op %q", req.Op))
		return
	}
	if _, err := s.store.GetPlacement(lab.ID, node); err != nil {
		s.writeError(w, err)
		return
	}

	user := s.subject(r)
	if user == "" {
		user = lab.Owner
	}
	job, err := s.runner.Enqueue(lab.ID, user, "node:"+node+":"+req.Op)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleRetryEnforcement clears the fail flag so the next pass enforces
// again.
func (s *Server) handleRetryEnforcement(w http.ResponseWriter, r *http.Request) {
	labID := r.PathValue("id")
	ns, err := s.nodeStateByName(labID, r.PathValue("node"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.nodes.RetryEnforcement(labID, ns.NodeID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nodeStateByName(labID, name string) (*types.NodeState, error) {
	states, err := s.store.ListNodeStatesByLab(labID)
	if err != nil {
		return nil, err
	}
	for _, ns := range states {
		if ns.NodeName == name {
			return ns, nil
		}
	}
	return nil, errdefs.Newf(errdefs.CategoryNotFound, "node %s not found in lab %s", name, labID)
}

func (s *Server) broadcastNode(ns *types.NodeState) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(ns.LabID, reconciler.NodeFrame(ns, true))
	metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameNodeState)).Inc()
}
