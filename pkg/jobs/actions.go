package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/canopy-net/canopy/pkg/agent"
	"github.com/canopy-net/canopy/pkg/broadcast"
	"github.com/canopy-net/canopy/pkg/cleanup"
	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/metrics"
	"github.com/canopy-net/canopy/pkg/reconciler"
	"github.com/canopy-net/canopy/pkg/statemachine"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const statusPollInterval = 5 * time.Second

// execute runs one job's action to completion under the job's deadline
// context. Unknown actions fail validation rather than silently succeed.
func (r *Runner) execute(ctx context.Context, job *types.Job) error {
	lab, err := r.store.GetLab(job.LabID)
	if err != nil {
		return err
	}

	switch {
	case job.Action == "up":
		return r.deploy(ctx, job, lab)
	case job.Action == "down":
		return r.stop(ctx, job, lab)
	case job.Action == "destroy":
		return r.destroy(ctx, job, lab)
	case job.Action == "sync":
		return r.sync(ctx, lab)
	case strings.HasPrefix(job.Action, "sync:node:"):
		return r.syncNode(ctx, job, lab, strings.TrimPrefix(job.Action, "sync:node:"))
	case strings.HasPrefix(job.Action, "node:"):
		return r.singleNodeAction(ctx, job, lab)
	default:
		return errdefs.Newf(errdefs.CategoryValidation, "unknown job action %q", job.Action)
	}
}

// deploy places the lab, deploys containers on every participating agent
// in parallel, waits for the nodes to settle and then wires the links.
// Link failures after a successful container rollout degrade the job to
// completed_with_warnings instead of failing it.
func (r *Runner) deploy(ctx context.Context, job *types.Job, lab *types.Lab) error {
	if err := r.setLabState(lab, types.LabStateStarting, ""); err != nil {
		return err
	}

	nodes, err := r.store.ListNodesByLab(lab.ID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errdefs.New(errdefs.CategoryValidation, "lab has no nodes to deploy")
	}

	placed, err := r.scheduler.PlaceLab(lab, nodes)
	if err != nil {
		r.setLabState(lab, types.LabStateError, err.Error())
		return err
	}

	// Flip every node to pending before the first agent call so clients
	// see progress immediately.
	for _, node := range nodes {
		ns, err := r.store.GetNodeState(lab.ID, node.ID)
		if err != nil {
			ns = &types.NodeState{
				ID:       uuid.New().String(),
				LabID:    lab.ID,
				NodeID:   node.ID,
				NodeName: node.Name,
			}
		}
		ns.DesiredState = types.NodeDesiredRunning
		ns.HostID = placed[node.Name]
		if !statemachine.IsTransitional(ns.ActualState) && ns.ActualState != types.NodeRunning {
			ns.ActualState = types.NodePending
			ns.TransitionAt = time.Now().UTC()
		}
		ns.LastError = ""
		if err := r.store.PutNodeState(ns); err != nil {
			return err
		}
		r.broadcastNode(ns)
	}

	byHost := make(map[string][]*types.Node)
	for _, node := range nodes {
		byHost[placed[node.Name]] = append(byHost[placed[node.Name]], node)
	}
	hostIDs := sortedKeys(byHost)

	// The monitor supervises through the first agent; the rest are
	// covered by the reconcile loop once the job finishes.
	job.AgentID = hostIDs[0]
	if err := r.store.UpdateJob(job); err != nil {
		return err
	}

	type target struct {
		hostID string
		client *agent.Client
		topo   json.RawMessage
	}
	targets := make([]target, 0, len(hostIDs))
	for _, hostID := range hostIDs {
		host, err := r.store.GetHost(hostID)
		if err != nil {
			return err
		}
		topo, err := topologyJSON(lab, byHost[hostID])
		if err != nil {
			return err
		}
		targets = append(targets, target{hostID, r.pool.Get(host), topo})
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)
	for _, tg := range targets {
		tg := tg
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tg.client.Deploy(ctx, job.ID, &agent.DeployRequest{
				JobID:    job.ID,
				LabID:    lab.ID,
				Provider: lab.Provider,
				Topology: tg.topo,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("agent %s: %w", tg.hostID, err))
			}
		}()
	}
	wg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		r.setLabState(lab, types.LabStateError, err.Error())
		return err
	}
	r.AppendLog(job, fmt.Sprintf("containers deployed on %d agent(s)", len(targets)))

	if err := r.waitSteady(ctx, lab); err != nil {
		r.setLabState(lab, types.LabStateError, err.Error())
		return err
	}

	if err := r.links.DeployLabLinks(ctx, lab); err != nil {
		r.AppendLog(job, "link deploy: "+err.Error())
		r.completeWithWarnings(job, err.Error())
		r.refreshLabAggregate(lab)
		r.emit(cleanup.Event{Type: cleanup.EventDeployFinished, LabID: lab.ID})
		return nil
	}

	if err := r.refreshLabAggregate(lab); err != nil {
		return err
	}
	r.emit(cleanup.Event{Type: cleanup.EventDeployFinished, LabID: lab.ID})
	return nil
}

// stop drives every node to desired-stopped and lets enforcement do the
// work, polling agent truth until the lab settles.
func (r *Runner) stop(ctx context.Context, job *types.Job, lab *types.Lab) error {
	if err := r.setLabState(lab, types.LabStateStopping, ""); err != nil {
		return err
	}

	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return err
	}
	for _, ns := range states {
		changed := false
		if ns.DesiredState != types.NodeDesiredStopped {
			ns.DesiredState = types.NodeDesiredStopped
			changed = true
		}
		// Never-placed nodes (queued live edits) have nothing to stop.
		if ns.HostID == "" && statemachine.IsTransitional(ns.ActualState) {
			ns.ActualState = types.NodeUndeployed
			ns.TransitionAt = time.Now().UTC()
			changed = true
		}
		if changed {
			if err := r.store.PutNodeState(ns); err != nil {
				return err
			}
			r.broadcastNode(ns)
		}
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.nodes.ReconcileLab(ctx, lab); err != nil {
			return err
		}
		settled, err := r.refreshFromAgents(ctx, lab)
		if err != nil {
			return err
		}
		if settled {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	states, err = r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return err
	}
	var stubborn []string
	for _, ns := range states {
		if ns.ActualState == types.NodeRunning {
			stubborn = append(stubborn, ns.NodeName)
		}
	}
	if len(stubborn) > 0 {
		sort.Strings(stubborn)
		msg := "nodes failed to stop: " + strings.Join(stubborn, ", ")
		r.setLabState(lab, types.LabStateError, msg)
		return errdefs.New(errdefs.CategoryServer, msg)
	}

	return r.setLabState(lab, types.LabStateStopped, "")
}

// destroy tears down links first, then the containers on every agent the
// lab touches, and resets the state rows back to undeployed.
func (r *Runner) destroy(ctx context.Context, job *types.Job, lab *types.Lab) error {
	if err := r.setLabState(lab, types.LabStateStopping, ""); err != nil {
		return err
	}

	if err := r.links.TeardownLab(ctx, lab.ID); err != nil {
		r.AppendLog(job, "link teardown: "+err.Error())
	}

	placements, err := r.store.ListPlacementsByLab(lab.ID)
	if err != nil {
		return err
	}
	hosts := make(map[string]struct{}, len(placements))
	for _, p := range placements {
		hosts[p.HostID] = struct{}{}
	}

	for _, hostID := range sortedKeys(hosts) {
		host, err := r.store.GetHost(hostID)
		if err != nil {
			continue
		}
		job.AgentID = hostID
		r.store.UpdateJob(job)
		if err := r.pool.Get(host).Destroy(ctx, job.ID, &agent.DestroyRequest{
			JobID:    job.ID,
			LabID:    lab.ID,
			Provider: lab.Provider,
		}); err != nil {
			r.setLabState(lab, types.LabStateError, err.Error())
			return fmt.Errorf("destroy on agent %s: %w", hostID, err)
		}
		r.AppendLog(job, "destroyed containers on agent "+hostID)
	}

	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return err
	}
	for _, ns := range states {
		ns.DesiredState = types.NodeDesiredStopped
		ns.ActualState = types.NodeUndeployed
		ns.IsReady = false
		ns.LastError = ""
		ns.EnforcementAttempts = 0
		ns.EnforcementFailedAt = time.Time{}
		ns.TransitionAt = time.Now().UTC()
		if err := r.store.PutNodeState(ns); err != nil {
			return err
		}
		r.broadcastNode(ns)
	}

	if err := r.setLabState(lab, types.LabStateStopped, ""); err != nil {
		return err
	}
	r.emit(cleanup.Event{Type: cleanup.EventDestroyFinished, LabID: lab.ID})
	return nil
}

// sync refreshes node state from agent ground truth, runs one enforcement
// pass and recomputes the lab aggregate.
func (r *Runner) sync(ctx context.Context, lab *types.Lab) error {
	if _, err := r.refreshFromAgents(ctx, lab); err != nil {
		return err
	}
	if _, err := r.nodes.ReconcileLab(ctx, lab); err != nil {
		return err
	}
	return r.refreshLabAggregate(lab)
}

// syncNode deploys a single node added to a running lab: place it if
// needed, roll it out on its agent, then converge the lab's links so the
// new node's endpoints come up.
func (r *Runner) syncNode(ctx context.Context, job *types.Job, lab *types.Lab, nodeID string) error {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	ns, err := r.store.GetNodeState(lab.ID, nodeID)
	if err != nil {
		ns = &types.NodeState{
			ID:           uuid.New().String(),
			LabID:        lab.ID,
			NodeID:       nodeID,
			NodeName:     node.Name,
			DesiredState: types.NodeDesiredRunning,
			ActualState:  types.NodePending,
			TransitionAt: time.Now().UTC(),
		}
	}
	if ns.HostID == "" {
		hostID, err := r.scheduler.SelectHost(lab)
		if err != nil {
			return err
		}
		if err := r.store.PutPlacement(&types.Placement{
			LabID:    lab.ID,
			NodeName: node.Name,
			HostID:   hostID,
		}); err != nil {
			return err
		}
		ns.HostID = hostID
	}
	if err := r.store.PutNodeState(ns); err != nil {
		return err
	}
	r.broadcastNode(ns)

	if ns.ActualState == types.NodePending || ns.ActualState == types.NodeUndeployed {
		host, err := r.store.GetHost(ns.HostID)
		if err != nil {
			return err
		}
		topo, err := topologyJSON(lab, []*types.Node{node})
		if err != nil {
			return err
		}
		job.AgentID = ns.HostID
		r.store.UpdateJob(job)
		if err := r.pool.Get(host).Deploy(ctx, job.ID, &agent.DeployRequest{
			JobID:    job.ID,
			LabID:    lab.ID,
			Provider: lab.Provider,
			Topology: topo,
		}); err != nil {
			return err
		}
	}

	if err := r.waitSteady(ctx, lab); err != nil {
		return err
	}
	if _, err := r.nodes.ReconcileLab(ctx, lab); err != nil {
		return err
	}
	if err := r.links.DeployLabLinks(ctx, lab); err != nil {
		r.AppendLog(job, "link deploy: "+err.Error())
	}
	return r.refreshLabAggregate(lab)
}

// singleNodeAction handles "node:<name>:<op>" for op start, stop or
// restart.
func (r *Runner) singleNodeAction(ctx context.Context, job *types.Job, lab *types.Lab) error {
	parts := strings.SplitN(job.Action, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return errdefs.Newf(errdefs.CategoryValidation, "malformed node action %q", job.Action)
	}
	name, op := parts[1], parts[2]
	switch op {
	case "start", "stop", "restart":
	default:
		return errdefs.Newf(errdefs.CategoryValidation, "unknown node op %q", op)
	}

	placement, err := r.store.GetPlacement(lab.ID, name)
	if err != nil {
		return err
	}
	host, err := r.store.GetHost(placement.HostID)
	if err != nil {
		return err
	}
	job.AgentID = host.ID
	r.store.UpdateJob(job)

	if err := r.pool.Get(host).NodeAction(ctx, job.ID, &agent.NodeActionRequest{
		JobID:    job.ID,
		LabID:    lab.ID,
		Node:     name,
		Op:       op,
		Provider: lab.Provider,
	}); err != nil {
		return err
	}

	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return err
	}
	for _, ns := range states {
		if ns.NodeName != name {
			continue
		}
		if op == "stop" {
			ns.DesiredState = types.NodeDesiredStopped
			ns.ActualState = types.NodeStopping
		} else {
			ns.DesiredState = types.NodeDesiredRunning
			ns.ActualState = types.NodeStarting
		}
		ns.TransitionAt = time.Now().UTC()
		if err := r.store.PutNodeState(ns); err != nil {
			return err
		}
		r.broadcastNode(ns)
	}

	if err := r.waitSteady(ctx, lab); err != nil {
		return err
	}
	return r.refreshLabAggregate(lab)
}

// waitSteady polls agent ground truth until no node of the lab is in a
// transitional state.
func (r *Runner) waitSteady(ctx context.Context, lab *types.Lab) error {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		settled, err := r.refreshFromAgents(ctx, lab)
		if err != nil {
			return err
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refreshFromAgents overwrites actual node state with each agent's view
// of the lab and reports whether every node has reached a steady state.
func (r *Runner) refreshFromAgents(ctx context.Context, lab *types.Lab) (bool, error) {
	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return false, err
	}

	byHost := make(map[string][]*types.NodeState)
	for _, ns := range states {
		if ns.HostID != "" {
			byHost[ns.HostID] = append(byHost[ns.HostID], ns)
		}
	}

	for hostID, group := range byHost {
		host, err := r.store.GetHost(hostID)
		if err != nil {
			continue
		}
		reply, err := r.pool.Get(host).Status(ctx, lab.ID)
		if err != nil {
			return false, err
		}
		observed := make(map[string]string, len(reply.Nodes))
		for _, n := range reply.Nodes {
			observed[n.Name] = n.Status
		}
		for _, ns := range group {
			actual := mapAgentStatus(observed[ns.NodeName])
			if actual == ns.ActualState {
				continue
			}
			ns.ActualState = actual
			ns.IsReady = actual == types.NodeRunning
			ns.TransitionAt = time.Now().UTC()
			ns.UpdatedAt = time.Now().UTC()
			if err := r.store.PutNodeState(ns); err != nil {
				return false, err
			}
			r.broadcastNode(ns)
		}
	}

	for _, ns := range states {
		if statemachine.IsTransitional(ns.ActualState) {
			return false, nil
		}
	}
	return true, nil
}

// refreshLabAggregate recomputes the lab's state from its node counts and
// broadcasts on change.
func (r *Runner) refreshLabAggregate(lab *types.Lab) error {
	states, err := r.store.ListNodeStatesByLab(lab.ID)
	if err != nil {
		return err
	}
	next := statemachine.AggregateLabState(statemachine.CountNodes(states))
	if next == lab.State {
		return nil
	}
	return r.setLabState(lab, next, "")
}

func (r *Runner) setLabState(lab *types.Lab, state types.LabState, stateErr string) error {
	lab.State = state
	lab.StateError = stateErr
	lab.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateLab(lab); err != nil {
		return err
	}
	if r.broadcaster != nil {
		r.broadcaster.Publish(lab.ID, broadcast.NewFrame(broadcast.FrameLabState, map[string]interface{}{
			"lab_id":      lab.ID,
			"state":       lab.State,
			"state_error": lab.StateError,
		}))
		metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameLabState)).Inc()
	}
	return nil
}

func (r *Runner) broadcastNode(ns *types.NodeState) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(ns.LabID, reconciler.NodeFrame(ns, true))
	metrics.FramesPublishedTotal.WithLabelValues(string(broadcast.FrameNodeState)).Inc()
}

// completeWithWarnings finishes a still-running job in the degraded
// terminal status, keeping the failure text on the job row.
func (r *Runner) completeWithWarnings(job *types.Job, summary string) {
	ok, err := r.store.TransitionJob(job.ID, types.JobRunning, types.JobCompletedWithWarnings)
	if err != nil || !ok {
		return
	}
	fresh, err := r.store.GetJob(job.ID)
	if err != nil {
		return
	}
	fresh.ErrorSummary = summary
	if r.store.UpdateJob(fresh) == nil {
		*job = *fresh
	}
	r.progress(job, "completed_with_warnings")
}

func (r *Runner) emit(e cleanup.Event) {
	if r.events != nil {
		r.events.Emit(e)
	}
}

// mapAgentStatus translates a runtime status string into the node state
// model. An absent container maps to undeployed.
func mapAgentStatus(s string) types.NodeActualState {
	switch strings.ToLower(s) {
	case "running":
		return types.NodeRunning
	case "created", "starting", "restarting":
		return types.NodeStarting
	case "removing", "stopping":
		return types.NodeStopping
	case "stopped", "paused":
		return types.NodeStopped
	case "exited":
		return types.NodeExited
	case "dead":
		return types.NodeError
	case "":
		return types.NodeUndeployed
	default:
		return types.NodeError
	}
}

type topoNode struct {
	Name          string `json:"name"`
	ContainerName string `json:"container_name,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Image         string `json:"image"`
	CPUs          int    `json:"cpus,omitempty"`
	MemoryBytes   int64  `json:"memory_bytes,omitempty"`
}

// topologyJSON renders the per-agent deployment payload. Links are wired
// separately through the overlay API, so only nodes travel here.
func topologyJSON(lab *types.Lab, nodes []*types.Node) (json.RawMessage, error) {
	payload := struct {
		Name  string     `json:"name"`
		Nodes []topoNode `json:"nodes"`
	}{Name: lab.Name}
	for _, n := range nodes {
		payload.Nodes = append(payload.Nodes, topoNode{
			Name:          n.Name,
			ContainerName: n.ContainerName,
			Kind:          n.Kind,
			Image:         n.Image,
			CPUs:          n.CPUs,
			MemoryBytes:   n.MemoryBytes,
		})
	}
	return json.Marshal(payload)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
