package metrics

import (
	"time"

	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

// Collector periodically samples gauge metrics from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAgents()
	c.collectLabs()
	c.collectJobs()
	c.collectLinks()
}

func (c *Collector) collectAgents() {
	hosts, err := c.store.ListHosts()
	if err != nil {
		return
	}
	byStatus := map[types.HostStatus]float64{}
	for _, h := range hosts {
		byStatus[h.Status]++
	}
	for _, s := range []types.HostStatus{types.HostOnline, types.HostOffline, types.HostDegraded} {
		AgentsTotal.WithLabelValues(string(s)).Set(byStatus[s])
	}
}

func (c *Collector) collectLabs() {
	labs, err := c.store.ListLabs()
	if err != nil {
		return
	}
	byState := map[types.LabState]float64{}
	nodeStates := map[types.NodeActualState]float64{}
	for _, lab := range labs {
		byState[lab.State]++
		states, err := c.store.ListNodeStatesByLab(lab.ID)
		if err != nil {
			continue
		}
		for _, ns := range states {
			nodeStates[ns.ActualState]++
		}
	}
	for _, s := range []types.LabState{types.LabStateStopped, types.LabStateStarting, types.LabStateRunning, types.LabStateStopping, types.LabStateError} {
		LabsTotal.WithLabelValues(string(s)).Set(byState[s])
	}
	for _, s := range []types.NodeActualState{
		types.NodeUndeployed, types.NodePending, types.NodeStarting, types.NodeRunning,
		types.NodeStopping, types.NodeStopped, types.NodeExited, types.NodeError,
	} {
		NodeStatesTotal.WithLabelValues(string(s)).Set(nodeStates[s])
	}
}

func (c *Collector) collectJobs() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}
	byStatus := map[types.JobStatus]float64{}
	for _, j := range jobs {
		byStatus[j.Status]++
	}
	for _, s := range []types.JobStatus{
		types.JobQueued, types.JobRunning, types.JobCompleted,
		types.JobCompletedWithWarnings, types.JobFailed, types.JobCancelled,
	} {
		JobsTotal.WithLabelValues(string(s)).Set(byStatus[s])
	}
}

func (c *Collector) collectLinks() {
	states, err := c.store.ListLinkStates()
	if err != nil {
		return
	}
	byState := map[types.LinkActualState]float64{}
	for _, ls := range states {
		byState[ls.ActualState]++
	}
	for _, s := range []types.LinkActualState{
		types.LinkUnknown, types.LinkPending, types.LinkCreating,
		types.LinkUp, types.LinkDown, types.LinkError,
	} {
		LinkStatesTotal.WithLabelValues(string(s)).Set(byState[s])
	}

	tunnels, err := c.store.ListTunnels()
	if err != nil {
		return
	}
	byTunnel := map[types.TunnelStatus]float64{}
	for _, t := range tunnels {
		byTunnel[t.Status]++
	}
	for _, s := range []types.TunnelStatus{types.TunnelPending, types.TunnelActive, types.TunnelCleanup} {
		TunnelsTotal.WithLabelValues(string(s)).Set(byTunnel[s])
	}
}
