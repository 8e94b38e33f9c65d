package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_agent_calls_total",
			Help: "Total number of agent calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Lab metrics
	LabsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_labs_total",
			Help: "Total number of labs by state",
		},
		[]string{"state"},
	)

	NodeStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_node_states_total",
			Help: "Total number of node states by actual state",
		},
		[]string{"state"},
	)

	LinkStatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_link_states_total",
			Help: "Total number of link states by actual state",
		},
		[]string{"state"},
	)

	TunnelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_vxlan_tunnels_total",
			Help: "Total number of VXLAN tunnel rows by status",
		},
		[]string{"status"},
	)

	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canopy_jobs_total",
			Help: "Total number of jobs by status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_job_duration_seconds",
			Help:    "Job run duration in seconds by action kind",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"action"},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canopy_job_retries_total",
			Help: "Total number of transient-failure job retries",
		},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_reconcile_cycles_total",
			Help: "Total number of reconcile cycles by reconciler",
		},
		[]string{"reconciler"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_reconcile_duration_seconds",
			Help:    "Reconcile cycle duration in seconds by reconciler",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reconciler"},
	)

	LinkRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_link_repairs_total",
			Help: "Total number of link repairs by rung of the repair ladder",
		},
		[]string{"rung"},
	)

	EnforcementActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_enforcement_actions_total",
			Help: "Total number of node enforcement actions by kind",
		},
		[]string{"action"},
	)

	// Broadcast metrics
	FramesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_frames_published_total",
			Help: "Total number of broadcast frames published by type",
		},
		[]string{"type"},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopy_websocket_clients",
			Help: "Currently connected WebSocket clients",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopy_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopy_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentCallsTotal)
	prometheus.MustRegister(LabsTotal)
	prometheus.MustRegister(NodeStatesTotal)
	prometheus.MustRegister(LinkStatesTotal)
	prometheus.MustRegister(TunnelsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(LinkRepairsTotal)
	prometheus.MustRegister(EnforcementActionsTotal)
	prometheus.MustRegister(FramesPublishedTotal)
	prometheus.MustRegister(WebSocketClients)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
