package types

import (
	"time"
)

// Lab represents a user-defined network topology scheduled onto one or
// more agents. A lab owns its nodes, links, jobs and derived state rows;
// deleting a lab cascades to all of them.
type Lab struct {
	ID            string
	Name          string
	Owner         string
	Provider      Provider
	State         LabState
	StateError    string
	WorkspacePath string
	DefaultAgent  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Provider identifies the runtime an agent uses for a lab's nodes.
type Provider string

const (
	ProviderDocker  Provider = "docker"
	ProviderLibvirt Provider = "libvirt"
)

// LabState is the declared aggregate state of a lab.
type LabState string

const (
	LabStateStopped  LabState = "stopped"
	LabStateStarting LabState = "starting"
	LabStateRunning  LabState = "running"
	LabStateStopping LabState = "stopping"
	LabStateError    LabState = "error"
)

// Node is the declaration of a logical device in a lab. It carries no
// observed state; that lives in NodeState.
type Node struct {
	ID            string
	LabID         string
	Name          string // display name
	ContainerName string // must satisfy runtime name rules
	Kind          string // device kind, e.g. "linux", "ceos"
	Image         string
	CPUs          int   // per-node hardware override, 0 = provider default
	MemoryBytes   int64 // per-node hardware override, 0 = provider default
}

// NodeActualState is the observed state of a deployed node.
type NodeActualState string

const (
	NodeUndeployed NodeActualState = "undeployed"
	NodePending    NodeActualState = "pending"
	NodeStarting   NodeActualState = "starting"
	NodeRunning    NodeActualState = "running"
	NodeStopping   NodeActualState = "stopping"
	NodeStopped    NodeActualState = "stopped"
	NodeExited     NodeActualState = "exited"
	NodeError      NodeActualState = "error"
)

// NodeDesiredState is the user's intent for a node.
type NodeDesiredState string

const (
	NodeDesiredRunning NodeDesiredState = "running"
	NodeDesiredStopped NodeDesiredState = "stopped"
)

// NodeState pairs declared intent with observed reality for one node.
// Keyed by (LabID, NodeID).
type NodeState struct {
	ID                  string
	LabID               string
	NodeID              string
	NodeName            string
	DesiredState        NodeDesiredState
	ActualState         NodeActualState
	IsReady             bool
	HostID              string // per-node placement, duplicated from Placement for reads
	EnforcementAttempts int
	EnforcementFailedAt time.Time // zero unless the retry cap was hit
	TransitionAt        time.Time // when ActualState last changed
	LastError           string
	ImageSyncStatus     string
	ImageSyncProgress   int // percent
	UpdatedAt           time.Time
}

// Link is the declaration of an L2 connection between two (node, interface)
// pairs.
type Link struct {
	ID    string
	LabID string
	Name  string
	A     Endpoint
	B     Endpoint
	MTU   int // 0 = provider default
}

// Endpoint identifies one side of a link.
type Endpoint struct {
	NodeID   string
	NodeName string
	IfName   string
	IPHint   string // optional
}

// LinkActualState is the observed state of a link.
type LinkActualState string

const (
	LinkUnknown  LinkActualState = "unknown"
	LinkPending  LinkActualState = "pending"
	LinkCreating LinkActualState = "creating"
	LinkUp       LinkActualState = "up"
	LinkDown     LinkActualState = "down"
	LinkError    LinkActualState = "error"
)

// LinkDesiredState is the user's intent for a link.
type LinkDesiredState string

const (
	LinkDesiredUp      LinkDesiredState = "up"
	LinkDesiredDown    LinkDesiredState = "down"
	LinkDesiredDeleted LinkDesiredState = "deleted"
)

// CarrierState is the per-endpoint carrier signal reported by agents.
type CarrierState string

const (
	CarrierOn  CarrierState = "on"
	CarrierOff CarrierState = "off"
)

// OperState is the derived per-endpoint operational state.
type OperState string

const (
	OperUp   OperState = "up"
	OperDown OperState = "down"
)

// OperReason is the closed set of reasons an endpoint is down.
type OperReason string

const (
	ReasonNone               OperReason = ""
	ReasonAdminDown          OperReason = "admin_down"
	ReasonLocalNodeDown      OperReason = "local_node_down"
	ReasonLocalInterfaceDown OperReason = "local_interface_down"
	ReasonPeerHostOffline    OperReason = "peer_host_offline"
	ReasonPeerNodeDown       OperReason = "peer_node_down"
	ReasonPeerInterfaceDown  OperReason = "peer_interface_down"
	ReasonTransportDown      OperReason = "transport_down"
	ReasonTransportDegraded  OperReason = "transport_degraded"
	ReasonUnknown            OperReason = "unknown"
)

// LinkState pairs declared intent with observed reality for one link.
// Source is side A of the declaration, Target side B.
type LinkState struct {
	ID               string
	LabID            string
	LinkID           string // empty for orphans whose declaration is gone
	LinkName         string
	DesiredState     LinkDesiredState
	ActualState      LinkActualState
	IsCrossHost      bool
	SourceHostID     string
	TargetHostID     string
	SourceAttached   bool // OVS attachment flag, source side
	TargetAttached   bool
	SourceCarrier    CarrierState
	TargetCarrier    CarrierState
	VNI              int // cross-host only, 0 otherwise
	SourceVlanTag    int
	TargetVlanTag    int
	SourceOperState  OperState
	SourceOperReason OperReason
	TargetOperState  OperState
	TargetOperReason OperReason
	OperEpoch        int64 // strictly increases on any oper field change
	ErrorMessage     string
	UpdatedAt        time.Time
}

// Reservation is the uniqueness claim a desired-up link holds on a
// (lab, node, normalised interface) endpoint.
type Reservation struct {
	LabID       string
	NodeID      string
	IfNormal    string // normalised interface name
	LinkStateID string
	LinkName    string
	ClaimedAt   time.Time
}

// Key returns the composite unique key for the reservation.
func (r *Reservation) Key() string {
	return r.LabID + "/" + r.NodeID + "/" + r.IfNormal
}

// HostStatus is the controller's view of an agent's availability.
type HostStatus string

const (
	HostOnline   HostStatus = "online"
	HostOffline  HostStatus = "offline"
	HostDegraded HostStatus = "degraded"
)

// Host is a registered agent: one process per machine managing the
// container runtime and the OVS bridge.
type Host struct {
	ID                string
	Address           string
	Capabilities      map[string]string
	ImageSyncStrategy string
	Status            HostStatus
	LastHeartbeat     time.Time
	ResourceUsage     map[string]float64
	LastError         string
	ErrorSince        time.Time
	RegisteredAt      time.Time
}

// Placement maps (lab, node name) to the agent that owns the container.
type Placement struct {
	LabID    string
	NodeName string
	HostID   string
}

// Key returns the composite primary key for the placement.
func (p *Placement) Key() string {
	return p.LabID + "/" + p.NodeName
}

// TunnelStatus is the lifecycle state of a VXLAN tunnel record.
type TunnelStatus string

const (
	TunnelPending TunnelStatus = "pending"
	TunnelActive  TunnelStatus = "active"
	TunnelCleanup TunnelStatus = "cleanup"
)

// VxlanTunnel records one cross-host tunnel. AgentA/AgentB are stored in
// canonical (sorted) order so the pair is comparable regardless of which
// side initiated creation.
type VxlanTunnel struct {
	ID          string
	LabID       string
	LinkStateID string // empty only while status is cleanup
	AgentA      string
	AgentB      string
	VNI         int
	VlanTag     int
	Status      TunnelStatus
	CreatedAt   time.Time
}

// InterfaceMapping is the observed OVS wiring for one container interface,
// refreshed by the link reconciler.
type InterfaceMapping struct {
	LabID          string
	NodeID         string
	LinuxIf        string
	OVSPort        string
	Bridge         string
	VlanTag        int
	VendorIf       string
	LastVerifiedAt time.Time
}

// Key returns the composite unique key for the mapping.
func (m *InterfaceMapping) Key() string {
	return m.LabID + "/" + m.NodeID + "/" + m.LinuxIf
}

// JobStatus is the lifecycle state of an async job.
type JobStatus string

const (
	JobQueued                JobStatus = "queued"
	JobRunning               JobStatus = "running"
	JobCompleted             JobStatus = "completed"
	JobCompletedWithWarnings JobStatus = "completed_with_warnings"
	JobFailed                JobStatus = "failed"
	JobCancelled             JobStatus = "cancelled"
)

// Job is a long-running async task tied to a lab. Action strings:
// "up", "down", "sync", "sync:node:<id>", "node:<name>:<op>", "agent-update".
type Job struct {
	ID           string
	LabID        string
	UserID       string
	Action       string
	Status       JobStatus
	AgentID      string
	RetryCount   int
	ErrorSummary string
	LogInline    string // small messages stored inline
	LogPath      string // larger logs live on disk
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Terminal reports whether the job is finished.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobCompletedWithWarnings, JobFailed, JobCancelled:
		return true
	}
	return false
}
