package storage

import (
	"github.com/canopy-net/canopy/pkg/types"
)

// Store defines the interface for control-plane state storage.
// Implemented by BoltStore.
type Store interface {
	// Labs
	CreateLab(lab *types.Lab) error
	GetLab(id string) (*types.Lab, error)
	ListLabs() ([]*types.Lab, error)
	UpdateLab(lab *types.Lab) error
	DeleteLab(id string) error
	// DeleteLabRows removes every row owned by the lab across all buckets:
	// nodes, node states, links, link states, reservations, placements,
	// tunnels, interface mappings and jobs.
	DeleteLabRows(labID string) error

	// Node declarations
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodesByLab(labID string) ([]*types.Node, error)
	DeleteNode(id string) error

	// Node states
	PutNodeState(ns *types.NodeState) error
	GetNodeState(labID, nodeID string) (*types.NodeState, error)
	ListNodeStatesByLab(labID string) ([]*types.NodeState, error)
	DeleteNodeState(labID, nodeID string) error

	// Link declarations
	CreateLink(link *types.Link) error
	GetLink(id string) (*types.Link, error)
	ListLinksByLab(labID string) ([]*types.Link, error)
	DeleteLink(id string) error

	// Link states
	PutLinkState(ls *types.LinkState) error
	GetLinkState(id string) (*types.LinkState, error)
	ListLinkStates() ([]*types.LinkState, error)
	ListLinkStatesByLab(labID string) ([]*types.LinkState, error)
	DeleteLinkState(id string) error

	// Endpoint reservations. InsertReservation enforces the unique
	// (lab, node, normalised-interface) key and returns a conflict error
	// naming the current owner when the slot is taken by another link.
	InsertReservation(r *types.Reservation) error
	GetReservation(key string) (*types.Reservation, error)
	ListReservations() ([]*types.Reservation, error)
	ListReservationsByLab(labID string) ([]*types.Reservation, error)
	DeleteReservation(key string) error
	DeleteReservationsByLinkState(linkStateID string) error

	// Hosts (agents)
	PutHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	GetHostByAddress(address string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	DeleteHost(id string) error

	// Placements
	PutPlacement(p *types.Placement) error
	GetPlacement(labID, nodeName string) (*types.Placement, error)
	ListPlacementsByLab(labID string) ([]*types.Placement, error)
	DeletePlacement(labID, nodeName string) error
	DeletePlacementsByLab(labID string) error

	// VXLAN tunnels
	PutTunnel(t *types.VxlanTunnel) error
	GetTunnel(id string) (*types.VxlanTunnel, error)
	ListTunnels() ([]*types.VxlanTunnel, error)
	ListTunnelsByLab(labID string) ([]*types.VxlanTunnel, error)
	DeleteTunnel(id string) error

	// Interface mappings (upsert by composite key)
	UpsertInterfaceMapping(m *types.InterfaceMapping) error
	GetInterfaceMapping(labID, nodeID, linuxIf string) (*types.InterfaceMapping, error)
	ListInterfaceMappingsByLab(labID string) ([]*types.InterfaceMapping, error)
	DeleteInterfaceMappingsByLab(labID string) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	ListJobs() ([]*types.Job, error)
	ListJobsByLab(labID string) ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	DeleteJob(id string) error
	// TransitionJob flips a job's status only when it still has the
	// expected previous status, so two supervisors cannot double-fail the
	// same job. Returns false without error when the guard did not match.
	TransitionJob(id string, from, to types.JobStatus) (bool, error)

	// Utility
	Close() error
}
