package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketLabs          = []byte("labs")
	bucketNodes         = []byte("nodes")
	bucketNodeStates    = []byte("node_states")
	bucketLinks         = []byte("links")
	bucketLinkStates    = []byte("link_states")
	bucketReservations  = []byte("link_endpoint_reservations")
	bucketHosts         = []byte("hosts")
	bucketPlacements    = []byte("placements")
	bucketTunnels       = []byte("vxlan_tunnels")
	bucketIfaceMappings = []byte("interface_mappings")
	bucketJobs          = []byte("jobs")
)

// BoltStore implements Store using BoltDB. bbolt gives us a single writer
// with serialisable transactions, so every multi-row mutation below is
// already atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "canopy.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketLabs,
			bucketNodes,
			bucketNodeStates,
			bucketLinks,
			bucketLinkStates,
			bucketReservations,
			bucketHosts,
			bucketPlacements,
			bucketTunnels,
			bucketIfaceMappings,
			bucketJobs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put marshals v and stores it under key in bucket.
func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// get unmarshals the value under key in bucket into out.
func (s *BoltStore) get(bucket []byte, key string, out interface{}, what string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return errdefs.Newf(errdefs.CategoryNotFound, "%s not found: %s", what, key)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Lab operations

func (s *BoltStore) CreateLab(lab *types.Lab) error {
	return s.put(bucketLabs, lab.ID, lab)
}

func (s *BoltStore) GetLab(id string) (*types.Lab, error) {
	var lab types.Lab
	if err := s.get(bucketLabs, id, &lab, "lab"); err != nil {
		return nil, err
	}
	return &lab, nil
}

func (s *BoltStore) ListLabs() ([]*types.Lab, error) {
	var labs []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLabs).ForEach(func(k, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			labs = append(labs, &lab)
			return nil
		})
	})
	return labs, err
}

func (s *BoltStore) UpdateLab(lab *types.Lab) error {
	return s.put(bucketLabs, lab.ID, lab)
}

func (s *BoltStore) DeleteLab(id string) error {
	return s.delete(bucketLabs, id)
}

// DeleteLabRows removes every row owned by the lab in one transaction.
func (s *BoltStore) DeleteLabRows(labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Entities keyed by "<lab>/..." composite keys: prefix scan.
		prefix := []byte(labID + "/")
		for _, name := range [][]byte{bucketNodeStates, bucketReservations, bucketPlacements, bucketIfaceMappings} {
			b := tx.Bucket(name)
			c := b.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}

		// Entities keyed by uuid: filter on the LabID field.
		type labOwned struct {
			LabID string `json:"LabID"`
		}
		for _, name := range [][]byte{bucketNodes, bucketLinks, bucketLinkStates, bucketTunnels, bucketJobs} {
			b := tx.Bucket(name)
			var keys [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var row labOwned
				if err := json.Unmarshal(v, &row); err != nil {
					return err
				}
				if row.LabID == labID {
					keys = append(keys, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Node declaration operations

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var node types.Node
	if err := s.get(bucketNodes, id, &node, "node"); err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodesByLab(labID string) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			if node.LabID == labID {
				nodes = append(nodes, &node)
			}
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.delete(bucketNodes, id)
}

// Node state operations

func nodeStateKey(labID, nodeID string) string {
	return labID + "/" + nodeID
}

func (s *BoltStore) PutNodeState(ns *types.NodeState) error {
	ns.UpdatedAt = time.Now().UTC()
	return s.put(bucketNodeStates, nodeStateKey(ns.LabID, ns.NodeID), ns)
}

func (s *BoltStore) GetNodeState(labID, nodeID string) (*types.NodeState, error) {
	var ns types.NodeState
	if err := s.get(bucketNodeStates, nodeStateKey(labID, nodeID), &ns, "node state"); err != nil {
		return nil, err
	}
	return &ns, nil
}

func (s *BoltStore) ListNodeStatesByLab(labID string) ([]*types.NodeState, error) {
	var states []*types.NodeState
	prefix := []byte(labID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNodeStates).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var ns types.NodeState
			if err := json.Unmarshal(v, &ns); err != nil {
				return err
			}
			states = append(states, &ns)
		}
		return nil
	})
	return states, err
}

func (s *BoltStore) DeleteNodeState(labID, nodeID string) error {
	return s.delete(bucketNodeStates, nodeStateKey(labID, nodeID))
}

// Link declaration operations

func (s *BoltStore) CreateLink(link *types.Link) error {
	return s.put(bucketLinks, link.ID, link)
}

func (s *BoltStore) GetLink(id string) (*types.Link, error) {
	var link types.Link
	if err := s.get(bucketLinks, id, &link, "link"); err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *BoltStore) ListLinksByLab(labID string) ([]*types.Link, error) {
	var links []*types.Link
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).ForEach(func(k, v []byte) error {
			var link types.Link
			if err := json.Unmarshal(v, &link); err != nil {
				return err
			}
			if link.LabID == labID {
				links = append(links, &link)
			}
			return nil
		})
	})
	return links, err
}

func (s *BoltStore) DeleteLink(id string) error {
	return s.delete(bucketLinks, id)
}

// Link state operations

func (s *BoltStore) PutLinkState(ls *types.LinkState) error {
	ls.UpdatedAt = time.Now().UTC()
	return s.put(bucketLinkStates, ls.ID, ls)
}

func (s *BoltStore) GetLinkState(id string) (*types.LinkState, error) {
	var ls types.LinkState
	if err := s.get(bucketLinkStates, id, &ls, "link state"); err != nil {
		return nil, err
	}
	return &ls, nil
}

func (s *BoltStore) ListLinkStates() ([]*types.LinkState, error) {
	var states []*types.LinkState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinkStates).ForEach(func(k, v []byte) error {
			var ls types.LinkState
			if err := json.Unmarshal(v, &ls); err != nil {
				return err
			}
			states = append(states, &ls)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) ListLinkStatesByLab(labID string) ([]*types.LinkState, error) {
	all, err := s.ListLinkStates()
	if err != nil {
		return nil, err
	}
	var states []*types.LinkState
	for _, ls := range all {
		if ls.LabID == labID {
			states = append(states, ls)
		}
	}
	return states, nil
}

func (s *BoltStore) DeleteLinkState(id string) error {
	return s.delete(bucketLinkStates, id)
}

// Reservation operations

func (s *BoltStore) InsertReservation(r *types.Reservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		key := []byte(r.Key())
		if data := b.Get(key); data != nil {
			var existing types.Reservation
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.LinkStateID != r.LinkStateID {
				return errdefs.Newf(errdefs.CategoryConflict,
					"endpoint %s already reserved by link %q", r.Key(), existing.LinkName).
					WithDetail("conflicting_link", existing.LinkName).
					WithDetail("conflicting_link_state_id", existing.LinkStateID)
			}
			// Re-claim by the same link is an upsert.
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetReservation(key string) (*types.Reservation, error) {
	var r types.Reservation
	if err := s.get(bucketReservations, key, &r, "reservation"); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListReservations() ([]*types.Reservation, error) {
	var rs []*types.Reservation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReservations).ForEach(func(k, v []byte) error {
			var r types.Reservation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			rs = append(rs, &r)
			return nil
		})
	})
	return rs, err
}

func (s *BoltStore) ListReservationsByLab(labID string) ([]*types.Reservation, error) {
	all, err := s.ListReservations()
	if err != nil {
		return nil, err
	}
	var rs []*types.Reservation
	for _, r := range all {
		if r.LabID == labID {
			rs = append(rs, r)
		}
	}
	return rs, nil
}

func (s *BoltStore) DeleteReservation(key string) error {
	return s.delete(bucketReservations, key)
}

func (s *BoltStore) DeleteReservationsByLinkState(linkStateID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReservations)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r types.Reservation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.LinkStateID == linkStateID {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Host operations

func (s *BoltStore) PutHost(host *types.Host) error {
	return s.put(bucketHosts, host.ID, host)
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	if err := s.get(bucketHosts, id, &host, "host"); err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) GetHostByAddress(address string) (*types.Host, error) {
	hosts, err := s.ListHosts()
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.Address == address {
			return h, nil
		}
	}
	return nil, errdefs.Newf(errdefs.CategoryNotFound, "host not found by address: %s", address)
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			hosts = append(hosts, &h)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.delete(bucketHosts, id)
}

// Placement operations

func (s *BoltStore) PutPlacement(p *types.Placement) error {
	return s.put(bucketPlacements, p.Key(), p)
}

func (s *BoltStore) GetPlacement(labID, nodeName string) (*types.Placement, error) {
	var p types.Placement
	key := labID + "/" + nodeName
	if err := s.get(bucketPlacements, key, &p, "placement"); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListPlacementsByLab(labID string) ([]*types.Placement, error) {
	var ps []*types.Placement
	prefix := []byte(labID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPlacements).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var p types.Placement
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			ps = append(ps, &p)
		}
		return nil
	})
	return ps, err
}

func (s *BoltStore) DeletePlacement(labID, nodeName string) error {
	return s.delete(bucketPlacements, labID+"/"+nodeName)
}

func (s *BoltStore) DeletePlacementsByLab(labID string) error {
	ps, err := s.ListPlacementsByLab(labID)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if err := s.DeletePlacement(p.LabID, p.NodeName); err != nil {
			return err
		}
	}
	return nil
}

// Tunnel operations

func (s *BoltStore) PutTunnel(t *types.VxlanTunnel) error {
	return s.put(bucketTunnels, t.ID, t)
}

func (s *BoltStore) GetTunnel(id string) (*types.VxlanTunnel, error) {
	var t types.VxlanTunnel
	if err := s.get(bucketTunnels, id, &t, "tunnel"); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTunnels() ([]*types.VxlanTunnel, error) {
	var ts []*types.VxlanTunnel
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTunnels).ForEach(func(k, v []byte) error {
			var t types.VxlanTunnel
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			ts = append(ts, &t)
			return nil
		})
	})
	return ts, err
}

func (s *BoltStore) ListTunnelsByLab(labID string) ([]*types.VxlanTunnel, error) {
	all, err := s.ListTunnels()
	if err != nil {
		return nil, err
	}
	var ts []*types.VxlanTunnel
	for _, t := range all {
		if t.LabID == labID {
			ts = append(ts, t)
		}
	}
	return ts, nil
}

func (s *BoltStore) DeleteTunnel(id string) error {
	return s.delete(bucketTunnels, id)
}

// Interface mapping operations

func (s *BoltStore) UpsertInterfaceMapping(m *types.InterfaceMapping) error {
	m.LastVerifiedAt = time.Now().UTC()
	return s.put(bucketIfaceMappings, m.Key(), m)
}

func (s *BoltStore) GetInterfaceMapping(labID, nodeID, linuxIf string) (*types.InterfaceMapping, error) {
	var m types.InterfaceMapping
	key := labID + "/" + nodeID + "/" + linuxIf
	if err := s.get(bucketIfaceMappings, key, &m, "interface mapping"); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) ListInterfaceMappingsByLab(labID string) ([]*types.InterfaceMapping, error) {
	var ms []*types.InterfaceMapping
	prefix := []byte(labID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIfaceMappings).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var m types.InterfaceMapping
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			ms = append(ms, &m)
		}
		return nil
	})
	return ms, err
}

func (s *BoltStore) DeleteInterfaceMappingsByLab(labID string) error {
	ms, err := s.ListInterfaceMappingsByLab(labID)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if err := s.delete(bucketIfaceMappings, m.Key()); err != nil {
			return err
		}
	}
	return nil
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.put(bucketJobs, job.ID, job)
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	if err := s.get(bucketJobs, id, &job, "job"); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.put(bucketJobs, job.ID, job)
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByLab(labID string) ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var jobs []*types.Job
	for _, j := range all {
		if j.LabID == labID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	all, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	var jobs []*types.Job
	for _, j := range all {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(bucketJobs, id)
}

// TransitionJob performs an optimistic status transition: the write only
// happens when the job still has the expected previous status.
func (s *BoltStore) TransitionJob(id string, from, to types.JobStatus) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return errdefs.Newf(errdefs.CategoryNotFound, "job not found: %s", id)
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.Status != from {
			return nil
		}
		job.Status = to
		now := time.Now().UTC()
		if to == types.JobRunning && job.StartedAt.IsZero() {
			job.StartedAt = now
		}
		if job.Terminal() {
			job.CompletedAt = now
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}
