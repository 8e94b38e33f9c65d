package scheduler

import (
	"fmt"
	"sort"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/log"
	"github.com/canopy-net/canopy/pkg/storage"
	"github.com/canopy-net/canopy/pkg/types"
)

// Scheduler assigns lab nodes to agents based on load.
type Scheduler struct {
	store storage.Store
}

func New(store storage.Store) *Scheduler {
	return &Scheduler{store: store}
}

// PlaceLab assigns every node of the lab to an agent and persists the
// placements. Placement is sticky: a node already placed on an online
// agent keeps its agent. A lab with a default agent pins all new
// placements there. Otherwise the least-loaded online agent wins.
func (s *Scheduler) PlaceLab(lab *types.Lab, nodes []*types.Node) (map[string]string, error) {
	hosts, err := s.onlineHosts()
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, errdefs.New(errdefs.CategoryServer, "no online agents available for placement")
	}
	online := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		online[h.ID] = true
	}

	load, err := s.placementLoad()
	if err != nil {
		return nil, err
	}

	existing, err := s.store.ListPlacementsByLab(lab.ID)
	if err != nil {
		return nil, err
	}
	placed := make(map[string]string, len(existing))
	for _, p := range existing {
		if online[p.HostID] {
			placed[p.NodeName] = p.HostID
		}
	}

	result := make(map[string]string, len(nodes))
	for _, node := range nodes {
		hostID, ok := placed[node.Name]
		if !ok {
			hostID, err = s.pick(lab, hosts, load)
			if err != nil {
				return nil, err
			}
			load[hostID]++
		}
		result[node.Name] = hostID

		if err := s.store.PutPlacement(&types.Placement{
			LabID:    lab.ID,
			NodeName: node.Name,
			HostID:   hostID,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist placement for %s: %w", node.Name, err)
		}
	}

	log.WithLab(lab.ID).Debug().Int("nodes", len(result)).Msg("Lab placed")
	return result, nil
}

// SelectHost picks an agent for a single new node, honoring the lab's
// default agent.
func (s *Scheduler) SelectHost(lab *types.Lab) (string, error) {
	hosts, err := s.onlineHosts()
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", errdefs.New(errdefs.CategoryServer, "no online agents available for placement")
	}
	load, err := s.placementLoad()
	if err != nil {
		return "", err
	}
	return s.pick(lab, hosts, load)
}

func (s *Scheduler) onlineHosts() ([]*types.Host, error) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return nil, err
	}
	var online []*types.Host
	for _, h := range hosts {
		if h.Status == types.HostOnline {
			online = append(online, h)
		}
	}
	return online, nil
}

// placementLoad counts placements per host across all labs.
func (s *Scheduler) placementLoad() (map[string]int, error) {
	load := make(map[string]int)
	labs, err := s.store.ListLabs()
	if err != nil {
		return nil, err
	}
	for _, lab := range labs {
		ps, err := s.store.ListPlacementsByLab(lab.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			load[p.HostID]++
		}
	}
	return load, nil
}

func (s *Scheduler) pick(lab *types.Lab, hosts []*types.Host, load map[string]int) (string, error) {
	if lab.DefaultAgent != "" {
		for _, h := range hosts {
			if h.ID == lab.DefaultAgent {
				return h.ID, nil
			}
		}
		return "", errdefs.Newf(errdefs.CategoryValidation,
			"default agent %s is not online", lab.DefaultAgent)
	}

	// Least loaded wins; CPU usage breaks ties, then host ID for
	// determinism.
	sorted := make([]*types.Host, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool {
		li, lj := load[sorted[i].ID], load[sorted[j].ID]
		if li != lj {
			return li < lj
		}
		ci, cj := sorted[i].ResourceUsage["cpu"], sorted[j].ResourceUsage["cpu"]
		if ci != cj {
			return ci < cj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0].ID, nil
}
