package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"github.com/canopy-net/canopy/pkg/topology"
	"github.com/canopy-net/canopy/pkg/types"
	"github.com/google/uuid"
)

// handleImportTopology parses the uploaded file and diffs it against the
// stored declaration. New nodes and links are created, vanished ones
// deleted; on a running lab the live-edit manager picks the changes up
// and rolls them out after its debounce window.
func (s *Server) handleImportTopology(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		s.writeError(w, errdefs.Wrap(errdefs.CategoryValidation, "failed to read body", err))
		return
	}
	topo, err := topology.Parse(r.URL.Query().Get("filename"), data)
	if err != nil {
		s.writeError(w, err)
		return
	}

	nodesAdded, nodesRemoved, err := s.diffNodes(lab, topo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	linksAdded, linksRemoved, err := s.diffLinks(lab, topo)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{
		"nodes_added":   nodesAdded,
		"nodes_removed": nodesRemoved,
		"links_added":   linksAdded,
		"links_removed": linksRemoved,
	})
}

func (s *Server) diffNodes(lab *types.Lab, topo *topology.Topology) (added, removed int, err error) {
	existing, err := s.store.ListNodesByLab(lab.ID)
	if err != nil {
		return 0, 0, err
	}
	byName := make(map[string]*types.Node, len(existing))
	for _, n := range existing {
		byName[n.Name] = n
	}

	wanted := make(map[string]bool, len(topo.Nodes))
	for _, def := range topo.Nodes {
		wanted[def.Name] = true
		if cur, ok := byName[def.Name]; ok {
			cur.Kind = def.Kind
			cur.Image = def.Image
			cur.CPUs = def.CPUs
			cur.MemoryBytes = def.MemoryBytes
			if err := s.store.CreateNode(cur); err != nil {
				return added, removed, err
			}
			continue
		}
		node := &types.Node{
			ID:            uuid.New().String(),
			LabID:         lab.ID,
			Name:          def.Name,
			ContainerName: containerName(lab, def.Name),
			Kind:          def.Kind,
			Image:         def.Image,
			CPUs:          def.CPUs,
			MemoryBytes:   def.MemoryBytes,
		}
		if err := s.store.CreateNode(node); err != nil {
			return added, removed, err
		}
		added++
		if s.edits != nil {
			s.edits.NodeAdded(lab.ID, node.ID)
		}
	}

	for name, n := range byName {
		if wanted[name] {
			continue
		}
		if err := s.store.DeleteNode(n.ID); err != nil {
			return added, removed, err
		}
		removed++
		if s.edits != nil {
			s.edits.NodeRemoved(lab.ID, name)
		}
	}
	return added, removed, nil
}

func (s *Server) diffLinks(lab *types.Lab, topo *topology.Topology) (added, removed int, err error) {
	existing, err := s.store.ListLinksByLab(lab.ID)
	if err != nil {
		return 0, 0, err
	}
	nodes, err := s.store.ListNodesByLab(lab.ID)
	if err != nil {
		return 0, 0, err
	}
	nodeByName := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeByName[n.Name] = n
	}

	byKey := make(map[string]*types.Link, len(existing))
	for _, l := range existing {
		byKey[endpointKey(l.A.NodeName, l.A.IfName, l.B.NodeName, l.B.IfName)] = l
	}

	wanted := make(map[string]bool, len(topo.Links))
	for _, def := range topo.Links {
		key := endpointKey(def.A.Node, def.A.Interface, def.B.Node, def.B.Interface)
		wanted[key] = true
		if _, ok := byKey[key]; ok {
			continue
		}
		a, b := nodeByName[def.A.Node], nodeByName[def.B.Node]
		if a == nil || b == nil {
			return added, removed, errdefs.Newf(errdefs.CategoryValidation,
				"link %s references a node that failed to import", def.Name)
		}
		name := def.Name
		if name == "" {
			name = def.A.Node + "-" + def.B.Node
		}
		link := &types.Link{
			ID:    uuid.New().String(),
			LabID: lab.ID,
			Name:  name,
			A:     types.Endpoint{NodeID: a.ID, NodeName: a.Name, IfName: def.A.Interface},
			B:     types.Endpoint{NodeID: b.ID, NodeName: b.Name, IfName: def.B.Interface},
			MTU:   def.MTU,
		}
		if err := s.store.CreateLink(link); err != nil {
			return added, removed, err
		}
		added++
	}

	for key, l := range byKey {
		if wanted[key] {
			continue
		}
		if err := s.store.DeleteLink(l.ID); err != nil {
			return added, removed, err
		}
		// Orphan the state row so the link reconciler tears the wiring
		// down on its next pass.
		if ls, err := s.linkStateFor(lab.ID, l.ID); err == nil {
			ls.LinkID = ""
			ls.DesiredState = types.LinkDesiredDeleted
			if err := s.store.PutLinkState(ls); err != nil {
				return added, removed, err
			}
		}
		removed++
	}
	return added, removed, nil
}

func (s *Server) handleExportTopology(w http.ResponseWriter, r *http.Request) {
	lab, err := s.store.GetLab(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	nodes, err := s.store.ListNodesByLab(lab.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	links, err := s.store.ListLinksByLab(lab.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	topo := &topology.Topology{Name: lab.Name}
	for _, n := range nodes {
		topo.Nodes = append(topo.Nodes, topology.NodeDef{
			Name:        n.Name,
			Kind:        n.Kind,
			Image:       n.Image,
			CPUs:        n.CPUs,
			MemoryBytes: n.MemoryBytes,
		})
	}
	for _, l := range links {
		topo.Links = append(topo.Links, topology.LinkDef{
			Name: l.Name,
			A:    topology.EndpointDef{Node: l.A.NodeName, Interface: l.A.IfName},
			B:    topology.EndpointDef{Node: l.B.NodeName, Interface: l.B.IfName},
			MTU:  l.MTU,
		})
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "yaml":
		data, err := topology.ExportYAML(topo)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(data)
	case "graph":
		data, err := topology.ExportGraph(topo)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	default:
		s.writeError(w, errdefs.Newf(errdefs.CategoryValidation, "unknown export format %q", format))
	}
}

// endpointKey is order-independent so re-imports with swapped sides do
// not churn links.
func endpointKey(aNode, aIf, bNode, bIf string) string {
	a, b := aNode+":"+aIf, bNode+":"+bIf
	if a > b {
		a, b = b, a
	}
	return a + "-" + b
}

func containerName(lab *types.Lab, node string) string {
	id := lab.ID
	if len(id) > 8 {
		id = id[:8]
	}
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '-'
		}, s)
	}
	return "canopy-" + id + "-" + sanitize(node)
}
