package topology

import (
	"encoding/json"
	"strings"

	"github.com/canopy-net/canopy/pkg/errdefs"
)

// graphFile is the editor's node/edge JSON document.
type graphFile struct {
	Name  string      `json:"name"`
	Nodes []graphNode `json:"nodes"`
	Edges []graphEdge `json:"edges"`
}

type graphNode struct {
	Name        string `json:"name"`
	Kind        string `json:"kind,omitempty"`
	Image       string `json:"image,omitempty"`
	CPUs        int    `json:"cpus,omitempty"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
}

type graphEdge struct {
	Name            string `json:"name,omitempty"`
	Source          string `json:"source"`
	SourceInterface string `json:"source_interface"`
	Target          string `json:"target"`
	TargetInterface string `json:"target_interface"`
	MTU             int    `json:"mtu,omitempty"`
}

// GraphParser reads the graph-editor JSON layout.
type GraphParser struct{}

func (p *GraphParser) CanParse(filename string, data []byte) bool {
	if strings.HasSuffix(filename, ".json") {
		return true
	}
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{")
}

func (p *GraphParser) Parse(data []byte) (*Topology, error) {
	var f graphFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Wrap(errdefs.CategoryValidation, "invalid topology JSON", err)
	}

	topo := &Topology{Name: f.Name}
	for _, n := range f.Nodes {
		topo.Nodes = append(topo.Nodes, NodeDef{
			Name:        n.Name,
			Kind:        n.Kind,
			Image:       n.Image,
			CPUs:        n.CPUs,
			MemoryBytes: n.MemoryBytes,
		})
	}
	for _, e := range f.Edges {
		name := e.Name
		if name == "" {
			name = e.Source + "-" + e.Target
		}
		topo.Links = append(topo.Links, LinkDef{
			Name: name,
			A:    EndpointDef{Node: e.Source, Interface: e.SourceInterface},
			B:    EndpointDef{Node: e.Target, Interface: e.TargetInterface},
			MTU:  e.MTU,
		})
	}
	return topo.Sorted(), nil
}

// ExportGraph renders the topology in the graph-editor JSON layout.
func ExportGraph(t *Topology) ([]byte, error) {
	t = t.Sorted()
	f := graphFile{Name: t.Name}
	for _, n := range t.Nodes {
		f.Nodes = append(f.Nodes, graphNode{
			Name:        n.Name,
			Kind:        n.Kind,
			Image:       n.Image,
			CPUs:        n.CPUs,
			MemoryBytes: n.MemoryBytes,
		})
	}
	for _, l := range t.Links {
		f.Edges = append(f.Edges, graphEdge{
			Name:            l.Name,
			Source:          l.A.Node,
			SourceInterface: l.A.Interface,
			Target:          l.B.Node,
			TargetInterface: l.B.Interface,
			MTU:             l.MTU,
		})
	}
	return json.MarshalIndent(&f, "", "  ")
}
