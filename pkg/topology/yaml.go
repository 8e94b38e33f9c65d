package topology

import (
	"fmt"
	"strings"

	"github.com/canopy-net/canopy/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

func init() {
	Register(&YAMLParser{})
	Register(&GraphParser{})
}

// yamlFile mirrors the containerlab-style document layout.
type yamlFile struct {
	Name     string `yaml:"name"`
	Topology struct {
		Nodes map[string]yamlNode `yaml:"nodes"`
		Links []yamlLink          `yaml:"links"`
	} `yaml:"topology"`
}

type yamlNode struct {
	Kind   string `yaml:"kind,omitempty"`
	Image  string `yaml:"image,omitempty"`
	CPUs   int    `yaml:"cpus,omitempty"`
	Memory string `yaml:"memory,omitempty"`
}

type yamlLink struct {
	// Endpoints are "node:interface" pairs, exactly two per link.
	Endpoints []string `yaml:"endpoints"`
	MTU       int      `yaml:"mtu,omitempty"`
}

// YAMLParser reads the containerlab-style YAML layout.
type YAMLParser struct{}

func (p *YAMLParser) CanParse(filename string, data []byte) bool {
	if strings.HasSuffix(filename, ".yml") || strings.HasSuffix(filename, ".yaml") {
		return true
	}
	trimmed := strings.TrimSpace(string(data))
	return trimmed != "" && trimmed[0] != '{'
}

func (p *YAMLParser) Parse(data []byte) (*Topology, error) {
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Wrap(errdefs.CategoryValidation, "invalid topology YAML", err)
	}

	topo := &Topology{Name: f.Name}
	for name, n := range f.Topology.Nodes {
		mem, err := parseMemory(n.Memory)
		if err != nil {
			return nil, err
		}
		topo.Nodes = append(topo.Nodes, NodeDef{
			Name:        name,
			Kind:        n.Kind,
			Image:       n.Image,
			CPUs:        n.CPUs,
			MemoryBytes: mem,
		})
	}
	for i, l := range f.Topology.Links {
		if len(l.Endpoints) != 2 {
			return nil, errdefs.Newf(errdefs.CategoryValidation,
				"link %d needs exactly two endpoints, got %d", i, len(l.Endpoints))
		}
		a, err := splitEndpoint(l.Endpoints[0])
		if err != nil {
			return nil, err
		}
		b, err := splitEndpoint(l.Endpoints[1])
		if err != nil {
			return nil, err
		}
		topo.Links = append(topo.Links, LinkDef{
			Name: fmt.Sprintf("%s-%s", a.Node, b.Node),
			A:    a,
			B:    b,
			MTU:  l.MTU,
		})
	}
	return topo.Sorted(), nil
}

// ExportYAML renders the topology in the YAML layout.
func ExportYAML(t *Topology) ([]byte, error) {
	t = t.Sorted()
	var f yamlFile
	f.Name = t.Name
	f.Topology.Nodes = make(map[string]yamlNode, len(t.Nodes))
	for _, n := range t.Nodes {
		f.Topology.Nodes[n.Name] = yamlNode{
			Kind:   n.Kind,
			Image:  n.Image,
			CPUs:   n.CPUs,
			Memory: formatMemory(n.MemoryBytes),
		}
	}
	for _, l := range t.Links {
		f.Topology.Links = append(f.Topology.Links, yamlLink{
			Endpoints: []string{
				l.A.Node + ":" + l.A.Interface,
				l.B.Node + ":" + l.B.Interface,
			},
			MTU: l.MTU,
		})
	}
	return yaml.Marshal(&f)
}

func splitEndpoint(s string) (EndpointDef, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return EndpointDef{}, errdefs.Newf(errdefs.CategoryValidation,
			"endpoint %q is not node:interface", s)
	}
	return EndpointDef{Node: parts[0], Interface: parts[1]}, nil
}

func formatMemory(bytes int64) string {
	switch {
	case bytes == 0:
		return ""
	case bytes%(1<<30) == 0:
		return fmt.Sprintf("%dG", bytes>>30)
	case bytes%(1<<20) == 0:
		return fmt.Sprintf("%dM", bytes>>20)
	default:
		return fmt.Sprintf("%d", bytes)
	}
}
