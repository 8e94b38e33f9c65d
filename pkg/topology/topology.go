package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/canopy-net/canopy/pkg/errdefs"
)

// Topology is the parsed, format-independent declaration of a lab.
type Topology struct {
	Name  string
	Nodes []NodeDef
	Links []LinkDef
}

// NodeDef declares one device.
type NodeDef struct {
	Name        string
	Kind        string
	Image       string
	CPUs        int
	MemoryBytes int64
}

// LinkDef declares one L2 connection.
type LinkDef struct {
	Name string
	A    EndpointDef
	B    EndpointDef
	MTU  int
}

// EndpointDef is one side of a link.
type EndpointDef struct {
	Node      string
	Interface string
}

// Parser turns one on-disk format into a Topology.
type Parser interface {
	// CanParse sniffs whether this parser handles the file.
	CanParse(filename string, data []byte) bool
	Parse(data []byte) (*Topology, error)
}

var parsers []Parser

// Register adds a parser to the sniffing chain. First match wins.
func Register(p Parser) {
	parsers = append(parsers, p)
}

// Parse sniffs the format and parses, then validates the result.
func Parse(filename string, data []byte) (*Topology, error) {
	for _, p := range parsers {
		if !p.CanParse(filename, data) {
			continue
		}
		topo, err := p.Parse(data)
		if err != nil {
			return nil, err
		}
		if err := topo.Validate(); err != nil {
			return nil, err
		}
		return topo, nil
	}
	return nil, errdefs.Newf(errdefs.CategoryValidation, "unrecognized topology format: %s", filename)
}

// Validate checks structural consistency: unique node names, links that
// reference declared nodes, and no endpoint used by two links.
func (t *Topology) Validate() error {
	if t.Name == "" {
		return errdefs.New(errdefs.CategoryValidation, "topology has no name")
	}

	names := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.Name == "" {
			return errdefs.New(errdefs.CategoryValidation, "node with empty name")
		}
		if names[n.Name] {
			return errdefs.Newf(errdefs.CategoryValidation, "duplicate node name %q", n.Name)
		}
		names[n.Name] = true
	}

	used := make(map[string]string)
	for i, l := range t.Links {
		for _, ep := range []EndpointDef{l.A, l.B} {
			if !names[ep.Node] {
				return errdefs.Newf(errdefs.CategoryValidation,
					"link %d references undeclared node %q", i, ep.Node)
			}
			key := ep.Node + ":" + ep.Interface
			if owner, taken := used[key]; taken {
				return errdefs.Newf(errdefs.CategoryValidation,
					"endpoint %s used by links %s and %s", key, owner, linkName(l, i))
			}
			used[key] = linkName(l, i)
		}
	}
	return nil
}

// Sorted returns a copy with nodes and links in deterministic order, for
// stable exports.
func (t *Topology) Sorted() *Topology {
	out := &Topology{Name: t.Name}
	out.Nodes = append(out.Nodes, t.Nodes...)
	out.Links = append(out.Links, t.Links...)
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].Name < out.Nodes[j].Name })
	sort.Slice(out.Links, func(i, j int) bool { return linkKey(out.Links[i]) < linkKey(out.Links[j]) })
	return out
}

func linkKey(l LinkDef) string {
	return l.A.Node + ":" + l.A.Interface + "-" + l.B.Node + ":" + l.B.Interface
}

func linkName(l LinkDef, idx int) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%s-%s-%d", l.A.Node, l.B.Node, idx)
}

// parseMemory accepts "512M", "2G", "1024" (bytes) and the like.
func parseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errdefs.Newf(errdefs.CategoryValidation, "bad memory value %q", s)
	}
	return n * mult, nil
}
