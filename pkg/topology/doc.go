// Package topology parses and exports lab declarations. Two formats are
// supported behind one Parser interface: a containerlab-style YAML
// document and the graph editor's node/edge JSON.
package topology
