package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"expchain/internal/chain"
)

// Node describes one member of the topology and the neighbors it
// exchanges snapshot markers and chain heads with.
type Node struct {
	ID        string   `yaml:"id"`
	Neighbors []string `yaml:"neighbors"`
}

// Topology holds the cluster layout.
type Topology struct {
	Nodes []Node `yaml:"nodes"`
}

// Load parses a YAML topology and validates it.
func Load(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseTopology parses a compact topology string in the format:
// "n1=n2;n3,n2=n1,n3=n1"
// where each entry maps a node ID to a semicolon-separated neighbor list.
// A node with no neighbors is written as a bare ID.
func ParseTopology(s string) (*Topology, error) {
	t := &Topology{}
	if strings.TrimSpace(s) == "" {
		return t, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		id := strings.TrimSpace(kv[0])
		node := Node{ID: id}
		if len(kv) == 2 {
			for _, n := range strings.Split(kv[1], ";") {
				n = strings.TrimSpace(n)
				if n == "" {
					continue
				}
				node.Neighbors = append(node.Neighbors, n)
			}
		}
		t.Nodes = append(t.Nodes, node)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the topology for duplicate or reserved IDs and for
// neighbor references to nodes that do not exist.
func (t *Topology) Validate() error {
	ids := make(map[string]bool, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node ID cannot be empty")
		}
		if n.ID == chain.MergeNodeID {
			return fmt.Errorf("node ID %q is reserved", n.ID)
		}
		if ids[n.ID] {
			return fmt.Errorf("duplicate node ID: %s", n.ID)
		}
		ids[n.ID] = true
	}

	for _, n := range t.Nodes {
		for _, neighbor := range n.Neighbors {
			if neighbor == n.ID {
				return fmt.Errorf("node %s lists itself as a neighbor", n.ID)
			}
			if !ids[neighbor] {
				return fmt.Errorf("node %s references unknown neighbor: %s", n.ID, neighbor)
			}
		}
	}
	return nil
}

// NeighborsOf returns the neighbor list for a node, or nil if the node
// is not part of the topology.
func (t *Topology) NeighborsOf(id string) []string {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n.Neighbors
		}
	}
	return nil
}

// IDs returns all node IDs in declaration order.
func (t *Topology) IDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
