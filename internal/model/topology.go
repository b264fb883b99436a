package model

import "sort"

// TopologySnapshot is an immutable ordered view of the cluster at a topology version.
// Nodes are sorted by join order, then by ID.
type TopologySnapshot struct {
	Version int64
	nodes   []*Node
	byID    map[string]*Node
}

// NewTopologySnapshot creates a snapshot from the given nodes.
// Nodes are copied so later mutation by the caller is not observed.
func NewTopologySnapshot(version int64, nodes []*Node) *TopologySnapshot {
	copied := make([]*Node, 0, len(nodes))
	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, dup := byID[n.ID]; dup {
			continue
		}
		c := n.Clone()
		copied = append(copied, c)
		byID[c.ID] = c
	}

	sort.Slice(copied, func(i, j int) bool {
		if copied[i].Order != copied[j].Order {
			return copied[i].Order < copied[j].Order
		}
		return copied[i].ID < copied[j].ID
	})

	return &TopologySnapshot{
		Version: version,
		nodes:   copied,
		byID:    byID,
	}
}

// Nodes returns all nodes in the snapshot. The slice must not be modified.
func (t *TopologySnapshot) Nodes() []*Node {
	return t.nodes
}

// ServerNodes returns the live non-client nodes, the only partition owner candidates
func (t *TopologySnapshot) ServerNodes() []*Node {
	servers := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.IsServer() {
			servers = append(servers, n)
		}
	}
	return servers
}

// Node looks up a node by ID
func (t *TopologySnapshot) Node(id string) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Size returns the number of nodes in the snapshot
func (t *TopologySnapshot) Size() int {
	return len(t.nodes)
}

// Equal reports whether two snapshots have the same version, node set and order
func (t *TopologySnapshot) Equal(o *TopologySnapshot) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Version != o.Version || len(t.nodes) != len(o.nodes) {
		return false
	}
	for i := range t.nodes {
		if !t.nodes[i].Equal(o.nodes[i]) {
			return false
		}
	}
	return true
}
