package model

// Node represents a cluster member that may own cache partitions
type Node struct {
	ID           string
	Order        int64 // Join order assigned by discovery, unique per node
	Host         string
	DataCenterID uint8
	Client       bool // Client nodes never own partitions
	Alive        bool
	Attributes   map[string]string
}

// NodeStatus represents the liveness of a node as seen by discovery
type NodeStatus string

const (
	// NodeStatusAlive indicates the node is a live topology member
	NodeStatusAlive NodeStatus = "alive"
	// NodeStatusLeft indicates the node left or failed
	NodeStatusLeft NodeStatus = "left"
)

// Status returns the node liveness as a status string
func (n *Node) Status() NodeStatus {
	if n.Alive {
		return NodeStatusAlive
	}
	return NodeStatusLeft
}

// IsServer reports whether the node can own partitions
func (n *Node) IsServer() bool {
	return n.Alive && !n.Client
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	c := *n
	if n.Attributes != nil {
		c.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Equal compares two nodes field by field
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.ID != o.ID || n.Order != o.Order || n.Host != o.Host ||
		n.DataCenterID != o.DataCenterID || n.Client != o.Client || n.Alive != o.Alive {
		return false
	}
	if len(n.Attributes) != len(o.Attributes) {
		return false
	}
	for k, v := range n.Attributes {
		if ov, ok := o.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// NodeIDs extracts node IDs preserving order
func NodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
