package model

// AffinityAssignment maps every partition to its ordered owners for one topology version.
// The first owner is the primary, the rest are backups. Assignments are never mutated
// after construction; a new topology version produces a new assignment.
type AffinityAssignment struct {
	TopologyVersion int64
	Backups         int
	owners          [][]*Node
}

// NewAffinityAssignment wraps a computed owner table
func NewAffinityAssignment(topologyVersion int64, backups int, owners [][]*Node) *AffinityAssignment {
	return &AffinityAssignment{
		TopologyVersion: topologyVersion,
		Backups:         backups,
		owners:          owners,
	}
}

// Partitions returns the partition count
func (a *AffinityAssignment) Partitions() int {
	return len(a.owners)
}

// Owners returns the ordered owners of a partition. The slice must not be modified.
func (a *AffinityAssignment) Owners(partition int) []*Node {
	if partition < 0 || partition >= len(a.owners) {
		return nil
	}
	return a.owners[partition]
}

// Primary returns the primary owner of a partition or nil if there is none
func (a *AffinityAssignment) Primary(partition int) *Node {
	owners := a.Owners(partition)
	if len(owners) == 0 {
		return nil
	}
	return owners[0]
}

// BackupNodes returns the backup owners of a partition
func (a *AffinityAssignment) BackupNodes(partition int) []*Node {
	owners := a.Owners(partition)
	if len(owners) <= 1 {
		return nil
	}
	return owners[1:]
}

// OwnerIDs returns the ordered owner IDs of a partition
func (a *AffinityAssignment) OwnerIDs(partition int) []string {
	return NodeIDs(a.Owners(partition))
}

// IsOwner reports whether the node owns the partition as primary or backup
func (a *AffinityAssignment) IsOwner(partition int, nodeID string) bool {
	for _, n := range a.Owners(partition) {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

// IsPrimary reports whether the node is the primary of the partition
func (a *AffinityAssignment) IsPrimary(partition int, nodeID string) bool {
	p := a.Primary(partition)
	return p != nil && p.ID == nodeID
}

// PrimaryPartitions lists the partitions for which the node is primary
func (a *AffinityAssignment) PrimaryPartitions(nodeID string) []int {
	parts := make([]int, 0)
	for p := range a.owners {
		if a.IsPrimary(p, nodeID) {
			parts = append(parts, p)
		}
	}
	return parts
}

// BackupPartitions lists the partitions for which the node is a backup
func (a *AffinityAssignment) BackupPartitions(nodeID string) []int {
	parts := make([]int, 0)
	for p := range a.owners {
		for _, n := range a.BackupNodes(p) {
			if n.ID == nodeID {
				parts = append(parts, p)
				break
			}
		}
	}
	return parts
}

// UnderReplicated counts partitions that have fewer than 1+Backups owners
func (a *AffinityAssignment) UnderReplicated() int {
	want := a.Backups + 1
	count := 0
	for _, owners := range a.owners {
		if len(owners) < want {
			count++
		}
	}
	return count
}

// Equal reports whether two assignments have identical owner lists for every partition
func (a *AffinityAssignment) Equal(o *AffinityAssignment) bool {
	if a == nil || o == nil {
		return a == o
	}
	if len(a.owners) != len(o.owners) {
		return false
	}
	for p := range a.owners {
		if len(a.owners[p]) != len(o.owners[p]) {
			return false
		}
		for i := range a.owners[p] {
			if a.owners[p][i].ID != o.owners[p][i].ID {
				return false
			}
		}
	}
	return true
}
