package algorithm

import "github.com/devrev/gridcache/internal/model"

// PartitionMove describes how ownership of one partition changed between two assignments
type PartitionMove struct {
	Partition      int
	PrevOwners     []string
	NextOwners     []string
	Added          []string // Owners in next but not in prev
	Removed        []string // Owners in prev but not in next
	PrimaryChanged bool
}

// DiffAssignments lists the partitions whose owner lists differ.
// A nil prev is treated as an assignment with no owners.
func DiffAssignments(prev, next *model.AffinityAssignment) []PartitionMove {
	moves := make([]PartitionMove, 0)
	for p := 0; p < next.Partitions(); p++ {
		var prevOwners []string
		if prev != nil {
			prevOwners = prev.OwnerIDs(p)
		}
		nextOwners := next.OwnerIDs(p)

		if equalStrings(prevOwners, nextOwners) {
			continue
		}

		move := PartitionMove{
			Partition:  p,
			PrevOwners: prevOwners,
			NextOwners: nextOwners,
			Added:      subtract(nextOwners, prevOwners),
			Removed:    subtract(prevOwners, nextOwners),
		}
		move.PrimaryChanged = first(prevOwners) != first(nextOwners)
		moves = append(moves, move)
	}
	return moves
}

// MovedPartitions returns the partitions the node newly owns and the ones it lost
func MovedPartitions(prev, next *model.AffinityAssignment, nodeID string) (gained, lost []int) {
	for p := 0; p < next.Partitions(); p++ {
		wasOwner := prev != nil && prev.IsOwner(p, nodeID)
		isOwner := next.IsOwner(p, nodeID)
		switch {
		case isOwner && !wasOwner:
			gained = append(gained, p)
		case wasOwner && !isOwner:
			lost = append(lost, p)
		}
	}
	return gained, lost
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func subtract(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0)
	for _, s := range a {
		if !set[s] {
			out = append(out, s)
		}
	}
	return out
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
