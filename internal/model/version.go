package model

import "fmt"

// EntryVersion stamps every cache write.
// Versions written by the same node (NodeOrder) are ordered by Order; versions from
// different writers are concurrent and left to conflict resolution.
type EntryVersion struct {
	TopologyVersion int64 // Topology version the writer operated under
	Order           int64 // Per-node monotonically increasing counter
	NodeOrder       int64 // Writer's join order
	DataCenterID    uint8
	GlobalTime      int64 // Writer wall clock in unix nanos, tiebreak hint only
}

// IsZero reports whether the version was never assigned
func (v EntryVersion) IsZero() bool {
	return v == EntryVersion{}
}

// String renders the version for logs
func (v EntryVersion) String() string {
	return fmt.Sprintf("ver[top=%d, order=%d, node=%d, dc=%d]", v.TopologyVersion, v.Order, v.NodeOrder, v.DataCenterID)
}

// VersionComparison represents the result of comparing two entry versions
type VersionComparison int

const (
	// VersionEqual means both versions are identical
	VersionEqual VersionComparison = iota
	// VersionLess means the first version precedes the second
	VersionLess
	// VersionGreater means the first version follows the second
	VersionGreater
	// VersionConcurrent means the versions come from different writers
	VersionConcurrent
)

// String returns the comparison name
func (c VersionComparison) String() string {
	switch c {
	case VersionEqual:
		return "EQUAL"
	case VersionLess:
		return "LESS"
	case VersionGreater:
		return "GREATER"
	case VersionConcurrent:
		return "CONCURRENT"
	default:
		return "UNKNOWN"
	}
}

// VersionedValue pairs a value with the version that wrote it.
// A nil Value is a tombstone.
type VersionedValue struct {
	Value   []byte
	Version EntryVersion
}

// IsTombstone reports whether the value marks a deletion
func (v VersionedValue) IsTombstone() bool {
	return v.Value == nil
}

// ConflictDecision is the outcome of resolving two versions of the same key
type ConflictDecision int

const (
	// UseLocal keeps the local value
	UseLocal ConflictDecision = iota
	// UseNew replaces the local value with the incoming one
	UseNew
	// Merge stores a value derived from both
	Merge
)

// String returns the decision name
func (d ConflictDecision) String() string {
	switch d {
	case UseLocal:
		return "use_local"
	case UseNew:
		return "use_new"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}
