package algorithm

import (
	"github.com/devrev/gridcache/internal/model"
)

// VersionOps provides operations on entry versions
type VersionOps struct{}

// NewVersionOps creates a new VersionOps
func NewVersionOps() *VersionOps {
	return &VersionOps{}
}

// Compare compares two entry versions.
// Versions from the same writer are ordered by their counter; versions from
// different writers cannot be ordered and are reported as concurrent.
func (v *VersionOps) Compare(a, b model.EntryVersion) model.VersionComparison {
	if a == b {
		return model.VersionEqual
	}

	if a.NodeOrder != b.NodeOrder {
		return model.VersionConcurrent
	}

	switch {
	case a.Order < b.Order:
		return model.VersionLess
	case a.Order > b.Order:
		return model.VersionGreater
	default:
		// Same writer and counter but different stamps, only possible for
		// hand-built versions. Fall back to the total order.
		if v.CompareTotal(a, b) < 0 {
			return model.VersionLess
		}
		return model.VersionGreater
	}
}

// CompareTotal orders versions lexicographically on
// (topology version, counter, writer order, data center, wall clock).
// Returns -1, 0 or 1.
func (v *VersionOps) CompareTotal(a, b model.EntryVersion) int {
	if c := cmpInt64(a.TopologyVersion, b.TopologyVersion); c != 0 {
		return c
	}
	if c := cmpInt64(a.Order, b.Order); c != 0 {
		return c
	}
	if c := cmpInt64(a.NodeOrder, b.NodeOrder); c != 0 {
		return c
	}
	if c := cmpInt64(int64(a.DataCenterID), int64(b.DataCenterID)); c != 0 {
		return c
	}
	return cmpInt64(a.GlobalTime, b.GlobalTime)
}

// Max returns the greatest version under the total order
func (v *VersionOps) Max(versions ...model.EntryVersion) model.EntryVersion {
	var max model.EntryVersion
	for i, ver := range versions {
		if i == 0 || v.CompareTotal(ver, max) > 0 {
			max = ver
		}
	}
	return max
}

// Dominating builds the components a version needs to win against all inputs
// under every tiebreak policy: the caller supplies the counter and writer.
func (v *VersionOps) Dominating(order, nodeOrder int64, versions ...model.EntryVersion) model.EntryVersion {
	out := model.EntryVersion{Order: order, NodeOrder: nodeOrder}
	for _, ver := range versions {
		if ver.TopologyVersion > out.TopologyVersion {
			out.TopologyVersion = ver.TopologyVersion
		}
		if ver.GlobalTime >= out.GlobalTime {
			out.GlobalTime = ver.GlobalTime + 1
		}
		if ver.DataCenterID > out.DataCenterID {
			out.DataCenterID = ver.DataCenterID
		}
	}
	return out
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
