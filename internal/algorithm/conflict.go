package algorithm

import (
	"fmt"
	"strings"

	"github.com/devrev/gridcache/internal/model"
)

// TiebreakPolicy decides between concurrent versions
type TiebreakPolicy string

const (
	// TiebreakWallClock prefers the later wall clock hint, then the total order
	TiebreakWallClock TiebreakPolicy = "wall_clock"
	// TiebreakDataCenter prefers the higher data center id, then the wall clock, then the total order
	TiebreakDataCenter TiebreakPolicy = "data_center"
	// TiebreakVersion uses the total version order only
	TiebreakVersion TiebreakPolicy = "version"
)

// ParseTiebreakPolicy parses a configured tiebreak policy
func ParseTiebreakPolicy(s string) (TiebreakPolicy, error) {
	switch p := TiebreakPolicy(strings.ToLower(s)); p {
	case TiebreakWallClock, TiebreakDataCenter, TiebreakVersion:
		return p, nil
	default:
		return "", fmt.Errorf("unknown tiebreak policy %q", s)
	}
}

// ConflictContext describes two versions of one key competing for the entry
type ConflictContext struct {
	Key        interface{}
	Local      model.VersionedValue
	Incoming   model.VersionedValue
	Comparison model.VersionComparison
}

// Resolution is a resolver's verdict. MergedValue is only read for a Merge decision.
type Resolution struct {
	Decision    model.ConflictDecision
	MergedValue []byte
}

// ConflictResolver decides which of two versions survives
type ConflictResolver interface {
	Resolve(c ConflictContext) (Resolution, error)
}

// ConflictResolverFunc adapts a function to ConflictResolver
type ConflictResolverFunc func(c ConflictContext) (Resolution, error)

// Resolve calls f(c)
func (f ConflictResolverFunc) Resolve(c ConflictContext) (Resolution, error) {
	return f(c)
}

// DefaultResolver keeps the strictly greater version and breaks concurrent
// versions with a tiebreak policy. It never fails, so replicas always converge.
type DefaultResolver struct {
	policy TiebreakPolicy
	ops    *VersionOps
}

// NewDefaultResolver creates the default resolver
func NewDefaultResolver(policy TiebreakPolicy) *DefaultResolver {
	if policy == "" {
		policy = TiebreakWallClock
	}
	return &DefaultResolver{
		policy: policy,
		ops:    NewVersionOps(),
	}
}

// Policy returns the configured tiebreak policy
func (r *DefaultResolver) Policy() TiebreakPolicy {
	return r.policy
}

// Resolve implements ConflictResolver
func (r *DefaultResolver) Resolve(c ConflictContext) (Resolution, error) {
	return Resolution{Decision: r.Decide(c.Local.Version, c.Incoming.Version)}, nil
}

// Decide picks the surviving side for a local and an incoming version
func (r *DefaultResolver) Decide(local, incoming model.EntryVersion) model.ConflictDecision {
	switch r.ops.Compare(local, incoming) {
	case model.VersionLess:
		return model.UseNew
	case model.VersionConcurrent:
		if r.Tiebreak(incoming, local) > 0 {
			return model.UseNew
		}
		return model.UseLocal
	default:
		// Equal or greater: reapplying an old version is a no-op
		return model.UseLocal
	}
}

// Tiebreak orders two concurrent versions under the configured policy.
// It is a strict total order on distinct versions.
func (r *DefaultResolver) Tiebreak(a, b model.EntryVersion) int {
	switch r.policy {
	case TiebreakDataCenter:
		if c := cmpInt64(int64(a.DataCenterID), int64(b.DataCenterID)); c != 0 {
			return c
		}
		if c := cmpInt64(a.GlobalTime, b.GlobalTime); c != 0 {
			return c
		}
	case TiebreakWallClock:
		if c := cmpInt64(a.GlobalTime, b.GlobalTime); c != 0 {
			return c
		}
	}
	return r.ops.CompareTotal(a, b)
}
