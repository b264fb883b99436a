package service

import (
	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
)

// RouteResult is where an operation on a key executes
type RouteResult struct {
	Partition       int
	KeyBytes        []byte
	TopologyVersion int64
	Primary         *model.Node
	Backups         []*model.Node
}

// OwnerIDs lists primary then backups
func (r *RouteResult) OwnerIDs() []string {
	ids := make([]string, 0, 1+len(r.Backups))
	if r.Primary != nil {
		ids = append(ids, r.Primary.ID)
	}
	return append(ids, model.NodeIDs(r.Backups)...)
}

// Router maps keys to their owners using the published assignments
type Router struct {
	mapper      *algorithm.PartitionMapper
	assignments *AssignmentService
}

// NewRouter creates a router
func NewRouter(mapper *algorithm.PartitionMapper, assignments *AssignmentService) *Router {
	return &Router{
		mapper:      mapper,
		assignments: assignments,
	}
}

// Mapper returns the partition mapper
func (r *Router) Mapper() *algorithm.PartitionMapper {
	return r.mapper
}

// Assignments returns the assignment service
func (r *Router) Assignments() *AssignmentService {
	return r.assignments
}

// Route resolves the owners of key under the latest assignment
func (r *Router) Route(key interface{}) (*RouteResult, error) {
	a := r.assignments.Current()
	if a == nil {
		return nil, cerrors.TopologyNotReady(0, 0)
	}
	return r.route(key, a)
}

// RouteAt resolves the owners of key under the assignment of a given topology version
func (r *Router) RouteAt(key interface{}, topologyVersion int64) (*RouteResult, error) {
	a, err := r.assignments.ForVersion(topologyVersion)
	if err != nil {
		return nil, err
	}
	return r.route(key, a)
}

func (r *Router) route(key interface{}, a *model.AffinityAssignment) (*RouteResult, error) {
	kb, p, err := r.locate(key)
	if err != nil {
		return nil, err
	}

	primary := a.Primary(p)
	if primary == nil {
		return nil, cerrors.NoOwners(p, a.TopologyVersion)
	}

	return &RouteResult{
		Partition:       p,
		KeyBytes:        kb,
		TopologyVersion: a.TopologyVersion,
		Primary:         primary,
		Backups:         a.BackupNodes(p),
	}, nil
}

// locate encodes the key and computes its partition
func (r *Router) locate(key interface{}) ([]byte, int, error) {
	kb, err := r.mapper.KeyBytes(key)
	if err != nil {
		return nil, 0, err
	}

	p, err := r.mapper.PartitionOf(key)
	if err != nil {
		return nil, 0, err
	}
	return kb, p, nil
}
