package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
)

// AssignmentListener is notified after a new assignment is published.
// prev is nil for the first topology. Listeners run in version order.
type AssignmentListener func(prev, next *model.AffinityAssignment, topology *model.TopologySnapshot)

type versionedAssignment struct {
	topology   *model.TopologySnapshot
	assignment *model.AffinityAssignment
}

// assignmentHistory is immutable once published
type assignmentHistory struct {
	byVersion     map[int64]*versionedAssignment
	versions      []int64 // ascending
	discardBefore int64
}

func (h *assignmentHistory) latest() *versionedAssignment {
	if len(h.versions) == 0 {
		return nil
	}
	return h.byVersion[h.versions[len(h.versions)-1]]
}

// AssignmentService keeps the affinity assignments of recent topology versions.
// Readers load the published history without locking; topology changes compute the
// next assignment off to the side and swap it in, so in-flight operations keep
// working against the version they started with.
type AssignmentService struct {
	affinity    algorithm.AffinityFunction
	backups     int
	historySize int
	history     atomic.Pointer[assignmentHistory]
	mu          sync.Mutex // serializes topology changes
	listeners   []AssignmentListener
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewAssignmentService creates an assignment service
func NewAssignmentService(
	affinity algorithm.AffinityFunction,
	backups int,
	historySize int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AssignmentService {
	if historySize <= 0 {
		historySize = 16
	}

	s := &AssignmentService{
		affinity:    affinity,
		backups:     backups,
		historySize: historySize,
		metrics:     m,
		logger:      logger,
	}
	s.history.Store(&assignmentHistory{byVersion: map[int64]*versionedAssignment{}})
	return s
}

// Partitions returns the partition count of the affinity function
func (s *AssignmentService) Partitions() int {
	return s.affinity.Partitions()
}

// Subscribe registers a listener for published assignments
func (s *AssignmentService) Subscribe(l AssignmentListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// OnTopologyChanged computes and publishes the assignment for a new topology.
// Versions must strictly increase; replaying the latest version with an identical
// snapshot is a no-op.
func (s *AssignmentService) OnTopologyChanged(ctx context.Context, topology *model.TopologySnapshot) (*model.AffinityAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.history.Load()
	var prev *model.AffinityAssignment
	if last := cur.latest(); last != nil {
		if topology.Version == last.topology.Version && topology.Equal(last.topology) {
			return last.assignment, nil
		}
		if topology.Version <= last.topology.Version {
			return nil, cerrors.InvalidArgument(fmt.Sprintf("topology version %d does not follow %d",
				topology.Version, last.topology.Version), nil)
		}
		prev = last.assignment
	}

	start := time.Now()
	next, err := s.affinity.Assign(ctx, topology, s.backups)
	if err != nil {
		return nil, fmt.Errorf("failed to assign partitions for topology %d: %w", topology.Version, err)
	}
	elapsed := time.Since(start)

	s.history.Store(s.withVersion(cur, topology, next))

	under := next.UnderReplicated()
	s.metrics.RecordAssignment(topology.Version, elapsed.Seconds(), under)
	if under > 0 {
		s.logger.Warn("Insufficient backups",
			zap.Int64("topology_version", topology.Version),
			zap.Int("under_replicated_partitions", under),
			zap.Int("server_nodes", len(topology.ServerNodes())),
			zap.Int("backups", next.Backups))
	}

	s.logger.Debug("Published affinity assignment",
		zap.Int64("topology_version", topology.Version),
		zap.Int("nodes", topology.Size()),
		zap.Duration("duration", elapsed))

	for _, l := range s.listeners {
		l(prev, next, topology)
	}

	return next, nil
}

// withVersion builds the next history, trimming versions below the discard watermark
func (s *AssignmentService) withVersion(cur *assignmentHistory, topology *model.TopologySnapshot, a *model.AffinityAssignment) *assignmentHistory {
	next := &assignmentHistory{
		byVersion:     make(map[int64]*versionedAssignment, len(cur.byVersion)+1),
		versions:      make([]int64, 0, len(cur.versions)+1),
		discardBefore: cur.discardBefore,
	}
	for _, v := range cur.versions {
		next.byVersion[v] = cur.byVersion[v]
		next.versions = append(next.versions, v)
	}
	next.byVersion[topology.Version] = &versionedAssignment{topology: topology, assignment: a}
	next.versions = append(next.versions, topology.Version)

	s.trim(next)
	return next
}

func (s *AssignmentService) trim(h *assignmentHistory) {
	for len(h.versions) > s.historySize && h.versions[0] < h.discardBefore {
		delete(h.byVersion, h.versions[0])
		h.versions = h.versions[1:]
	}
}

// DiscardBefore marks versions below v as no longer referenced.
// They are dropped once the history exceeds its configured size.
func (s *AssignmentService) DiscardBefore(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.history.Load()
	if v <= cur.discardBefore {
		return
	}
	if last := cur.latest(); last != nil && v > last.topology.Version {
		v = last.topology.Version
	}

	next := &assignmentHistory{
		byVersion:     make(map[int64]*versionedAssignment, len(cur.byVersion)),
		versions:      append([]int64(nil), cur.versions...),
		discardBefore: v,
	}
	for k, va := range cur.byVersion {
		next.byVersion[k] = va
	}
	s.trim(next)
	s.history.Store(next)
}

// Current returns the latest assignment or nil before the first topology
func (s *AssignmentService) Current() *model.AffinityAssignment {
	if last := s.history.Load().latest(); last != nil {
		return last.assignment
	}
	return nil
}

// CurrentTopology returns the latest topology snapshot or nil
func (s *AssignmentService) CurrentTopology() *model.TopologySnapshot {
	if last := s.history.Load().latest(); last != nil {
		return last.topology
	}
	return nil
}

// ForVersion returns the assignment in effect at topology version v.
// Versions newer than the latest published one fail with TopologyNotReady,
// versions that were trimmed fail with StaleTopologyVersion.
func (s *AssignmentService) ForVersion(v int64) (*model.AffinityAssignment, error) {
	va, err := s.lookup(v)
	if err != nil {
		return nil, err
	}
	return va.assignment, nil
}

// Topology returns the topology snapshot in effect at version v
func (s *AssignmentService) Topology(v int64) (*model.TopologySnapshot, error) {
	va, err := s.lookup(v)
	if err != nil {
		return nil, err
	}
	return va.topology, nil
}

func (s *AssignmentService) lookup(v int64) (*versionedAssignment, error) {
	h := s.history.Load()
	last := h.latest()
	if last == nil {
		return nil, cerrors.TopologyNotReady(v, 0)
	}
	if v > last.topology.Version {
		return nil, cerrors.TopologyNotReady(v, last.topology.Version)
	}
	if va, ok := h.byVersion[v]; ok {
		return va, nil
	}

	oldest := h.versions[0]
	if v < oldest {
		s.metrics.StaleTopologyRejections.Inc()
		s.logger.Debug("Stale topology version",
			zap.Int64("requested", v),
			zap.Int64("oldest", oldest))
		return nil, cerrors.StaleTopologyVersion(v, oldest)
	}

	// v was skipped by discovery; the preceding published version is in effect
	i := sort.Search(len(h.versions), func(i int) bool { return h.versions[i] > v })
	return h.byVersion[h.versions[i-1]], nil
}

// Versions lists the retained topology versions in ascending order
func (s *AssignmentService) Versions() []int64 {
	return append([]int64(nil), s.history.Load().versions...)
}
