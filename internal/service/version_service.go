package service

import (
	"sync"
	"time"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/model"
)

// VersionService stamps the writes of one node.
// Counter, wall clock hint and topology version never go backwards for a node,
// and observed remote versions push them forward, so a node's next write always
// follows everything it has seen.
type VersionService struct {
	nodeOrder    int64
	dataCenterID uint8
	mu           sync.Mutex
	order        int64
	lastTime     int64
	lastTopology int64
	now          func() time.Time
	ops          *algorithm.VersionOps
}

// NewVersionService creates a version service for a node
func NewVersionService(nodeOrder int64, dataCenterID uint8) *VersionService {
	return &VersionService{
		nodeOrder:    nodeOrder,
		dataCenterID: dataCenterID,
		now:          time.Now,
		ops:          algorithm.NewVersionOps(),
	}
}

// NodeOrder returns the writer order stamped into versions
func (s *VersionService) NodeOrder() int64 {
	return s.nodeOrder
}

// Next returns a fresh version for a write under topologyVersion
func (s *VersionService) Next(topologyVersion int64) model.EntryVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked(topologyVersion)
}

// NextAfter returns a fresh version that wins against every seen version under
// any tiebreak policy
func (s *VersionService) NextAfter(topologyVersion int64, seen ...model.EntryVersion) model.EntryVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range seen {
		s.observeLocked(v)
	}

	v := s.nextLocked(topologyVersion)
	if len(seen) == 0 {
		return v
	}

	d := s.ops.Dominating(v.Order, s.nodeOrder, append(seen, v)...)
	s.lastTime = d.GlobalTime
	return d
}

// OnReceived advances local clocks past a version received from another node
func (s *VersionService) OnReceived(v model.EntryVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(v)
}

func (s *VersionService) observeLocked(v model.EntryVersion) {
	if v.Order > s.order {
		s.order = v.Order
	}
	if v.GlobalTime > s.lastTime {
		s.lastTime = v.GlobalTime
	}
	if v.TopologyVersion > s.lastTopology {
		s.lastTopology = v.TopologyVersion
	}
}

func (s *VersionService) nextLocked(topologyVersion int64) model.EntryVersion {
	s.order++

	now := s.now().UnixNano()
	if now <= s.lastTime {
		now = s.lastTime + 1
	}
	s.lastTime = now

	if topologyVersion > s.lastTopology {
		s.lastTopology = topologyVersion
	}

	return model.EntryVersion{
		TopologyVersion: s.lastTopology,
		Order:           s.order,
		NodeOrder:       s.nodeOrder,
		DataCenterID:    s.dataCenterID,
		GlobalTime:      now,
	}
}
