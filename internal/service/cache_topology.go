package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/model"
)

// OnTopologyChanged publishes a new topology to this node
func (s *CacheService) OnTopologyChanged(ctx context.Context, topology *model.TopologySnapshot) (*model.AffinityAssignment, error) {
	return s.assignments.OnTopologyChanged(ctx, topology)
}

// onAssignment reacts to a published assignment: near copies whose primary moved
// are dropped, readers that left are forgotten and newly owned partitions are fetched.
func (s *CacheService) onAssignment(prev, next *model.AffinityAssignment, topology *model.TopologySnapshot) {
	if s.settings.Mode == model.CacheModeLocal {
		return
	}
	self := s.node.ID

	dropped := s.table.RemoveIf(func(e *model.CacheEntry) bool {
		if e.Role != model.RoleNear {
			return false
		}
		p := next.Primary(e.Partition)
		return p == nil || p.ID != e.PrimaryNodeID || next.IsOwner(e.Partition, self)
	})

	s.table.Mutate(func(e *model.CacheEntry) {
		if e.Role == model.RoleNear || len(e.Readers) == 0 {
			return
		}
		if !next.IsPrimary(e.Partition, self) {
			e.Readers = nil
			return
		}
		for _, id := range append([]string(nil), e.Readers...) {
			if n, ok := topology.Node(id); !ok || !n.Alive {
				e.RemoveReader(id)
			}
		}
	})

	plan := s.rebalance.Plan(prev, next, topology)

	s.movingMu.Lock()
	for p := range s.moving {
		if !next.IsOwner(p, self) {
			delete(s.moving, p)
		}
	}
	for _, d := range plan {
		s.moving[d.Partition] = d.Suppliers
	}
	s.movingMu.Unlock()

	s.rebalance.Run(plan, next.TopologyVersion)

	s.logger.Info("Applied topology change",
		zap.Int64("topology_version", next.TopologyVersion),
		zap.Int("primary_partitions", len(next.PrimaryPartitions(self))),
		zap.Int("backup_partitions", len(next.BackupPartitions(self))),
		zap.Int("demanded_partitions", len(plan)),
		zap.Int("dropped_near_entries", dropped))
}

// AwaitRebalance blocks until the current rebalance run is done
func (s *CacheService) AwaitRebalance(ctx context.Context) error {
	return s.rebalance.Await(ctx)
}

// PendingPartitions lists partitions this node still has to fetch
func (s *CacheService) PendingPartitions() []int {
	return s.rebalance.Pending()
}

// Flush waits until queued backup and near updates are delivered
func (s *CacheService) Flush(ctx context.Context) error {
	return s.replication.Flush(ctx)
}

// EvictNonOwned drops owner copies of partitions the node no longer owns.
// Near copies survive. Returns the number of removed entries.
func (s *CacheService) EvictNonOwned() int {
	a := s.assignments.Current()
	if a == nil || s.settings.Mode == model.CacheModeLocal {
		return 0
	}

	keepNear := func(e *model.CacheEntry) bool { return e.Role == model.RoleNear }

	removed, partitions := 0, 0
	for p := 0; p < s.table.Partitions(); p++ {
		if a.IsOwner(p, s.node.ID) || s.table.Len(p) == 0 {
			continue
		}
		if n := s.table.EvictPartition(p, keepNear); n > 0 {
			removed += n
			partitions++
		}
	}

	if partitions > 0 {
		s.metrics.EvictedPartitions.Add(float64(partitions))
		s.logger.Info("Evicted partitions no longer owned",
			zap.Int64("topology_version", a.TopologyVersion),
			zap.Int("partitions", partitions),
			zap.Int("entries", removed))
	}
	return removed
}

// PurgeTombstones removes tombstones older than maxAge and expired entries.
// Purged keys become ABSENT.
func (s *CacheService) PurgeTombstones(maxAge time.Duration) int {
	now := s.now()
	cutoff := now.Add(-maxAge).UnixNano()

	n := s.table.RemoveIf(func(e *model.CacheEntry) bool {
		if e.IsExpired(now) {
			return true
		}
		return e.State() == model.StateTombstone && e.UpdatedAt <= cutoff
	})

	if n > 0 {
		s.metrics.TombstonesPurged.Add(float64(n))
	}
	return n
}

// MemoryUsage sums the modelled footprint of every local entry
func (s *CacheService) MemoryUsage() (int64, error) {
	var total int64
	for p := 0; p < s.table.Partitions(); p++ {
		for _, e := range s.table.Entries(p) {
			size, err := s.memory.EntryFootprint(e)
			if err != nil {
				return 0, err
			}
			total += size
		}
	}

	s.metrics.SetEntryMemory(s.node.ID, total)
	return total, nil
}

// Stop rejects new requests, cancels rebalancing and drains queued updates
func (s *CacheService) Stop(timeout time.Duration) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.rebalance.Stop()
	return s.replication.Stop(timeout)
}
