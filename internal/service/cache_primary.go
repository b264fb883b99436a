package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
)

// writeOptions tune the internal primary write path
type writeOptions struct {
	writeThrough bool
	ifAbsent     bool // Skip the write when a live value exists
}

// primaryAt returns the assignment a primary operation runs under, or an error
// telling the requester to remap
func (s *CacheService) primaryAt(partition int, topologyVersion int64) (*model.AffinityAssignment, error) {
	if s.stopped.Load() {
		return nil, cerrors.Unavailable(s.node.ID, nil)
	}

	a := s.assignments.Current()
	if s.settings.Mode == model.CacheModeLocal {
		return a, nil
	}
	if a == nil {
		return nil, cerrors.TopologyNotReady(topologyVersion, 0)
	}
	if topologyVersion > a.TopologyVersion {
		return nil, cerrors.TopologyNotReady(topologyVersion, a.TopologyVersion)
	}
	if !a.IsPrimary(partition, s.node.ID) {
		return nil, cerrors.RemapRequired(partition, s.node.ID, a.TopologyVersion)
	}
	return a, nil
}

// PrimaryPut implements Peer
func (s *CacheService) PrimaryPut(ctx context.Context, req *PutRequest) (*PutResult, error) {
	a, err := s.primaryAt(req.Partition, req.TopologyVersion)
	if err != nil {
		return nil, err
	}
	return s.primaryWrite(ctx, a, req, writeOptions{writeThrough: s.settings.WriteThrough})
}

// PrimaryPutAll implements Peer. Each partition of the batch is applied under its
// lock; with write-through the applied entries of a partition go to the store in
// one PutAll/RemoveAll before they become visible.
func (s *CacheService) PrimaryPutAll(ctx context.Context, reqs []*PutRequest) ([]*PutResult, error) {
	byPartition := make(map[int][]int)
	var partitions []int
	for i, req := range reqs {
		if _, err := s.primaryAt(req.Partition, req.TopologyVersion); err != nil {
			return nil, err
		}
		if _, ok := byPartition[req.Partition]; !ok {
			partitions = append(partitions, req.Partition)
		}
		byPartition[req.Partition] = append(byPartition[req.Partition], i)
	}

	results := make([]*PutResult, len(reqs))
	for _, p := range partitions {
		idx := byPartition[p]
		group := make([]*PutRequest, len(idx))
		for j, i := range idx {
			group[j] = reqs[i]
		}
		res, err := s.primaryWriteBatch(ctx, p, group)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			results[i] = res[j]
		}
	}
	return results, nil
}

// primaryWrite stamps and applies a write on the primary, then propagates it
func (s *CacheService) primaryWrite(ctx context.Context, a *model.AffinityAssignment, req *PutRequest, opts writeOptions) (*PutResult, error) {
	topVer := topologyVersionOf(a)
	now := s.now()
	remote := s.remoteBase(ctx, req)

	res := &PutResult{}
	stored, err := s.table.Update(req.Partition, req.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		next, err := s.stageWrite(req, cur, remote, topVer, now, opts)
		if next == nil || err != nil {
			return nil, err
		}
		if opts.writeThrough && s.store != nil {
			if err := s.writeStore(ctx, req); err != nil {
				return nil, err
			}
		}
		res.Applied = true
		res.Version = next.Version
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	if !res.Applied {
		if stored != nil {
			res.Version = stored.Version
		}
		return res, nil
	}

	s.propagate(ctx, a, stored)
	return res, nil
}

// primaryWriteBatch applies the writes of one partition under a single lock hold
func (s *CacheService) primaryWriteBatch(ctx context.Context, partition int, reqs []*PutRequest) ([]*PutResult, error) {
	a, err := s.primaryAt(partition, reqs[0].TopologyVersion)
	if err != nil {
		return nil, err
	}
	topVer := topologyVersionOf(a)
	now := s.now()

	keys := make([][]byte, len(reqs))
	remotes := make([]*model.CacheEntry, len(reqs))
	for i, req := range reqs {
		keys[i] = req.KeyBytes
		remotes[i] = s.remoteBase(ctx, req)
	}

	var commit func([]*model.CacheEntry) error
	if s.settings.WriteThrough && s.store != nil {
		commit = func(staged []*model.CacheEntry) error {
			return s.writeStoreBatch(ctx, staged)
		}
	}

	results := make([]*PutResult, len(reqs))
	stored, err := s.table.UpdateBatch(partition, keys, func(i int, cur *model.CacheEntry) (*model.CacheEntry, error) {
		next, err := s.stageWrite(reqs[i], cur, remotes[i], topVer, now, writeOptions{})
		if next == nil || err != nil {
			return nil, err
		}
		results[i] = &PutResult{Applied: true, Version: next.Version}
		return next, nil
	}, commit)
	if err != nil {
		return nil, err
	}

	for i, e := range stored {
		if results[i] == nil {
			results[i] = &PutResult{}
			if e != nil {
				results[i].Version = e.Version
			}
			continue
		}
		s.propagate(ctx, a, e)
	}
	return results, nil
}

// remoteBase returns the supplier's copy when the partition is still being
// fetched and the key is not here yet
func (s *CacheService) remoteBase(ctx context.Context, req *PutRequest) *model.CacheEntry {
	if s.isMoving(req.Partition) && s.ownedEntry(req.Partition, req.KeyBytes) == nil {
		return s.readFromSuppliers(ctx, req.Partition, req.KeyBytes)
	}
	return nil
}

// stageWrite builds the entry a write replaces cur with, or nil when the write is
// a no-op. The new version dominates the current entry and, for a partition still
// being fetched, the supplier's copy, so rebalanced data never overwrites it.
func (s *CacheService) stageWrite(req *PutRequest, cur, remote *model.CacheEntry, topVer int64, now time.Time, opts writeOptions) (*model.CacheEntry, error) {
	if cur != nil && cur.Role == model.RoleNear {
		cur = nil
	}
	base := cur
	if base == nil {
		base = remote
	}
	live := base != nil && base.State() == model.StatePresent && !base.IsExpired(now)

	if req.ExpectedVersion != nil {
		var actual model.EntryVersion
		if live {
			actual = base.Version
		}
		if actual != *req.ExpectedVersion {
			return nil, cerrors.VersionMismatch(*req.ExpectedVersion, actual)
		}
	}
	if req.Remove && !live {
		return nil, nil
	}
	if opts.ifAbsent && live {
		return nil, nil
	}

	var seen []model.EntryVersion
	if cur != nil {
		seen = append(seen, cur.Version)
	}
	if remote != nil {
		seen = append(seen, remote.Version)
	}

	next := &model.CacheEntry{
		Key:       req.Key,
		KeyBytes:  req.KeyBytes,
		Value:     req.Value,
		Version:   s.versions.NextAfter(topVer, seen...),
		Role:      s.settings.Mode.EntryRole(),
		UpdatedAt: now.UnixNano(),
	}
	if req.Remove {
		next.Value = nil
	} else {
		next.ExpireTime = req.ExpireTime
	}
	if cur != nil {
		next.Readers = cur.Readers
	}
	return next, nil
}

func (s *CacheService) writeStore(ctx context.Context, req *PutRequest) error {
	var err error
	if req.Remove {
		err = s.store.Remove(ctx, req.KeyBytes)
	} else {
		err = s.store.Put(ctx, req.KeyBytes, req.Value)
	}
	if err != nil {
		return cerrors.InternalError("write-through failed", err)
	}
	return nil
}

// writeStoreBatch persists the final state of every key a batch changed
func (s *CacheService) writeStoreBatch(ctx context.Context, staged []*model.CacheEntry) error {
	final := make(map[string]*model.CacheEntry)
	for _, e := range staged {
		if e != nil {
			final[string(e.KeyBytes)] = e
		}
	}

	puts := make(map[string][]byte)
	var removes [][]byte
	for id, e := range final {
		if e.State() == model.StateTombstone {
			removes = append(removes, []byte(id))
		} else {
			puts[id] = e.Value
		}
	}

	if len(puts) > 0 {
		if err := s.store.PutAll(ctx, puts); err != nil {
			return cerrors.InternalError("write-through failed", err)
		}
	}
	if len(removes) > 0 {
		if err := s.store.RemoveAll(ctx, removes); err != nil {
			return cerrors.InternalError("write-through failed", err)
		}
	}
	return nil
}

// PrimaryGet implements Peer. A set ReaderNodeID registers a near reader on the entry.
func (s *CacheService) PrimaryGet(ctx context.Context, req *GetRequest) (*model.CacheEntry, error) {
	a, err := s.primaryAt(req.Partition, req.TopologyVersion)
	if err != nil {
		return nil, err
	}

	e, err := s.primaryRead(ctx, req)
	if err != nil {
		return nil, err
	}

	if e == nil && s.settings.ReadThrough && s.store != nil {
		value, found, err := s.store.Load(ctx, req.KeyBytes)
		if err != nil {
			return nil, cerrors.InternalError("read-through failed", err)
		}
		if found {
			if e, err = s.loadInto(ctx, a, req, value); err != nil {
				return nil, err
			}
		}
	}

	if req.ReaderNodeID != "" && req.ReaderNodeID != s.node.ID && s.live(e) {
		return s.registerReader(req, e)
	}
	return e, nil
}

// PrimaryGetAll implements Peer. Read-through misses are loaded with one LoadAll.
func (s *CacheService) PrimaryGetAll(ctx context.Context, reqs []*GetRequest) ([]*model.CacheEntry, error) {
	assignments := make([]*model.AffinityAssignment, len(reqs))
	entries := make([]*model.CacheEntry, len(reqs))
	var missing []int

	for i, req := range reqs {
		a, err := s.primaryAt(req.Partition, req.TopologyVersion)
		if err != nil {
			return nil, err
		}
		assignments[i] = a

		e, err := s.primaryRead(ctx, req)
		if err != nil {
			return nil, err
		}
		entries[i] = e
		if e == nil {
			missing = append(missing, i)
		}
	}

	if len(missing) == 0 || !s.settings.ReadThrough || s.store == nil {
		return entries, nil
	}

	keys := make([][]byte, len(missing))
	for j, i := range missing {
		keys[j] = reqs[i].KeyBytes
	}
	loaded, err := s.store.LoadAll(ctx, keys)
	if err != nil {
		return nil, cerrors.InternalError("read-through failed", err)
	}

	for _, i := range missing {
		value, ok := loaded[string(reqs[i].KeyBytes)]
		if !ok {
			continue
		}
		if entries[i], err = s.loadInto(ctx, assignments[i], reqs[i], value); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// primaryRead returns the primary's copy, pulling it from a supplier when the
// partition has not been fetched yet. Tombstones are returned, expired entries are not.
func (s *CacheService) primaryRead(ctx context.Context, req *GetRequest) (*model.CacheEntry, error) {
	e := s.ownedEntry(req.Partition, req.KeyBytes)
	if e != nil || !s.isMoving(req.Partition) {
		return e, nil
	}

	remote := s.readFromSuppliers(ctx, req.Partition, req.KeyBytes)
	if remote == nil {
		return nil, nil
	}
	if _, _, err := s.applyIncoming(remote, false, topologyVersionOf(s.assignments.Current())); err != nil {
		return nil, err
	}
	return s.ownedEntry(req.Partition, req.KeyBytes), nil
}

// loadInto caches a value loaded from the store unless a write got there first
func (s *CacheService) loadInto(ctx context.Context, a *model.AffinityAssignment, req *GetRequest, value []byte) (*model.CacheEntry, error) {
	_, err := s.primaryWrite(ctx, a, &PutRequest{
		Key:             req.Key,
		KeyBytes:        req.KeyBytes,
		Partition:       req.Partition,
		Value:           value,
		TopologyVersion: req.TopologyVersion,
		OriginNodeID:    s.node.ID,
	}, writeOptions{ifAbsent: true})
	if err != nil {
		return nil, err
	}
	return s.ownedEntry(req.Partition, req.KeyBytes), nil
}

// registerReader adds the requester as a near reader of the entry it is about to return
func (s *CacheService) registerReader(req *GetRequest, e *model.CacheEntry) (*model.CacheEntry, error) {
	now := s.now()
	stored, err := s.table.Update(req.Partition, req.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur == nil || cur.Role == model.RoleNear || cur.State() != model.StatePresent || cur.IsExpired(now) {
			return nil, nil
		}
		if !cur.AddReader(req.ReaderNodeID) {
			return nil, nil
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return e, nil
	}
	return stored, nil
}

// PrimaryResolve implements Peer
func (s *CacheService) PrimaryResolve(ctx context.Context, req *ResolveRequest) (*Outcome, error) {
	a, err := s.primaryAt(req.Partition, req.TopologyVersion)
	if err != nil {
		return nil, err
	}
	topVer := topologyVersionOf(a)
	s.versions.OnReceived(req.Incoming.Version)

	var out Outcome
	stored, err := s.table.Update(req.Partition, req.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur != nil && cur.Role == model.RoleNear {
			cur = nil
		}

		var actual model.EntryVersion
		if cur != nil {
			actual = cur.Version
		}
		if !req.LocalVersion.IsZero() && actual != req.LocalVersion {
			return nil, cerrors.VersionMismatch(req.LocalVersion, actual)
		}

		if cur == nil {
			out = Outcome{Decision: model.UseNew, Value: req.Incoming.Value, Version: req.Incoming.Version}
		} else {
			out = s.conflicts.Resolve(req.Key, cur.Versioned(), req.Incoming, topVer)
		}
		if !out.Changed() {
			return nil, nil
		}

		next := &model.CacheEntry{
			Key:       req.Key,
			KeyBytes:  req.KeyBytes,
			Value:     out.Value,
			Version:   out.Version,
			Role:      s.settings.Mode.EntryRole(),
			UpdatedAt: s.now().UnixNano(),
		}
		if cur != nil {
			next.Readers = cur.Readers
			if out.Decision != model.UseNew {
				next.ExpireTime = cur.ExpireTime
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	if out.Changed() && stored != nil {
		s.propagate(ctx, a, stored)
	}
	return &out, nil
}

// ApplyUpdate implements Peer
func (s *CacheService) ApplyUpdate(ctx context.Context, u *model.Update) error {
	if s.stopped.Load() {
		return cerrors.Unavailable(s.node.ID, nil)
	}

	if u.Kind == model.UpdateNear {
		s.applyNear(u)
		return nil
	}

	if a := s.assignments.Current(); a != nil && s.settings.Mode != model.CacheModeLocal &&
		!a.IsOwner(u.Partition, s.node.ID) && u.TopologyVersion <= a.TopologyVersion {
		s.logger.Debug("Dropping update for partition not owned",
			zap.Int("partition", u.Partition),
			zap.Int64("update_topology_version", u.TopologyVersion),
			zap.Int64("topology_version", a.TopologyVersion))
		return nil
	}

	_, _, err := s.applyIncoming(entryFromUpdate(u), false, u.TopologyVersion)
	return err
}

// applyNear refreshes a near copy. A removal leaves a near tombstone, and an
// update for a key with no near copy yet is stored as one, so a read that
// registered before the update cannot install an older value afterwards.
func (s *CacheService) applyNear(u *model.Update) {
	s.versions.OnReceived(u.Version)

	if a := s.assignments.Current(); a != nil && a.IsOwner(u.Partition, s.node.ID) {
		return
	}

	_, err := s.table.Update(u.Partition, u.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur != nil && (cur.Role != model.RoleNear || !s.conflicts.Supersedes(cur.Version, u.Version)) {
			return nil, nil
		}
		return &model.CacheEntry{
			Key:           u.Key,
			KeyBytes:      u.KeyBytes,
			Value:         u.Value,
			Version:       u.Version,
			Partition:     u.Partition,
			Role:          model.RoleNear,
			PrimaryNodeID: u.OriginNodeID,
			ExpireTime:    u.ExpireTime,
			UpdatedAt:     s.now().UnixNano(),
		}, nil
	})
	if err != nil {
		s.logger.Warn("Failed to apply near update", zap.Int("partition", u.Partition), zap.Error(err))
	}
}

// applyIncoming merges an entry produced elsewhere into the local table.
// The custom resolver is consulted only when resolveCustom is set.
func (s *CacheService) applyIncoming(e *model.CacheEntry, resolveCustom bool, topologyVersion int64) (*model.CacheEntry, Outcome, error) {
	s.versions.OnReceived(e.Version)

	var out Outcome
	stored, err := s.table.Update(e.Partition, e.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur != nil && cur.Role == model.RoleNear {
			cur = nil
		}

		switch {
		case cur == nil:
			out = Outcome{Decision: model.UseNew, Value: e.Value, Version: e.Version}
		case resolveCustom:
			out = s.conflicts.Resolve(e.Key, cur.Versioned(), e.Versioned(), topologyVersion)
		default:
			out = s.conflicts.ResolveDefault(cur.Versioned(), e.Versioned())
		}
		if !out.Changed() {
			return nil, nil
		}

		next := &model.CacheEntry{
			Key:       e.Key,
			KeyBytes:  e.KeyBytes,
			Value:     out.Value,
			Version:   out.Version,
			Role:      s.settings.Mode.EntryRole(),
			UpdatedAt: s.now().UnixNano(),
		}
		if cur != nil {
			if next.Key == nil {
				next.Key = cur.Key
			}
			next.Readers = cur.Readers
		}
		if out.Decision != model.UseNew && cur != nil {
			next.ExpireTime = cur.ExpireTime
		} else {
			next.ExpireTime = e.ExpireTime
		}
		return next, nil
	})
	return stored, out, err
}

// ReadLocal implements Peer. Near copies are never returned.
func (s *CacheService) ReadLocal(ctx context.Context, partition int, keyBytes []byte) (*model.CacheEntry, error) {
	if s.stopped.Load() {
		return nil, cerrors.Unavailable(s.node.ID, nil)
	}
	e := s.table.Get(partition, keyBytes)
	if e == nil || e.Role == model.RoleNear {
		return nil, nil
	}
	return e, nil
}

// SupplyPartition implements Peer. Reader registrations stay with the supplier.
func (s *CacheService) SupplyPartition(ctx context.Context, partition int, topologyVersion int64) ([]*model.CacheEntry, error) {
	if s.stopped.Load() {
		return nil, cerrors.Unavailable(s.node.ID, nil)
	}

	entries := s.table.Entries(partition)
	out := make([]*model.CacheEntry, 0, len(entries))
	for _, e := range entries {
		if e.Role == model.RoleNear {
			continue
		}
		e.Readers = nil
		out = append(out, e)
	}

	s.logger.Debug("Supplying partition",
		zap.Int("partition", partition),
		zap.Int64("topology_version", topologyVersion),
		zap.Int("entries", len(out)))
	return out, nil
}

// ApplyRebalanced implements RebalanceApplier. On the new primary a supplied
// entry competes with local writes through the custom resolver.
func (s *CacheService) ApplyRebalanced(ctx context.Context, e *model.CacheEntry, topologyVersion int64) (bool, error) {
	if s.stopped.Load() {
		return false, cerrors.Unavailable(s.node.ID, nil)
	}

	a := s.assignments.Current()
	primary := a != nil && a.IsPrimary(e.Partition, s.node.ID)

	stored, out, err := s.applyIncoming(e, primary, topologyVersion)
	if err != nil {
		return false, err
	}
	// Backups applied the supplied entry with the default comparison; a version
	// stamped here is the only way they learn a different decision
	if (out.Decision == model.Merge || out.Restamped) && stored != nil {
		s.propagate(ctx, a, stored)
	}
	return out.Changed(), nil
}

// FinishMoving implements RebalanceApplier
func (s *CacheService) FinishMoving(partition int) {
	s.movingMu.Lock()
	defer s.movingMu.Unlock()
	delete(s.moving, partition)
}

func (s *CacheService) isMoving(partition int) bool {
	s.movingMu.RLock()
	defer s.movingMu.RUnlock()
	_, ok := s.moving[partition]
	return ok
}

// readFromSuppliers returns the first copy a previous owner still holds
func (s *CacheService) readFromSuppliers(ctx context.Context, partition int, keyBytes []byte) *model.CacheEntry {
	s.movingMu.RLock()
	suppliers := append([]string(nil), s.moving[partition]...)
	s.movingMu.RUnlock()

	for _, id := range suppliers {
		peer, err := s.transport.Peer(id)
		if err != nil {
			continue
		}
		e, err := peer.ReadLocal(ctx, partition, keyBytes)
		if err != nil {
			s.logger.Debug("Supplier read failed",
				zap.String("supplier", id),
				zap.Int("partition", partition),
				zap.Error(err))
			continue
		}
		if e != nil {
			return e
		}
	}
	return nil
}

func (s *CacheService) propagate(ctx context.Context, a *model.AffinityAssignment, e *model.CacheEntry) {
	if a == nil || s.settings.Mode == model.CacheModeLocal {
		return
	}
	s.replication.Propagate(ctx, a, e)
}

func entryFromUpdate(u *model.Update) *model.CacheEntry {
	return &model.CacheEntry{
		Key:        u.Key,
		KeyBytes:   u.KeyBytes,
		Value:      u.Value,
		Version:    u.Version,
		Partition:  u.Partition,
		ExpireTime: u.ExpireTime,
	}
}
