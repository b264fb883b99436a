package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/storage/entrytable"
	"github.com/devrev/gridcache/internal/store"
)

const (
	maxRemapAttempts = 3
	remapBackoff     = 10 * time.Millisecond
)

// KeyValue is one entry of a PutAll batch
type KeyValue struct {
	Key   interface{}
	Value []byte
}

// PutOption configures a single Put or Remove
type PutOption func(*putOptions)

type putOptions struct {
	expected *model.EntryVersion
	ttl      time.Duration
}

// WithExpectedVersion makes the write conditional on the current entry version.
// The zero version expects the key to be absent.
func WithExpectedVersion(v model.EntryVersion) PutOption {
	return func(o *putOptions) {
		o.expected = &v
	}
}

// WithTTL expires the entry after d
func WithTTL(d time.Duration) PutOption {
	return func(o *putOptions) {
		o.ttl = d
	}
}

// CacheServiceConfig wires a CacheService to its collaborators
type CacheServiceConfig struct {
	Node        *model.Node
	Settings    model.CacheSettings
	Mapper      *algorithm.PartitionMapper
	Assignments *AssignmentService
	Versions    *VersionService
	Conflicts   *ConflictService
	Memory      *algorithm.MemoryModel
	Transport   Transport
	Store       store.Store // Optional read-through/write-through target
	Replication ReplicationConfig
	Rebalance   RebalanceConfig
}

// CacheService is one node's share of a cache.
// Client calls (Put, Get, Remove, ...) are routed to the partition primary;
// the Primary* and ApplyUpdate methods are the Peer surface other nodes call.
type CacheService struct {
	node        *model.Node
	settings    model.CacheSettings
	router      *Router
	assignments *AssignmentService
	versions    *VersionService
	conflicts   *ConflictService
	memory      *algorithm.MemoryModel
	table       *entrytable.Table
	transport   Transport
	store       store.Store
	replication *ReplicationService
	rebalance   *RebalanceService

	movingMu sync.RWMutex
	moving   map[int][]string // Partitions still being fetched, with their suppliers

	stopped atomic.Bool
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCacheService creates a cache service and subscribes it to assignment changes
func NewCacheService(cfg CacheServiceConfig, m *metrics.Metrics, logger *zap.Logger) (*CacheService, error) {
	if cfg.Node == nil {
		return nil, cerrors.InvalidArgument("node is required", nil)
	}
	if cfg.Mapper.Partitions() != cfg.Assignments.Partitions() {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("mapper has %d partitions, affinity has %d",
			cfg.Mapper.Partitions(), cfg.Assignments.Partitions()), nil)
	}
	if cfg.Replication.WriteSync == "" {
		cfg.Replication.WriteSync = cfg.Settings.WriteSync
	}

	s := &CacheService{
		node:        cfg.Node,
		settings:    cfg.Settings,
		router:      NewRouter(cfg.Mapper, cfg.Assignments),
		assignments: cfg.Assignments,
		versions:    cfg.Versions,
		conflicts:   cfg.Conflicts,
		memory:      cfg.Memory,
		table:       entrytable.New(cfg.Mapper.Partitions()),
		transport:   cfg.Transport,
		store:       cfg.Store,
		moving:      make(map[int][]string),
		now:         time.Now,
		metrics:     m,
		logger:      logger.With(zap.String("node_id", cfg.Node.ID)),
	}
	s.replication = NewReplicationService(cfg.Node.ID, cfg.Transport, cfg.Replication, m, s.logger)
	s.rebalance = NewRebalanceService(cfg.Node.ID, cfg.Transport, s, cfg.Rebalance, m, s.logger)
	cfg.Assignments.Subscribe(s.onAssignment)

	return s, nil
}

// Node returns the local node
func (s *CacheService) Node() *model.Node {
	return s.node
}

// Settings returns the cache settings
func (s *CacheService) Settings() model.CacheSettings {
	return s.settings
}

// Router returns the key router
func (s *CacheService) Router() *Router {
	return s.router
}

// Assignments returns the node's assignment service
func (s *CacheService) Assignments() *AssignmentService {
	return s.assignments
}

// Route resolves the partition and owners of key under the latest assignment.
// A LOCAL cache always routes to the local node.
func (s *CacheService) Route(key interface{}) (*RouteResult, error) {
	if s.settings.Mode == model.CacheModeLocal {
		return s.routeLocal(key)
	}
	return s.router.Route(key)
}

// RouteAt resolves key under the assignment of a given topology version
func (s *CacheService) RouteAt(key interface{}, topologyVersion int64) (*RouteResult, error) {
	if s.settings.Mode == model.CacheModeLocal {
		return s.routeLocal(key)
	}
	return s.router.RouteAt(key, topologyVersion)
}

func (s *CacheService) routeLocal(key interface{}) (*RouteResult, error) {
	kb, p, err := s.router.locate(key)
	if err != nil {
		return nil, err
	}
	return &RouteResult{
		Partition:       p,
		KeyBytes:        kb,
		TopologyVersion: topologyVersionOf(s.assignments.Current()),
		Primary:         s.node,
	}, nil
}

// Put writes value under key and returns the version the primary stamped
func (s *CacheService) Put(ctx context.Context, key interface{}, value []byte, opts ...PutOption) (model.EntryVersion, error) {
	if value == nil {
		return model.EntryVersion{}, cerrors.InvalidArgument("value must not be nil, use Remove", nil)
	}
	o := applyPutOptions(opts)
	value = append(make([]byte, 0, len(value)), value...)

	var res *PutResult
	err := s.withRemap(ctx, func() error {
		r, err := s.Route(key)
		if err != nil {
			return err
		}
		res, err = s.putRouted(ctx, r, &PutRequest{
			Key:             key,
			KeyBytes:        r.KeyBytes,
			Partition:       r.Partition,
			Value:           value,
			ExpectedVersion: o.expected,
			ExpireTime:      o.expireTime(s.now()),
			TopologyVersion: r.TopologyVersion,
			OriginNodeID:    s.node.ID,
		})
		return err
	})
	if err != nil {
		s.recordError("put", err)
		return model.EntryVersion{}, err
	}

	s.metrics.RecordWrite(s.settings.Name, s.node.ID)
	return res.Version, nil
}

// Remove deletes key, leaving a tombstone. It reports false when the key was absent.
func (s *CacheService) Remove(ctx context.Context, key interface{}, opts ...PutOption) (bool, error) {
	o := applyPutOptions(opts)

	var res *PutResult
	err := s.withRemap(ctx, func() error {
		r, err := s.Route(key)
		if err != nil {
			return err
		}
		res, err = s.putRouted(ctx, r, &PutRequest{
			Key:             key,
			KeyBytes:        r.KeyBytes,
			Partition:       r.Partition,
			Remove:          true,
			ExpectedVersion: o.expected,
			TopologyVersion: r.TopologyVersion,
			OriginNodeID:    s.node.ID,
		})
		return err
	})
	if err != nil {
		s.recordError("remove", err)
		return false, err
	}

	if res.Applied {
		s.metrics.RecordRemove(s.settings.Name, s.node.ID)
	}
	return res.Applied, nil
}

func (s *CacheService) putRouted(ctx context.Context, r *RouteResult, req *PutRequest) (*PutResult, error) {
	if r.Primary.ID == s.node.ID {
		return s.PrimaryPut(ctx, req)
	}

	peer, err := s.transport.Peer(r.Primary.ID)
	if err != nil {
		return nil, err
	}
	res, err := peer.PrimaryPut(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.Applied {
		s.refreshNear(r, req, res.Version)
	}
	return res, nil
}

// Get reads key. The bool is false when the key is absent, removed or expired.
func (s *CacheService) Get(ctx context.Context, key interface{}) (model.VersionedValue, bool, error) {
	var e *model.CacheEntry
	err := s.withRemap(ctx, func() error {
		r, err := s.Route(key)
		if err != nil {
			return err
		}
		e, err = s.getRouted(ctx, key, r)
		return err
	})
	if err != nil {
		s.recordError("get", err)
		return model.VersionedValue{}, false, err
	}

	hit := s.live(e)
	s.metrics.RecordRead(s.settings.Name, s.node.ID, hit)
	if !hit {
		return model.VersionedValue{}, false, nil
	}
	return e.Versioned(), true, nil
}

func (s *CacheService) getRouted(ctx context.Context, key interface{}, r *RouteResult) (*model.CacheEntry, error) {
	req := &GetRequest{
		Key:             key,
		KeyBytes:        r.KeyBytes,
		Partition:       r.Partition,
		TopologyVersion: r.TopologyVersion,
	}

	if r.Primary.ID == s.node.ID {
		return s.PrimaryGet(ctx, req)
	}

	owner := false
	for _, n := range r.Backups {
		if n.ID == s.node.ID {
			owner = true
			break
		}
	}

	// Backups are only guaranteed current when writes wait for them
	if owner && s.settings.WriteSync == model.WriteSyncFull && !s.isMoving(r.Partition) {
		// A miss still goes to the primary when it can load from the store
		if e := s.ownedEntry(r.Partition, r.KeyBytes); e != nil || !s.readsThrough() {
			return e, nil
		}
	}

	near := s.settings.NearEnabled && !owner
	if near {
		if e := s.table.Get(r.Partition, r.KeyBytes); e != nil && e.Role == model.RoleNear &&
			e.PrimaryNodeID == r.Primary.ID && s.live(e) {
			return e, nil
		}
		req.ReaderNodeID = s.node.ID
	}

	peer, err := s.transport.Peer(r.Primary.ID)
	if err != nil {
		return nil, err
	}
	e, err := peer.PrimaryGet(ctx, req)
	if err != nil {
		return nil, err
	}

	if near && s.live(e) {
		s.storeNear(r.Primary.ID, e)
	}
	return e, nil
}

// PutAll writes a batch, grouping keys by primary
func (s *CacheService) PutAll(ctx context.Context, entries []KeyValue) error {
	for _, kv := range entries {
		if kv.Value == nil {
			return cerrors.InvalidArgument("value must not be nil, use Remove", nil)
		}
	}

	err := s.withRemap(ctx, func() error {
		groups := make(map[string][]*PutRequest)
		for _, kv := range entries {
			r, err := s.Route(kv.Key)
			if err != nil {
				return err
			}
			groups[r.Primary.ID] = append(groups[r.Primary.ID], &PutRequest{
				Key:             kv.Key,
				KeyBytes:        r.KeyBytes,
				Partition:       r.Partition,
				Value:           append(make([]byte, 0, len(kv.Value)), kv.Value...),
				TopologyVersion: r.TopologyVersion,
				OriginNodeID:    s.node.ID,
			})
		}

		g, gctx := errgroup.WithContext(ctx)
		for nodeID, reqs := range groups {
			g.Go(func() error {
				if nodeID == s.node.ID {
					_, err := s.PrimaryPutAll(gctx, reqs)
					return err
				}
				peer, err := s.transport.Peer(nodeID)
				if err != nil {
					return err
				}
				_, err = peer.PrimaryPutAll(gctx, reqs)
				return err
			})
		}
		return g.Wait()
	})
	if err != nil {
		s.recordError("put_all", err)
		return err
	}

	for range entries {
		s.metrics.RecordWrite(s.settings.Name, s.node.ID)
	}
	return nil
}

// GetAll reads a batch. The result is aligned with keys; missing keys are nil.
func (s *CacheService) GetAll(ctx context.Context, keys []interface{}) ([]*model.VersionedValue, error) {
	out := make([]*model.VersionedValue, len(keys))

	err := s.withRemap(ctx, func() error {
		type group struct {
			idx  []int
			reqs []*GetRequest
		}
		groups := make(map[string]*group)
		for i, key := range keys {
			r, err := s.Route(key)
			if err != nil {
				return err
			}
			grp, ok := groups[r.Primary.ID]
			if !ok {
				grp = &group{}
				groups[r.Primary.ID] = grp
			}
			grp.idx = append(grp.idx, i)
			grp.reqs = append(grp.reqs, &GetRequest{
				Key:             key,
				KeyBytes:        r.KeyBytes,
				Partition:       r.Partition,
				TopologyVersion: r.TopologyVersion,
			})
		}

		g, gctx := errgroup.WithContext(ctx)
		for nodeID, grp := range groups {
			g.Go(func() error {
				var entries []*model.CacheEntry
				if nodeID == s.node.ID {
					var err error
					if entries, err = s.PrimaryGetAll(gctx, grp.reqs); err != nil {
						return err
					}
				} else {
					peer, err := s.transport.Peer(nodeID)
					if err != nil {
						return err
					}
					if entries, err = peer.PrimaryGetAll(gctx, grp.reqs); err != nil {
						return err
					}
				}
				for j, e := range entries {
					if s.live(e) {
						v := e.Versioned()
						out[grp.idx[j]] = &v
					}
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		s.recordError("get_all", err)
		return nil, err
	}

	for _, v := range out {
		s.metrics.RecordRead(s.settings.Name, s.node.ID, v != nil)
	}
	return out, nil
}

// ResolveConflict asks the primary of key to resolve an incoming version against
// its entry. A non-zero localVersion must match the primary's current version.
func (s *CacheService) ResolveConflict(
	ctx context.Context,
	key interface{},
	localVersion, incomingVersion model.EntryVersion,
	incomingValue []byte,
) (*Outcome, error) {
	var out *Outcome
	err := s.withRemap(ctx, func() error {
		r, err := s.Route(key)
		if err != nil {
			return err
		}
		req := &ResolveRequest{
			Key:             key,
			KeyBytes:        r.KeyBytes,
			Partition:       r.Partition,
			LocalVersion:    localVersion,
			Incoming:        model.VersionedValue{Value: incomingValue, Version: incomingVersion},
			TopologyVersion: r.TopologyVersion,
		}

		if r.Primary.ID == s.node.ID {
			out, err = s.PrimaryResolve(ctx, req)
			return err
		}
		peer, err := s.transport.Peer(r.Primary.ID)
		if err != nil {
			return err
		}
		out, err = peer.PrimaryResolve(ctx, req)
		return err
	})
	if err != nil {
		s.recordError("resolve_conflict", err)
		return nil, err
	}
	return out, nil
}

// Footprint returns the modelled memory footprint of the local copy of key
func (s *CacheService) Footprint(key interface{}) (int64, error) {
	kb, p, err := s.router.locate(key)
	if err != nil {
		return 0, err
	}

	e := s.table.Get(p, kb)
	if e == nil {
		return 0, cerrors.KeyNotFound(key)
	}
	return s.memory.EntryFootprint(e)
}

// LocalEntries returns copies of the entries this node holds for a partition
func (s *CacheService) LocalEntries(partition int) []*model.CacheEntry {
	return s.table.Entries(partition)
}

// Stats returns entry table counters
func (s *CacheService) Stats() entrytable.Stats {
	return s.table.Stats()
}

// withRemap runs op, retrying against the current topology when the target
// primary changed underneath the request
func (s *CacheService) withRemap(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < maxRemapAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * remapBackoff):
			}
		}

		err = op()
		if err == nil || !cerrors.IsRetryable(err) {
			return err
		}

		s.logger.Debug("Remapping operation",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

// storeNear caches a primary's entry as a near copy unless the node owns the key
func (s *CacheService) storeNear(primaryID string, e *model.CacheEntry) {
	_, err := s.table.Update(e.Partition, e.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur != nil && cur.Role != model.RoleNear {
			return nil, nil
		}
		if cur != nil && cur.PrimaryNodeID == primaryID && !s.conflicts.Supersedes(cur.Version, e.Version) {
			return nil, nil
		}
		return &model.CacheEntry{
			Key:           e.Key,
			KeyBytes:      e.KeyBytes,
			Value:         e.Value,
			Version:       e.Version,
			Role:          model.RoleNear,
			PrimaryNodeID: primaryID,
			ExpireTime:    e.ExpireTime,
			UpdatedAt:     s.now().UnixNano(),
		}, nil
	})
	if err != nil {
		s.logger.Warn("Failed to store near entry", zap.Int("partition", e.Partition), zap.Error(err))
	}
}

// refreshNear applies this node's own remote write to its near copy
func (s *CacheService) refreshNear(r *RouteResult, req *PutRequest, v model.EntryVersion) {
	if !s.settings.NearEnabled {
		return
	}
	if req.Remove {
		s.table.Delete(r.Partition, r.KeyBytes, func(cur *model.CacheEntry) bool {
			return cur.Role == model.RoleNear
		})
		return
	}
	_, _ = s.table.Update(r.Partition, r.KeyBytes, func(cur *model.CacheEntry) (*model.CacheEntry, error) {
		if cur == nil || cur.Role != model.RoleNear || !s.conflicts.Supersedes(cur.Version, v) {
			return nil, nil
		}
		cur.Value = req.Value
		cur.Version = v
		cur.ExpireTime = req.ExpireTime
		cur.PrimaryNodeID = r.Primary.ID
		cur.UpdatedAt = s.now().UnixNano()
		return cur, nil
	})
}

// ownedEntry returns the non-near local copy of a key, nil when absent or expired
func (s *CacheService) ownedEntry(partition int, keyBytes []byte) *model.CacheEntry {
	e := s.table.Get(partition, keyBytes)
	if e == nil || e.Role == model.RoleNear || e.IsExpired(s.now()) {
		return nil
	}
	return e
}

func (s *CacheService) readsThrough() bool {
	return s.settings.ReadThrough && s.store != nil
}

// live reports whether e holds a readable value
func (s *CacheService) live(e *model.CacheEntry) bool {
	return e != nil && e.State() == model.StatePresent && !e.IsExpired(s.now())
}

func (s *CacheService) recordError(op string, err error) {
	s.metrics.RecordError(op, strconv.Itoa(int(cerrors.GetCode(err))))
	if !cerrors.IsCacheError(err) {
		s.logger.Error("Cache operation failed", zap.String("operation", op), zap.Error(err))
	}
}

func applyPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o putOptions) expireTime(now time.Time) int64 {
	if o.ttl <= 0 {
		return 0
	}
	return now.Add(o.ttl).UnixNano()
}

func topologyVersionOf(a *model.AffinityAssignment) int64 {
	if a == nil {
		return 0
	}
	return a.TopologyVersion
}
