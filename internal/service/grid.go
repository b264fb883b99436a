package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/store"
)

// GridConfig configures an embedded grid
type GridConfig struct {
	Settings          model.CacheSettings
	ExcludeNeighbors  bool
	Parallelism       int
	HistorySize       int
	Overheads         algorithm.MemoryOverheads
	Tiebreak          algorithm.TiebreakPolicy
	Resolver          algorithm.ConflictResolver // Optional custom resolver
	Store             store.Store                // Optional, shared by every node
	Replication       ReplicationConfig
	Rebalance         RebalanceConfig
	TombstoneTTL      time.Duration
	TombstoneInterval time.Duration
	StopTimeout       time.Duration
}

// NodeOptions describes a node joining the grid
type NodeOptions struct {
	ID           string // Generated when empty
	Host         string
	DataCenterID uint8
	Client       bool
	Attributes   map[string]string
}

// GridNode is one member of an embedded grid
type GridNode struct {
	Node    *model.Node
	Cache   *CacheService
	cleaner *TombstoneCleaner
}

// Grid runs cache nodes in one process connected by a LocalTransport.
// It is the explicit context that owns membership: every change produces the
// next topology version, which is delivered to all nodes in join order.
type Grid struct {
	cfg       GridConfig
	mapper    *algorithm.PartitionMapper
	affinity  *algorithm.RendezvousAffinity
	memory    *algorithm.MemoryModel
	transport *LocalTransport

	mu        sync.Mutex // Serializes membership changes
	nodes     map[string]*GridNode
	order     []string
	topology  *model.TopologySnapshot
	nextOrder int64
	started   bool

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewGrid creates an empty grid
func NewGrid(cfg GridConfig, m *metrics.Metrics, logger *zap.Logger) (*Grid, error) {
	if cfg.Settings.Partitions <= 0 {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("partition count must be positive, got %d", cfg.Settings.Partitions), nil)
	}
	if cfg.Settings.Mode == "" {
		cfg.Settings.Mode = model.CacheModePartitioned
	}
	if cfg.Settings.WriteSync == "" {
		cfg.Settings.WriteSync = model.WriteSyncPrimary
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	mapper, err := algorithm.NewPartitionMapper(cfg.Settings.Partitions)
	if err != nil {
		return nil, err
	}

	opts := []algorithm.RendezvousOption{algorithm.WithParallelism(cfg.Parallelism)}
	if cfg.ExcludeNeighbors {
		opts = append(opts, algorithm.WithExcludeNeighbors())
	}
	affinity, err := algorithm.NewRendezvousAffinity(cfg.Settings.Partitions, opts...)
	if err != nil {
		return nil, err
	}

	serializer, err := algorithm.NewCBORSerializer()
	if err != nil {
		return nil, err
	}

	return &Grid{
		cfg:       cfg,
		mapper:    mapper,
		affinity:  affinity,
		memory:    algorithm.NewMemoryModel(cfg.Overheads, serializer),
		transport: NewLocalTransport(),
		nodes:     make(map[string]*GridNode),
		metrics:   m,
		logger:    logger,
	}, nil
}

// Start starts the background work of current and future nodes
func (g *Grid) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return
	}
	g.started = true
	for _, id := range g.order {
		g.nodes[id].cleaner.Start()
	}

	g.logger.Info("Grid started",
		zap.Int("nodes", len(g.order)),
		zap.Int("partitions", g.cfg.Settings.Partitions),
		zap.String("mode", string(g.cfg.Settings.Mode)))
}

// AddNode joins a node. It returns once every node has applied the new topology,
// finished fetching newly owned partitions and dropped partitions it lost.
func (g *Grid) AddNode(ctx context.Context, opts NodeOptions) (*GridNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := g.nodes[id]; exists {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("node %s already joined", id), nil)
	}

	g.nextOrder++
	node := &model.Node{
		ID:           id,
		Order:        g.nextOrder,
		Host:         opts.Host,
		DataCenterID: opts.DataCenterID,
		Client:       opts.Client,
		Alive:        true,
		Attributes:   opts.Attributes,
	}

	gn, err := g.newNode(node)
	if err != nil {
		return nil, err
	}

	// The joiner first learns the current topology so it sees itself as gaining partitions
	if g.topology != nil {
		if _, err := gn.Cache.OnTopologyChanged(ctx, g.topology); err != nil {
			return nil, fmt.Errorf("failed to bootstrap node %s: %w", id, err)
		}
	}

	g.transport.Register(id, gn.Cache)
	g.nodes[id] = gn
	g.order = append(g.order, id)

	if err := g.publish(ctx, g.members()); err != nil {
		return nil, err
	}
	if g.started {
		gn.cleaner.Start()
	}

	g.logger.Info("Node joined grid",
		zap.String("node_id", id),
		zap.Int64("order", node.Order),
		zap.Bool("client", node.Client),
		zap.Int64("topology_version", g.topology.Version))

	return gn, nil
}

// RemoveNode stops a node and removes it from the topology. Entries the node
// held as the only owner are lost.
func (g *Grid) RemoveNode(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	gn, ok := g.nodes[id]
	if !ok {
		return cerrors.InvalidArgument(fmt.Sprintf("node %s is not a grid member", id), nil)
	}

	gn.cleaner.Stop()
	if err := gn.Cache.Stop(g.cfg.StopTimeout); err != nil {
		g.logger.Warn("Node did not stop cleanly", zap.String("node_id", id), zap.Error(err))
	}
	g.transport.Unregister(id)

	delete(g.nodes, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}

	if err := g.publish(ctx, g.members()); err != nil {
		return err
	}

	g.logger.Info("Node left grid",
		zap.String("node_id", id),
		zap.Int64("topology_version", g.topology.Version))
	return nil
}

// publish delivers the next topology version to every node, waits for
// rebalancing and then evicts partitions that moved away
func (g *Grid) publish(ctx context.Context, members []*model.Node) error {
	var version int64 = 1
	if g.topology != nil {
		version = g.topology.Version + 1
	}
	snap := model.NewTopologySnapshot(version, members)

	for _, id := range g.order {
		if _, err := g.nodes[id].Cache.OnTopologyChanged(ctx, snap); err != nil {
			return fmt.Errorf("failed to publish topology %d to %s: %w", version, id, err)
		}
	}
	prev := g.topology
	g.topology = snap

	for _, id := range g.order {
		if err := g.nodes[id].Cache.AwaitRebalance(ctx); err != nil {
			return fmt.Errorf("rebalance on %s did not finish: %w", id, err)
		}
	}
	for _, id := range g.order {
		cache := g.nodes[id].Cache
		cache.EvictNonOwned()
		if prev != nil {
			cache.Assignments().DiscardBefore(prev.Version)
		}
	}
	return nil
}

func (g *Grid) members() []*model.Node {
	out := make([]*model.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Node)
	}
	return out
}

func (g *Grid) newNode(node *model.Node) (*GridNode, error) {
	logger := g.logger.With(zap.String("node_id", node.ID))

	assignments := NewAssignmentService(g.affinity, g.cfg.Settings.EffectiveBackups(), g.cfg.HistorySize, g.metrics, logger)
	versions := NewVersionService(node.Order, node.DataCenterID)
	conflicts := NewConflictService(g.cfg.Resolver, algorithm.NewDefaultResolver(g.cfg.Tiebreak), versions, g.metrics, logger)

	cache, err := NewCacheService(CacheServiceConfig{
		Node:        node,
		Settings:    g.cfg.Settings,
		Mapper:      g.mapper,
		Assignments: assignments,
		Versions:    versions,
		Conflicts:   conflicts,
		Memory:      g.memory,
		Transport:   g.transport,
		Store:       g.cfg.Store,
		Replication: g.cfg.Replication,
		Rebalance:   g.cfg.Rebalance,
	}, g.metrics, g.logger)
	if err != nil {
		return nil, err
	}

	return &GridNode{
		Node:    node,
		Cache:   cache,
		cleaner: NewTombstoneCleaner(cache, g.cfg.TombstoneTTL, g.cfg.TombstoneInterval, logger),
	}, nil
}

// Node returns a member by ID
func (g *Grid) Node(id string) (*GridNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gn, ok := g.nodes[id]
	return gn, ok
}

// Nodes returns the members in join order
func (g *Grid) Nodes() []*GridNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*GridNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Topology returns the latest topology snapshot, nil before the first node joins
func (g *Grid) Topology() *model.TopologySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.topology
}

// Mapper returns the shared partition mapper
func (g *Grid) Mapper() *algorithm.PartitionMapper {
	return g.mapper
}

// MemoryModel returns the shared footprint model
func (g *Grid) MemoryModel() *algorithm.MemoryModel {
	return g.memory
}

// EntryNode returns the first member that can serve requests, preferring server nodes
func (g *Grid) EntryNode() (*GridNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var fallback *GridNode
	for _, id := range g.order {
		gn := g.nodes[id]
		if !gn.Node.Client {
			return gn, nil
		}
		if fallback == nil {
			fallback = gn
		}
	}
	if fallback == nil {
		return nil, cerrors.TopologyNotReady(0, 0)
	}
	return fallback, nil
}

// Flush waits until every node delivered its queued updates
func (g *Grid) Flush(ctx context.Context) error {
	for _, gn := range g.Nodes() {
		if err := gn.Cache.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node. The grid cannot be restarted.
func (g *Grid) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for _, id := range g.order {
		gn := g.nodes[id]
		gn.cleaner.Stop()
		if err := gn.Cache.Stop(g.cfg.StopTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
		g.transport.Unregister(id)
	}

	g.logger.Info("Grid stopped", zap.Int("nodes", len(g.order)))
	return firstErr
}
