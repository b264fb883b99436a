package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/algorithm"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
)

func testGridConfig() GridConfig {
	return GridConfig{
		Settings: model.CacheSettings{
			Name:       "test",
			Mode:       model.CacheModePartitioned,
			Partitions: 64,
			Backups:    1,
			WriteSync:  model.WriteSyncFull,
		},
		HistorySize: 8,
		Overheads:   algorithm.DefaultMemoryOverheads(),
		Tiebreak:    algorithm.TiebreakWallClock,
		Replication: ReplicationConfig{Workers: 2, QueueSize: 256, Timeout: time.Second},
		Rebalance:   RebalanceConfig{Parallelism: 2},
		StopTimeout: time.Second,
	}
}

func newTestGrid(t *testing.T, cfg GridConfig, nodes int) *Grid {
	t.Helper()

	g, err := NewGrid(cfg, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	g.Start()
	t.Cleanup(func() { _ = g.Stop() })

	for i := 1; i <= nodes; i++ {
		_, err := g.AddNode(context.Background(), NodeOptions{
			ID:   fmt.Sprintf("node-%d", i),
			Host: fmt.Sprintf("host-%d", i),
		})
		require.NoError(t, err)
	}
	return g
}

func gridNode(t *testing.T, g *Grid, id string) *CacheService {
	t.Helper()
	gn, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	return gn.Cache
}

func putKeys(t *testing.T, c *CacheService, n int) map[string][]byte {
	t.Helper()
	written := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := []byte(fmt.Sprintf("value-%d", i))
		_, err := c.Put(context.Background(), key, value)
		require.NoError(t, err)
		written[key] = value
	}
	return written
}

// holds reports whether node keeps a non-near copy of key
func holds(t *testing.T, c *CacheService, key string) bool {
	t.Helper()
	r, err := c.Route(key)
	require.NoError(t, err)
	for _, e := range c.LocalEntries(r.Partition) {
		if string(e.KeyBytes) == string(r.KeyBytes) && e.Role != model.RoleNear {
			return true
		}
	}
	return false
}

func TestGrid_TopologyVersions(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)

	assert.Equal(t, int64(3), g.Topology().Version)
	for _, gn := range g.Nodes() {
		assert.Equal(t, int64(3), gn.Cache.Assignments().Current().TopologyVersion)
	}

	require.NoError(t, g.RemoveNode(context.Background(), "node-2"))
	assert.Equal(t, int64(4), g.Topology().Version)
	assert.Len(t, g.Nodes(), 2)
	_, ok := g.Node("node-2")
	assert.False(t, ok)
}

func TestGrid_MembershipErrors(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 1)
	ctx := context.Background()

	_, err := g.AddNode(ctx, NodeOptions{ID: "node-1"})
	assert.Error(t, err)

	assert.Error(t, g.RemoveNode(ctx, "missing"))

	gn, err := g.AddNode(ctx, NodeOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, gn.Node.ID)
	assert.Equal(t, int64(2), gn.Node.Order)
}

func TestGrid_EntryNodePrefersServers(t *testing.T) {
	g, err := NewGrid(testGridConfig(), metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Stop() })

	_, err = g.EntryNode()
	assert.Error(t, err)

	_, err = g.AddNode(context.Background(), NodeOptions{ID: "client-1", Client: true})
	require.NoError(t, err)
	_, err = g.AddNode(context.Background(), NodeOptions{ID: "node-1"})
	require.NoError(t, err)

	gn, err := g.EntryNode()
	require.NoError(t, err)
	assert.Equal(t, "node-1", gn.Node.ID)
}

func TestGrid_KillNodeKeepsDataAndOwners(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 4)
	ctx := context.Background()
	entry := gridNode(t, g, "node-1")

	written := putKeys(t, entry, 200)
	before := entry.Assignments().Current()

	require.NoError(t, g.RemoveNode(ctx, "node-2"))
	after := entry.Assignments().Current()

	for p := 0; p < before.Partitions(); p++ {
		if before.IsOwner(p, "node-2") {
			assert.False(t, after.IsOwner(p, "node-2"))
			assert.Len(t, after.Owners(p), 2)
			continue
		}
		assert.Equal(t, before.OwnerIDs(p), after.OwnerIDs(p), "partition %d", p)
	}

	for key, value := range written {
		got, ok, err := entry.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "key %s lost", key)
		assert.Equal(t, value, got.Value)

		r, err := entry.Route(key)
		require.NoError(t, err)
		for _, id := range r.OwnerIDs() {
			assert.True(t, holds(t, gridNode(t, g, id), key), "owner %s misses %s", id, key)
		}
	}
}

func TestGrid_JoinRebalancesAndEvicts(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 2)
	ctx := context.Background()
	written := putKeys(t, gridNode(t, g, "node-1"), 200)

	_, err := g.AddNode(ctx, NodeOptions{ID: "node-3", Host: "host-3"})
	require.NoError(t, err)

	joined := gridNode(t, g, "node-3")
	a := joined.Assignments().Current()
	assert.NotEmpty(t, a.PrimaryPartitions("node-3"))

	for key, value := range written {
		got, ok, err := joined.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, "key %s lost", key)
		assert.Equal(t, value, got.Value)
	}

	for _, gn := range g.Nodes() {
		for p := 0; p < a.Partitions(); p++ {
			if a.IsOwner(p, gn.Node.ID) {
				continue
			}
			assert.Empty(t, gn.Cache.LocalEntries(p), "node %s kept partition %d", gn.Node.ID, p)
		}
		assert.Empty(t, gn.Cache.PendingPartitions())
	}
}

func TestGrid_ClientNodeOwnsNothing(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 2)
	ctx := context.Background()

	client, err := g.AddNode(ctx, NodeOptions{ID: "client-1", Client: true})
	require.NoError(t, err)

	written := putKeys(t, client.Cache, 50)
	for key, value := range written {
		got, ok, err := client.Cache.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, value, got.Value)
	}

	a := client.Cache.Assignments().Current()
	assert.Empty(t, a.PrimaryPartitions("client-1"))
	assert.Empty(t, a.BackupPartitions("client-1"))
	assert.Zero(t, client.Cache.Stats().Entries)
}
