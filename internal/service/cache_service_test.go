package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/model"
	"github.com/devrev/gridcache/internal/store"
)

// primaryOf returns the cache service of key's primary
func primaryOf(t *testing.T, g *Grid, key interface{}) *CacheService {
	t.Helper()
	entry := g.Nodes()[0].Cache
	r, err := entry.Route(key)
	require.NoError(t, err)
	return gridNode(t, g, r.Primary.ID)
}

func localEntry(t *testing.T, c *CacheService, key interface{}) *model.CacheEntry {
	t.Helper()
	kb, p, err := c.Router().locate(key)
	require.NoError(t, err)
	return c.table.Get(p, kb)
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("user:%d", i)
		writer := g.Nodes()[i%3].Cache
		v, err := writer.Put(ctx, key, []byte(key))
		require.NoError(t, err)

		for _, gn := range g.Nodes() {
			got, ok, err := gn.Cache.Get(ctx, key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte(key), got.Value)
			assert.Equal(t, v, got.Version)
		}
	}
}

func TestCache_VersionsIncreasePerKey(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()
	c := g.Nodes()[1].Cache
	ops := algorithm.NewVersionOps()

	prev, err := c.Put(ctx, "counter", []byte("0"))
	require.NoError(t, err)
	for i := 1; i < 20; i++ {
		v, err := c.Put(ctx, "counter", []byte(fmt.Sprint(i)))
		require.NoError(t, err)
		assert.Equal(t, model.VersionLess, ops.Compare(prev, v))
		prev = v
	}
}

func TestCache_BackupsReceiveWrites(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()
	entry := g.Nodes()[0].Cache

	v, err := entry.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	r, err := entry.Route("k")
	require.NoError(t, err)
	require.Len(t, r.Backups, 1)

	backup := localEntry(t, gridNode(t, g, r.Backups[0].ID), "k")
	require.NotNil(t, backup)
	assert.Equal(t, v, backup.Version)
	assert.Equal(t, []byte("v"), backup.Value)
	assert.Equal(t, model.RoleDHT, backup.Role)
}

func TestCache_PrimarySyncPropagatesAsync(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.WriteSync = model.WriteSyncPrimary
	g := newTestGrid(t, cfg, 3)
	ctx := context.Background()

	v, err := g.Nodes()[0].Cache.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))

	r, err := g.Nodes()[0].Cache.Route("k")
	require.NoError(t, err)
	backup := localEntry(t, gridNode(t, g, r.Backups[0].ID), "k")
	require.NotNil(t, backup)
	assert.Equal(t, v, backup.Version)
}

func TestCache_RemoveTombstoneAndPurge(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	removed, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	removed, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	primary := primaryOf(t, g, "k")
	tomb := localEntry(t, primary, "k")
	require.NotNil(t, tomb)
	assert.Equal(t, model.StateTombstone, tomb.State())

	// The tombstone still charges the null value size
	size, err := primary.Footprint("k")
	require.NoError(t, err)
	assert.Equal(t, int64(1+1+119+16), size)

	removed, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Zero(t, primary.PurgeTombstones(time.Hour))
	assert.Equal(t, 1, primary.PurgeTombstones(0))
	assert.Nil(t, localEntry(t, primary, "k"))

	_, err = primary.Footprint("k")
	assert.True(t, errors.Is(err, cerrors.ErrKeyNotFound))
}

func TestCache_ExpectedVersion(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 2)
	ctx := context.Background()
	c := g.Nodes()[1].Cache

	v1, err := c.Put(ctx, "k", []byte("v1"), WithExpectedVersion(model.EntryVersion{}))
	require.NoError(t, err)

	_, err = c.Put(ctx, "k", []byte("again"), WithExpectedVersion(model.EntryVersion{}))
	assert.True(t, errors.Is(err, cerrors.ErrVersionMismatch))

	v2, err := c.Put(ctx, "k", []byte("v2"), WithExpectedVersion(v1))
	require.NoError(t, err)

	_, err = c.Put(ctx, "k", []byte("v3"), WithExpectedVersion(v1))
	assert.True(t, errors.Is(err, cerrors.ErrVersionMismatch))

	_, err = c.Remove(ctx, "k", WithExpectedVersion(v1))
	assert.True(t, errors.Is(err, cerrors.ErrVersionMismatch))

	removed, err := c.Remove(ctx, "k", WithExpectedVersion(v2))
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestCache_TTL(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 2)
	ctx := context.Background()
	primary := primaryOf(t, g, "session")

	_, err := primary.Put(ctx, "session", []byte("token"), WithTTL(time.Minute))
	require.NoError(t, err)

	got, ok, err := primary.Get(ctx, "session")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("token"), got.Value)

	size, err := primary.Footprint("session")
	require.NoError(t, err)
	assert.Equal(t, int64(7+5+119+16+16), size)

	primary.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err = primary.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, primary.PurgeTombstones(time.Hour))
}

func TestCache_InvalidInput(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 1)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	_, err := c.Put(ctx, nil, []byte("v"))
	assert.True(t, errors.Is(err, cerrors.ErrInvalidKey))

	_, err = c.Put(ctx, "k", nil)
	assert.Equal(t, cerrors.ErrCodeInvalidArgument, cerrors.GetCode(err))

	_, _, err = c.Get(ctx, func() {})
	assert.True(t, errors.Is(err, cerrors.ErrInvalidKey))

	// Empty values are present, not tombstones
	_, err = c.Put(ctx, "empty", []byte{})
	require.NoError(t, err)
	got, ok, err := c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got.Value)
}

func TestCache_NoTopology(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 0)
	gn, err := g.newNode(&model.Node{ID: "lonely", Order: 1, Alive: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = gn.Cache.Stop(time.Second) })

	_, err = gn.Cache.Put(context.Background(), "k", []byte("v"))
	assert.True(t, errors.Is(err, cerrors.ErrTopologyNotReady))
}

func TestCache_RemapOnStalePrimary(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 2)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	r, err := c.Route("k")
	require.NoError(t, err)
	notPrimary := r.Backups[0].ID

	_, err = gridNode(t, g, notPrimary).PrimaryPut(ctx, &PutRequest{
		Key:             "k",
		KeyBytes:        r.KeyBytes,
		Partition:       r.Partition,
		Value:           []byte("v"),
		TopologyVersion: r.TopologyVersion,
	})
	assert.True(t, errors.Is(err, cerrors.ErrRemapRequired))
	assert.True(t, cerrors.IsRetryable(err))

	_, err = gridNode(t, g, r.Primary.ID).PrimaryPut(ctx, &PutRequest{
		Key:             "k",
		KeyBytes:        r.KeyBytes,
		Partition:       r.Partition,
		Value:           []byte("v"),
		TopologyVersion: r.TopologyVersion + 5,
	})
	assert.True(t, errors.Is(err, cerrors.ErrTopologyNotReady))
}

func TestCache_PutAllGetAll(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()
	c := g.Nodes()[2].Cache

	batch := make([]KeyValue, 0, 100)
	keys := make([]interface{}, 0, 101)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("batch-%d", i)
		batch = append(batch, KeyValue{Key: key, Value: []byte(key)})
		keys = append(keys, key)
	}
	keys = append(keys, "missing")

	require.NoError(t, c.PutAll(ctx, batch))

	got, err := c.GetAll(ctx, keys)
	require.NoError(t, err)
	require.Len(t, got, 101)
	for i := 0; i < 100; i++ {
		require.NotNil(t, got[i], "key %v", keys[i])
		assert.Equal(t, []byte(keys[i].(string)), got[i].Value)
	}
	assert.Nil(t, got[100])

	assert.Error(t, c.PutAll(ctx, []KeyValue{{Key: "k", Value: nil}}))
}

func TestCache_ConcurrentWritersConverge(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, gn := range g.Nodes() {
		wg.Add(1)
		go func(c *CacheService) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := c.Put(ctx, "hot", []byte(fmt.Sprintf("%s-%d", c.Node().ID, i)))
				assert.NoError(t, err)
			}
		}(gn.Cache)
	}
	wg.Wait()
	require.NoError(t, g.Flush(ctx))

	r, err := g.Nodes()[0].Cache.Route("hot")
	require.NoError(t, err)

	var survivor *model.CacheEntry
	for _, id := range r.OwnerIDs() {
		e := localEntry(t, gridNode(t, g, id), "hot")
		require.NotNil(t, e)
		if survivor == nil {
			survivor = e
			continue
		}
		assert.Equal(t, survivor.Version, e.Version)
		assert.Equal(t, survivor.Value, e.Value)
	}

	for _, gn := range g.Nodes() {
		got, ok, err := gn.Cache.Get(ctx, "hot")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, survivor.Value, got.Value)
	}
}

func TestCache_ResolveConflict(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 3)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	local, err := c.Put(ctx, "k", []byte("local"))
	require.NoError(t, err)

	// A concurrent remote write that lost the wall clock race
	older := model.EntryVersion{TopologyVersion: 1, Order: 1, NodeOrder: 99, DataCenterID: 2, GlobalTime: local.GlobalTime - 1}
	out, err := c.ResolveConflict(ctx, "k", local, older, []byte("older"))
	require.NoError(t, err)
	assert.Equal(t, model.UseLocal, out.Decision)

	newer := model.EntryVersion{TopologyVersion: 1, Order: 1, NodeOrder: 99, DataCenterID: 2, GlobalTime: local.GlobalTime + 1}
	out, err = c.ResolveConflict(ctx, "k", local, newer, []byte("newer"))
	require.NoError(t, err)
	assert.Equal(t, model.UseNew, out.Decision)
	assert.Equal(t, newer, out.Version)

	// The caller's view of the local version is now stale
	_, err = c.ResolveConflict(ctx, "k", local, newer, []byte("newer"))
	assert.True(t, errors.Is(err, cerrors.ErrVersionMismatch))

	r, err := c.Route("k")
	require.NoError(t, err)
	for _, id := range r.OwnerIDs() {
		e := localEntry(t, gridNode(t, g, id), "k")
		require.NotNil(t, e)
		assert.Equal(t, newer, e.Version)
		assert.Equal(t, []byte("newer"), e.Value)
	}

	// The next local write follows the observed version
	next, err := c.Put(ctx, "k", []byte("after"))
	require.NoError(t, err)
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next, got.Version)
	assert.Equal(t, []byte("after"), got.Value)
}

func TestCache_CustomResolver(t *testing.T) {
	t.Run("merge", func(t *testing.T) {
		cfg := testGridConfig()
		cfg.Resolver = algorithm.ConflictResolverFunc(func(c algorithm.ConflictContext) (algorithm.Resolution, error) {
			merged := append(append([]byte{}, c.Local.Value...), c.Incoming.Value...)
			return algorithm.Resolution{Decision: model.Merge, MergedValue: merged}, nil
		})
		g := newTestGrid(t, cfg, 2)
		ctx := context.Background()
		c := g.Nodes()[0].Cache

		local, err := c.Put(ctx, "k", []byte("a"))
		require.NoError(t, err)
		incoming := model.EntryVersion{TopologyVersion: 1, Order: 7, NodeOrder: 50, GlobalTime: 1}

		out, err := c.ResolveConflict(ctx, "k", local, incoming, []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, model.Merge, out.Decision)
		assert.Equal(t, []byte("ab"), out.Value)

		def := algorithm.NewDefaultResolver(algorithm.TiebreakWallClock)
		assert.Equal(t, model.UseNew, def.Decide(local, out.Version))
		assert.Equal(t, model.UseNew, def.Decide(incoming, out.Version))

		for _, gn := range g.Nodes() {
			got, ok, err := gn.Cache.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("ab"), got.Value)
		}
	})

	t.Run("use new reaches backups", func(t *testing.T) {
		cfg := testGridConfig()
		cfg.Resolver = algorithm.ConflictResolverFunc(func(algorithm.ConflictContext) (algorithm.Resolution, error) {
			return algorithm.Resolution{Decision: model.UseNew}, nil
		})
		g := newTestGrid(t, cfg, 3)
		ctx := context.Background()
		c := g.Nodes()[0].Cache

		local, err := c.Put(ctx, "k", []byte("local"))
		require.NoError(t, err)

		// Loses the wall clock tiebreak, wins through the resolver
		incoming := model.EntryVersion{TopologyVersion: 1, Order: 1, NodeOrder: 99, DataCenterID: 2, GlobalTime: local.GlobalTime - 1}
		out, err := c.ResolveConflict(ctx, "k", local, incoming, []byte("incoming"))
		require.NoError(t, err)
		assert.Equal(t, model.UseNew, out.Decision)
		require.NoError(t, g.Flush(ctx))

		r, err := c.Route("k")
		require.NoError(t, err)
		require.Len(t, r.Backups, 1)
		for _, id := range r.OwnerIDs() {
			e := localEntry(t, gridNode(t, g, id), "k")
			require.NotNil(t, e, "node %s", id)
			assert.Equal(t, []byte("incoming"), e.Value, "node %s", id)
			assert.Equal(t, out.Version, e.Version, "node %s", id)
		}
	})

	t.Run("panic falls back to default", func(t *testing.T) {
		cfg := testGridConfig()
		cfg.Resolver = algorithm.ConflictResolverFunc(func(algorithm.ConflictContext) (algorithm.Resolution, error) {
			panic("boom")
		})
		g := newTestGrid(t, cfg, 2)
		ctx := context.Background()
		c := g.Nodes()[0].Cache

		local, err := c.Put(ctx, "k", []byte("a"))
		require.NoError(t, err)
		incoming := model.EntryVersion{TopologyVersion: 1, Order: 7, NodeOrder: 50, GlobalTime: local.GlobalTime + 10}

		out, err := c.ResolveConflict(ctx, "k", local, incoming, []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, model.UseNew, out.Decision)
		assert.True(t, errors.Is(out.ResolverErr, cerrors.ErrResolverFailure))
	})
}

func TestCache_NearCache(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.NearEnabled = true
	g := newTestGrid(t, cfg, 3)
	ctx := context.Background()

	client, err := g.AddNode(ctx, NodeOptions{ID: "client-1", Client: true})
	require.NoError(t, err)

	key := "user:42"
	value := make([]byte, 1024)
	_, err = g.Nodes()[0].Cache.Put(ctx, key, value)
	require.NoError(t, err)

	got, ok, err := client.Cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, got.Value)

	primary := primaryOf(t, g, key)
	dht := localEntry(t, primary, key)
	require.NotNil(t, dht)
	assert.Equal(t, []string{"client-1"}, dht.Readers)

	// DHT entry with one reader: key + value + entry + DHT + reader overheads
	size, err := primary.Footprint(key)
	require.NoError(t, err)
	assert.Equal(t, int64(7+1024+119+16+24), size)

	near := localEntry(t, client.Cache, key)
	require.NotNil(t, near)
	assert.Equal(t, model.RoleNear, near.Role)
	assert.Equal(t, primary.Node().ID, near.PrimaryNodeID)

	size, err = client.Cache.Footprint(key)
	require.NoError(t, err)
	assert.Equal(t, int64(7+1024+119+52), size)

	// Updates from another node reach the reader
	_, err = g.Nodes()[1].Cache.Put(ctx, key, []byte("updated"))
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))

	got, ok, err = client.Cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("updated"), got.Value)

	// Removal leaves a near tombstone
	_, err = g.Nodes()[2].Cache.Remove(ctx, key)
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))
	near = localEntry(t, client.Cache, key)
	require.NotNil(t, near)
	assert.Equal(t, model.RoleNear, near.Role)
	assert.Equal(t, model.StateTombstone, near.State())

	_, ok, err = client.Cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_NearCopyDroppedWhenPrimaryMoves(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.NearEnabled = true
	g := newTestGrid(t, cfg, 3)
	ctx := context.Background()

	client, err := g.AddNode(ctx, NodeOptions{ID: "client-1", Client: true})
	require.NoError(t, err)

	written := putKeys(t, g.Nodes()[0].Cache, 30)
	for key := range written {
		_, _, err := client.Cache.Get(ctx, key)
		require.NoError(t, err)
	}
	assert.Equal(t, 30, client.Cache.Stats().Entries)

	require.NoError(t, g.RemoveNode(ctx, "node-1"))

	a := client.Cache.Assignments().Current()
	for p := 0; p < a.Partitions(); p++ {
		for _, e := range client.Cache.LocalEntries(p) {
			assert.Equal(t, a.Primary(p).ID, e.PrimaryNodeID)
			assert.NotEqual(t, "node-1", e.PrimaryNodeID)
		}
	}

	for key, value := range written {
		got, ok, err := client.Cache.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, value, got.Value)
	}
}

func TestCache_NearUpdateBeforeCopyIsStored(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.NearEnabled = true
	g := newTestGrid(t, cfg, 3)
	ctx := context.Background()

	client, err := g.AddNode(ctx, NodeOptions{ID: "client-1", Client: true})
	require.NoError(t, err)

	key := "k"
	_, err = g.Nodes()[0].Cache.Put(ctx, key, []byte("v0"))
	require.NoError(t, err)

	primary := primaryOf(t, g, key)
	r, err := client.Cache.Route(key)
	require.NoError(t, err)

	// The read registers the client, then an update lands before the copy is stored
	old, err := primary.PrimaryGet(ctx, &GetRequest{
		Key:             key,
		KeyBytes:        r.KeyBytes,
		Partition:       r.Partition,
		TopologyVersion: r.TopologyVersion,
		ReaderNodeID:    client.Cache.Node().ID,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), old.Value)

	_, err = primary.Put(ctx, key, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, g.Flush(ctx))

	client.Cache.storeNear(primary.Node().ID, old)

	got, ok, err := client.Cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), got.Value)
}

func TestCache_ReadThroughWriteThrough(t *testing.T) {
	ms := store.NewMemoryStore()
	cfg := testGridConfig()
	cfg.Settings.ReadThrough = true
	cfg.Settings.WriteThrough = true
	cfg.Store = ms
	g := newTestGrid(t, cfg, 2)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	_, err := c.Put(ctx, "written", []byte("v"))
	require.NoError(t, err)
	kb, err := g.Mapper().KeyBytes("written")
	require.NoError(t, err)
	stored, found, err := ms.Load(ctx, kb)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), stored)

	preloaded, err := g.Mapper().KeyBytes("preloaded")
	require.NoError(t, err)
	require.NoError(t, ms.Put(ctx, preloaded, []byte("from-store")))

	got, ok, err := c.Get(ctx, "preloaded")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-store"), got.Value)
	assert.NotNil(t, localEntry(t, primaryOf(t, g, "preloaded"), "preloaded"))

	removed, err := c.Remove(ctx, "written")
	require.NoError(t, err)
	assert.True(t, removed)
	_, found, err = ms.Load(ctx, kb)
	require.NoError(t, err)
	assert.False(t, found)

	// Batches go through LoadAll and PutAll
	for i := 0; i < 5; i++ {
		kb, err := g.Mapper().KeyBytes(fmt.Sprintf("bulk-%d", i))
		require.NoError(t, err)
		require.NoError(t, ms.Put(ctx, kb, []byte("bulk")))
	}
	keys := []interface{}{"bulk-0", "bulk-1", "bulk-2", "bulk-3", "bulk-4", "nowhere"}
	values, err := c.GetAll(ctx, keys)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NotNil(t, values[i])
		assert.Equal(t, []byte("bulk"), values[i].Value)
	}
	assert.Nil(t, values[5])

	require.NoError(t, c.PutAll(ctx, []KeyValue{{Key: "batch", Value: []byte("b")}}))
	batchKey, err := g.Mapper().KeyBytes("batch")
	require.NoError(t, err)
	_, found, err = ms.Load(ctx, batchKey)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCache_ReplicatedMode(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.Mode = model.CacheModeReplicated
	g := newTestGrid(t, cfg, 3)
	ctx := context.Background()

	_, err := g.Nodes()[0].Cache.Put(ctx, "k", []byte("value"))
	require.NoError(t, err)

	for _, gn := range g.Nodes() {
		e := localEntry(t, gn.Cache, "k")
		require.NotNil(t, e, "node %s", gn.Node.ID)
		assert.Equal(t, model.RoleReplicated, e.Role)

		size, err := gn.Cache.Footprint("k")
		require.NoError(t, err)
		assert.Equal(t, int64(1+5+119+16), size)
	}
}

func TestCache_LocalMode(t *testing.T) {
	cfg := testGridConfig()
	cfg.Settings.Mode = model.CacheModeLocal
	g := newTestGrid(t, cfg, 2)
	ctx := context.Background()
	first, second := g.Nodes()[0].Cache, g.Nodes()[1].Cache

	_, err := first.Put(ctx, "k", []byte("value"))
	require.NoError(t, err)

	_, ok, err := second.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := first.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got.Value)

	r, err := second.Route("k")
	require.NoError(t, err)
	assert.Equal(t, second.Node().ID, r.Primary.ID)

	size, err := first.Footprint("k")
	require.NoError(t, err)
	assert.Equal(t, int64(1+5+119), size)
}

func TestCache_MemoryUsage(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 1)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	_, err := c.Put(ctx, "a", []byte("12345"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "b", []byte("1"))
	require.NoError(t, err)

	total, err := c.MemoryUsage()
	require.NoError(t, err)
	assert.Equal(t, int64((1+5+119+16)+(1+1+119+16)), total)
}

func TestCache_StoppedNodeIsUnavailable(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 1)
	c := g.Nodes()[0].Cache
	require.NoError(t, c.Stop(time.Second))

	_, err := c.Put(context.Background(), "k", []byte("v"))
	assert.True(t, errors.Is(err, cerrors.ErrUnavailable))
}

// slowStore holds each batch write for a moment after applying it
type slowStore struct {
	*store.MemoryStore
	delay time.Duration
	fail  bool
}

func (s *slowStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	err := s.MemoryStore.PutAll(ctx, entries)
	time.Sleep(s.delay)
	return err
}

func TestCache_PutAllWriteThroughFollowsCacheOrder(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemoryStore(), delay: time.Millisecond}
	cfg := testGridConfig()
	cfg.Settings.WriteThrough = true
	cfg.Store = st
	g := newTestGrid(t, cfg, 2)
	ctx := context.Background()

	kb, err := g.Mapper().KeyBytes("k")
	require.NoError(t, err)

	for round := 0; round < 30; round++ {
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(c *CacheService, value string) {
				defer wg.Done()
				assert.NoError(t, c.PutAll(ctx, []KeyValue{{Key: "k", Value: []byte(value)}}))
			}(g.Nodes()[w%2].Cache, fmt.Sprintf("r%d-w%d", round, w))
		}
		wg.Wait()

		cached, ok, err := g.Nodes()[0].Cache.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		persisted, found, err := st.Load(ctx, kb)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, cached.Value, persisted, "round %d", round)
	}
}

func TestCache_PutAllStoreFailureLeavesCacheUnchanged(t *testing.T) {
	st := &slowStore{MemoryStore: store.NewMemoryStore()}
	cfg := testGridConfig()
	cfg.Settings.WriteThrough = true
	cfg.Store = st
	g := newTestGrid(t, cfg, 2)
	ctx := context.Background()
	c := g.Nodes()[0].Cache

	require.NoError(t, c.PutAll(ctx, []KeyValue{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("1")}}))

	st.fail = true
	err := c.PutAll(ctx, []KeyValue{{Key: "a", Value: []byte("2")}, {Key: "b", Value: []byte("2")}})
	assert.True(t, errors.Is(err, cerrors.ErrInternal))

	for _, key := range []string{"a", "b"} {
		got, ok, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("1"), got.Value, key)
	}
}
