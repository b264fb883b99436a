package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
)

func TestTombstoneCleaner_RunOnce(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	g, err := NewGrid(testGridConfig(), m, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Stop() })

	gn, err := g.AddNode(context.Background(), NodeOptions{ID: "node-1"})
	require.NoError(t, err)
	c := gn.Cache
	ctx := context.Background()

	_, err = c.Put(ctx, "gone", []byte("v"))
	require.NoError(t, err)
	_, err = c.Remove(ctx, "gone")
	require.NoError(t, err)
	_, err = c.Put(ctx, "kept", []byte("v"))
	require.NoError(t, err)

	cleaner := NewTombstoneCleaner(c, time.Minute, time.Hour, zap.NewNop())
	assert.Zero(t, cleaner.RunOnce())

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, cleaner.RunOnce())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TombstonesPurged))

	_, err = c.Footprint("gone")
	assert.True(t, errors.Is(err, cerrors.ErrKeyNotFound))

	// Only "kept" remains in the memory gauge
	assert.Equal(t, float64(4+1+119+16), testutil.ToFloat64(m.EntryMemoryBytes.WithLabelValues("node-1")))
}

func TestTombstoneCleaner_Loop(t *testing.T) {
	g := newTestGrid(t, testGridConfig(), 1)
	c := g.Nodes()[0].Cache
	ctx := context.Background()

	_, err := c.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	_, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	cleaner := NewTombstoneCleaner(c, time.Millisecond, 5*time.Millisecond, zap.NewNop())
	cleaner.Start()
	defer cleaner.Stop()

	assert.Eventually(t, func() bool {
		return c.Stats().Tombstones == 0
	}, 2*time.Second, 10*time.Millisecond)

	cleaner.Stop()
	cleaner.Stop()
}

func TestLocalTransport(t *testing.T) {
	transport := NewLocalTransport()

	_, err := transport.Peer("missing")
	assert.True(t, errors.Is(err, cerrors.ErrUnavailable))

	peer := &supplierPeer{}
	transport.Register("node-1", peer)
	got, err := transport.Peer("node-1")
	require.NoError(t, err)
	assert.Same(t, peer, got)

	transport.Unregister("node-1")
	_, err = transport.Peer("node-1")
	assert.True(t, errors.Is(err, cerrors.ErrUnavailable))
}
