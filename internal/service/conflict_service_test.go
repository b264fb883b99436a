package service

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/gridcache/internal/algorithm"
	cerrors "github.com/devrev/gridcache/internal/errors"
	"github.com/devrev/gridcache/internal/metrics"
	"github.com/devrev/gridcache/internal/model"
)

func newTestConflicts(custom algorithm.ConflictResolver) (*ConflictService, *metrics.Metrics) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	versions := NewVersionService(1, 0)
	return NewConflictService(custom, algorithm.NewDefaultResolver(algorithm.TiebreakWallClock), versions, m, zap.NewNop()), m
}

var (
	localValue = model.VersionedValue{
		Value:   []byte("local"),
		Version: model.EntryVersion{TopologyVersion: 1, Order: 5, NodeOrder: 1, GlobalTime: 100},
	}
	concurrentValue = model.VersionedValue{
		Value:   []byte("remote"),
		Version: model.EntryVersion{TopologyVersion: 1, Order: 3, NodeOrder: 2, GlobalTime: 200},
	}
)

func TestConflictService_Default(t *testing.T) {
	s, m := newTestConflicts(nil)

	out := s.Resolve("k", localValue, concurrentValue, 1)
	assert.Equal(t, model.UseNew, out.Decision)
	assert.Equal(t, concurrentValue.Value, out.Value)
	assert.Equal(t, concurrentValue.Version, out.Version)
	assert.True(t, out.Changed())

	out = s.Resolve("k", concurrentValue, localValue, 1)
	assert.Equal(t, model.UseLocal, out.Decision)
	assert.False(t, out.Changed())

	// Replays of the same version keep the local entry
	out = s.Resolve("k", localValue, localValue, 1)
	assert.Equal(t, model.UseLocal, out.Decision)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConflictDecisions.WithLabelValues("use_new")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConflictDecisions.WithLabelValues("use_local")))
}

func TestConflictService_CustomDecisions(t *testing.T) {
	var seen algorithm.ConflictContext
	custom := algorithm.ConflictResolverFunc(func(c algorithm.ConflictContext) (algorithm.Resolution, error) {
		seen = c
		return algorithm.Resolution{Decision: model.UseLocal}, nil
	})
	s, _ := newTestConflicts(custom)

	// The custom resolver overrides the default verdict, so the kept value is
	// stamped again to win on replicas that compare with the default resolver
	out := s.Resolve("k", localValue, concurrentValue, 3)
	assert.Equal(t, model.UseLocal, out.Decision)
	assert.Equal(t, localValue.Value, out.Value)
	assert.True(t, out.Restamped)
	assert.True(t, out.Changed())
	assert.Equal(t, int64(3), out.Version.TopologyVersion)
	assert.Equal(t, "k", seen.Key)
	assert.Equal(t, model.VersionConcurrent, seen.Comparison)

	def := algorithm.NewDefaultResolver(algorithm.TiebreakWallClock)
	assert.Equal(t, model.UseNew, def.Decide(concurrentValue.Version, out.Version))

	// Agreeing with the default keeps the local version
	out = s.Resolve("k", concurrentValue, localValue, 3)
	assert.Equal(t, model.UseLocal, out.Decision)
	assert.False(t, out.Restamped)
	assert.Equal(t, concurrentValue.Version, out.Version)
}

func TestConflictService_CustomUseNewRestamped(t *testing.T) {
	custom := algorithm.ConflictResolverFunc(func(algorithm.ConflictContext) (algorithm.Resolution, error) {
		return algorithm.Resolution{Decision: model.UseNew}, nil
	})
	s, _ := newTestConflicts(custom)
	def := algorithm.NewDefaultResolver(algorithm.TiebreakWallClock)

	// The default would keep localValue against an older wall clock
	out := s.Resolve("k", concurrentValue, localValue, 2)
	assert.Equal(t, model.UseNew, out.Decision)
	assert.Equal(t, localValue.Value, out.Value)
	require.True(t, out.Restamped)
	assert.Equal(t, model.UseNew, def.Decide(concurrentValue.Version, out.Version))
	assert.Equal(t, model.UseNew, def.Decide(localValue.Version, out.Version))

	out = s.Resolve("k", localValue, concurrentValue, 2)
	assert.False(t, out.Restamped)
	assert.Equal(t, concurrentValue.Version, out.Version)
}

func TestConflictService_Merge(t *testing.T) {
	custom := algorithm.ConflictResolverFunc(func(c algorithm.ConflictContext) (algorithm.Resolution, error) {
		return algorithm.Resolution{Decision: model.Merge, MergedValue: []byte("merged")}, nil
	})
	s, _ := newTestConflicts(custom)

	out := s.Resolve("k", localValue, concurrentValue, 4)
	require.Equal(t, model.Merge, out.Decision)
	assert.Equal(t, []byte("merged"), out.Value)
	assert.Equal(t, int64(4), out.Version.TopologyVersion)

	def := algorithm.NewDefaultResolver(algorithm.TiebreakWallClock)
	assert.Equal(t, model.UseNew, def.Decide(localValue.Version, out.Version))
	assert.Equal(t, model.UseNew, def.Decide(concurrentValue.Version, out.Version))
}

func TestConflictService_ResolverFailures(t *testing.T) {
	tests := []struct {
		name     string
		resolver algorithm.ConflictResolverFunc
	}{
		{
			name: "error",
			resolver: func(algorithm.ConflictContext) (algorithm.Resolution, error) {
				return algorithm.Resolution{}, errors.New("unavailable")
			},
		},
		{
			name: "panic",
			resolver: func(algorithm.ConflictContext) (algorithm.Resolution, error) {
				panic("boom")
			},
		},
		{
			name: "merge without value",
			resolver: func(algorithm.ConflictContext) (algorithm.Resolution, error) {
				return algorithm.Resolution{Decision: model.Merge}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestConflicts(tt.resolver)

			out := s.Resolve("k", localValue, concurrentValue, 1)
			assert.Equal(t, model.UseNew, out.Decision)
			assert.Equal(t, concurrentValue.Version, out.Version)
			assert.True(t, errors.Is(out.ResolverErr, cerrors.ErrResolverFailure))
			assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolverFailures))
		})
	}
}

func TestConflictService_Supersedes(t *testing.T) {
	s, m := newTestConflicts(nil)

	assert.True(t, s.Supersedes(localValue.Version, concurrentValue.Version))
	assert.False(t, s.Supersedes(concurrentValue.Version, localValue.Version))
	assert.False(t, s.Supersedes(localValue.Version, localValue.Version))
	assert.Zero(t, testutil.CollectAndCount(m.ConflictDecisions))
}
