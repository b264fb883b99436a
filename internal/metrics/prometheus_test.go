package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordRead(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRead("default", "node-1", true)
	m.RecordRead("default", "node-1", false)
	m.RecordRead("default", "node-1", true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Reads.WithLabelValues("default", "node-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Hits.WithLabelValues("default", "node-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Misses.WithLabelValues("default", "node-1")))
}

func TestMetrics_RecordAssignment(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAssignment(7, 0.002, 3)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.TopologyVersion))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UnderReplicated))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
