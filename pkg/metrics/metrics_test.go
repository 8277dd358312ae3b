package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	assert.NotNil(t, m.RegistryManifests)
	assert.NotNil(t, m.DeliveryEvents)
	assert.NotNil(t, m.PipelineRuns)
	assert.NotNil(t, m.HealthState)
}

func TestMetrics_Recording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.RegistryManifests.Set(3)
	m.ManifestsDropped.WithLabelValues("decode").Inc()
	m.ManifestsDropped.WithLabelValues("decode").Inc()
	m.PipelineRuns.WithLabelValues("done").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RegistryManifests))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ManifestsDropped.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineRuns.WithLabelValues("done")))
}

func TestMetrics_NilRegistry(t *testing.T) {
	// two instances must not collide
	a := New(nil)
	b := New(nil)
	a.MirrorsPinned.Set(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MirrorsPinned))
}
