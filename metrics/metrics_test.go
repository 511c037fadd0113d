package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series of name whose labels include want.
func sample(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s %v not found", name, want)
	return 0
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CacheLookup("memory", true)
	m.CacheLookup("memory", true)
	m.CacheLookup("disk", false)
	m.JobDone("render", 20*time.Millisecond, nil)
	m.JobDone("render", time.Millisecond, errors.New("boom"))
	m.SharedResult("render")
	m.MirrorUpload("s3", nil)

	assert.Equal(t, 2.0, sample(t, reg, "renditiond_cache_lookups_total", map[string]string{"tier": "memory", "result": "hit"}))
	assert.Equal(t, 1.0, sample(t, reg, "renditiond_cache_lookups_total", map[string]string{"tier": "disk", "result": "miss"}))
	assert.Equal(t, 1.0, sample(t, reg, "renditiond_queue_jobs_total", map[string]string{"kind": "render", "outcome": "failure"}))
	assert.Equal(t, 2.0, sample(t, reg, "renditiond_queue_job_duration_seconds", map[string]string{"kind": "render"}))
	assert.Equal(t, 1.0, sample(t, reg, "renditiond_queue_shared_results_total", map[string]string{"registry": "render"}))
	assert.Equal(t, 1.0, sample(t, reg, "renditiond_mirror_uploads_total", map[string]string{"backend": "s3", "outcome": "success"}))
}

func TestRegisterGaugeFunc(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterGaugeFunc(reg, "queue", "in_flight", "test gauge", func() float64 { return 3 })
	assert.Equal(t, 3.0, sample(t, reg, "renditiond_queue_in_flight", nil))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup("memory", true)
	m.JobDone("render", time.Second, nil)
	m.SharedResult("crop")
	m.MirrorUpload("s3", nil)
}
