// Package metrics holds the Prometheus collectors of the rendition engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "renditiond"

type Metrics struct {
	cacheLookups   *prometheus.CounterVec
	renders        *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	sharedResults  *prometheus.CounterVec
	mirrorUploads  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Codec jobs run by kind and outcome.",
		}, []string{"kind", "outcome"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent running codec jobs, including waiting for a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		sharedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "shared_results_total",
			Help:      "Requests served by attaching to an in-flight job.",
		}, []string{"registry"}),
		mirrorUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "uploads_total",
			Help:      "Mirror uploads by backend and outcome.",
		}, []string{"backend", "outcome"}),
	}
	reg.MustRegister(m.cacheLookups, m.renders, m.renderDuration, m.sharedResults, m.mirrorUploads)
	return m
}

func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) JobDone(kind string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(kind, outcome(err)).Inc()
	m.renderDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) SharedResult(registry string) {
	if m == nil {
		return
	}
	m.sharedResults.WithLabelValues(registry).Inc()
}

func (m *Metrics) MirrorUpload(backend string, err error) {
	if m == nil {
		return
	}
	m.mirrorUploads.WithLabelValues(backend, outcome(err)).Inc()
}

// RegisterGaugeFunc exposes fn as a gauge sampled on every scrape.
func RegisterGaugeFunc(reg prometheus.Registerer, subsystem, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
