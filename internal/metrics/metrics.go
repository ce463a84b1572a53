// Package metrics defines Prometheus metrics for the probe worker.
//
// All metrics live on a private registry owned by the Aggregator so tests can
// reset them and the API can take consistent snapshots without touching the
// process-global registry.
//
// Metric naming follows Prometheus conventions:
//   - vigil_ prefix for all custom metrics
//   - _total suffix for counters
//   - _ms suffix for the duration histogram (bucket bounds in milliseconds)
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// DurationBuckets are the fixed probe-duration histogram bounds, in ms.
var DurationBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000, 300000}

// Aggregator owns the worker's in-memory counters and histograms.
type Aggregator struct {
	registry *prometheus.Registry

	started       *prometheus.CounterVec
	results       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	heartbeats    *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	queueOverflow *prometheus.CounterVec

	startUnix atomic.Int64
}

// New creates an aggregator with a fresh registry.
func New() *Aggregator {
	a := &Aggregator{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_probes_started_total",
				Help: "Total probes started, by target and kind.",
			},
			[]string{"target", "kind"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_probes_result_total",
				Help: "Total classified probe results, by target, kind and status.",
			},
			[]string{"target", "kind", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vigil_probe_duration_ms",
				Help:    "Probe duration in milliseconds.",
				Buckets: DurationBuckets,
			},
			[]string{"target", "kind"},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_heartbeats_total",
				Help: "Total heartbeats written by this instance.",
			},
			nil,
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_dropped_events_total",
				Help: "Events dropped per slow subscriber.",
			},
			[]string{"subscriber"},
		),
		queueOverflow: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_queue_overflow_total",
				Help: "Trigger ticks skipped because the job queue was full.",
			},
			nil,
		),
	}
	a.startUnix.Store(time.Now().Unix())

	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "vigil_uptime_seconds",
			Help: "Seconds since the worker started.",
		},
		func() float64 { return float64(time.Now().Unix() - a.startUnix.Load()) },
	)

	a.registry.MustRegister(a.started, a.results, a.duration, a.heartbeats, a.dropped, a.queueOverflow, uptime)
	return a
}

// RecordProbeStart increments the started counter for one dispatch.
func (a *Aggregator) RecordProbeStart(target, kind string) {
	a.started.WithLabelValues(target, kind).Inc()
}

// RecordResult records one classified outcome and its duration.
func (a *Aggregator) RecordResult(target, kind, status string, elapsed time.Duration) {
	a.results.WithLabelValues(target, kind, status).Inc()
	a.duration.WithLabelValues(target, kind).Observe(float64(elapsed.Milliseconds()))
}

// RecordHeartbeat counts one heartbeat write.
func (a *Aggregator) RecordHeartbeat() {
	a.heartbeats.WithLabelValues().Inc()
}

// RecordDroppedEvent counts one event dropped for a slow subscriber.
func (a *Aggregator) RecordDroppedEvent(subscriber string) {
	a.dropped.WithLabelValues(subscriber).Inc()
}

// RecordQueueOverflow counts one skipped trigger tick.
func (a *Aggregator) RecordQueueOverflow() {
	a.queueOverflow.WithLabelValues().Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (a *Aggregator) Handler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
}

// Reset zeros all counters and histograms and restarts the uptime gauge.
// Test hook.
func (a *Aggregator) Reset() {
	a.started.Reset()
	a.results.Reset()
	a.duration.Reset()
	a.heartbeats.Reset()
	a.dropped.Reset()
	a.queueOverflow.Reset()
	a.startUnix.Store(time.Now().Unix())
}

// HistogramSnapshot is a copy of one histogram series.
type HistogramSnapshot struct {
	Count   uint64             `json:"count"`
	Sum     float64            `json:"sum"`
	Buckets map[float64]uint64 `json:"buckets"`
}

// Snapshot is a point-in-time copy of every metric. Counters may be slightly
// skewed relative to each other; each individual series is consistent.
type Snapshot struct {
	Counters   map[string]float64           `json:"counters"`
	Gauges     map[string]float64           `json:"gauges"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
}

// Snapshot gathers the registry into flat maps keyed by
// name{label="value",...}.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:   make(map[string]float64),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string]HistogramSnapshot),
	}
	families, err := a.registry.Gather()
	if err != nil {
		return snap
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := seriesKey(fam.GetName(), m)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snap.Gauges[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				hs := HistogramSnapshot{
					Count:   h.GetSampleCount(),
					Sum:     h.GetSampleSum(),
					Buckets: make(map[float64]uint64, len(h.GetBucket())),
				}
				for _, b := range h.GetBucket() {
					hs.Buckets[b.GetUpperBound()] = b.GetCumulativeCount()
				}
				snap.Histograms[key] = hs
			}
		}
	}
	return snap
}

// CounterValue returns one counter series from a fresh snapshot, 0 when the
// series has never been incremented.
func (a *Aggregator) CounterValue(name string, labels map[string]string) float64 {
	snap := a.Snapshot()
	return snap.Counters[keyFor(name, labels)]
}

func seriesKey(name string, m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func keyFor(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}
