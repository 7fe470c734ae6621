// Package metrics wires the store's counters and latency histograms into a
// Prometheus registry, mirroring the counter/gauge layout of the WAL
// package this was adapted from: promauto.With(reg) construction, plain
// counters for event counts, and a gauge for point-in-time state.
package metrics

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds every metric the engine and its HTTP edge report.
type Store struct {
	PutTotal      prometheus.Counter
	GetTotal      prometheus.Counter
	DeleteTotal   prometheus.Counter
	RangeGetTotal prometheus.Counter

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	NotModifiedTotal        prometheus.Counter
	PreconditionFailedTotal prometheus.Counter

	SegmentRotations prometheus.Counter
	Checkpoints      prometheus.Counter
	GcRuns           prometheus.Counter
	GcSegmentsDropped   prometheus.Counter
	GcSegmentsRewritten prometheus.Counter

	ActiveSegmentBytes prometheus.Gauge
	CasEntryCount      prometheus.Gauge

	mu       sync.Mutex
	getHisto *hdrhistogram.Histogram
	putHisto *hdrhistogram.Histogram
}

// New registers every metric against reg (typically prometheus.NewRegistry()
// rather than the global default, so tests can use isolated registries).
func New(reg prometheus.Registerer) *Store {
	f := promauto.With(reg)
	return &Store{
		PutTotal:      f.NewCounter(prometheus.CounterOpts{Name: "objectstore_put_total", Help: "Total PUT operations."}),
		GetTotal:      f.NewCounter(prometheus.CounterOpts{Name: "objectstore_get_total", Help: "Total GET operations."}),
		DeleteTotal:   f.NewCounter(prometheus.CounterOpts{Name: "objectstore_delete_total", Help: "Total DELETE operations."}),
		RangeGetTotal: f.NewCounter(prometheus.CounterOpts{Name: "objectstore_range_get_total", Help: "Total GET operations with a Range header."}),

		BytesIn:  f.NewCounter(prometheus.CounterOpts{Name: "objectstore_bytes_in_total", Help: "Total bytes accepted via PUT."}),
		BytesOut: f.NewCounter(prometheus.CounterOpts{Name: "objectstore_bytes_out_total", Help: "Total bytes served via GET."}),

		NotModifiedTotal:        f.NewCounter(prometheus.CounterOpts{Name: "objectstore_not_modified_total", Help: "Total 304 responses."}),
		PreconditionFailedTotal: f.NewCounter(prometheus.CounterOpts{Name: "objectstore_precondition_failed_total", Help: "Total 412 responses."}),

		SegmentRotations: f.NewCounter(prometheus.CounterOpts{Name: "objectstore_segment_rotations_total", Help: "Total active segment rotations."}),
		Checkpoints:      f.NewCounter(prometheus.CounterOpts{Name: "objectstore_checkpoints_total", Help: "Total checkpoints taken."}),
		GcRuns:           f.NewCounter(prometheus.CounterOpts{Name: "objectstore_gc_runs_total", Help: "Total GC planner invocations that produced a non-empty plan."}),
		GcSegmentsDropped:   f.NewCounter(prometheus.CounterOpts{Name: "objectstore_gc_segments_dropped_total", Help: "Total sealed segments dropped by GC."}),
		GcSegmentsRewritten: f.NewCounter(prometheus.CounterOpts{Name: "objectstore_gc_segments_rewritten_total", Help: "Total sealed segments rewritten by GC."}),

		ActiveSegmentBytes: f.NewGauge(prometheus.GaugeOpts{Name: "objectstore_active_segment_bytes", Help: "Current size of the active segment."}),
		CasEntryCount:      f.NewGauge(prometheus.GaugeOpts{Name: "objectstore_cas_entries", Help: "Current number of materialized CAS entries."}),

		getHisto: hdrhistogram.New(1, 10_000_000, 3), // microseconds, 1us .. 10s
		putHisto: hdrhistogram.New(1, 10_000_000, 3),
	}
}

// ObserveGet records a GET's latency in an in-process HdrHistogram, read
// back through GetLatency (separate from the Prometheus counters above,
// which track counts, not distributions; the histogram is not exported on
// /metrics).
func (s *Store) ObserveGet(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.getHisto.RecordValue(d.Microseconds())
}

// ObservePut records a PUT's latency the same way.
func (s *Store) ObservePut(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.putHisto.RecordValue(d.Microseconds())
}

// LatencySnapshot is a point-in-time percentile summary in microseconds.
type LatencySnapshot struct {
	P50, P95, P99, Max int64
}

func (s *Store) GetLatency() LatencySnapshot  { return snapshot(s.getHisto, &s.mu) }
func (s *Store) PutLatency() LatencySnapshot  { return snapshot(s.putHisto, &s.mu) }

func snapshot(h *hdrhistogram.Histogram, mu *sync.Mutex) LatencySnapshot {
	mu.Lock()
	defer mu.Unlock()
	return LatencySnapshot{
		P50: h.ValueAtQuantile(50),
		P95: h.ValueAtQuantile(95),
		P99: h.ValueAtQuantile(99),
		Max: h.Max(),
	}
}
