// Package metrics exposes pipeline counters to Prometheus and keeps the
// latency samples used for the end of run performance summary.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swdee/go-posepipe"
)

// DefaultSampleWindow is the number of recent latency samples kept for the
// percentiles of the performance summary
const DefaultSampleWindow = 4096

// StatsFunc returns a snapshot of scheduler state
type StatsFunc func() posepipe.Stats

// Metrics holds the Prometheus collectors and latency samples for a run
type Metrics struct {
	registry *prometheus.Registry

	delivered   prometheus.Counter
	latency     prometheus.Histogram
	archiveErrs prometheus.Counter

	mu sync.Mutex
	// samples is a ring of the most recent latencies in milliseconds
	samples    []float64
	next       int
	maxSamples int
	// totals over every delivery
	count int
	sum   float64
	max   float64
	first time.Time
	last  time.Time
	now   func() time.Time
}

// New creates a Metrics instance.  When stats is not nil scheduler gauges are
// registered that read it on every scrape.
func New(stats StatsFunc) *Metrics {

	m := &Metrics{
		registry:   prometheus.NewRegistry(),
		maxSamples: DefaultSampleWindow,
		now:        time.Now,
	}

	m.delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posepipe_frames_delivered_total",
		Help: "Total results delivered in sequence order",
	})

	m.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "posepipe_frame_latency_seconds",
		Help:    "Time from frame read to in order delivery",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	m.archiveErrs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "posepipe_archive_write_errors_total",
		Help: "Total archive units that failed to write",
	})

	m.registry.MustRegister(m.delivered, m.latency, m.archiveErrs)

	if stats != nil {
		m.registerSchedulerGauges(stats)
	}

	return m
}

// registerSchedulerGauges exports scheduler state, occupancy as gauges and
// running totals as counters
func (m *Metrics) registerSchedulerGauges(stats StatsFunc) {

	gauges := []struct {
		name string
		help string
		fn   func(s posepipe.Stats) float64
	}{
		{"posepipe_slots", "Number of inference slots",
			func(s posepipe.Stats) float64 { return float64(s.Size) }},
		{"posepipe_slots_busy", "Inference slots with a request in flight",
			func(s posepipe.Stats) float64 { return float64(s.InFlight) }},
		{"posepipe_results_pending", "Completed results waiting for an earlier sequence",
			func(s posepipe.Stats) float64 { return float64(s.Pending) }},
	}

	for _, g := range gauges {
		fn := g.fn

		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: g.name,
				Help: g.help,
			},
			func() float64 { return fn(stats()) },
		))
	}

	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "posepipe_frames_submitted_total",
			Help: "Total frames submitted for inference",
		}, func() float64 { return float64(stats().Submitted) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "posepipe_frames_completed_total",
			Help: "Total inference requests completed",
		}, func() float64 { return float64(stats().Completed) }),
	)
}

// ObserveDelivery records a result delivered at the current time for a frame
// read at start
func (m *Metrics) ObserveDelivery(start time.Time) {

	now := m.now()
	lat := now.Sub(start)

	m.delivered.Inc()
	m.latency.Observe(lat.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.first.IsZero() {
		m.first = now
	}

	m.last = now

	ms := float64(lat) / float64(time.Millisecond)

	m.count++
	m.sum += ms

	if ms > m.max {
		m.max = ms
	}

	if len(m.samples) < m.maxSamples {
		m.samples = append(m.samples, ms)
		return
	}

	m.samples[m.next] = ms
	m.next = (m.next + 1) % m.maxSamples
}

// ArchiveError counts a failed archive write
func (m *Metrics) ArchiveError() {
	m.archiveErrs.Inc()
}

// Registry returns the registry the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Summary returns the performance summary of all deliveries so far.  Frames,
// mean, max and FPS cover every delivery, the percentiles cover the most
// recent DefaultSampleWindow.
func (m *Metrics) Summary() Summary {

	m.mu.Lock()
	samples := append([]float64(nil), m.samples...)
	elapsed := m.last.Sub(m.first)
	count, sum, maxMs := m.count, m.sum, m.max
	m.mu.Unlock()

	s := summarize(samples, elapsed)

	if count == 0 {
		return s
	}

	s.Frames = count
	s.Mean = sum / float64(count)
	s.Max = maxMs

	if elapsed > 0 && count > 1 {
		s.FPS = float64(count-1) / elapsed.Seconds()
	}

	return s
}
