// Package metrics exposes Prometheus collectors for frontier, worker and
// supervisor activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes used as the "result" label on FetchesTotal.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultGarbled  = "garbled"
	ResultEmpty    = "empty"
	ResultThrottle = "throttle_cancelled"
)

// Drain outcomes used as the "outcome" label on DrainsTotal.
const (
	DrainOK        = "ok"
	DrainSinkError = "sink_error"
)

// Metrics groups every collector the crawler updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	FetchesTotal     *prometheus.CounterVec
	DispatchedTotal  prometheus.Counter
	ScheduledTotal   prometheus.Counter
	RecordsSaved     prometheus.Counter
	DrainsTotal      *prometheus.CounterVec
	WorkerRestarts   prometheus.Counter
	WorkersWorking   prometheus.Gauge
	BufferedRecords  prometheus.Gauge
	InProgress       prometheus.Gauge
	QueuePending     prometheus.Gauge
	PolitenessWaitS  prometheus.Histogram
	DrainDurationSec prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. When reg is nil a private registry is used.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_fetches_total",
			Help: "Pages visited by workers, labeled by result.",
		}, []string{"result"}),
		DispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_frontier_dispatched_total",
			Help: "Addresses handed to workers by the frontier.",
		}),
		ScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_frontier_scheduled_total",
			Help: "New addresses admitted into the frontier.",
		}),
		RecordsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_records_saved_total",
			Help: "Extracted records delivered to the sink.",
		}),
		DrainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_drains_total",
			Help: "Drain cycles, labeled by outcome.",
		}, []string{"outcome"}),
		WorkerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_worker_restarts_total",
			Help: "Workers replaced after their goroutine terminated.",
		}),
		WorkersWorking: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_workers_working",
			Help: "Workers observed fetching at the last supervisor tick.",
		}),
		BufferedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_buffered_records",
			Help: "Records held in worker buffers at the last supervisor tick.",
		}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_in_progress",
			Help: "Addresses dispatched but not yet completed.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_frontier_pending",
			Help: "Addresses waiting in the persisted work queue.",
		}),
		PolitenessWaitS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_politeness_wait_seconds",
			Help:    "Time spent waiting for the politeness delay before a fetch.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		DrainDurationSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawler_drain_duration_seconds",
			Help:    "Time from raising the pause to resuming workers.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.DispatchedTotal,
		m.ScheduledTotal,
		m.RecordsSaved,
		m.DrainsTotal,
		m.WorkerRestarts,
		m.WorkersWorking,
		m.BufferedRecords,
		m.InProgress,
		m.QueuePending,
		m.PolitenessWaitS,
		m.DrainDurationSec,
	)
	return m
}

// Handler returns an http.Handler exposing the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveFetch counts a visited page.
func (m *Metrics) ObserveFetch(result string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
}

// ObservePolitenessWait records how long a worker waited before fetching.
func (m *Metrics) ObservePolitenessWait(seconds float64) {
	if m == nil {
		return
	}
	m.PolitenessWaitS.Observe(seconds)
}

// AddDispatched counts addresses granted by a dispatch.
func (m *Metrics) AddDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DispatchedTotal.Add(float64(n))
}

// AddScheduled counts addresses admitted into the frontier.
func (m *Metrics) AddScheduled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ScheduledTotal.Add(float64(n))
}

// ObserveDrain records a drain cycle.
func (m *Metrics) ObserveDrain(outcome string, records int, seconds float64) {
	if m == nil {
		return
	}
	m.DrainsTotal.WithLabelValues(outcome).Inc()
	m.DrainDurationSec.Observe(seconds)
	if outcome == DrainOK && records > 0 {
		m.RecordsSaved.Add(float64(records))
	}
}

// IncWorkerRestarts counts a replaced worker.
func (m *Metrics) IncWorkerRestarts() {
	if m == nil {
		return
	}
	m.WorkerRestarts.Inc()
}

// SetPool records the pool snapshot taken at a supervisor tick.
func (m *Metrics) SetPool(working, buffered int) {
	if m == nil {
		return
	}
	m.WorkersWorking.Set(float64(working))
	m.BufferedRecords.Set(float64(buffered))
}

// SetFrontier records the frontier snapshot taken at a supervisor tick.
func (m *Metrics) SetFrontier(pending, inProgress int64) {
	if m == nil {
		return
	}
	m.QueuePending.Set(float64(pending))
	m.InProgress.Set(float64(inProgress))
}
