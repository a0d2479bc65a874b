package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clip-acquirer/internal/failure"
)

const namespace = "clipacq"

// Gauges are sampled at scrape time.
type Gauges struct {
	ActiveJobs  func() int
	Connections func() int
}

// Metrics records acquisition lifecycle events. It satisfies the
// orchestrator's Observer.
type Metrics struct {
	registry         *prometheus.Registry
	started          prometheus.Counter
	rejected         *prometheus.CounterVec
	cacheHits        prometheus.Counter
	finished         *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	strategies       *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
}

func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_started_total",
			Help:      "Acquisitions that obtained the resource lock.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_rejected_total",
			Help:      "Acquisition requests rejected before any strategy ran.",
		}, []string{"reason"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Acquisitions served from an existing output file.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_finished_total",
			Help:      "Acquisitions by terminal status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquisition_duration_seconds",
			Help:      "Wall time from lock to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		strategies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_attempts_total",
			Help:      "Strategy runs by outcome; outcome is ok or the failure kind.",
		}, []string{"strategy", "outcome"}),
		strategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_duration_seconds",
			Help:      "Wall time of a single strategy run.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 11),
		}, []string{"strategy"}),
	}
	m.registry.MustRegister(
		m.started, m.rejected, m.cacheHits, m.finished,
		m.jobDuration, m.strategies, m.strategyDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	if g.ActiveJobs != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Resources currently holding a lock.",
		}, func() float64 { return float64(g.ActiveJobs()) }))
	}
	if g.Connections != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_connections",
			Help:      "Open progress channel connections.",
		}, func() float64 { return float64(g.Connections()) }))
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) JobRejected(reason string) { m.rejected.WithLabelValues(reason).Inc() }

func (m *Metrics) JobStarted() { m.started.Inc() }

func (m *Metrics) CacheHit() { m.cacheHits.Inc() }

func (m *Metrics) StrategyFinished(strategy string, kind failure.Kind, took time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	m.strategies.WithLabelValues(strategy, outcome).Inc()
	m.strategyDuration.WithLabelValues(strategy).Observe(took.Seconds())
}

func (m *Metrics) JobFinished(status string, took time.Duration) {
	if status == "" {
		status = "unknown"
	}
	m.finished.WithLabelValues(status).Inc()
	m.jobDuration.Observe(took.Seconds())
}
