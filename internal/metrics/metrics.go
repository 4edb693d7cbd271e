// Package metrics holds the Prometheus collectors scraped at /metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusCountFunc reports the current number of tasks per status.
type StatusCountFunc func(ctx context.Context) (map[string]int, error)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobsRunning    prometheus.Gauge
	tokensIssued   prometheus.Counter
	tokensDenied   *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	spawns         *prometheus.CounterVec
	syncCycles     *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	activeWorkers  prometheus.Gauge
	lastSweepUnixS prometheus.Gauge
}

// New creates and registers every collector. counts may be nil.
func New(counts StatusCountFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_job_runs_total",
				Help: "Scheduled job runs by job and outcome",
			},
			[]string{"job", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lobwife_job_duration_seconds",
				Help:    "Scheduled job run duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"job"},
		),
		jobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lobwife_jobs_running",
				Help: "Jobs currently executing",
			},
		),
		tokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lobwife_broker_tokens_issued_total",
				Help: "Installation tokens minted for registered tasks",
			},
		),
		tokensDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_broker_tokens_denied_total",
				Help: "Token requests refused, by reason",
			},
			[]string{"reason"},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_monitor_actions_total",
				Help: "Lifecycle monitor actions, by action",
			},
			[]string{"action"},
		),
		spawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_dispatcher_spawns_total",
				Help: "Worker spawn attempts by outcome",
			},
			[]string{"outcome"},
		),
		syncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_vault_sync_cycles_total",
				Help: "Vault sync cycles by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lobwife_http_requests_total",
				Help: "API requests by route and status code",
			},
			[]string{"route", "code"},
		),
		activeWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lobwife_active_workers",
				Help: "Worker containers seen at the last dispatch",
			},
		),
		lastSweepUnixS: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lobwife_monitor_last_sweep_timestamp_seconds",
				Help: "Unix time of the last completed lifecycle sweep",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobRuns,
		m.jobDuration,
		m.jobsRunning,
		m.tokensIssued,
		m.tokensDenied,
		m.recoveries,
		m.spawns,
		m.syncCycles,
		m.httpRequests,
		m.activeWorkers,
		m.lastSweepUnixS,
	)
	if counts != nil {
		m.registry.MustRegister(&taskCollector{counts: counts})
	}
	return m
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// JobSkipped counts a run that never started (overlap or misfire).
func (m *Metrics) JobSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, reason).Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) TokenDenied(reason string) {
	if m == nil {
		return
	}
	m.tokensDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) MonitorAction(action string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(action).Inc()
}

func (m *Metrics) SweepCompleted(at time.Time) {
	if m == nil {
		return
	}
	m.lastSweepUnixS.Set(float64(at.Unix()))
}

func (m *Metrics) Spawn(outcome string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

func (m *Metrics) SyncCycle(outcome string) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

var taskStatusDesc = prometheus.NewDesc(
	"lobwife_tasks",
	"Tasks by status, read from the store at scrape time",
	[]string{"status"}, nil,
)

type taskCollector struct {
	counts StatusCountFunc
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- taskStatusDesc
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	counts, err := c.counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(taskStatusDesc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(taskStatusDesc, prometheus.GaugeValue, float64(n), status)
	}
}
