// Package metrics holds the Prometheus collectors exported on /metrics.
//
// All methods are nil-safe so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chatbridge"

type Metrics struct {
	reg *prometheus.Registry

	connections   *prometheus.GaugeVec
	reconnects    *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	sends         *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	ticks         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	claimed       prometheus.Counter
	reclaimed     prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	pendingSweeps prometheus.Counter
}

// New registers the collectors on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connections by platform and state",
		}, []string{"platform", "state"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by platform and result",
		}, []string{"platform", "result"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Connections evicted after exhausting reconnect attempts",
		}, []string{"platform"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outgoing sends by platform and outcome",
		}, []string{"platform", "outcome"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Adapter send latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_ticks_total",
			Help:      "Dispatch ticks by result",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_tick_duration_seconds",
			Help:      "Dispatch tick duration",
			Buckets:   prometheus.DefBuckets,
		}),
		claimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by the dispatch worker",
		}),
		reclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Stuck jobs reset to scheduled",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Executed jobs by aggregate status",
		}, []string{"status"}),
		pendingSweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_expired_total",
			Help:      "Pending outgoing messages dropped by TTL sweep",
		}),
	}
}

// Registry returns the registry to expose, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Gauge registers a value sampled at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) ConnectionState(platform, from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(platform, from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(platform, to).Inc()
	}
}

func (m *Metrics) Reconnect(platform string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.reconnects.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) Eviction(platform string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(platform).Inc()
}

func (m *Metrics) Send(platform, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(platform, outcome).Inc()
	m.sendDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (m *Metrics) Tick(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Claimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

func (m *Metrics) Reclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) PendingExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pendingSweeps.Add(float64(n))
}
