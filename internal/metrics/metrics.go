// Package metrics holds the prometheus collectors for sinks, pools and pollers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published    *prometheus.CounterVec
	sendLatency  *prometheus.HistogramVec
	borrowWait   *prometheus.HistogramVec
	poolAcquired *prometheus.GaugeVec
	poolConns    *prometheus.GaugeVec
	pollCycles   *prometheus.CounterVec
	pollMessages *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbridge_sink_publish_total",
			Help: "Publish calls per sink by result",
		}, []string{"sink", "result"}),
		sendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailbridge_sink_send_duration_seconds",
			Help:    "Time spent in the SMTP transaction",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		borrowWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailbridge_pool_borrow_wait_seconds",
			Help:    "Time spent waiting for a pooled SMTP connection",
			Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),
		poolAcquired: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailbridge_pool_borrowed_connections",
			Help: "Connections currently borrowed from a pool",
		}, []string{"pool"}),
		poolConns: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailbridge_pool_connections",
			Help: "Open SMTP sessions per pool by state",
		}, []string{"pool", "state"}),
		pollCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbridge_poll_cycles_total",
			Help: "Polling cycles per source by result",
		}, []string{"source", "result"}),
		pollMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailbridge_poll_messages_total",
			Help: "Messages seen by the poller per source by outcome",
		}, []string{"source", "outcome"}),
	}
}

// Published counts one publish call.
func (m *Metrics) Published(sink, result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(sink, result).Inc()
}

// SendDuration records the time spent talking to the SMTP server.
func (m *Metrics) SendDuration(sink string, d time.Duration) {
	if m == nil {
		return
	}
	m.sendLatency.WithLabelValues(sink).Observe(d.Seconds())
}

// BorrowWait records the time spent blocked on a pool.
func (m *Metrics) BorrowWait(pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.borrowWait.WithLabelValues(pool).Observe(d.Seconds())
}

// Borrowed sets the borrowed connection gauge of a pool.
func (m *Metrics) Borrowed(pool string, n int32) {
	if m == nil {
		return
	}
	m.poolAcquired.WithLabelValues(pool).Set(float64(n))
}

// PoolConnections sets the idle and total session gauges of a pool.
func (m *Metrics) PoolConnections(pool string, idle, total int) {
	if m == nil {
		return
	}
	m.poolConns.WithLabelValues(pool, "idle").Set(float64(idle))
	m.poolConns.WithLabelValues(pool, "total").Set(float64(total))
}

// ResetPoolConnections drops the gauges of pools that no longer exist.
func (m *Metrics) ResetPoolConnections() {
	if m == nil {
		return
	}
	m.poolConns.Reset()
}

// PollCycle counts one finished polling cycle.
func (m *Metrics) PollCycle(source, result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(source, result).Inc()
}

// PollMessages adds n messages with the given outcome.
func (m *Metrics) PollMessages(source, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pollMessages.WithLabelValues(source, outcome).Add(float64(n))
}
