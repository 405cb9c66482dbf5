// Package rpmametrics exposes the data path of the gorpma library as
// Prometheus metrics.
package rpmametrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gorpma"
	subsystem = "rpma"
)

// Label names for gorpma metrics.
const (
	labelRole      = "role"
	labelEvent     = "event"
	labelOp        = "op"
	labelStatus    = "status"
	labelFlushType = "flush_type"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Data-Path Metrics
// -------------------------------------------------------------------------

// Collector holds all gorpma Prometheus metrics.
//
//   - Connection gauges track currently established connections.
//   - Event counters record the connection lifecycle for alerting on
//     flaps and rejected peers.
//   - Work-request and completion counters track data-path volume and
//     error rates.
type Collector struct {
	// Connections tracks the number of currently established
	// connections, by role ("active" or "passive").
	Connections *prometheus.GaugeVec

	// ConnectionEvents counts observed connection events by kind.
	ConnectionEvents *prometheus.CounterVec

	// WorkRequestsPosted counts posted work requests by operation.
	WorkRequestsPosted *prometheus.CounterVec

	// Completions counts retrieved work completions by operation and
	// completion status.
	Completions *prometheus.CounterVec

	// Flushes counts issued flush operations by durability type.
	Flushes *prometheus.CounterVec

	// BytesTransferred counts payload bytes moved by completed
	// operations, by operation.
	BytesTransferred *prometheus.CounterVec
}

// NewCollector creates a Collector with all gorpma metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gorpma_rpma_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.ConnectionEvents,
		c.WorkRequestsPosted,
		c.Completions,
		c.Flushes,
		c.BytesTransferred,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently established connections.",
		}, []string{labelRole}),

		ConnectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_events_total",
			Help:      "Total observed connection events.",
		}, []string{labelEvent}),

		WorkRequestsPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "work_requests_posted_total",
			Help:      "Total posted work requests.",
		}, []string{labelOp}),

		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "completions_total",
			Help:      "Total retrieved work completions.",
		}, []string{labelOp, labelStatus}),

		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flushes_total",
			Help:      "Total issued flush operations.",
		}, []string{labelFlushType}),

		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_transferred_total",
			Help:      "Total payload bytes moved by completed operations.",
		}, []string{labelOp}),
	}
}

// -------------------------------------------------------------------------
// Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterConnection increments the established-connections gauge.
func (c *Collector) RegisterConnection(role string) {
	c.Connections.WithLabelValues(role).Inc()
}

// UnregisterConnection decrements the established-connections gauge.
func (c *Collector) UnregisterConnection(role string) {
	c.Connections.WithLabelValues(role).Dec()
}

// RecordConnectionEvent counts one observed connection event.
func (c *Collector) RecordConnectionEvent(event string) {
	c.ConnectionEvents.WithLabelValues(event).Inc()
}

// -------------------------------------------------------------------------
// Data Path
// -------------------------------------------------------------------------

// RecordPosted counts one posted work request.
func (c *Collector) RecordPosted(op string) {
	c.WorkRequestsPosted.WithLabelValues(op).Inc()
}

// RecordCompletion counts one retrieved completion and its payload.
func (c *Collector) RecordCompletion(op, status string, bytes uint32) {
	c.Completions.WithLabelValues(op, status).Inc()
	if bytes > 0 {
		c.BytesTransferred.WithLabelValues(op).Add(float64(bytes))
	}
}

// RecordFlush counts one issued flush.
func (c *Collector) RecordFlush(flushType string) {
	c.Flushes.WithLabelValues(flushType).Inc()
}
