package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type serverMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	envelopeErrors    *prometheus.CounterVec
	envelopeLatency   *prometheus.HistogramVec
	messagesRouted    *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	offlineQueueDepth prometheus.Gauge
	activeCalls       prometheus.Gauge
	callsTotal        prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &serverMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enigmo_connections_active",
			Help: "Current number of open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enigmo_connections_total",
			Help: "Total number of client connections handled since start.",
		}),
		envelopeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enigmo_envelope_errors_total",
			Help: "Envelope validation, auth gating, or routing errors.",
		}, []string{"code"}),
		envelopeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enigmo_envelope_latency_seconds",
			Help:    "Latency for handling inbound envelopes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enigmo_messages_routed_total",
			Help: "Routed messages grouped by immediate-delivery outcome.",
		}, []string{"outcome"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enigmo_delivery_failures_total",
			Help: "Pushes to an online receiver that failed at the channel.",
		}),
		offlineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enigmo_offline_queue_depth",
			Help: "Messages queued for offline receivers (never redelivered).",
		}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enigmo_calls_active",
			Help: "Call sessions currently tracked by the relay.",
		}),
		callsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enigmo_calls_total",
			Help: "Call sessions initiated since start.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.envelopeErrors,
		m.envelopeLatency,
		m.messagesRouted,
		m.deliveryFailures,
		m.offlineQueueDepth,
		m.activeCalls,
		m.callsTotal,
	)
	return m
}

func (m *serverMetrics) connOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *serverMetrics) connClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *serverMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.envelopeErrors.WithLabelValues(code).Inc()
}

func (m *serverMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.envelopeLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *serverMetrics) callStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
	m.callsTotal.Inc()
}

func (m *serverMetrics) callEnded() {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
}

// MessageRouted implements the router metrics hook.
func (m *serverMetrics) MessageRouted(delivered bool) {
	if m == nil {
		return
	}
	outcome := "queued"
	if delivered {
		outcome = "delivered"
	}
	m.messagesRouted.WithLabelValues(outcome).Inc()
}

// DeliveryFailed implements the router metrics hook.
func (m *serverMetrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// OfflineQueued implements the router metrics hook.
func (m *serverMetrics) OfflineQueued(depth int) {
	if m == nil {
		return
	}
	m.offlineQueueDepth.Set(float64(depth))
}
