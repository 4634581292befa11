// Package metrics holds the Prometheus collectors for the sync subsystem.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scrollr"

type Metrics struct {
	dispatches      *prometheus.CounterVec
	dispatchSeconds prometheus.Histogram
	deliveries      *prometheus.CounterVec
	persistWrites   *prometheus.CounterVec
	cacheApplies    *prometheus.CounterVec
	contexts        prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "central",
			Name:      "dispatches_total",
			Help:      "Intents handled by the central store, by kind and result.",
		}, []string{"kind", "result"}),
		dispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "central",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent validating and applying one intent.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Broadcast deliveries to peer contexts, by message type and result.",
		}, []string{"type", "result"}),
		persistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "writes_total",
			Help:      "Persisted record writes, by result.",
		}, []string{"result"}),
		cacheApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "cache_applies_total",
			Help:      "Snapshots offered to proxy caches, by source and outcome.",
		}, []string{"source", "outcome"}),
		contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "contexts",
			Help:      "Contexts currently attached through gateways.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatches, m.dispatchSeconds, m.deliveries, m.persistWrites, m.cacheApplies, m.contexts)
	}
	return m
}

func (m *Metrics) Dispatch(kind, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(kind, result).Inc()
	m.dispatchSeconds.Observe(took.Seconds())
}

func (m *Metrics) Delivery(msgType, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) PersistWrite(result string) {
	if m == nil {
		return
	}
	m.persistWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheApply(source, outcome string) {
	if m == nil {
		return
	}
	m.cacheApplies.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) ContextAttached() {
	if m == nil {
		return
	}
	m.contexts.Inc()
}

func (m *Metrics) ContextDetached() {
	if m == nil {
		return
	}
	m.contexts.Dec()
}
