// Package metrics exposes Prometheus instrumentation for the document
// engine and its HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the engine-level instruments. It satisfies
// the engine's MetricsRecorder interface.
type Metrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	occupiedBytes     prometheus.Gauge
	capacityBytes     prometheus.Gauge
}

// New creates a registry with Go runtime collectors plus the engine
// instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slotstack_operations_total",
				Help: "Engine operations by type and result",
			},
			[]string{"operation", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slotstack_operation_duration_seconds",
				Help:    "Engine operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		occupiedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotstack_occupied_bytes",
			Help: "Bytes currently stored in slots",
		}),
		capacityBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slotstack_capacity_bytes",
			Help: "Configured slot capacity, slot_size * slot_count",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operationsTotal,
		m.operationDuration,
		m.occupiedBytes,
		m.capacityBytes,
	)
	return m
}

// RecordOperation counts one engine operation and observes its latency.
// Safe on a nil receiver, so a disabled-metrics configuration can pass the
// nil pointer around without every caller guarding.
func (m *Metrics) RecordOperation(operation string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetOccupiedBytes updates the occupied-storage gauge. Safe on a nil
// receiver.
func (m *Metrics) SetOccupiedBytes(bytes float64) {
	if m == nil {
		return
	}
	m.occupiedBytes.Set(bytes)
}

// SetCapacityBytes records the fixed capacity, set once at startup. Safe on
// a nil receiver.
func (m *Metrics) SetCapacityBytes(bytes float64) {
	if m == nil {
		return
	}
	m.capacityBytes.Set(bytes)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
