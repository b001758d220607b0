// Package metrics holds the node's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensornode"

// Metrics is a set of collectors on a private registry. A nil *Metrics
// discards all observations.
type Metrics struct {
	Registry *prometheus.Registry

	otaChecks             *prometheus.CounterVec
	otaBytesWritten       prometheus.Counter
	transportRetries      *prometheus.CounterVec
	measurementsPublished *prometheus.CounterVec
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		otaChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "checks_total",
			Help:      "Firmware update checks by result.",
		}, []string{"result"}),
		otaBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ota",
			Name:      "bytes_written_total",
			Help:      "Firmware bytes written to flash.",
		}),
		transportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Retried socket operations by op.",
		}, []string{"op"}),
		measurementsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "measurements",
			Name:      "published_total",
			Help:      "Measurement publishes by result.",
		}, []string{"result"}),
	}
	m.Registry.MustRegister(
		m.otaChecks,
		m.otaBytesWritten,
		m.transportRetries,
		m.measurementsPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCheck counts a finished update check.
func (m *Metrics) ObserveCheck(result string) {
	if m != nil {
		m.otaChecks.WithLabelValues(result).Inc()
	}
}

// AddBytesWritten counts firmware bytes written.
func (m *Metrics) AddBytesWritten(n int) {
	if m != nil && n > 0 {
		m.otaBytesWritten.Add(float64(n))
	}
}

// ObserveRetry counts a retried read or write. It fits transport.Stack.OnRetry.
func (m *Metrics) ObserveRetry(op string) {
	if m != nil {
		m.transportRetries.WithLabelValues(op).Inc()
	}
}

// ObservePublish counts a measurement publish.
func (m *Metrics) ObservePublish(result string) {
	if m != nil {
		m.measurementsPublished.WithLabelValues(result).Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
