// Package metrics exposes the watcher's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fswatch"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	batchesDelivered prometheus.Counter
	eventsDelivered  prometheus.Counter
	debounceFlushes  prometheus.Counter
	backendsActive   *prometheus.GaugeVec
	watchersActive   prometheus.Gauge
	backendErrors    *prometheus.CounterVec
}

// New creates the collectors on a private registry along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Total count of event batches handed to subscribers.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Total count of events handed to subscribers.",
		}),
		debounceFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_flushes_total",
			Help:      "Total count of debouncer flushes.",
		}),
		backendsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backends_active",
			Help:      "Running backend instances by type.",
		}, []string{"backend"}),
		watchersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watchers_active",
			Help:      "Number of live watchers.",
		}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Asynchronous backend errors by backend and scope (watcher or fatal).",
		}, []string{"backend", "scope"}),
	}

	m.registry.MustRegister(
		m.batchesDelivered,
		m.eventsDelivered,
		m.debounceFlushes,
		m.backendsActive,
		m.watchersActive,
		m.backendErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BatchDelivered records one batch of n events.
func (m *Metrics) BatchDelivered(n int) {
	if m == nil {
		return
	}
	m.batchesDelivered.Inc()
	m.eventsDelivered.Add(float64(n))
}

// DebounceFlushed records one debouncer flush.
func (m *Metrics) DebounceFlushed() {
	if m == nil {
		return
	}
	m.debounceFlushes.Inc()
}

// BackendStarted increments the running count for backend.
func (m *Metrics) BackendStarted(backend string) {
	if m == nil {
		return
	}
	m.backendsActive.WithLabelValues(backend).Inc()
}

// BackendStopped decrements the running count for backend.
func (m *Metrics) BackendStopped(backend string) {
	if m == nil {
		return
	}
	m.backendsActive.WithLabelValues(backend).Dec()
}

// WatcherAdded increments the live watcher count.
func (m *Metrics) WatcherAdded() {
	if m == nil {
		return
	}
	m.watchersActive.Inc()
}

// WatcherRemoved decrements the live watcher count.
func (m *Metrics) WatcherRemoved() {
	if m == nil {
		return
	}
	m.watchersActive.Dec()
}

// BackendError records an asynchronous error. fatal selects the scope label.
func (m *Metrics) BackendError(backend string, fatal bool) {
	if m == nil {
		return
	}
	scope := "watcher"
	if fatal {
		scope = "fatal"
	}
	m.backendErrors.WithLabelValues(backend, scope).Inc()
}
