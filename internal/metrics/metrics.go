// Package metrics exposes the control plane's Prometheus collectors.
// All methods are nil-receiver safe so components can run without metrics
// in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the control-plane collectors behind a private registry,
// so tests can create instances freely without duplicate-registration
// panics on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	tasksDispatched prometheus.Counter
	taskResults     *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	leaseRequeues   prometheus.Counter
	agentsConnected prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetforge_tasks_dispatched_total",
			Help: "Tasks successfully enqueued to an agent send queue.",
		}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_task_results_total",
			Help: "Task results applied to the store, by outcome.",
		}, []string{"outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_events_published_total",
			Help: "Events published to the broker, by topic space.",
		}, []string{"topic"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetforge_events_dropped_total",
			Help: "Oldest events evicted from full subscriber buffers.",
		}),
		leaseRequeues: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetforge_lease_requeues_total",
			Help: "Running tasks requeued by the lease sweep.",
		}),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetforge_agents_connected",
			Help: "Currently connected agents.",
		}),
	}
	reg.MustRegister(
		m.tasksDispatched,
		m.taskResults,
		m.eventsPublished,
		m.eventsDropped,
		m.leaseRequeues,
		m.agentsConnected,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskDispatched counts a successful enqueue to an agent.
func (m *Metrics) TaskDispatched() {
	if m != nil {
		m.tasksDispatched.Inc()
	}
}

// TaskResult counts an applied result by outcome.
func (m *Metrics) TaskResult(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.taskResults.WithLabelValues(outcome).Inc()
}

// EventPublished implements broker.Metrics.
func (m *Metrics) EventPublished(topic string) {
	if m != nil {
		m.eventsPublished.WithLabelValues(topic).Inc()
	}
}

// EventsDropped implements broker.Metrics.
func (m *Metrics) EventsDropped(n int) {
	if m != nil {
		m.eventsDropped.Add(float64(n))
	}
}

// LeaseRequeues counts tasks reclaimed by the lease sweep.
func (m *Metrics) LeaseRequeues(n int64) {
	if m != nil && n > 0 {
		m.leaseRequeues.Add(float64(n))
	}
}

// SetAgentsConnected records the current registry size.
func (m *Metrics) SetAgentsConnected(n int) {
	if m != nil {
		m.agentsConnected.Set(float64(n))
	}
}
