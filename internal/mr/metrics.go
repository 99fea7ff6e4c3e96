package mr

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts the coordinator's task lifecycle events. It is safe for
// concurrent use (the underlying prometheus collectors are).
type Metrics struct {
	assigned   *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	reassigned *prometheus.CounterVec
	server     *http.Server
}

// NewMetrics registers a fresh set of collectors on their own registry, so
// multiple coordinators in the same test process never collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	labels := []string{"kind"}
	m := &Metrics{
		assigned: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mr_tasks_assigned_total",
			Help: "Tasks assigned to a worker, by kind.",
		}, labels),
		completed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mr_tasks_completed_total",
			Help: "Tasks reported complete, by kind.",
		}, labels),
		failed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mr_tasks_failed_total",
			Help: "Tasks reported failed (reset to idle), by kind.",
		}, labels),
		reassigned: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mr_tasks_reassigned_total",
			Help: "Tasks reassigned after a lease expired, by kind.",
		}, labels),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{Handler: mux}
	return m
}

// Serve starts the metrics HTTP endpoint on addr. Empty addr disables it.
func (m *Metrics) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	m.server.Addr = addr
	return m.server.ListenAndServe()
}

// Close shuts down the metrics endpoint, if it was started.
func (m *Metrics) Close() error {
	return m.server.Close()
}

func (m *Metrics) onAssigned(kind TaskKind)   { m.assigned.WithLabelValues(kind.String()).Inc() }
func (m *Metrics) onCompleted(kind TaskKind)  { m.completed.WithLabelValues(kind.String()).Inc() }
func (m *Metrics) onFailed(kind TaskKind)     { m.failed.WithLabelValues(kind.String()).Inc() }
func (m *Metrics) onReassigned(kind TaskKind) { m.reassigned.WithLabelValues(kind.String()).Inc() }
