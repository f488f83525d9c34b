package instrument

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crudforge/internal/apperr"
)

// Metrics holds the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	repoOps        *prometheus.CounterVec
	repoDuration   *prometheus.HistogramVec
	connections    prometheus.Gauge
	socketMsgs     *prometheus.CounterVec
	pubsubErrors   *prometheus.CounterVec
	registryPasses *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		repoOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudforge",
			Subsystem: "repository",
			Name:      "operations_total",
			Help:      "Repository operations by resource, operation and outcome",
		}, []string{"resource", "op", "status"}),

		repoDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crudforge",
			Subsystem: "repository",
			Name:      "operation_duration_seconds",
			Help:      "Repository operation latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource", "op"}),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crudforge",
			Subsystem: "socket",
			Name:      "connections",
			Help:      "Open websocket connections on this instance",
		}),

		socketMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudforge",
			Subsystem: "socket",
			Name:      "messages_total",
			Help:      "Websocket messages applied locally by route",
		}, []string{"route"}),

		pubsubErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudforge",
			Subsystem: "pubsub",
			Name:      "errors_total",
			Help:      "PubSub failures by operation",
		}, []string{"op"}),

		registryPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crudforge",
			Subsystem: "registry",
			Name:      "resolution_passes_total",
			Help:      "Resource registry resolution passes by outcome",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.repoOps, m.repoDuration, m.connections, m.socketMsgs, m.pubsubErrors, m.registryPasses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRepository records one repository call started at start.
func (m *Metrics) ObserveRepository(resource, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.repoOps.WithLabelValues(resource, op, Status(err)).Inc()
	m.repoDuration.WithLabelValues(resource, op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SocketMessage(route string) {
	if m != nil {
		m.socketMsgs.WithLabelValues(route).Inc()
	}
}

func (m *Metrics) PubSubError(op string) {
	if m != nil {
		m.pubsubErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ResolutionPass(err error) {
	if m != nil {
		m.registryPasses.WithLabelValues(Status(err)).Inc()
	}
}

// Status maps an error to a low-cardinality label value.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrNoMatchingRow):
		return "not_found"
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrIntegrity):
		return "integrity"
	case errors.Is(err, apperr.ErrForbidden), errors.Is(err, apperr.ErrUnauthorized):
		return "denied"
	default:
		return "error"
	}
}
