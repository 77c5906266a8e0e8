// Package metrics holds the prometheus collectors shared by the transport,
// the pool and the server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "doip"

// Metrics is the set of DOIP collectors.
type Metrics struct {
	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	pendingRequests   prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	poolActive        *prometheus.GaugeVec
	poolIdle          *prometheus.GaugeVec
	poolWaits         *prometheus.CounterVec
	serverConnections prometheus.Gauge
	serverRequests    *prometheus.CounterVec
	serverDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		connectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "connections_open",
			Help: "Client connections currently open.",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "connections_total",
			Help: "Client connections opened.",
		}),
		pendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "pending_requests",
			Help: "Requests awaiting a response across all client connections.",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "requests_total",
			Help: "Client requests by outcome.",
		}, []string{"outcome"}),
		poolActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections",
			Help: "Connections created by a pool and not yet evicted.",
		}, []string{"address"}),
		poolIdle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle_connections",
			Help: "Idle connections held by a pool.",
		}, []string{"address"}),
		poolWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "waits_total",
			Help: "Get calls that had to wait for a connection to be released.",
		}, []string{"address"}),
		serverConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "connections_active",
			Help: "Server connections currently being served.",
		}),
		serverRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "requests_total",
			Help: "Server requests by operation and status.",
		}, []string{"operation", "status"}),
		serverDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server", Name: "request_duration_seconds",
			Help:    "Time spent processing a request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// NewUnregistered builds collectors on a private registry, for tests and
// embedders that do not expose metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry(), DefaultNamespace)
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
}

// RequestFinished records the end of a client request. outcome is "ok" or
// the error class ("protocol", "connection", "cancelled").
func (m *Metrics) RequestFinished(outcome string) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestsTotal.WithLabelValues(outcome).Inc()
}

// PoolSize publishes the active and idle counts of the pool for address.
func (m *Metrics) PoolSize(address string, active, idle int) {
	if m == nil {
		return
	}
	m.poolActive.WithLabelValues(address).Set(float64(active))
	m.poolIdle.WithLabelValues(address).Set(float64(idle))
}

func (m *Metrics) PoolWait(address string) {
	if m == nil {
		return
	}
	m.poolWaits.WithLabelValues(address).Inc()
}

func (m *Metrics) ServerConnection(delta int) {
	if m == nil {
		return
	}
	m.serverConnections.Add(float64(delta))
}

func (m *Metrics) ServerRequest(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(operation, status).Inc()
	m.serverDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}
