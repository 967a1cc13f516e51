package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. Each instance owns
// its registry so tests and multiple servers never collide.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec

	orphanedBlobs         prometheus.Counter
	staleRemoved          prometheus.Counter
	staleRemoveFailures   prometheus.Counter
	catalogDeleteFailures prometheus.Counter
}

// NewMetrics creates and registers the service collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_operations_total",
			Help: "File operations by operation and result.",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "filevault_operation_duration_seconds",
			Help:    "File operation latency.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filevault_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		orphanedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filevault_orphaned_blobs_total",
			Help: "Blobs left unregistered by a failed catalog insert.",
		}),
		staleRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filevault_stale_records_removed_total",
			Help: "Catalog records removed by reconciliation because their blob is gone.",
		}),
		staleRemoveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filevault_stale_record_remove_failures_total",
			Help: "Stale catalog records reconciliation failed to remove.",
		}),
		catalogDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filevault_catalog_delete_failures_total",
			Help: "Deletions whose blob was removed but whose catalog record was not.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.operationDuration,
		m.httpRequests,
		m.orphanedBlobs,
		m.staleRemoved,
		m.staleRemoveFailures,
		m.catalogDeleteFailures,
	)

	return m
}

// Handler serves the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if kind := KindOf(err); kind != 0 {
			result = kind.String()
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeHTTP(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
