package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// InfraMetrics groups the Prometheus collectors for shared infrastructure
// components (database pool, connection lifecycle).
type InfraMetrics struct {
	DB *DatabaseMetrics
}

func newInfraMetrics(namespace string, reg prometheus.Registerer) *InfraMetrics {
	return &InfraMetrics{
		DB: newDatabaseMetrics(namespace, reg),
	}
}

// DatabaseMetrics exports PostgreSQL connection pool health to Prometheus.
//
// Grounded on the connection pool stats the orchestrator already tracks
// internally (active/idle connections, query counts and errors); this type
// bridges those atomic counters into scrapable Gauge/Histogram/Counter
// collectors.
type DatabaseMetrics struct {
	ConnectionsActive             prometheus.Gauge
	ConnectionsIdle               prometheus.Gauge
	ConnectionWaitDurationSeconds prometheus.Histogram
	QueryDurationSeconds          *prometheus.HistogramVec
	QueriesTotal                  *prometheus.CounterVec
	ErrorsTotal                   *prometheus.CounterVec
}

func newDatabaseMetrics(namespace string, reg prometheus.Registerer) *DatabaseMetrics {
	factory := promauto.With(reg)
	const subsystem = "db"

	return &DatabaseMetrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of connections currently checked out of the pool.",
		}),
		ConnectionsIdle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_idle",
			Help:      "Number of idle connections held by the pool.",
		}),
		ConnectionWaitDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_wait_duration_seconds",
			Help:      "Time spent waiting to acquire a connection from the pool.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "query_duration_seconds",
			Help:      "Query execution duration by operation type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queries_total",
			Help:      "Total number of queries executed, by operation and outcome.",
		}, []string{"operation", "status"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of database errors, by class (connection, query, timeout).",
		}, []string{"class"}),
	}
}
