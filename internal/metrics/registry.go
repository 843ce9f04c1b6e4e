// Package metrics provides the Prometheus collector registry shared by the
// orchestrator's infrastructure layer (database pool, retry policies,
// schema and plan components).
//
// Each Registry owns a private *prometheus.Registry rather than registering
// against the global default registerer, so multiple orchestrator instances
// (or tests) can coexist without "duplicate metrics collector registration"
// panics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles Prometheus collector groups under a single namespace.
//
// Groups are created lazily on first access and cached, so repeated calls
// to Infra() or Retry() return the same collectors instead of re-registering
// them.
type Registry struct {
	namespace string
	registry  *prometheus.Registry

	infra *InfraMetrics
	retry map[string]*RetryMetrics
}

// NewMetricsRegistry creates a Registry scoped to namespace, backed by a
// fresh prometheus.Registry.
func NewMetricsRegistry(namespace string) *Registry {
	return &Registry{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}
}

// Prometheus returns the underlying collector registry, for wiring into an
// http.Handler via promhttp.HandlerFor.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}

// Infra returns the infrastructure metrics group (database pool, connection
// health), creating it on first use.
func (r *Registry) Infra() *InfraMetrics {
	if r.infra == nil {
		r.infra = newInfraMetrics(r.namespace, r.registry)
	}
	return r.infra
}

// Retry returns the RetryMetrics for the named subsystem (e.g. "schema_probe",
// "lease_claim", "target_upsert"), creating it on first use.
func (r *Registry) Retry(subsystem string) *RetryMetrics {
	if r.retry == nil {
		r.retry = make(map[string]*RetryMetrics)
	}
	if m, ok := r.retry[subsystem]; ok {
		return m
	}
	m := newRetryMetrics(r.namespace, subsystem, r.registry)
	r.retry[subsystem] = m
	return m
}
