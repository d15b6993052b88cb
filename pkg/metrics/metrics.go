// Package metrics provides Prometheus-based metrics for the scheduler and
// executor: the per-service retry gauge named explicitly in spec §4.4/§5,
// plus queue-depth and chain-duration instrumentation for the ambient
// observability stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric Steep's core components publish.
type Collector struct {
	RetryTotal       *prometheus.CounterVec
	ChainDuration    *prometheus.HistogramVec
	ChainTotal       *prometheus.CounterVec
	RegisteredChains prometheus.Gauge
	ActiveAgents     prometheus.Gauge
	AllocationMiss   prometheus.Counter
	OrphansReclaimed prometheus.Counter
}

// New registers every metric under namespace (default "steep") using the
// default Prometheus registry, mirroring promauto's register-on-construct
// pattern.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "steep"
	}
	return &Collector{
		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executable_retries_total",
			Help:      "Number of executable retries, by serviceId.",
		}, []string{"service"}),

		ChainDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_chain_duration_seconds",
			Help:      "Process chain execution duration in seconds, by outcome.",
		}, []string{"status"}),

		ChainTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_chain_total",
			Help:      "Process chains completed, by outcome.",
		}, []string{"status"}),

		RegisteredChains: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_chains",
			Help:      "Process chains currently in REGISTERED status.",
		}),

		ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Agents currently advertised in the cluster.",
		}),

		AllocationMiss: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_miss_total",
			Help:      "tryAllocate calls that returned no agent.",
		}),

		OrphansReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_reclaimed_total",
			Help:      "RUNNING chains reset to REGISTERED by the orphan scan.",
		}),
	}
}
