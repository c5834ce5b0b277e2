package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation result labels for LifecycleOperations.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// LifecycleOperations is the counter for plugin lifecycle operations.
// Use RegisterMetrics to register this with a Prometheus registry.
var LifecycleOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginhost_lifecycle_operations_total",
		Help: "Total number of plugin lifecycle operations by operation and result",
	},
	[]string{"plugin", "operation", "result"},
)

// LifecycleDuration is the histogram for plugin lifecycle operation
// duration.
var LifecycleDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pluginhost_lifecycle_duration_seconds",
		Help:    "Plugin lifecycle operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plugin", "operation"},
)

// RegisteredPlugins reports the live registry population per state.
var RegisteredPlugins = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pluginhost_registered_plugins",
		Help: "Number of registered plugins by lifecycle state",
	},
	[]string{"state"},
)

// RegisterMetrics registers plugin package metrics with reg. Call once at
// startup before exposing /metrics.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LifecycleOperations)
	reg.MustRegister(LifecycleDuration)
	reg.MustRegister(RegisteredPlugins)
}

func recordOperation(name, op string, dur time.Duration, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	LifecycleOperations.WithLabelValues(name, op, result).Inc()
	LifecycleDuration.WithLabelValues(name, op).Observe(dur.Seconds())
}

func observeRegistryState(status Status) {
	for state, count := range status.Counts {
		RegisteredPlugins.WithLabelValues(state.String()).Set(float64(count))
	}
}
