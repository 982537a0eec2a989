package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state metrics
	NodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epok_nodes_total",
			Help: "Total number of active, ready nodes known to the operator",
		},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epok_services_total",
			Help: "Total number of services with forwarded ports",
		},
	)

	PodsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epok_pods_total",
			Help: "Total number of active, ready pods with forwarded ports",
		},
	)

	// Watch metrics
	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epok_watch_events_total",
			Help: "Total number of watch events received by resource kind",
		},
		[]string{"kind"},
	)

	WatchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epok_watch_errors_total",
			Help: "Total number of watch session failures by resource kind",
		},
		[]string{"kind"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "epok_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epok_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	// NAT rule metrics
	RulesAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epok_rules_applied_total",
			Help: "Total number of iptables rules added",
		},
	)

	RulesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "epok_rules_deleted_total",
			Help: "Total number of iptables rules removed",
		},
	)

	RulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "epok_rules_active",
			Help: "Number of iptables rules currently installed by the operator",
		},
	)

	CommandBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "epok_command_batches_total",
			Help: "Total number of command batches executed, by executor transport",
		},
		[]string{"transport"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "epok_command_duration_seconds",
			Help:    "Time taken to execute a batch of commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(WatchEventsTotal)
	prometheus.MustRegister(WatchErrorsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(RulesAppliedTotal)
	prometheus.MustRegister(RulesDeletedTotal)
	prometheus.MustRegister(RulesActive)
	prometheus.MustRegister(CommandBatchesTotal)
	prometheus.MustRegister(CommandDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
