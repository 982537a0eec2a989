/*
Package metrics defines and registers epok's Prometheus metrics: cluster
state gauges, watch-stream counters, reconciliation timing, and NAT rule
churn. Metrics are exposed via HTTP for scraping by a Prometheus server.

# Metrics Catalog

Cluster state:

	epok_nodes_total     - active, ready nodes known to the operator
	epok_services_total  - services with forwarded ports
	epok_pods_total      - active, ready pods with forwarded ports

Watch stream:

	epok_watch_events_total{kind}  - events received per resource kind
	epok_watch_errors_total{kind}  - watch session failures per kind

Reconciler:

	epok_reconciliation_duration_seconds  - time per reconciliation cycle
	epok_reconciliation_cycles_total      - cycles completed

NAT rules:

	epok_rules_applied_total               - rules added
	epok_rules_deleted_total               - rules removed
	epok_rules_active                      - rules currently installed
	epok_command_batches_total{transport}  - shell invocations run
	epok_command_duration_seconds{transport} - time per shell invocation

# Usage

	timer := metrics.NewTimer()
	reconcile()
	timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
