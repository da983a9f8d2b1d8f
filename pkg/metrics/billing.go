package metrics

import "github.com/prometheus/client_golang/prometheus"

// Billing domain counters, exposed on the same /metrics endpoint as the
// HTTP middleware metrics.
var (
	WebhookHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "webhook_handled_total",
		Help:      "Processed webhook deliveries, partitioned by event kind and outcome.",
	}, []string{"event", "outcome"})

	WebhookRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "webhook_rejected_total",
		Help:      "Webhook deliveries rejected for bad signature or malformed payload.",
	})

	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "sync_runs_total",
		Help:      "Reconciliation sync attempts, partitioned by outcome.",
	}, []string{"outcome"})

	EntitlementDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "billing",
		Name:      "entitlement_denied_total",
		Help:      "Denied entitlement checks, partitioned by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(WebhookHandled, WebhookRejected, SyncRuns, EntitlementDenied)
}
