// Package metrics holds the Prometheus collectors shared by the core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LedgerPostings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_ledger_postings_total",
			Help: "Ledger entries appended, by direction and source kind",
		},
		[]string{"direction", "source"},
	)

	LedgerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_ledger_rejections_total",
			Help: "Postings refused before any state change",
		},
		[]string{"direction", "reason"},
	)

	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_payment_transitions_total",
			Help: "Payment attempt status transitions",
		},
		[]string{"purpose", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerpay_provider_call_duration_seconds",
			Help:    "Duration of calls to payment providers",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20},
		},
		[]string{"provider", "operation", "outcome"},
	)

	UnknownProviderStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_provider_unknown_status_total",
			Help: "Provider statuses outside the whitelist, treated as pending",
		},
		[]string{"provider"},
	)

	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_webhooks_received_total",
			Help: "Inbound provider callbacks by outcome",
		},
		[]string{"provider", "outcome"},
	)

	Unlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_unlocks_total",
			Help: "Feature grants created, by kind and funding path",
		},
		[]string{"kind", "path"},
	)

	Payouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_payouts_total",
			Help: "Withdrawal requests by resulting status",
		},
		[]string{"status"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_publish_errors_total",
			Help: "Events that could not be handed to the bus",
		},
		[]string{"topic"},
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerpay_reconcile_items_total",
			Help: "Attempts touched by the reconciler",
		},
		[]string{"action"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
