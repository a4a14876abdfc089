package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_repository_calls_total",
			Help: "Total number of ledger store method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_repository_duration_seconds",
			Help:    "Duration of ledger store method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// outcome is one of credited, already_settled, not_confirmed, error.
	SettlementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_settlement_outcomes_total",
			Help: "Settlement verification results by gateway and outcome",
		},
		[]string{"gateway", "outcome"},
	)

	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_gateway_calls_total",
			Help: "Outbound payment gateway calls",
		},
		[]string{"gateway", "operation", "status"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_gateway_duration_seconds",
			Help:    "Duration of outbound payment gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gateway", "operation"},
	)

	CreditsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_credits_issued_total",
			Help: "Credits added to account balances by settled purchases",
		},
		[]string{"plan"},
	)
)

var registerOnce sync.Once

// InitMetrics registers the ledger collectors with the default registry. It
// is safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RepositoryCalls,
			RepositoryDuration,
			SettlementOutcomes,
			GatewayCalls,
			GatewayDuration,
			CreditsIssued,
		)
	})
}
