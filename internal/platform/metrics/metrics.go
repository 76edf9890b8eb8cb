// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RPCRetries counts chain RPC attempts that were retried, by method.
	RPCRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_rpc_retries_total",
		Help: "Chain RPC calls that failed and were retried.",
	}, []string{"method"})

	// TransactionsPrepared counts prepared transactions by operation.
	TransactionsPrepared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transactions_prepared_total",
		Help: "Listing, unlisting, and purchase transactions prepared.",
	}, []string{"operation"})

	// ReconcileOutcomes counts reconciliation writes by resulting status.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reconcile_outcomes_total",
		Help: "Ledger reconciliation writes by resulting listing status.",
	}, []string{"status"})

	// CustodyInferred counts custody answers that fell back to the ledger.
	CustodyInferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_custody_inferred_total",
		Help: "Custody checks answered from the side ledger instead of the chain.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRPCRetry is the chain pool's retry observer hook.
func ObserveRPCRetry(method string) {
	RPCRetries.WithLabelValues(method).Inc()
}
