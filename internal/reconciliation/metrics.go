package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Number of wallets whose cached balance differed from their entries in the last run.",
	})

	reconcileWalletsChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "reconciliation",
		Name:      "wallets_checked",
		Help:      "Number of wallets checked in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileWalletsChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
