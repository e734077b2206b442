package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yaqeenpay/ledger/internal/fault"
)

var (
	// EntriesPostedTotal counts posting attempts by entry type and outcome.
	EntriesPostedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "entries_posted_total",
			Help:      "Ledger postings by entry type and result code.",
		},
		[]string{"type", "result"},
	)

	// PostDuration observes posting latency by entry type.
	PostDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "post_duration_seconds",
			Help:      "Ledger posting duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// WalletsActive tracks how many wallets accept postings, refreshed by
	// the reconciliation job.
	WalletsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "wallets_active",
			Help:      "Number of active wallets.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EntriesPostedTotal,
		PostDuration,
		WalletsActive,
	)
}

// observePost starts timing a posting; the returned func records the outcome.
func observePost(t EntryType) func(*error) {
	start := time.Now()
	return func(errp *error) {
		result := "ok"
		if errp != nil && *errp != nil {
			result = fault.KindOf(*errp).Code()
		}
		EntriesPostedTotal.WithLabelValues(string(t), result).Inc()
		PostDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	}
}
