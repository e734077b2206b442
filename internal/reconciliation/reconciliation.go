// Package reconciliation audits cached wallet balances against the sums of
// their ledger entries.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yaqeenpay/ledger/internal/ledger"
)

// WalletLister enumerates every wallet.
type WalletLister interface {
	ListWallets(ctx context.Context) ([]*ledger.Wallet, error)
}

// Auditor recomputes one wallet from its entries.
type Auditor interface {
	Reconcile(ctx context.Context, walletID string) (*ledger.Reconciliation, error)
}

// Report is the outcome of one run over all wallets.
type Report struct {
	Checked    int                        `json:"checked"`
	Active     int                        `json:"active"`
	Mismatches []*ledger.Reconciliation   `json:"mismatches"`
	Errors     int                        `json:"errors"`
	Totals     map[string]decimal.Decimal `json:"totals"`
	Frozen     map[string]decimal.Decimal `json:"frozen"`
	StartedAt  time.Time                  `json:"startedAt"`
	Duration   time.Duration              `json:"duration"`
}

// Healthy reports whether every wallet matched its entries.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0
}

// Runner reconciles every wallet and keeps the latest report.
type Runner struct {
	wallets WalletLister
	auditor Auditor
	logger  *slog.Logger

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(wallets WalletLister, auditor Auditor, logger *slog.Logger) *Runner {
	return &Runner{wallets: wallets, auditor: auditor, logger: logger}
}

// RunAll checks every wallet. A wallet that cannot be read counts as an
// error and the run continues.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	wallets, err := r.wallets.ListWallets(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	report := &Report{
		Mismatches: []*ledger.Reconciliation{},
		Totals:     make(map[string]decimal.Decimal),
		Frozen:     make(map[string]decimal.Decimal),
		StartedAt:  start.UTC(),
	}
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++
		if w.IsActive {
			report.Active++
		}
		report.Totals[w.Currency()] = report.Totals[w.Currency()].Add(w.Balance.Amount)
		report.Frozen[w.Currency()] = report.Frozen[w.Currency()].Add(w.Frozen)

		rec, err := r.auditor.Reconcile(ctx, w.ID)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			r.logger.Warn("wallet reconciliation failed", "wallet_id", w.ID, "error", err)
			continue
		}
		if !rec.Consistent {
			report.Mismatches = append(report.Mismatches, rec)
			r.logger.Error("wallet balance drifted from ledger",
				"wallet_id", rec.WalletID,
				"user", w.UserID,
				"cached", rec.Cached.String(),
				"computed", rec.Computed.String(),
				"cached_frozen", rec.CachedFrozen.String(),
				"computed_frozen", rec.ComputedFrozen.String(),
			)
		}
	}
	report.Duration = time.Since(start)

	reconcileLedgerMismatches.Set(float64(len(report.Mismatches)))
	reconcileWalletsChecked.Set(float64(report.Checked))
	ledger.WalletsActive.Set(float64(report.Active))

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.logger.Info("reconciliation complete",
		"checked", report.Checked,
		"mismatches", len(report.Mismatches),
		"errors", report.Errors,
		"duration", report.Duration,
	)
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
