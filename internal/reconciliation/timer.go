package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/yaqeenpay/ledger/internal/periodic"
)

// Timer periodically reconciles every wallet.
type Timer struct {
	*periodic.Loop
	runner *Runner
	logger *slog.Logger
}

// NewTimer creates a new reconciliation timer. A non-positive interval
// means every ten minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{runner: runner, logger: logger}
	t.Loop = periodic.New("reconciliation timer", interval, logger, t.run)
	return t
}

func (t *Timer) run(ctx context.Context) {
	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
