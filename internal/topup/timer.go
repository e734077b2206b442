package topup

import (
	"context"
	"log/slog"
	"time"

	"github.com/yaqeenpay/ledger/internal/periodic"
)

// Timer periodically cancels top-ups whose payment session lapsed.
type Timer struct {
	*periodic.Loop
	service *Service
	ttl     time.Duration
	logger  *slog.Logger
}

// NewTimer creates a new expiry sweep. Top-ups older than ttl that are
// still waiting for the payer are cancelled every interval.
func NewTimer(service *Service, ttl, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Timer{service: service, ttl: ttl, logger: logger}
	t.Loop = periodic.New("top-up expiry timer", interval, logger, t.sweep)
	return t
}

func (t *Timer) sweep(ctx context.Context) {
	n, err := t.service.ExpireStale(ctx, t.ttl)
	if err != nil {
		t.logger.Warn("failed to expire stale top-ups", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired stale top-ups", "count", n)
	}
}
