// Package periodic runs background jobs on a fixed interval.
package periodic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls its job every interval until the context ends or Stop is
// called. A panicking job is logged and the loop keeps ticking.
type Loop struct {
	name     string
	interval time.Duration
	job      func(ctx context.Context)
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a loop. name only labels log lines.
func New(name string, interval time.Duration, logger *slog.Logger, job func(ctx context.Context)) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		interval: interval,
		job:      job,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is actively running.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Start blocks running the job on every tick. Call in a goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// Stop ends the loop. It is safe to call more than once, and a loop
// stopped before Start returns as soon as it starts.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// RunOnce runs the job now on the caller's goroutine.
func (l *Loop) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in "+l.name, "panic", fmt.Sprint(r))
		}
	}()
	l.job(ctx)
}
