package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically purges expired idempotency records.
type Sweeper struct {
	guard    *Guard
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(guard *Guard, log *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{guard: guard, log: log, interval: interval}
}

func (w *Sweeper) Name() string {
	return "idempotency-sweeper"
}

// Start starts the sweep loop
func (w *Sweeper) Start(ctx context.Context) error {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop stops the sweep loop and waits for it to exit
func (w *Sweeper) Stop(ctx context.Context) error {
	if w.stopCh == nil {
		return nil
	}
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			n, err := w.guard.Purge(ctx)
			if err != nil {
				w.log.Error("failed to purge idempotency records", zap.Error(err))
				continue
			}
			if n > 0 {
				w.log.Info("purged expired idempotency records", zap.Int64("count", n))
			}
		}
	}
}
