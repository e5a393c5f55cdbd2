// Package reconciliation resolves ledger entries left pending by gateway
// timeouts, asynchronous settlement or crashes.
package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolver applies resolutions through the wallet service, which owns all
// ledger writes.
type Resolver interface {
	ResolvePending(ctx context.Context, entryID uuid.UUID, out gateway.Outcome, source string) (*ledger.LedgerEntry, bool, error)
	ExpirePending(ctx context.Context, entryID uuid.UUID, reason string) (*ledger.LedgerEntry, bool, error)
}

// Config controls the scan.
type Config struct {
	Interval time.Duration
	// Grace leaves young pending entries to the request that created them.
	Grace time.Duration
	// Horizon is the age after which an unresolved entry is failed.
	Horizon        time.Duration
	BatchSize      int
	GatewayTimeout time.Duration
}

// Report summarizes one pass.
type Report struct {
	Scanned      int `json:"scanned"`
	Settled      int `json:"settled"`
	Failed       int `json:"failed"`
	Expired      int `json:"expired"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
}

// Worker polls gateways for the status of pending entries.
type Worker struct {
	store    *ledger.Store
	gateways *gateway.Registry
	resolver Resolver
	cfg      Config
	log      *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker creates a reconciliation worker.
func NewWorker(store *ledger.Store, gateways *gateway.Registry, resolver Resolver, cfg Config, log *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 20 * time.Second
	}
	return &Worker{
		store:    store,
		gateways: gateways,
		resolver: resolver,
		cfg:      cfg,
		log:      log.Named("reconciliation"),
	}
}

func (w *Worker) Name() string {
	return "reconciliation-worker"
}

// Start starts the reconciliation loop
func (w *Worker) Start(ctx context.Context) error {
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current pass to finish
func (w *Worker) Stop(ctx context.Context) error {
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

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			report, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Error("reconciliation pass failed", zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				w.log.Info("reconciliation pass complete",
					zap.Int("scanned", report.Scanned),
					zap.Int("settled", report.Settled),
					zap.Int("failed", report.Failed),
					zap.Int("expired", report.Expired),
					zap.Int("still_pending", report.StillPending),
					zap.Int("errors", report.Errors))
			}
		}
	}
}

// RunOnce processes one batch of pending entries older than the grace
// period, oldest first.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := w.store.Now()
	entries, err := w.store.PendingEntries(ctx, now.Add(-w.cfg.Grace), w.cfg.BatchSize)
	if err != nil {
		return report, err
	}

	for i := range entries {
		entry := &entries[i]
		report.Scanned++
		status, expired, err := w.reconcile(ctx, entry, now)
		if err != nil {
			report.Errors++
			w.log.Warn("failed to reconcile entry",
				zap.String("entry_id", entry.ID.String()),
				zap.String("wallet_id", entry.WalletID.String()),
				zap.Error(err))
		}
		switch {
		case expired:
			report.Expired++
		case status == ledger.StatusSettled:
			report.Settled++
		case status == ledger.StatusFailed:
			report.Failed++
		default:
			report.StillPending++
		}
	}
	return report, nil
}

const expiredReason = "unresolved after reconciliation horizon"

// reconcile asks the gateway about one entry and applies the answer. Past
// the horizon an entry without a final answer is failed; expired is set only
// when this call performed that transition.
func (w *Worker) reconcile(ctx context.Context, entry *ledger.LedgerEntry, now time.Time) (ledger.EntryStatus, bool, error) {
	out, err := w.query(ctx, entry)
	if err == nil && out.Status != gateway.StatusPending {
		resolved, _, err := w.resolver.ResolvePending(ctx, entry.ID, out, wallet.SourcePoll)
		if err != nil {
			return ledger.StatusPending, false, err
		}
		return resolved.Status, false, nil
	}
	if err == nil && out.Ref != "" && entry.Ref() == "" {
		if _, _, err := w.resolver.ResolvePending(ctx, entry.ID, out, wallet.SourcePoll); err != nil {
			w.log.Warn("failed to record gateway ref", zap.String("entry_id", entry.ID.String()), zap.Error(err))
		}
	}

	if !entry.CreatedAt.Before(now.Add(-w.cfg.Horizon)) {
		return ledger.StatusPending, false, ignoreUnknown(err)
	}
	resolved, changed, expErr := w.resolver.ExpirePending(ctx, entry.ID, expiredReason)
	if expErr != nil {
		return ledger.StatusPending, false, expErr
	}
	return resolved.Status, changed, nil
}

func (w *Worker) query(ctx context.Context, entry *ledger.LedgerEntry) (gateway.Outcome, error) {
	gw, err := w.gateways.Get(entry.Gateway)
	if err != nil {
		return gateway.Outcome{}, err
	}
	op := gateway.OperationCharge
	if entry.Kind == ledger.KindRefund {
		op = gateway.OperationRefund
	}
	qctx, cancel := context.WithTimeout(ctx, w.cfg.GatewayTimeout)
	defer cancel()
	return gw.Status(qctx, gateway.StatusQuery{
		Operation:      op,
		Ref:            entry.Ref(),
		EntryID:        entry.ID,
		IdempotencyKey: entry.GatewayKey(),
	})
}

// ignoreUnknown treats "the gateway never saw it" as not yet resolvable.
func ignoreUnknown(err error) error {
	if errors.Is(err, gateway.ErrUnknown) {
		return nil
	}
	return err
}

// HandleEvent applies a verified gateway webhook. Events for unknown refs
// are ignored; polling picks those entries up by idempotency key.
func (w *Worker) HandleEvent(ctx context.Context, ev *gateway.Event) error {
	if ev == nil {
		return nil
	}
	entry, err := w.store.FindEntryByGatewayRef(ctx, ev.Gateway, ev.Ref)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		w.log.Debug("webhook for unknown gateway ref", zap.String("gateway", ev.Gateway), zap.String("ref", ev.Ref))
		return nil
	}
	if err != nil {
		return err
	}
	if (entry.Kind == ledger.KindRefund) != (ev.Operation == gateway.OperationRefund) {
		w.log.Warn("webhook operation does not match entry kind",
			zap.String("entry_id", entry.ID.String()),
			zap.String("kind", string(entry.Kind)),
			zap.String("operation", string(ev.Operation)))
		return nil
	}
	if entry.Status != ledger.StatusPending {
		return nil
	}
	_, _, err = w.resolver.ResolvePending(ctx, entry.ID, ev.Outcome, wallet.SourceWebhook)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// a poll or the original request decided first
		return nil
	}
	return err
}
