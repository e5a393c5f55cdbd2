// Package autorecharge refills wallets that fall below their configured
// threshold.
//
// Per wallet the trigger moves idle -> triggering -> idle on success, or
// triggering -> cooldown on failure; a cooldown expires back to eligible.
// The move into triggering is a compare-and-swap on the wallet row that
// also bumps the trigger epoch, and the refill entry key is derived from
// that epoch, so concurrent or repeated evaluations charge at most once.
package autorecharge

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/Aidin1998/walletledger/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Funder runs the refill charge of one epoch.
type Funder interface {
	FundAutoRecharge(ctx context.Context, walletID uuid.UUID, epoch int64) (*wallet.Result, error)
	PublishEvent(ctx context.Context, ev events.Event)
}

// Trigger evaluates wallets after balance-reducing settlements.
type Trigger struct {
	store    *ledger.Store
	funder   Funder
	cooldown time.Duration
	// staleAfter is how long a triggering wallet may go without a refill
	// entry before the claim is considered abandoned.
	staleAfter time.Duration
	logger     *zap.Logger
}

// New creates a trigger.
func New(store *ledger.Store, funder Funder, cooldown, staleAfter time.Duration, logger *zap.Logger) *Trigger {
	return &Trigger{
		store:      store,
		funder:     funder,
		cooldown:   cooldown,
		staleAfter: staleAfter,
		logger:     logger.Named("autorecharge"),
	}
}

// Evaluate checks w's post-transaction balance and refills it when it fell
// below the threshold. The refill runs synchronously on a context detached
// from the caller.
func (t *Trigger) Evaluate(ctx context.Context, w *ledger.Wallet) {
	if w == nil || !w.AutoRecharge.Enabled || w.Balance >= w.AutoRecharge.Threshold {
		return
	}
	ctx = context.WithoutCancel(ctx)
	log := t.logger.With(zap.String("wallet_id", w.ID.String()))

	epoch, current, claimed, err := t.store.ClaimRecharge(ctx, w.ID)
	if err != nil {
		log.Error("failed to claim auto-recharge", zap.Error(err))
		return
	}
	if !claimed {
		if current.RechargeState == ledger.RechargeTriggering {
			t.resume(ctx, current)
			return
		}
		metrics.AutoRechargeTriggers.WithLabelValues("skipped").Inc()
		log.Debug("auto-recharge not eligible",
			zap.String("state", string(current.RechargeState)),
			zap.Int64("balance", current.Balance))
		return
	}

	log.Info("auto-recharge triggered",
		zap.Int64("epoch", epoch),
		zap.Int64("balance", current.Balance),
		zap.Int64("threshold", current.AutoRecharge.Threshold),
		zap.Int64("amount", current.AutoRecharge.Amount))
	t.funder.PublishEvent(ctx, events.Event{
		Type:     events.AutoRechargeTriggered,
		WalletID: w.ID,
		Amount:   current.AutoRecharge.Amount,
	})
	t.run(ctx, w.ID, epoch)
}

// Resolved finishes the epoch of an auto-recharge entry that was resolved
// after the trigger returned.
func (t *Trigger) Resolved(ctx context.Context, entry *ledger.LedgerEntry) {
	if entry == nil || entry.Kind != ledger.KindAutoRecharge {
		return
	}
	epoch, err := epochOf(entry.IdempotencyKey)
	if err != nil {
		t.logger.Error("auto-recharge entry has malformed key",
			zap.String("entry_id", entry.ID.String()),
			zap.String("key", entry.IdempotencyKey))
		return
	}
	t.finish(context.WithoutCancel(ctx), entry.WalletID, epoch, entry.Status == ledger.StatusSettled, entry.FailureReason)
}

func (t *Trigger) run(ctx context.Context, walletID uuid.UUID, epoch int64) {
	res, err := t.funder.FundAutoRecharge(ctx, walletID, epoch)
	switch {
	case err != nil:
		t.finish(ctx, walletID, epoch, false, err.Error())
	case res.Processing():
		metrics.AutoRechargeTriggers.WithLabelValues("pending").Inc()
		t.logger.Info("auto-recharge awaiting gateway settlement",
			zap.String("wallet_id", walletID.String()),
			zap.String("entry_id", res.Entry.ID.String()))
	default:
		t.finish(ctx, walletID, epoch, true, "")
	}
}

// resume repairs a wallet whose trigger was interrupted: the entry of the
// current epoch either finished without the state following, or was never
// written.
func (t *Trigger) resume(ctx context.Context, w *ledger.Wallet) {
	epoch := w.RechargeEpoch
	entry, err := t.store.FindEntryByKey(ctx, w.ID, ledger.KindAutoRecharge, wallet.AutoRechargeKey(w.ID, epoch))
	switch {
	case err == nil && entry.Status != ledger.StatusPending:
		t.finish(ctx, w.ID, epoch, entry.Status == ledger.StatusSettled, entry.FailureReason)
	case errors.Is(err, ledger.ErrEntryNotFound) && t.store.Now().Sub(w.UpdatedAt) > t.staleAfter:
		t.logger.Warn("resuming abandoned auto-recharge",
			zap.String("wallet_id", w.ID.String()),
			zap.Int64("epoch", epoch))
		t.run(ctx, w.ID, epoch)
	case err != nil && !errors.Is(err, ledger.ErrEntryNotFound):
		t.logger.Error("failed to inspect auto-recharge entry", zap.String("wallet_id", w.ID.String()), zap.Error(err))
	}
}

func (t *Trigger) finish(ctx context.Context, walletID uuid.UUID, epoch int64, succeeded bool, reason string) {
	until := t.store.Now().Add(t.cooldown)
	if _, err := t.store.FinishRecharge(ctx, walletID, epoch, succeeded, until); err != nil {
		t.logger.Error("failed to finish auto-recharge",
			zap.String("wallet_id", walletID.String()),
			zap.Int64("epoch", epoch),
			zap.Error(err))
		return
	}

	ev := events.Event{WalletID: walletID, Reason: reason}
	if succeeded {
		metrics.AutoRechargeTriggers.WithLabelValues("succeeded").Inc()
		ev.Type = events.AutoRechargeSucceeded
		t.logger.Info("auto-recharge succeeded", zap.String("wallet_id", walletID.String()), zap.Int64("epoch", epoch))
	} else {
		metrics.AutoRechargeTriggers.WithLabelValues("failed").Inc()
		ev.Type = events.AutoRechargeFailed
		t.logger.Warn("auto-recharge failed, cooling down",
			zap.String("wallet_id", walletID.String()),
			zap.Int64("epoch", epoch),
			zap.Time("cooldown_until", until),
			zap.String("reason", reason))
	}
	t.funder.PublishEvent(ctx, ev)
}

func epochOf(key string) (int64, error) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, errors.New("no epoch in key")
	}
	return strconv.ParseInt(key[i+1:], 10, 64)
}
