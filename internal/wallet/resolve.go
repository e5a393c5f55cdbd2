package wallet

import (
	"context"
	"fmt"

	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/Aidin1998/walletledger/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolution sources.
const (
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
	SourceHorizon = "horizon"
)

// ResolvePending applies an authoritative gateway outcome to a pending
// entry. It reports whether this call moved the entry; a replayed webhook
// or a second worker finds the entry final and changes nothing.
func (s *Service) ResolvePending(ctx context.Context, entryID uuid.UUID, out gateway.Outcome, source string) (*ledger.LedgerEntry, bool, error) {
	var (
		entry   *ledger.LedgerEntry
		w       *ledger.Wallet
		changed bool
		err     error
	)
	switch out.Status {
	case gateway.StatusSettled:
		entry, w, changed, err = s.store.Transition(ctx, entryID, ledger.StatusSettled, out.Ref, "")
	case gateway.StatusDeclined, gateway.StatusFailed:
		entry, w, changed, err = s.store.Transition(ctx, entryID, ledger.StatusFailed, out.Ref, reasonOr(out.Reason, string(out.Status)))
	case gateway.StatusPending:
		if out.Ref != "" {
			if err := s.store.AttachGatewayRef(ctx, entryID, out.Ref); err != nil {
				return nil, false, err
			}
		}
		entry, err = s.store.GetEntry(ctx, entryID)
		return entry, false, err
	default:
		return nil, false, fmt.Errorf("unknown gateway status %q", out.Status)
	}
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return entry, false, nil
	}

	metrics.ReconciliationResolved.WithLabelValues(string(entry.Status), source).Inc()
	logger.ForWallet(s.logger, entry.WalletID.String()).Info("pending entry resolved",
		zap.String("entry_id", entry.ID.String()),
		zap.String("status", string(entry.Status)),
		zap.String("source", source))
	s.publishEntry(ctx, entry, w)
	s.afterResolved(ctx, entry, w)
	return entry, true, nil
}

// ExpirePending fails an entry that outlived the reconciliation horizon.
// Only the call that performs the transition raises the alert.
func (s *Service) ExpirePending(ctx context.Context, entryID uuid.UUID, reason string) (*ledger.LedgerEntry, bool, error) {
	entry, w, changed, err := s.store.Transition(ctx, entryID, ledger.StatusFailed, "", reason)
	if err != nil || !changed {
		return entry, false, err
	}

	metrics.ReconciliationResolved.WithLabelValues(string(entry.Status), SourceHorizon).Inc()
	id := entry.ID
	s.alerter.Raise(ctx, events.Alert{
		Kind:     events.AlertPendingExpired,
		WalletID: entry.WalletID,
		EntryID:  &id,
		Amount:   entry.Amount,
		Message:  "pending entry expired without gateway resolution",
	})
	s.publishEntry(ctx, entry, w)
	s.afterResolved(ctx, entry, w)
	return entry, true, nil
}

// afterResolved runs the hooks of an asynchronous resolution.
func (s *Service) afterResolved(ctx context.Context, entry *ledger.LedgerEntry, w *ledger.Wallet) {
	if s.recharger == nil {
		return
	}
	if entry.Kind == ledger.KindAutoRecharge {
		s.recharger.Resolved(ctx, entry)
	}
	if entry.Status == ledger.StatusSettled && entry.Amount < 0 {
		s.recharger.Evaluate(ctx, w)
	}
}
