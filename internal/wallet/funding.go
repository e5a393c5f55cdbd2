package wallet

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FundRequest adds money to a wallet by charging a saved payment method.
type FundRequest struct {
	WalletID        uuid.UUID
	Amount          int64
	PaymentMethodID uuid.UUID
	IdempotencyKey  string
}

// Fund charges the payment method and credits the wallet. The entry is
// settled, failed (GatewayDeclined) or left pending when the gateway did not
// give a final answer; a pending result is reported as processing.
func (s *Service) Fund(ctx context.Context, req FundRequest) (*Result, error) {
	if err := requireKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.PaymentMethodID == uuid.Nil {
		return nil, apperrors.ErrValidation.Explain("payment_method_id is required").
			WithField("payment_method_id", "required")
	}

	key := scopedKey(req.WalletID.String(), req.IdempotencyKey)
	res, err := s.reserve(ctx, key, OpFund, req.WalletID.String(), itoa(req.Amount), req.PaymentMethodID.String())
	if err != nil {
		return nil, s.withBalance(ctx, req.WalletID, err)
	}
	if res.State == idempotency.StateCompleted {
		return s.replay(ctx, res.Outcome)
	}

	result, err := s.fund(ctx, req)
	if err != nil {
		err = s.withBalance(ctx, req.WalletID, s.translate(err))
	}
	s.settle(ctx, key, OpFund, outcomeOf(result), err)
	return result, err
}

func (s *Service) fund(ctx context.Context, req FundRequest) (*Result, error) {
	entry, err := s.store.FindEntryByKey(ctx, req.WalletID, ledger.KindFund, req.IdempotencyKey)
	switch {
	case err == nil:
		// an earlier attempt with this key got as far as the ledger
		if !sameCharge(entry, req.Amount, req.PaymentMethodID) {
			return nil, keyReused(entry)
		}
		logger.ForWallet(s.logger, req.WalletID.String()).Info("resuming fund from existing entry",
			zap.String("entry_id", entry.ID.String()))
		return s.resumeCharge(ctx, entry)
	case !errors.Is(err, ledger.ErrEntryNotFound):
		return nil, err
	}

	w, err := s.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	pm, err := s.activeMethod(ctx, w.ID, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	return s.chargeInto(ctx, w, pm, ledger.KindFund, req.IdempotencyKey, req.Amount)
}

// FundAutoRecharge runs the refill charge for one trigger epoch. The entry
// key is derived from the epoch, so evaluating the same epoch twice cannot
// charge twice.
func (s *Service) FundAutoRecharge(ctx context.Context, walletID uuid.UUID, epoch int64) (*Result, error) {
	key := AutoRechargeKey(walletID, epoch)
	entry, err := s.store.FindEntryByKey(ctx, walletID, ledger.KindAutoRecharge, key)
	if err == nil {
		return s.resumeCharge(ctx, entry)
	}
	if !errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, s.translate(err)
	}

	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, s.translate(err)
	}
	cfg := w.AutoRecharge
	if !cfg.Enabled || cfg.PaymentMethodID == nil || cfg.Amount <= 0 {
		return nil, apperrors.ErrValidation.Explain("auto-recharge is not configured")
	}
	pm, err := s.activeMethod(ctx, walletID, *cfg.PaymentMethodID)
	if err != nil {
		return nil, s.translate(err)
	}
	result, err := s.chargeInto(ctx, w, pm, ledger.KindAutoRecharge, key, cfg.Amount)
	return result, s.translate(err)
}

// AutoRechargeKey is the ledger idempotency key of a recharge epoch.
func AutoRechargeKey(walletID uuid.UUID, epoch int64) string {
	return fmt.Sprintf("auto-recharge:%s:%d", walletID, epoch)
}

func (s *Service) activeMethod(ctx context.Context, walletID, id uuid.UUID) (*ledger.PaymentMethod, error) {
	pm, err := s.store.GetPaymentMethod(ctx, walletID, id)
	if err != nil {
		return nil, err
	}
	if !pm.Active {
		return nil, apperrors.ErrValidation.Explain("payment method is deactivated").
			WithField("payment_method_id", "inactive")
	}
	return pm, nil
}

// chargeInto records a pending credit and then charges the instrument.
func (s *Service) chargeInto(ctx context.Context, w *ledger.Wallet, pm *ledger.PaymentMethod, kind ledger.EntryKind, key string, amount int64) (*Result, error) {
	if _, err := s.gateways.Get(pm.Gateway); err != nil {
		return nil, apperrors.ErrValidation.Explain("payment method gateway %q is not configured", pm.Gateway)
	}
	pmID := pm.ID
	entry, wallet, err := s.store.Append(ctx, ledger.EntryDraft{
		WalletID:        w.ID,
		Amount:          amount,
		Kind:            kind,
		Status:          ledger.StatusPending,
		IdempotencyKey:  key,
		Gateway:         pm.Gateway,
		PaymentMethodID: &pmID,
	}, nil)
	if errors.Is(err, ledger.ErrDuplicateEntry) {
		existing, findErr := s.store.FindEntryByKey(ctx, w.ID, kind, key)
		if findErr != nil {
			return nil, findErr
		}
		if !sameCharge(existing, amount, pmID) {
			return nil, keyReused(existing)
		}
		return s.resumeCharge(ctx, existing)
	}
	if err != nil {
		return nil, err
	}
	s.publishEntry(ctx, entry, wallet)
	return s.callCharge(ctx, entry, pm, w.Currency)
}

func sameCharge(entry *ledger.LedgerEntry, amount int64, pmID uuid.UUID) bool {
	return entry.Amount == amount && entry.PaymentMethodID != nil && *entry.PaymentMethodID == pmID
}

// resumeCharge continues an entry written by an earlier attempt. Final
// entries are reported as they are; pending ones are charged again with the
// same gateway key, which the processor deduplicates.
func (s *Service) resumeCharge(ctx context.Context, entry *ledger.LedgerEntry) (*Result, error) {
	w, err := s.store.GetWallet(ctx, entry.WalletID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case ledger.StatusSettled:
		return &Result{Entry: entry, Balance: w.Balance}, nil
	case ledger.StatusFailed:
		return nil, apperrors.ErrGatewayDeclined.Explain("payment was declined: %s", entry.FailureReason).WithBalance(w.Balance)
	}
	if entry.PaymentMethodID == nil {
		return &Result{Entry: entry, Balance: w.Balance}, nil
	}
	pm, err := s.store.GetPaymentMethod(ctx, entry.WalletID, *entry.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	return s.callCharge(ctx, entry, pm, w.Currency)
}

func (s *Service) callCharge(ctx context.Context, entry *ledger.LedgerEntry, pm *ledger.PaymentMethod, currency string) (*Result, error) {
	gw, err := s.gateways.Get(entry.Gateway)
	if err != nil {
		return nil, err
	}
	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()

	out, callErr := gw.Charge(gctx, gateway.ChargeRequest{
		WalletID:       entry.WalletID,
		EntryID:        entry.ID,
		Instrument:     gateway.Instrument{Token: pm.Token, CustomerRef: pm.CustomerRef},
		Amount:         entry.Amount,
		Currency:       currency,
		IdempotencyKey: entry.GatewayKey(),
	})
	return s.applyOutcome(ctx, entry, out, callErr)
}

// applyOutcome moves an entry according to what the gateway said. Transient
// errors leave it pending for reconciliation.
func (s *Service) applyOutcome(ctx context.Context, entry *ledger.LedgerEntry, out gateway.Outcome, callErr error) (*Result, error) {
	// the gateway already acted; the caller leaving must not lose the result
	ctx = context.WithoutCancel(ctx)
	log := logger.ForWallet(s.logger, entry.WalletID.String()).With(
		zap.String("entry_id", entry.ID.String()),
		zap.String("kind", string(entry.Kind)))

	if callErr != nil {
		log.Warn("gateway did not confirm, entry left pending", zap.Error(callErr))
		if out.Ref != "" {
			if err := s.store.AttachGatewayRef(ctx, entry.ID, out.Ref); err != nil {
				log.Error("failed to attach gateway ref", zap.Error(err))
			}
		}
		w, err := s.store.GetWallet(ctx, entry.WalletID)
		if err != nil {
			return nil, err
		}
		return &Result{Entry: entry, Balance: w.Balance}, nil
	}

	switch out.Status {
	case gateway.StatusSettled:
		settled, w, changed, err := s.store.Transition(ctx, entry.ID, ledger.StatusSettled, out.Ref, "")
		if err != nil {
			return nil, s.lateOutcome(ctx, entry, err)
		}
		if changed {
			s.publishEntry(ctx, settled, w)
			if settled.Amount < 0 && s.recharger != nil {
				s.recharger.Evaluate(ctx, w)
			}
		}
		return &Result{Entry: settled, Balance: w.Balance}, nil
	case gateway.StatusDeclined, gateway.StatusFailed:
		failed, w, changed, err := s.store.Transition(ctx, entry.ID, ledger.StatusFailed, out.Ref, reasonOr(out.Reason, string(out.Status)))
		if err != nil {
			return nil, s.lateOutcome(ctx, entry, err)
		}
		if changed {
			s.publishEntry(ctx, failed, w)
		}
		return nil, apperrors.ErrGatewayDeclined.
			Explain("%s was declined: %s", describe(entry.Kind), reasonOr(failed.FailureReason, string(out.Status))).
			WithBalance(w.Balance)
	default:
		if out.Ref != "" {
			if err := s.store.AttachGatewayRef(ctx, entry.ID, out.Ref); err != nil {
				log.Error("failed to attach gateway ref", zap.Error(err))
			}
			ref := out.Ref
			if entry.GatewayRef == nil {
				entry.GatewayRef = &ref
			}
		}
		w, err := s.store.GetWallet(ctx, entry.WalletID)
		if err != nil {
			return nil, err
		}
		log.Info("gateway accepted, awaiting settlement")
		return &Result{Entry: entry, Balance: w.Balance}, nil
	}
}

// lateOutcome handles a transition that lost to a webhook or the
// reconciliation worker: whatever they decided stands.
func (s *Service) lateOutcome(ctx context.Context, entry *ledger.LedgerEntry, err error) error {
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		return err
	}
	current, getErr := s.store.GetEntry(ctx, entry.ID)
	if getErr != nil {
		return err
	}
	s.logger.Warn("entry already resolved elsewhere",
		zap.String("entry_id", entry.ID.String()),
		zap.String("status", string(current.Status)))
	return apperrors.ErrConflict.Explain("entry %s was already %s", entry.ID, current.Status)
}

func describe(kind ledger.EntryKind) string {
	switch kind {
	case ledger.KindRefund:
		return "refund"
	case ledger.KindAutoRecharge:
		return "auto-recharge payment"
	default:
		return "payment"
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
