package wallet

import (
	"context"
	"errors"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChargeRequest debits a wallet for usage. Amount is the positive usage; the
// entry records it as a negative amount.
type ChargeRequest struct {
	WalletID       uuid.UUID
	Amount         int64
	IdempotencyKey string
}

// ChargeForUsage debits the wallet without touching a gateway. The debit is
// rejected with InsufficientFunds when it would take the available balance
// below the wallet's overdraft floor.
func (s *Service) ChargeForUsage(ctx context.Context, req ChargeRequest) (*Result, error) {
	if err := requireKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	key := scopedKey(req.WalletID.String(), req.IdempotencyKey)
	res, err := s.reserve(ctx, key, OpCharge, req.WalletID.String(), itoa(req.Amount))
	if err != nil {
		return nil, s.withBalance(ctx, req.WalletID, err)
	}
	if res.State == idempotency.StateCompleted {
		return s.replay(ctx, res.Outcome)
	}

	result, w, err := s.charge(ctx, req)
	if err != nil {
		err = s.withBalance(ctx, req.WalletID, s.translate(err))
	}
	s.settle(ctx, key, OpCharge, outcomeOf(result), err)
	if err == nil && w != nil && s.recharger != nil {
		s.recharger.Evaluate(ctx, w)
	}
	return result, err
}

func (s *Service) charge(ctx context.Context, req ChargeRequest) (*Result, *ledger.Wallet, error) {
	existing, err := s.store.FindEntryByKey(ctx, req.WalletID, ledger.KindCharge, req.IdempotencyKey)
	if err == nil {
		if existing.Amount != -req.Amount {
			return nil, nil, keyReused(existing)
		}
		w, getErr := s.store.GetWallet(ctx, req.WalletID)
		if getErr != nil {
			return nil, nil, getErr
		}
		return &Result{Entry: existing, Balance: w.Balance}, nil, nil
	}
	if !errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, nil, err
	}

	entry, w, err := s.store.Append(ctx, ledger.EntryDraft{
		WalletID:       req.WalletID,
		Amount:         -req.Amount,
		Kind:           ledger.KindCharge,
		Status:         ledger.StatusSettled,
		IdempotencyKey: req.IdempotencyKey,
	}, sufficientFunds(req.Amount))
	if err != nil {
		return nil, nil, err
	}

	logger.ForWallet(s.logger, w.ID.String()).Info("usage charged",
		zap.String("entry_id", entry.ID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", w.Balance))
	s.publishEntry(ctx, entry, w)
	return &Result{Entry: entry, Balance: w.Balance}, w, nil
}

// sufficientFunds checks a debit of amount against the available balance:
// the settled balance minus what pending debits already hold.
func sufficientFunds(amount int64) ledger.Precondition {
	return func(tx *gorm.DB, w *ledger.Wallet) error {
		held, err := ledger.SumPendingDebits(tx, w.ID)
		if err != nil {
			return err
		}
		available := w.Balance + held
		if available-amount < w.OverdraftFloor() {
			return apperrors.ErrInsufficientFunds.
				Explain("available balance %d is below the requested %d", available, amount).
				WithBalance(w.Balance)
		}
		return nil
	}
}
