package wallet

import (
	"context"
	"errors"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundRequest reverses part or all of a settled entry.
type RefundRequest struct {
	WalletID       uuid.UUID
	EntryID        uuid.UUID
	Amount         int64
	IdempotencyKey string
}

// Refund reverses a settled usage charge or funding payment. Usage refunds
// credit the wallet immediately. Funding refunds debit the wallet and return
// the money through the gateway that took it. Cumulative refunds never
// exceed the original amount.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := requireKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.EntryID == uuid.Nil {
		return nil, apperrors.ErrValidation.Explain("entry_id is required").WithField("entry_id", "required")
	}

	key := scopedKey(req.WalletID.String(), req.IdempotencyKey)
	res, err := s.reserve(ctx, key, OpRefund, req.WalletID.String(), req.EntryID.String(), itoa(req.Amount))
	if err != nil {
		return nil, s.withBalance(ctx, req.WalletID, err)
	}
	if res.State == idempotency.StateCompleted {
		return s.replay(ctx, res.Outcome)
	}

	result, err := s.refund(ctx, req)
	if err != nil {
		err = s.withBalance(ctx, req.WalletID, s.translate(err))
	}
	s.settle(ctx, key, OpRefund, outcomeOf(result), err)
	return result, err
}

// sameRefund reports whether entry was written for req. Usage refunds credit
// and funding refunds debit, so only the magnitude is compared.
func sameRefund(entry *ledger.LedgerEntry, req RefundRequest) bool {
	amount := entry.Amount
	if amount < 0 {
		amount = -amount
	}
	return entry.RefundOf != nil && *entry.RefundOf == req.EntryID && amount == req.Amount
}

func (s *Service) refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if existing, err := s.store.FindEntryByKey(ctx, req.WalletID, ledger.KindRefund, req.IdempotencyKey); err == nil {
		if !sameRefund(existing, req) {
			return nil, keyReused(existing)
		}
		return s.resumeRefund(ctx, existing)
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return nil, err
	}

	original, err := s.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if original.WalletID != req.WalletID {
		return nil, apperrors.ErrNotFound.Explain("ledger entry not found")
	}
	if original.Status != ledger.StatusSettled {
		return nil, apperrors.ErrValidation.Explain("only settled entries can be refunded").
			WithField("entry_id", "entry is "+string(original.Status))
	}
	originalID := original.ID

	switch original.Kind {
	case ledger.KindCharge:
		entry, w, err := s.store.Append(ctx, ledger.EntryDraft{
			WalletID:       req.WalletID,
			Amount:         req.Amount,
			Kind:           ledger.KindRefund,
			Status:         ledger.StatusSettled,
			IdempotencyKey: req.IdempotencyKey,
			RefundOf:       &originalID,
		}, refundable(original, req.Amount, false))
		if err != nil {
			return nil, err
		}
		logger.ForWallet(s.logger, w.ID.String()).Info("usage charge refunded",
			zap.String("entry_id", entry.ID.String()),
			zap.String("refund_of", originalID.String()),
			zap.Int64("amount", req.Amount))
		s.publishEntry(ctx, entry, w)
		return &Result{Entry: entry, Balance: w.Balance}, nil

	case ledger.KindFund, ledger.KindAutoRecharge:
		if original.Ref() == "" {
			return nil, apperrors.ErrValidation.Explain("entry has no gateway reference to refund against")
		}
		if _, err := s.gateways.Get(original.Gateway); err != nil {
			return nil, apperrors.ErrValidation.Explain("gateway %q is not configured", original.Gateway)
		}
		entry, w, err := s.store.Append(ctx, ledger.EntryDraft{
			WalletID:        req.WalletID,
			Amount:          -req.Amount,
			Kind:            ledger.KindRefund,
			Status:          ledger.StatusPending,
			IdempotencyKey:  req.IdempotencyKey,
			Gateway:         original.Gateway,
			PaymentMethodID: original.PaymentMethodID,
			RefundOf:        &originalID,
		}, refundable(original, req.Amount, true))
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			existing, findErr := s.store.FindEntryByKey(ctx, req.WalletID, ledger.KindRefund, req.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if !sameRefund(existing, req) {
				return nil, keyReused(existing)
			}
			return s.resumeRefund(ctx, existing)
		}
		if err != nil {
			return nil, err
		}
		s.publishEntry(ctx, entry, w)
		return s.callRefund(ctx, entry, original)

	default:
		return nil, apperrors.ErrValidation.Explain("%s entries cannot be refunded", original.Kind).
			WithField("entry_id", "not refundable")
	}
}

// refundable enforces the refund cap inside the append transaction. A
// refund that debits the wallet must also be covered by available funds.
func refundable(original *ledger.LedgerEntry, amount int64, debit bool) ledger.Precondition {
	return func(tx *gorm.DB, w *ledger.Wallet) error {
		refunded, err := ledger.SumRefunded(tx, original.ID)
		if err != nil {
			return err
		}
		limit := original.Amount
		if limit < 0 {
			limit = -limit
		}
		if refunded+amount > limit {
			return apperrors.ErrValidation.
				Explain("refund of %d exceeds the refundable amount %d", amount, limit-refunded).
				WithField("amount", "exceeds refundable amount").
				WithBalance(w.Balance)
		}
		if debit {
			return sufficientFunds(amount)(tx, w)
		}
		return nil
	}
}

func (s *Service) resumeRefund(ctx context.Context, entry *ledger.LedgerEntry) (*Result, error) {
	w, err := s.store.GetWallet(ctx, entry.WalletID)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case ledger.StatusSettled:
		return &Result{Entry: entry, Balance: w.Balance}, nil
	case ledger.StatusFailed:
		return nil, apperrors.ErrGatewayDeclined.Explain("refund failed: %s", entry.FailureReason).WithBalance(w.Balance)
	}
	if entry.RefundOf == nil || entry.Gateway == "" {
		return &Result{Entry: entry, Balance: w.Balance}, nil
	}
	original, err := s.store.GetEntry(ctx, *entry.RefundOf)
	if err != nil {
		return nil, err
	}
	return s.callRefund(ctx, entry, original)
}

func (s *Service) callRefund(ctx context.Context, entry, original *ledger.LedgerEntry) (*Result, error) {
	gw, err := s.gateways.Get(entry.Gateway)
	if err != nil {
		return nil, err
	}
	w, err := s.store.GetWallet(ctx, entry.WalletID)
	if err != nil {
		return nil, err
	}
	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()

	out, callErr := gw.Refund(gctx, gateway.RefundRequest{
		EntryID:        entry.ID,
		ChargeRef:      original.Ref(),
		Amount:         -entry.Amount,
		Currency:       w.Currency,
		IdempotencyKey: entry.GatewayKey(),
	})
	return s.applyOutcome(ctx, entry, out, callErr)
}
