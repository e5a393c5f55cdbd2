package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/walletledger/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EntryDraft describes an entry to append.
type EntryDraft struct {
	WalletID        uuid.UUID
	Amount          int64
	Kind            EntryKind
	Status          EntryStatus
	IdempotencyKey  string
	Gateway         string
	GatewayRef      string
	PaymentMethodID *uuid.UUID
	RefundOf        *uuid.UUID
}

// Precondition is evaluated inside the append transaction against the locked
// wallet row. A non-nil error aborts the append.
type Precondition func(tx *gorm.DB, w *Wallet) error

func (d EntryDraft) validate() error {
	switch {
	case d.WalletID == uuid.Nil:
		return fmt.Errorf("%w: wallet id is required", ErrInvalidDraft)
	case d.Amount == 0:
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidDraft)
	case d.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidDraft)
	case d.Status != StatusPending && d.Status != StatusSettled:
		return fmt.Errorf("%w: initial status must be pending or settled", ErrInvalidDraft)
	}
	switch d.Kind {
	case KindFund, KindCharge, KindRefund, KindAutoRecharge:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDraft, d.Kind)
	}
	return nil
}

// Append records a new entry. When the draft is settled the wallet balance
// moves in the same transaction.
func (s *Store) Append(ctx context.Context, draft EntryDraft, check Precondition) (*LedgerEntry, *Wallet, error) {
	if err := draft.validate(); err != nil {
		return nil, nil, err
	}

	var entry LedgerEntry
	wallet, err := s.mutateWallet(ctx, draft.WalletID, "append", func(tx *gorm.DB, w *Wallet) (bool, error) {
		var existing int64
		if err := tx.Model(&LedgerEntry{}).
			Where("wallet_id = ? AND kind = ? AND idempotency_key = ?", draft.WalletID, draft.Kind, draft.IdempotencyKey).
			Count(&existing).Error; err != nil {
			return false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing > 0 {
			return false, ErrDuplicateEntry
		}

		if check != nil {
			if err := check(tx, w); err != nil {
				return false, err
			}
		}

		now := s.Now()
		entry = LedgerEntry{
			ID:              uuid.New(),
			WalletID:        draft.WalletID,
			Amount:          draft.Amount,
			Kind:            draft.Kind,
			Status:          draft.Status,
			IdempotencyKey:  draft.IdempotencyKey,
			Gateway:         draft.Gateway,
			PaymentMethodID: draft.PaymentMethodID,
			RefundOf:        draft.RefundOf,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if draft.GatewayRef != "" {
			ref := draft.GatewayRef
			entry.GatewayRef = &ref
		}
		if draft.Status == StatusSettled {
			entry.SettledAt = &now
			w.Balance += draft.Amount
		}

		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return false, ErrDuplicateEntry
			}
			return false, fmt.Errorf("failed to create ledger entry: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
	s.logger.Debug("ledger entry appended",
		zap.String("entry_id", entry.ID.String()),
		zap.String("wallet_id", entry.WalletID.String()),
		zap.String("kind", string(entry.Kind)),
		zap.String("status", string(entry.Status)),
		zap.Int64("amount", entry.Amount))
	return &entry, wallet, nil
}

// Transition moves a pending entry to settled or failed. The wallet balance
// moves only on pending -> settled. Repeating a transition to the status the
// entry already has returns changed=false and touches nothing.
func (s *Store) Transition(ctx context.Context, entryID uuid.UUID, to EntryStatus, gatewayRef, reason string) (*LedgerEntry, *Wallet, bool, error) {
	if to != StatusSettled && to != StatusFailed {
		return nil, nil, false, fmt.Errorf("%w: target %q", ErrInvalidTransition, to)
	}
	current, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, nil, false, err
	}

	var entry LedgerEntry
	changed := false
	wallet, err := s.mutateWallet(ctx, current.WalletID, "transition", func(tx *gorm.DB, w *Wallet) (bool, error) {
		if err := tx.Where("id = ?", entryID).First(&entry).Error; err != nil {
			return false, fmt.Errorf("failed to load ledger entry: %w", err)
		}
		if entry.Status == to {
			return false, nil
		}
		if !IsValidTransition(entry.Status, to) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, to)
		}

		now := s.Now()
		updates := map[string]any{"status": to, "updated_at": now}
		if gatewayRef != "" && entry.Ref() == "" {
			updates["gateway_ref"] = gatewayRef
		}
		if reason != "" {
			updates["failure_reason"] = truncate(reason, 255)
		}
		if to == StatusSettled {
			updates["settled_at"] = now
		}
		res := tx.Model(&LedgerEntry{}).
			Where("id = ? AND status = ?", entryID, StatusPending).
			Updates(updates)
		if res.Error != nil {
			return false, fmt.Errorf("failed to transition ledger entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return false, errVersionMismatch
		}

		entry.Status = to
		entry.UpdatedAt = now
		if v, ok := updates["gateway_ref"]; ok {
			ref := v.(string)
			entry.GatewayRef = &ref
		}
		if reason != "" {
			entry.FailureReason = truncate(reason, 255)
		}
		if to == StatusSettled {
			entry.SettledAt = &now
			w.Balance += entry.Amount
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	if changed {
		metrics.LedgerEntries.WithLabelValues(string(entry.Kind), string(entry.Status)).Inc()
		s.logger.Info("ledger entry transitioned",
			zap.String("entry_id", entry.ID.String()),
			zap.String("wallet_id", entry.WalletID.String()),
			zap.String("status", string(entry.Status)),
			zap.Int64("balance", wallet.Balance))
	}
	return &entry, wallet, changed, nil
}

// AttachGatewayRef records the gateway reference of a pending entry that
// does not have one yet.
func (s *Store) AttachGatewayRef(ctx context.Context, entryID uuid.UUID, ref string) error {
	if ref == "" {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("id = ? AND status = ? AND (gateway_ref IS NULL OR gateway_ref = '')", entryID, StatusPending).
		Updates(map[string]any{"gateway_ref": ref, "updated_at": s.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to attach gateway ref: %w", res.Error)
	}
	return nil
}

// BalanceAsOf sums the settled entries of a wallet, ignoring the cached balance.
func (s *Store) BalanceAsOf(ctx context.Context, walletID uuid.UUID) (int64, error) {
	return SumSettled(s.db.WithContext(ctx), walletID)
}

// SumSettled sums settled entry amounts for walletID using db.
func SumSettled(db *gorm.DB, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := db.Model(&LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_id = ? AND status = ?", walletID, StatusSettled).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum settled entries: %w", err)
	}
	return sum, nil
}

// SumPendingDebits returns the (negative or zero) total of pending debits,
// which are held against the balance until they resolve.
func SumPendingDebits(db *gorm.DB, walletID uuid.UUID) (int64, error) {
	var sum int64
	err := db.Model(&LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_id = ? AND status = ? AND amount < 0", walletID, StatusPending).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending debits: %w", err)
	}
	return sum, nil
}

// SumRefunded returns the absolute amount of pending and settled refunds
// referencing entryID.
func SumRefunded(db *gorm.DB, entryID uuid.UUID) (int64, error) {
	var entries []LedgerEntry
	err := db.Select("amount").
		Where("refund_of = ? AND kind = ? AND status IN ?", entryID, KindRefund, []EntryStatus{StatusPending, StatusSettled}).
		Find(&entries).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	var total int64
	for _, e := range entries {
		total += abs(e.Amount)
	}
	return total, nil
}

// GetEntry loads an entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID uuid.UUID) (*LedgerEntry, error) {
	var entry LedgerEntry
	if err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return &entry, nil
}

// FindEntryByKey loads the entry written for an idempotency key.
func (s *Store) FindEntryByKey(ctx context.Context, walletID uuid.UUID, kind EntryKind, key string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := s.db.WithContext(ctx).
		Where("wallet_id = ? AND kind = ? AND idempotency_key = ?", walletID, kind, key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find ledger entry: %w", err)
	}
	return &entry, nil
}

// FindEntryByGatewayRef loads the entry carrying a gateway reference.
func (s *Store) FindEntryByGatewayRef(ctx context.Context, gateway, ref string) (*LedgerEntry, error) {
	var entry LedgerEntry
	err := s.db.WithContext(ctx).
		Where("gateway = ? AND gateway_ref = ?", gateway, ref).
		Order("created_at DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find ledger entry by gateway ref: %w", err)
	}
	return &entry, nil
}

// ListEntries returns one page of a wallet's entries, newest first by
// settlement (or creation) time with the entry id as tie-breaker.
func (s *Store) ListEntries(ctx context.Context, walletID uuid.UUID, page, size int) ([]LedgerEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	var total int64
	query := s.db.WithContext(ctx).Model(&LedgerEntry{}).Where("wallet_id = ?", walletID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("COALESCE(settled_at, created_at) DESC").
		Order("id DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, total, nil
}

// PendingEntries returns pending entries created before cutoff, oldest first.
func (s *Store) PendingEntries(ctx context.Context, cutoff time.Time, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, cutoff.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	return entries, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RefundedTotal returns the amount already refunded or being refunded
// against entryID.
func (s *Store) RefundedTotal(ctx context.Context, entryID uuid.UUID) (int64, error) {
	return SumRefunded(s.db.WithContext(ctx), entryID)
}

// PendingDebits returns the total held by pending debits of a wallet.
func (s *Store) PendingDebits(ctx context.Context, walletID uuid.UUID) (int64, error) {
	return SumPendingDebits(s.db.WithContext(ctx), walletID)
}
