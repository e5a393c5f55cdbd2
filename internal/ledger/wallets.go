package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Settings is the caller-editable part of a wallet.
type Settings struct {
	AutoRecharge   AutoRecharge
	AllowOverdraft bool
	OverdraftLimit int64
}

// CreateWallet opens a wallet for ownerID. Each owner has at most one wallet;
// a second call returns the existing wallet with ErrWalletExists.
func (s *Store) CreateWallet(ctx context.Context, ownerID, currency string) (*Wallet, error) {
	now := s.Now()
	w := Wallet{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Currency:      strings.ToUpper(currency),
		RechargeState: RechargeIdle,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	lostRace := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Wallet
		err := tx.Where("owner_id = ?", ownerID).First(&existing).Error
		if err == nil {
			w = existing
			return ErrWalletExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check existing wallet: %w", err)
		}
		if err := tx.Create(&w).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				lostRace = true
				return ErrWalletExists
			}
			return fmt.Errorf("failed to create wallet: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrWalletExists) {
		if lostRace {
			existing, getErr := s.GetWalletByOwner(ctx, ownerID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, ErrWalletExists
		}
		return &w, ErrWalletExists
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("wallet created",
		zap.String("wallet_id", w.ID.String()),
		zap.String("owner_id", ownerID),
		zap.String("currency", w.Currency))
	return &w, nil
}

// GetWallet loads a wallet by id.
func (s *Store) GetWallet(ctx context.Context, id uuid.UUID) (*Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// GetWalletByOwner loads the wallet of an owner.
func (s *Store) GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	var w Wallet
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// ListWalletIDs pages through wallet ids in ascending order after the given id.
func (s *Store) ListWalletIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := s.db.WithContext(ctx).Model(&Wallet{}).Order("id ASC").Limit(limit)
	if after != uuid.Nil {
		q = q.Where("id > ?", after)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	return ids, nil
}

// UpdateSettings replaces the auto-recharge and overdraft configuration after
// check accepts it.
func (s *Store) UpdateSettings(ctx context.Context, walletID uuid.UUID, settings Settings, check Precondition) (*Wallet, error) {
	return s.mutateWallet(ctx, walletID, "update_settings", func(tx *gorm.DB, w *Wallet) (bool, error) {
		if check != nil {
			if err := check(tx, w); err != nil {
				return false, err
			}
		}
		w.AutoRecharge = settings.AutoRecharge
		w.AllowOverdraft = settings.AllowOverdraft
		w.OverdraftLimit = settings.OverdraftLimit
		return true, nil
	})
}

// ClaimRecharge moves an eligible wallet into the triggering state and
// returns the new trigger epoch. A wallet is eligible when auto-recharge is
// enabled, its balance is below the threshold and it is idle or its cooldown
// has elapsed.
func (s *Store) ClaimRecharge(ctx context.Context, walletID uuid.UUID) (int64, *Wallet, bool, error) {
	claimed := false
	w, err := s.mutateWallet(ctx, walletID, "claim_recharge", func(tx *gorm.DB, w *Wallet) (bool, error) {
		cfg := w.AutoRecharge
		if !cfg.Enabled || cfg.PaymentMethodID == nil || cfg.Amount <= 0 || w.Balance >= cfg.Threshold {
			return false, nil
		}
		switch w.RechargeState {
		case RechargeIdle, "":
		case RechargeCooldown:
			if w.CooldownUntil != nil && s.Now().Before(*w.CooldownUntil) {
				return false, nil
			}
		default:
			return false, nil
		}
		w.RechargeState = RechargeTriggering
		w.RechargeEpoch++
		w.CooldownUntil = nil
		claimed = true
		return true, nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	return w.RechargeEpoch, w, claimed, nil
}

// FinishRecharge leaves the triggering state for epoch: idle on success,
// cooldown until the given time otherwise. Stale epochs are ignored.
func (s *Store) FinishRecharge(ctx context.Context, walletID uuid.UUID, epoch int64, succeeded bool, cooldownUntil time.Time) (*Wallet, error) {
	return s.mutateWallet(ctx, walletID, "finish_recharge", func(tx *gorm.DB, w *Wallet) (bool, error) {
		if w.RechargeState != RechargeTriggering || w.RechargeEpoch != epoch {
			return false, nil
		}
		if succeeded {
			w.RechargeState = RechargeIdle
			w.CooldownUntil = nil
		} else {
			until := cooldownUntil.UTC()
			w.RechargeState = RechargeCooldown
			w.CooldownUntil = &until
		}
		return true, nil
	})
}

// DriftReport describes a balance audit of one wallet.
type DriftReport struct {
	WalletID uuid.UUID `json:"wallet_id"`
	Cached   int64     `json:"cached"`
	Ledger   int64     `json:"ledger"`
	Drift    int64     `json:"drift"`
}

// CorrectBalance recomputes the balance from settled entries and overwrites
// the cached value when they differ.
func (s *Store) CorrectBalance(ctx context.Context, walletID uuid.UUID) (*DriftReport, error) {
	report := &DriftReport{WalletID: walletID}
	_, err := s.mutateWallet(ctx, walletID, "correct_balance", func(tx *gorm.DB, w *Wallet) (bool, error) {
		sum, err := SumSettled(tx, walletID)
		if err != nil {
			return false, err
		}
		report.Cached = w.Balance
		report.Ledger = sum
		report.Drift = w.Balance - sum
		if report.Drift == 0 {
			return false, nil
		}
		w.Balance = sum
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
