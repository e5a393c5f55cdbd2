package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreatePaymentMethod stores a tokenized instrument for a wallet.
func (s *Store) CreatePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	if pm.ID == uuid.Nil {
		pm.ID = uuid.New()
	}
	pm.Active = true
	pm.CreatedAt = s.Now()
	if err := s.db.WithContext(ctx).Create(pm).Error; err != nil {
		return fmt.Errorf("failed to create payment method: %w", err)
	}
	return nil
}

// GetPaymentMethod loads a payment method belonging to walletID.
func (s *Store) GetPaymentMethod(ctx context.Context, walletID, id uuid.UUID) (*PaymentMethod, error) {
	var pm PaymentMethod
	err := s.db.WithContext(ctx).Where("id = ? AND wallet_id = ?", id, walletID).First(&pm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return &pm, nil
}

// ListPaymentMethods returns the wallet's payment methods, newest first.
func (s *Store) ListPaymentMethods(ctx context.Context, walletID uuid.UUID, activeOnly bool) ([]PaymentMethod, error) {
	var pms []PaymentMethod
	q := s.db.WithContext(ctx).Where("wallet_id = ?", walletID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	if err := q.Order("created_at DESC").Find(&pms).Error; err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	return pms, nil
}

// DeactivatePaymentMethod marks a payment method inactive. Deactivation is
// one-way. If auto-recharge refills from this method it is switched off in
// the same transaction and the returned flag is set.
func (s *Store) DeactivatePaymentMethod(ctx context.Context, walletID, id uuid.UUID) (*PaymentMethod, bool, error) {
	var disabled bool
	_, err := s.mutateWallet(ctx, walletID, "deactivate_payment_method", func(tx *gorm.DB, w *Wallet) (bool, error) {
		disabled = false
		res := tx.Model(&PaymentMethod{}).
			Where("id = ? AND wallet_id = ?", id, walletID).
			Update("active", false)
		if res.Error != nil {
			return false, fmt.Errorf("failed to deactivate payment method: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return false, ErrPaymentMethodNotFound
		}
		ar := w.AutoRecharge
		if !ar.Enabled || ar.PaymentMethodID == nil || *ar.PaymentMethodID != id {
			return false, nil
		}
		w.AutoRecharge.Enabled = false
		disabled = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	pm, err := s.GetPaymentMethod(ctx, walletID, id)
	if err != nil {
		return nil, false, err
	}
	return pm, disabled, nil
}
