package wallet

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// maxOwnerLength matches the wallets.owner_id column.
const maxOwnerLength = 128

// CreateWallet opens the wallet of an owner. An owner has at most one
// wallet; asking again with a new key is a Conflict.
func (s *Service) CreateWallet(ctx context.Context, ownerID, currency, idempotencyKey string) (*ledger.Wallet, error) {
	if err := requireKey(idempotencyKey); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if ownerID == "" {
		return nil, apperrors.ErrValidation.Explain("owner_id is required").WithField("owner_id", "required")
	}
	if len(ownerID) > maxOwnerLength {
		return nil, apperrors.ErrValidation.Explain("owner_id must be at most %d characters", maxOwnerLength).
			WithField("owner_id", "too long")
	}
	if !currencyPattern.MatchString(currency) {
		return nil, apperrors.ErrValidation.Explain("currency must be an ISO 4217 code").WithField("currency", "invalid")
	}

	key := scopedKey("owner:"+ownerID, idempotencyKey)
	res, err := s.reserve(ctx, key, OpCreateWallet, ownerID, currency)
	if err != nil {
		return nil, err
	}
	if res.State == idempotency.StateCompleted {
		if err := replayError(res.Outcome); err != nil {
			return nil, err
		}
		id, parseErr := uuid.Parse(res.Outcome.ResourceID)
		if parseErr != nil {
			return nil, apperrors.New(apperrors.KindInternal, "recorded wallet id is invalid").Wrap(parseErr)
		}
		w, err := s.store.GetWallet(ctx, id)
		return w, s.translate(err)
	}

	w, err := s.store.CreateWallet(ctx, ownerID, currency)
	switch {
	case errors.Is(err, ledger.ErrWalletExists):
		if res.Recovered && w != nil && w.Currency == currency {
			// the earlier holder of this key created it before crashing
			s.complete(ctx, key, OpCreateWallet, idempotency.Outcome{ResourceID: w.ID.String()})
			return w, nil
		}
		err = apperrors.ErrConflict.Explain("owner %s already has a wallet", ownerID)
		s.settle(ctx, key, OpCreateWallet, idempotency.Outcome{}, err)
		return nil, err
	case err != nil:
		err = s.translate(err)
		s.settle(ctx, key, OpCreateWallet, idempotency.Outcome{}, err)
		return nil, err
	}

	s.complete(ctx, key, OpCreateWallet, idempotency.Outcome{ResourceID: w.ID.String()})
	s.PublishEvent(ctx, events.Event{Type: events.WalletCreated, WalletID: w.ID})
	return w, nil
}

// GetWallet returns the wallet with its cached balance.
func (s *Service) GetWallet(ctx context.Context, walletID uuid.UUID) (*ledger.Wallet, error) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, s.translate(err)
	}
	return w, nil
}

// GetBalance returns the cached balance of a wallet.
func (s *Service) GetBalance(ctx context.Context, walletID uuid.UUID) (int64, error) {
	w, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Reconcile recomputes the balance from the ledger and corrects drift. Drift
// is alerted, never returned as an error.
func (s *Service) Reconcile(ctx context.Context, walletID uuid.UUID) (*ledger.DriftReport, error) {
	report, err := s.store.CorrectBalance(ctx, walletID)
	if err != nil {
		return nil, s.translate(err)
	}
	if report.Drift != 0 {
		s.alerter.Raise(ctx, events.Alert{
			Kind:     events.AlertReconciliationDrift,
			WalletID: walletID,
			Amount:   report.Drift,
			Message:  "cached balance drifted from ledger, corrected to ledger sum",
		})
	}
	return report, nil
}

// ReconcileAll reconciles every wallet in id order, batch wallets at a time,
// and returns the reports that found drift. A failure on one wallet is
// logged and skipped.
func (s *Service) ReconcileAll(ctx context.Context, batch int) ([]ledger.DriftReport, int, error) {
	if batch <= 0 {
		batch = 100
	}
	var (
		drifted []ledger.DriftReport
		checked int
		after   uuid.UUID
	)
	for {
		ids, err := s.store.ListWalletIDs(ctx, after, batch)
		if err != nil {
			return drifted, checked, s.translate(err)
		}
		for _, id := range ids {
			report, err := s.Reconcile(ctx, id)
			if err != nil {
				logger.ForWallet(s.logger, id.String()).Error("failed to reconcile wallet", zap.Error(err))
				continue
			}
			checked++
			if report.Drift != 0 {
				drifted = append(drifted, *report)
			}
		}
		if len(ids) < batch {
			return drifted, checked, nil
		}
		after = ids[len(ids)-1]
	}
}

// Page is one page of ledger entries.
type Page struct {
	Entries []ledger.LedgerEntry `json:"entries"`
	Page    int                  `json:"page"`
	Size    int                  `json:"size"`
	Total   int64                `json:"total"`
}

// MaxPageSize bounds ListTransactions.
const MaxPageSize = 100

// ListTransactions pages through a wallet's entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, walletID uuid.UUID, page, size int) (*Page, error) {
	if page < 1 {
		return nil, apperrors.ErrValidation.Explain("page must be at least 1").WithField("page", "must be >= 1")
	}
	if size < 1 || size > MaxPageSize {
		return nil, apperrors.ErrValidation.Explain("size must be between 1 and %d", MaxPageSize).
			WithField("size", "out of range")
	}
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, s.translate(err)
	}
	entries, total, err := s.store.ListEntries(ctx, walletID, page, size)
	if err != nil {
		return nil, s.translate(err)
	}
	if entries == nil {
		entries = []ledger.LedgerEntry{}
	}
	return &Page{Entries: entries, Page: page, Size: size, Total: total}, nil
}

// SettingsRequest replaces the auto-recharge and overdraft configuration.
type SettingsRequest struct {
	WalletID       uuid.UUID
	AutoRecharge   ledger.AutoRecharge
	AllowOverdraft bool
	OverdraftLimit int64
	IdempotencyKey string
}

// UpdateSettings validates and stores a wallet's configuration. Enabling
// auto-recharge requires an active payment method of the wallet.
func (s *Service) UpdateSettings(ctx context.Context, req SettingsRequest) (*ledger.Wallet, error) {
	if err := requireKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := validateSettings(req); err != nil {
		return nil, err
	}

	pmID := ""
	if req.AutoRecharge.PaymentMethodID != nil {
		pmID = req.AutoRecharge.PaymentMethodID.String()
	}
	key := scopedKey(req.WalletID.String(), req.IdempotencyKey)
	res, err := s.reserve(ctx, key, OpUpdateSettings,
		req.WalletID.String(),
		strconv.FormatBool(req.AutoRecharge.Enabled),
		itoa(req.AutoRecharge.Threshold),
		itoa(req.AutoRecharge.Amount),
		pmID,
		strconv.FormatBool(req.AllowOverdraft),
		itoa(req.OverdraftLimit))
	if err != nil {
		return nil, err
	}
	if res.State == idempotency.StateCompleted {
		if err := replayError(res.Outcome); err != nil {
			return nil, err
		}
		return s.GetWallet(ctx, req.WalletID)
	}

	settings := ledger.Settings{
		AutoRecharge:   req.AutoRecharge,
		AllowOverdraft: req.AllowOverdraft,
		OverdraftLimit: req.OverdraftLimit,
	}
	w, err := s.store.UpdateSettings(ctx, req.WalletID, settings, func(tx *gorm.DB, w *ledger.Wallet) error {
		if !req.AutoRecharge.Enabled {
			return nil
		}
		var pm ledger.PaymentMethod
		err := tx.Where("id = ? AND wallet_id = ? AND active = ?", *req.AutoRecharge.PaymentMethodID, w.ID, true).
			First(&pm).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrValidation.Explain("auto-recharge payment method must be an active method of this wallet").
				WithField("auto_recharge.payment_method_id", "unknown or inactive")
		}
		return err
	})
	if err != nil {
		err = s.translate(err)
		s.settle(ctx, key, OpUpdateSettings, idempotency.Outcome{}, err)
		return nil, err
	}

	s.complete(ctx, key, OpUpdateSettings, idempotency.Outcome{ResourceID: w.ID.String()})
	logger.ForWallet(s.logger, w.ID.String()).Info("wallet settings updated",
		zap.Bool("auto_recharge", w.AutoRecharge.Enabled),
		zap.Bool("allow_overdraft", w.AllowOverdraft))
	s.PublishEvent(ctx, events.Event{Type: events.SettingsUpdated, WalletID: w.ID})
	return w, nil
}

func validateSettings(req SettingsRequest) error {
	err := apperrors.ErrValidation.Explain("invalid wallet settings")
	invalid := false
	ar := req.AutoRecharge
	if ar.Threshold < 0 {
		err, invalid = err.WithField("auto_recharge.threshold", "must not be negative"), true
	}
	if ar.Enabled {
		if ar.Amount <= 0 {
			err, invalid = err.WithField("auto_recharge.amount", "must be greater than zero"), true
		}
		if ar.PaymentMethodID == nil || *ar.PaymentMethodID == uuid.Nil {
			err, invalid = err.WithField("auto_recharge.payment_method_id", "required when enabled"), true
		}
	}
	if req.OverdraftLimit < 0 {
		err, invalid = err.WithField("overdraft_limit", "must not be negative"), true
	}
	if !req.AllowOverdraft && req.OverdraftLimit != 0 {
		err, invalid = err.WithField("overdraft_limit", "requires allow_overdraft"), true
	}
	if invalid {
		return err
	}
	return nil
}
