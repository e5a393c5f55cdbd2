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

// Store is the durable ledger. Every write that touches a wallet runs inside
// a per-wallet section and commits with a compare-and-swap on Wallet.Version,
// so concurrent processes sharing the database are serialized as well.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	locks      *walletLocks
	maxRetries int
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries bounds the number of attempts for a wallet write.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a ledger store on db.
func NewStore(db *gorm.DB, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:         db,
		logger:     logger,
		locks:      newWalletLocks(),
		maxRetries: 5,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates or updates the ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Wallet{}, &LedgerEntry{}, &PaymentMethod{})
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// walletFunc mutates w inside tx and reports whether the wallet row must be
// written back. Returning false commits whatever else fn wrote without a
// version bump.
type walletFunc func(tx *gorm.DB, w *Wallet) (bool, error)

// mutateWallet runs fn against a fresh copy of the wallet and commits the
// result with a version check, retrying with linear backoff when another
// writer got there first.
func (s *Store) mutateWallet(ctx context.Context, walletID uuid.UUID, op string, fn walletFunc) (*Wallet, error) {
	unlock := s.locks.lock(walletID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		var out Wallet
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var w Wallet
			if err := tx.Where("id = ?", walletID).First(&w).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrWalletNotFound
				}
				return fmt.Errorf("failed to load wallet: %w", err)
			}

			expected := w.Version
			write, err := fn(tx, &w)
			if err != nil {
				return err
			}
			if write {
				w.Version = expected + 1
				w.UpdatedAt = s.Now()
				res := tx.Model(&Wallet{}).
					Where("id = ? AND version = ?", w.ID, expected).
					Updates(w.columns())
				if res.Error != nil {
					return fmt.Errorf("failed to update wallet: %w", res.Error)
				}
				if res.RowsAffected == 0 {
					return errVersionMismatch
				}
			}
			out = w
			return nil
		})
		if err == nil {
			return &out, nil
		}
		if !errors.Is(err, errVersionMismatch) {
			return nil, err
		}
		if attempt >= s.maxRetries {
			s.logger.Warn("wallet write gave up after version conflicts",
				zap.String("wallet_id", walletID.String()),
				zap.String("operation", op),
				zap.Int("attempts", attempt))
			return nil, ErrConflict
		}

		metrics.OptimisticRetries.WithLabelValues(op).Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt*10) * time.Millisecond):
		}
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
