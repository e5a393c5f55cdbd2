package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps records in the service database. The composite primary
// key makes Claim an atomic insert-if-absent.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a database-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the idempotency table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

func (s *GormStore) Claim(ctx context.Context, rec Record) (bool, *Record, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}

	var existing Record
	err := s.db.WithContext(ctx).
		Where("idem_key = ? AND operation = ?", rec.Key, rec.Operation).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// deleted between insert and read; report as expired so the guard retries
		return false, &Record{Key: rec.Key, Operation: rec.Operation, ExpiresAt: rec.CreatedAt}, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

func (s *GormStore) Complete(ctx context.Context, key, operation string, outcome Outcome, now time.Time) error {
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("idem_key = ? AND operation = ? AND state = ?", key, operation, StateInProgress).
		Updates(map[string]any{"state": StateCompleted, "outcome": encoded, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no in-flight claim for key")
	}
	return nil
}

func (s *GormStore) Refresh(ctx context.Context, key, operation string, prev, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("idem_key = ? AND operation = ? AND state = ? AND updated_at = ?", key, operation, StateInProgress, prev).
		Update("updated_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Delete(ctx context.Context, key, operation string) error {
	return s.db.WithContext(ctx).
		Where("idem_key = ? AND operation = ?", key, operation).
		Delete(&Record{}).Error
}

func (s *GormStore) DeleteExpired(ctx context.Context, key, operation string, now time.Time) error {
	return s.db.WithContext(ctx).
		Where("idem_key = ? AND operation = ? AND expires_at <= ?", key, operation, now).
		Delete(&Record{}).Error
}

func (s *GormStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&Record{})
	return res.RowsAffected, res.Error
}
