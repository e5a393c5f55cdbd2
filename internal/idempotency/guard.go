// Package idempotency deduplicates mutating requests by caller-supplied key.
//
// A key is claimed with an atomic insert-if-absent before any side effect
// happens. Retries of the same request observe the claim and either back off
// (still in flight) or receive the recorded outcome. A key presented with
// different parameters is rejected.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/walletledger/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrKeyConflict is returned when a key is reused with a different fingerprint.
var ErrKeyConflict = errors.New("idempotency key reused with different parameters")

// State of a reservation.
type State string

const (
	StateNew        State = "new"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// Outcome is what a completed operation produced: the ledger entry it wrote,
// the error kind it failed with, or both (a declined charge records a failed
// entry and an error).
type Outcome struct {
	EntryID      *uuid.UUID `json:"entry_id,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	Status       string     `json:"status,omitempty"`
	Balance      *int64     `json:"balance,omitempty"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Reservation is the result of Reserve.
type Reservation struct {
	State   State
	Outcome *Outcome
	// Recovered is set when a stale in-flight claim was taken over; the
	// previous holder may have written side effects already.
	Recovered bool
}

// Store persists idempotency records.
type Store interface {
	// Claim inserts rec if no record exists for its key and operation. When
	// one exists it is returned instead.
	Claim(ctx context.Context, rec Record) (bool, *Record, error)
	// Complete records the outcome of an in-flight claim.
	Complete(ctx context.Context, key, operation string, outcome Outcome, now time.Time) error
	// Refresh takes over an in-flight claim last touched at prev.
	Refresh(ctx context.Context, key, operation string, prev, now time.Time) (bool, error)
	// Delete drops a record regardless of state.
	Delete(ctx context.Context, key, operation string) error
	// DeleteExpired drops a single record if it expired at or before now.
	DeleteExpired(ctx context.Context, key, operation string, now time.Time) error
	// Purge drops every expired record.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Guard implements reserve/complete on top of a Store.
type Guard struct {
	store  Store
	logger *zap.Logger
	ttl    time.Duration
	lease  time.Duration
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithTTL sets how long records are retained.
func WithTTL(d time.Duration) Option { return func(g *Guard) { g.ttl = d } }

// WithLease sets how long an in-flight claim is honoured before takeover.
func WithLease(d time.Duration) Option { return func(g *Guard) { g.lease = d } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// NewGuard creates a guard with a 24h retention window and a 2 minute lease.
func NewGuard(store Store, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		logger: logger,
		ttl:    24 * time.Hour,
		lease:  2 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fingerprint hashes an operation name and its canonical parameters.
func Fingerprint(operation string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	for _, p := range params {
		h.Write([]byte{0x1f})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Reserve claims key for operation or reports the state of an earlier claim.
func (g *Guard) Reserve(ctx context.Context, key, operation, fingerprint string) (Reservation, error) {
	if strings.TrimSpace(key) == "" {
		return Reservation{}, fmt.Errorf("idempotency key is empty")
	}

	for attempt := 0; attempt < 3; attempt++ {
		now := g.now().UTC()
		rec := Record{
			Key:         key,
			Operation:   operation,
			Fingerprint: fingerprint,
			State:       StateInProgress,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(g.ttl),
		}

		claimed, existing, err := g.store.Claim(ctx, rec)
		if err != nil {
			return Reservation{}, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if claimed {
			g.count(operation, "new")
			return Reservation{State: StateNew}, nil
		}

		if !now.Before(existing.ExpiresAt) {
			if err := g.store.DeleteExpired(ctx, key, operation, now); err != nil {
				return Reservation{}, fmt.Errorf("failed to purge expired key: %w", err)
			}
			continue
		}
		if existing.Fingerprint != fingerprint {
			g.count(operation, "conflict")
			return Reservation{}, ErrKeyConflict
		}

		switch existing.State {
		case StateCompleted:
			g.count(operation, "completed")
			out, err := existing.DecodeOutcome()
			if err != nil {
				return Reservation{}, err
			}
			return Reservation{State: StateCompleted, Outcome: out}, nil
		default:
			if now.Sub(existing.UpdatedAt) > g.lease {
				ok, err := g.store.Refresh(ctx, key, operation, existing.UpdatedAt, now)
				if err != nil {
					return Reservation{}, fmt.Errorf("failed to take over idempotency key: %w", err)
				}
				if ok {
					g.logger.Warn("took over stale idempotency claim",
						zap.String("operation", operation),
						zap.Time("claimed_at", existing.CreatedAt))
					g.count(operation, "recovered")
					return Reservation{State: StateNew, Recovered: true}, nil
				}
			}
			g.count(operation, "in_progress")
			return Reservation{State: StateInProgress}, nil
		}
	}
	return Reservation{State: StateInProgress}, nil
}

// Complete records the outcome for a claimed key.
func (g *Guard) Complete(ctx context.Context, key, operation string, outcome Outcome) error {
	if err := g.store.Complete(ctx, key, operation, outcome, g.now().UTC()); err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release forgets a claim so the caller may retry from scratch. Used when an
// operation failed before producing any durable effect.
func (g *Guard) Release(ctx context.Context, key, operation string) error {
	if err := g.store.Delete(ctx, key, operation); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Purge drops expired records and returns how many were removed.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.store.Purge(ctx, g.now().UTC())
}

func (g *Guard) count(operation, outcome string) {
	metrics.IdempotencyReservations.WithLabelValues(operation, outcome).Inc()
}
