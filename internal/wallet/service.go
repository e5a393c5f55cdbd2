// Package wallet orchestrates balance reads, funding, usage charges, refunds
// and reconciliation. It is the only writer of ledger entries.
//
// Every mutating operation passes through the idempotency guard first. A
// gateway-backed operation records a pending entry before it calls out, so
// a crash or timeout mid-call always leaves an auditable pending record for
// the reconciliation worker.
package wallet

import (
	"context"
	"errors"
	"strconv"
	"time"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation names used as the idempotency scope.
const (
	OpCreateWallet      = "create_wallet"
	OpFund              = "fund"
	OpCharge            = "charge"
	OpRefund            = "refund"
	OpUpdateSettings    = "update_settings"
	OpAddPaymentMethod  = "add_payment_method"
	OpDeactivatePayment = "deactivate_payment_method"
)

// Recharger is notified after balance-reducing settlements and when an
// auto-recharge entry is resolved asynchronously.
type Recharger interface {
	Evaluate(ctx context.Context, w *ledger.Wallet)
	Resolved(ctx context.Context, entry *ledger.LedgerEntry)
}

// Result is the outcome of a balance-affecting operation.
type Result struct {
	Entry   *ledger.LedgerEntry `json:"entry"`
	Balance int64               `json:"balance"`
	// Replayed is set when the result was served from an earlier request
	// with the same idempotency key.
	Replayed bool `json:"-"`
}

// Processing reports whether the entry is still awaiting the gateway.
func (r *Result) Processing() bool {
	return r.Entry != nil && r.Entry.Status == ledger.StatusPending
}

// Service is the wallet service.
type Service struct {
	store          *ledger.Store
	guard          *idempotency.Guard
	gateways       *gateway.Registry
	publisher      events.Publisher
	alerter        *events.Alerter
	recharger      Recharger
	logger         *zap.Logger
	gatewayTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the ledger event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithAlerter sets the operational alert sink.
func WithAlerter(a *events.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithGatewayTimeout bounds every gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// NewService creates a wallet service.
func NewService(store *ledger.Store, guard *idempotency.Guard, gateways *gateway.Registry, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:          store,
		guard:          guard,
		gateways:       gateways,
		logger:         logger,
		gatewayTimeout: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(logger)
	}
	if s.alerter == nil {
		s.alerter = events.NewAlerter(logger, s.publisher)
	}
	return s
}

// SetRecharger installs the auto-recharge trigger. It is set after
// construction because the trigger funds through this service.
func (s *Service) SetRecharger(r Recharger) {
	s.recharger = r
}

// Store exposes the ledger store to workers.
func (s *Service) Store() *ledger.Store {
	return s.store
}

// Gateways exposes the gateway registry to workers.
func (s *Service) Gateways() *gateway.Registry {
	return s.gateways
}

// gatewayContext detaches a gateway call from the caller. A caller that
// gives up must not cancel a charge that is already on the wire.
func (s *Service) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
}

// scopedKey namespaces a caller key by the resource it applies to.
func scopedKey(scope, key string) string {
	return scope + "/" + key
}

// MaxKeyLength bounds a caller supplied idempotency key.
const MaxKeyLength = 255

func requireKey(key string) error {
	if key == "" {
		return apperrors.ErrMissingIdempotencyKey.Explain("Idempotency-Key is required")
	}
	if len(key) > MaxKeyLength {
		return apperrors.ErrValidation.Explain("Idempotency-Key must be at most %d characters", MaxKeyLength).
			WithField("idempotency_key", "too long")
	}
	return nil
}

// keyReused rejects a request whose key already names a ledger entry written
// for different parameters. Entry keys outlive the idempotency record, so the
// entry is the final word on what a key means.
func keyReused(entry *ledger.LedgerEntry) error {
	return apperrors.ErrKeyConflict.Explain("idempotency key already recorded entry %s with different parameters", entry.ID)
}

// reserve claims a caller key. A nil reservation with a nil error never
// happens; completed reservations carry the recorded outcome.
func (s *Service) reserve(ctx context.Context, key, op string, params ...string) (idempotency.Reservation, error) {
	res, err := s.guard.Reserve(ctx, key, op, idempotency.Fingerprint(op, params...))
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyConflict) {
			return res, apperrors.ErrKeyConflict.Explain("idempotency key was already used with different parameters")
		}
		return res, apperrors.New(apperrors.KindInternal, "idempotency guard unavailable").Wrap(err)
	}
	if res.State == idempotency.StateInProgress {
		return res, apperrors.ErrInProgress.Explain("a request with this idempotency key is still in progress")
	}
	return res, nil
}

// complete records the final outcome of a claimed key. Failures are logged:
// the operation itself already happened and a retry recovers through the
// entry's unique key.
func (s *Service) complete(ctx context.Context, key, op string, out idempotency.Outcome) {
	if err := s.guard.Complete(context.WithoutCancel(ctx), key, op, out); err != nil {
		s.logger.Error("failed to record idempotency outcome",
			zap.String("operation", op),
			zap.Error(err))
	}
}

// settle closes a claimed key according to err. Errors that may succeed on
// retry release the key, as does a clash with an existing entry, which left
// nothing behind. Other deterministic rejections are recorded so a replay
// sees the same answer.
func (s *Service) settle(ctx context.Context, key, op string, out idempotency.Outcome, err error) {
	if err == nil {
		s.complete(ctx, key, op, out)
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindInternal, apperrors.KindConflict, apperrors.KindKeyConflict,
		apperrors.KindGatewayTimeout, apperrors.KindGatewayUnavailable:
		if relErr := s.guard.Release(context.WithoutCancel(ctx), key, op); relErr != nil {
			s.logger.Error("failed to release idempotency key", zap.String("operation", op), zap.Error(relErr))
		}
		return
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		out.ErrorKind = string(ae.Kind)
		out.ErrorMessage = ae.Message
		if ae.Balance != nil && out.Balance == nil {
			out.Balance = ae.Balance
		}
	}
	s.complete(ctx, key, op, out)
}

// replayError rebuilds the error recorded for a completed key.
func replayError(out *idempotency.Outcome) error {
	if out == nil || out.ErrorKind == "" {
		return nil
	}
	err := apperrors.New(apperrors.Kind(out.ErrorKind), "%s", out.ErrorMessage)
	if out.Balance != nil {
		err = err.WithBalance(*out.Balance)
	}
	return err
}

// replay returns the recorded result of a completed key. The entry is read
// fresh; the recorded balance is kept unless the entry moved since.
func (s *Service) replay(ctx context.Context, out *idempotency.Outcome) (*Result, error) {
	if err := replayError(out); err != nil {
		return nil, err
	}
	if out == nil || out.EntryID == nil {
		return nil, apperrors.New(apperrors.KindInternal, "recorded outcome has no entry")
	}
	entry, err := s.store.GetEntry(ctx, *out.EntryID)
	if err != nil {
		return nil, s.translate(err)
	}
	res := &Result{Entry: entry, Replayed: true}
	if out.Balance != nil && string(entry.Status) == out.Status {
		res.Balance = *out.Balance
		return res, nil
	}
	w, err := s.store.GetWallet(ctx, entry.WalletID)
	if err != nil {
		return nil, s.translate(err)
	}
	res.Balance = w.Balance
	return res, nil
}

func outcomeOf(res *Result) idempotency.Outcome {
	out := idempotency.Outcome{}
	if res == nil || res.Entry == nil {
		return out
	}
	id := res.Entry.ID
	balance := res.Balance
	out.EntryID = &id
	out.Status = string(res.Entry.Status)
	out.Balance = &balance
	return out
}

// translate maps store and guard errors to client-facing kinds.
func (s *Service) translate(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return apperrors.ErrNotFound.Explain("wallet not found")
	case errors.Is(err, ledger.ErrEntryNotFound):
		return apperrors.ErrNotFound.Explain("ledger entry not found")
	case errors.Is(err, ledger.ErrPaymentMethodNotFound):
		return apperrors.ErrNotFound.Explain("payment method not found")
	case errors.Is(err, ledger.ErrConflict):
		return apperrors.ErrConflict.Explain("wallet is being modified concurrently, retry the request")
	case errors.Is(err, ledger.ErrInvalidDraft):
		return apperrors.ErrValidation.Explain("%s", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		return apperrors.ErrConflict.Explain("%s", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.New(apperrors.KindInternal, "request cancelled").Wrap(err)
	default:
		s.logger.Error("unexpected wallet error", zap.Error(err))
		return apperrors.New(apperrors.KindInternal, "internal error").Wrap(err)
	}
}

// withBalance attaches the wallet's current balance to a client error.
func (s *Service) withBalance(ctx context.Context, walletID uuid.UUID, err error) error {
	var ae *apperrors.Error
	if !errors.As(err, &ae) || ae.Balance != nil || ae.Kind == apperrors.KindNotFound {
		return err
	}
	w, getErr := s.store.GetWallet(ctx, walletID)
	if getErr != nil {
		return err
	}
	return ae.WithBalance(w.Balance)
}

func (s *Service) publish(ctx context.Context, typ events.Type, entry *ledger.LedgerEntry, balance *int64) {
	ev := events.Event{
		ID:         uuid.New(),
		Type:       typ,
		WalletID:   entry.WalletID,
		Kind:       string(entry.Kind),
		Status:     string(entry.Status),
		Amount:     entry.Amount,
		Balance:    balance,
		Reason:     entry.FailureReason,
		OccurredAt: s.store.Now(),
	}
	id := entry.ID
	ev.EntryID = &id
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish ledger event",
			zap.String("event_type", string(typ)),
			zap.String("entry_id", entry.ID.String()),
			zap.Error(err))
	}
}

// publishEntry emits the event matching the entry's current status.
func (s *Service) publishEntry(ctx context.Context, entry *ledger.LedgerEntry, w *ledger.Wallet) {
	var balance *int64
	if w != nil {
		b := w.Balance
		balance = &b
	}
	switch entry.Status {
	case ledger.StatusSettled:
		s.publish(ctx, events.EntrySettled, entry, balance)
	case ledger.StatusFailed:
		s.publish(ctx, events.EntryFailed, entry, balance)
	default:
		s.publish(ctx, events.EntryCreated, entry, balance)
	}
}

// PublishEvent emits a wallet-level event that is not tied to one entry.
func (s *Service) PublishEvent(ctx context.Context, ev events.Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.store.Now()
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return apperrors.ErrValidation.Explain("amount must be a positive number of minor units").
			WithField("amount", "must be greater than zero")
	}
	return nil
}
