package events

import (
	"context"
	"time"

	"github.com/Aidin1998/walletledger/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertKind classifies an operational alert.
type AlertKind string

const (
	AlertPendingExpired      AlertKind = "pending_expired"
	AlertReconciliationDrift AlertKind = "reconciliation_drift"
)

// Alert is an operational condition someone has to look at.
type Alert struct {
	Kind     AlertKind
	WalletID uuid.UUID
	EntryID  *uuid.UUID
	Amount   int64
	Message  string
}

// Alerter raises alerts to the error log, the alert counter and the event
// stream.
type Alerter struct {
	logger    *zap.Logger
	publisher Publisher
	now       func() time.Time
}

func NewAlerter(logger *zap.Logger, publisher Publisher) *Alerter {
	return &Alerter{logger: logger, publisher: publisher, now: time.Now}
}

// Raise reports a. Publishing failures are logged and otherwise ignored.
func (a *Alerter) Raise(ctx context.Context, alert Alert) {
	metrics.Alerts.WithLabelValues(string(alert.Kind)).Inc()

	fields := []zap.Field{
		zap.String("alert", string(alert.Kind)),
		zap.String("wallet_id", alert.WalletID.String()),
		zap.Int64("amount", alert.Amount),
	}
	if alert.EntryID != nil {
		fields = append(fields, zap.String("entry_id", alert.EntryID.String()))
	}
	a.logger.Error(alert.Message, fields...)

	if a.publisher == nil {
		return
	}
	ev := Event{
		ID:         uuid.New(),
		Type:       AlertType(alert.Kind),
		WalletID:   alert.WalletID,
		EntryID:    alert.EntryID,
		Amount:     alert.Amount,
		Reason:     alert.Message,
		OccurredAt: a.now().UTC(),
	}
	if err := a.publisher.Publish(ctx, ev); err != nil {
		a.logger.Warn("failed to publish alert", zap.String("alert", string(alert.Kind)), zap.Error(err))
	}
}
