// Package events publishes ledger and alert events after the database
// transaction that produced them has committed.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/walletledger/internal/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	EntryCreated          Type = "entry.created"
	EntrySettled          Type = "entry.settled"
	EntryFailed           Type = "entry.failed"
	AutoRechargeTriggered Type = "auto_recharge.triggered"
	AutoRechargeSucceeded Type = "auto_recharge.succeeded"
	AutoRechargeFailed    Type = "auto_recharge.failed"
	WalletCreated         Type = "wallet.created"
	SettingsUpdated       Type = "wallet.settings_updated"
)

// AlertType returns the event type carrying an alert of the given kind.
func AlertType(kind AlertKind) Type {
	return Type("alert." + string(kind))
}

// IsAlert reports whether t is an alert event.
func (t Type) IsAlert() bool {
	return strings.HasPrefix(string(t), "alert.")
}

// Event is the envelope written to the event stream.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	Type       Type       `json:"type"`
	WalletID   uuid.UUID  `json:"wallet_id"`
	EntryID    *uuid.UUID `json:"entry_id,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	Status     string     `json:"status,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	Balance    *int64     `json:"balance,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// KafkaPublisher writes events to Kafka keyed by wallet id so each wallet's
// events stay ordered. Alerts go to a separate topic.
type KafkaPublisher struct {
	producer    messaging.Producer
	eventsTopic string
	alertsTopic string
}

func NewKafkaPublisher(producer messaging.Producer, eventsTopic, alertsTopic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, eventsTopic: eventsTopic, alertsTopic: alertsTopic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	topic := p.eventsTopic
	if ev.Type.IsAlert() && p.alertsTopic != "" {
		topic = p.alertsTopic
	}
	return p.producer.Publish(ctx, topic, ev.WalletID.String(), ev)
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", string(ev.Type)),
		zap.String("wallet_id", ev.WalletID.String()),
	}
	if ev.EntryID != nil {
		fields = append(fields, zap.String("entry_id", ev.EntryID.String()))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", ev.Status))
	}
	p.logger.Info("ledger event", fields...)
	return nil
}

// Multi fans an event out to several publishers. It fails only when every
// publisher failed.
type Multi struct {
	publishers []Publisher
	logger     *zap.Logger
}

func NewMulti(logger *zap.Logger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, logger: logger}
}

func (m *Multi) Publish(ctx context.Context, ev Event) error {
	var lastErr error
	successCount := 0
	for i, p := range m.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			m.logger.Error("failed to publish event",
				zap.Int("publisher_index", i),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
			lastErr = err
			continue
		}
		successCount++
	}
	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all publishers failed, last error: %w", lastErr)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
