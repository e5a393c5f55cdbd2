package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindFund         EntryKind = "fund"
	KindCharge       EntryKind = "charge"
	KindRefund       EntryKind = "refund"
	KindAutoRecharge EntryKind = "auto_recharge"
)

// EntryStatus is the settlement state of a ledger entry.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSettled EntryStatus = "settled"
	StatusFailed  EntryStatus = "failed"
)

// RechargeState is the auto-recharge state machine position of a wallet.
type RechargeState string

const (
	RechargeIdle       RechargeState = "idle"
	RechargeTriggering RechargeState = "triggering"
	RechargeCooldown   RechargeState = "cooldown"
)

// AutoRecharge is the per-wallet auto-recharge configuration.
type AutoRecharge struct {
	Enabled         bool       `json:"enabled" gorm:"not null"`
	Threshold       int64      `json:"threshold" gorm:"not null"`
	Amount          int64      `json:"amount" gorm:"not null"`
	PaymentMethodID *uuid.UUID `json:"payment_method_id,omitempty" gorm:"type:uuid"`
}

// Wallet holds the cached balance derived from settled ledger entries.
// Balance is only written in the transaction that settles an entry.
type Wallet struct {
	ID             uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID        string        `json:"owner_id" gorm:"type:varchar(128);uniqueIndex;not null"`
	Balance        int64         `json:"balance" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:varchar(3);not null"`
	AutoRecharge   AutoRecharge  `json:"auto_recharge" gorm:"embedded;embeddedPrefix:auto_recharge_"`
	AllowOverdraft bool          `json:"allow_overdraft" gorm:"not null"`
	OverdraftLimit int64         `json:"overdraft_limit" gorm:"not null"`
	RechargeState  RechargeState `json:"recharge_state" gorm:"type:varchar(16);not null"`
	RechargeEpoch  int64         `json:"recharge_epoch" gorm:"not null"`
	CooldownUntil  *time.Time    `json:"cooldown_until,omitempty"`
	Version        int64         `json:"version" gorm:"not null"` // Optimistic concurrency control
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// OverdraftFloor is the lowest balance a usage debit may reach.
func (w *Wallet) OverdraftFloor() int64 {
	if w.AllowOverdraft && w.AutoRecharge.Enabled {
		return -w.OverdraftLimit
	}
	return 0
}

// columns returns the mutable wallet columns written on every version bump.
func (w *Wallet) columns() map[string]any {
	return map[string]any{
		"balance":                         w.Balance,
		"auto_recharge_enabled":           w.AutoRecharge.Enabled,
		"auto_recharge_threshold":         w.AutoRecharge.Threshold,
		"auto_recharge_amount":            w.AutoRecharge.Amount,
		"auto_recharge_payment_method_id": w.AutoRecharge.PaymentMethodID,
		"allow_overdraft":                 w.AllowOverdraft,
		"overdraft_limit":                 w.OverdraftLimit,
		"recharge_state":                  w.RechargeState,
		"recharge_epoch":                  w.RechargeEpoch,
		"cooldown_until":                  w.CooldownUntil,
		"version":                         w.Version,
		"updated_at":                      w.UpdatedAt,
	}
}

// LedgerEntry is one balance-affecting event. After creation only Status,
// GatewayRef, FailureReason, SettledAt and UpdatedAt change.
type LedgerEntry struct {
	ID              uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	WalletID        uuid.UUID   `json:"wallet_id" gorm:"type:uuid;not null;uniqueIndex:idx_entry_idempotency,priority:1"`
	Amount          int64       `json:"amount" gorm:"not null"`
	Kind            EntryKind   `json:"kind" gorm:"type:varchar(16);not null;uniqueIndex:idx_entry_idempotency,priority:2"`
	Status          EntryStatus `json:"status" gorm:"type:varchar(16);not null;index:idx_entry_status_created,priority:1"`
	IdempotencyKey  string      `json:"idempotency_key" gorm:"type:varchar(255);not null;uniqueIndex:idx_entry_idempotency,priority:3"`
	Gateway         string      `json:"gateway,omitempty" gorm:"type:varchar(32)"`
	GatewayRef      *string     `json:"gateway_ref,omitempty" gorm:"type:varchar(255);index"`
	PaymentMethodID *uuid.UUID  `json:"payment_method_id,omitempty" gorm:"type:uuid"`
	RefundOf        *uuid.UUID  `json:"refund_of,omitempty" gorm:"type:uuid;index"`
	FailureReason   string      `json:"failure_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt       time.Time   `json:"created_at" gorm:"not null;index:idx_entry_status_created,priority:2"`
	SettledAt       *time.Time  `json:"settled_at,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// Ref returns the gateway reference or "".
func (e *LedgerEntry) Ref() string {
	if e.GatewayRef == nil {
		return ""
	}
	return *e.GatewayRef
}

// GatewayKey is the idempotency key sent to the processor for this entry.
// Processor keys are account-wide, so the wallet id is part of it.
func (e *LedgerEntry) GatewayKey() string {
	return fmt.Sprintf("%s:%s:%s", e.Kind, e.WalletID, e.IdempotencyKey)
}

// GatewayBacked reports whether the entry moved money through a gateway.
func (e *LedgerEntry) GatewayBacked() bool {
	return e.Gateway != ""
}

// PaymentMethod is a tokenized reference to an external instrument.
type PaymentMethod struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	WalletID    uuid.UUID `json:"wallet_id" gorm:"type:uuid;not null;index"`
	Gateway     string    `json:"gateway" gorm:"type:varchar(32);not null"`
	Token       string    `json:"-" gorm:"type:varchar(255);not null"`
	CustomerRef string    `json:"-" gorm:"type:varchar(255)"`
	Brand       string    `json:"brand" gorm:"type:varchar(32)"`
	Last4       string    `json:"last4" gorm:"type:varchar(4)"`
	ExpMonth    int       `json:"exp_month"`
	ExpYear     int       `json:"exp_year"`
	Active      bool      `json:"active" gorm:"not null"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PaymentMethod) TableName() string {
	return "payment_methods"
}
