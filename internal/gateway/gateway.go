// Package gateway defines the capability set every payment processor
// adapter implements.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Transient errors. The entry stays pending and reconciliation resolves it;
// adapters never retry on their own.
var (
	ErrTimeout     = errors.New("gateway timeout")
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrUnknown is returned by Status when the gateway has no record of the
	// operation (yet).
	ErrUnknown = errors.New("gateway has no record of operation")
)

// IsTransient reports whether err leaves the outcome undecided.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// Status is the gateway-side outcome of a charge or refund.
type Status string

const (
	StatusSettled  Status = "settled"
	StatusPending  Status = "pending"
	StatusDeclined Status = "declined"
	StatusFailed   Status = "failed"
)

// Outcome is the decided or pending result of a call.
type Outcome struct {
	Status Status
	Ref    string
	Reason string
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o.Status != StatusPending
}

// Instrument is the stored reference to a tokenized payment method.
type Instrument struct {
	Token       string
	CustomerRef string
}

type ChargeRequest struct {
	WalletID       uuid.UUID
	EntryID        uuid.UUID
	Instrument     Instrument
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type RefundRequest struct {
	EntryID        uuid.UUID
	ChargeRef      string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type SetupIntentRequest struct {
	WalletID       uuid.UUID
	IdempotencyKey string
}

type SetupIntent struct {
	Ref          string
	ClientSecret string
}

// TokenizeRequest carries what the client got back from the gateway after
// completing a setup intent out of band.
type TokenizeRequest struct {
	WalletID        uuid.UUID
	GatewayResponse string
}

// Token is a tokenized instrument with display data only.
type Token struct {
	Token       string
	CustomerRef string
	Brand       string
	Last4       string
	ExpMonth    int
	ExpYear     int
}

// Operation distinguishes charge and refund status lookups.
type Operation string

const (
	OperationCharge Operation = "charge"
	OperationRefund Operation = "refund"
)

// StatusQuery identifies an earlier call. Ref is preferred; when it is empty
// the adapter looks the call up by entry id or idempotency key.
type StatusQuery struct {
	Operation      Operation
	Ref            string
	EntryID        uuid.UUID
	IdempotencyKey string
}

// Gateway is one external payment processor.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (Outcome, error)
	Refund(ctx context.Context, req RefundRequest) (Outcome, error)
	CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (SetupIntent, error)
	Tokenize(ctx context.Context, req TokenizeRequest) (Token, error)
	Status(ctx context.Context, q StatusQuery) (Outcome, error)
}

// Event is a gateway notification normalized for reconciliation.
type Event struct {
	Gateway   string
	Operation Operation
	Ref       string
	Outcome   Outcome
}

// Registry holds the gateways selected by configuration.
type Registry struct {
	gateways map[string]Gateway
	def      string
}

// NewRegistry registers gateways; def names the one used when a caller does
// not pick one.
func NewRegistry(def string, gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways)), def: def}
	for _, g := range gateways {
		if _, dup := r.gateways[g.Name()]; dup {
			return nil, fmt.Errorf("gateway %q registered twice", g.Name())
		}
		r.gateways[g.Name()] = g
	}
	if _, ok := r.gateways[def]; !ok {
		return nil, fmt.Errorf("default gateway %q is not registered", def)
	}
	return r, nil
}

// Get returns the named gateway, or the default for "".
func (r *Registry) Get(name string) (Gateway, error) {
	if name == "" {
		name = r.def
	}
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
	return g, nil
}

// Default returns the default gateway.
func (r *Registry) Default() Gateway {
	return r.gateways[r.def]
}

// Names lists registered gateways in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
