// Package sandbox is an in-process payment processor with scripted
// behaviour, used for local development and tests.
//
// The outcome of a charge is chosen by the instrument token prefix:
//
//	tok_decline      declined (card_declined)
//	tok_pending      accepted, settles only when Resolve is called
//	tok_timeout      accepted, but the response is lost (ErrTimeout)
//	tok_unavailable  rejected before reaching the processor (ErrUnavailable)
//	anything else    settled
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Aidin1998/walletledger/internal/gateway"
)

// Name is the registry name of the sandbox gateway.
const Name = "sandbox"

type operation struct {
	kind    gateway.Operation
	key     string
	entryID string
	amount  int64
	outcome gateway.Outcome
}

// Gateway is the sandbox processor. The zero value is not usable; use New.
type Gateway struct {
	mu      sync.Mutex
	seq     int
	byKey   map[string]*operation
	byRef   map[string]*operation
	byEntry map[string]*operation
	intents map[string]gateway.SetupIntent

	// Delay is applied before each charge or refund; a context that ends
	// first yields a lost response.
	Delay time.Duration
	// FailRefunds makes every refund fail terminally.
	FailRefunds bool
}

// New creates an empty sandbox.
func New() *Gateway {
	return &Gateway{
		byKey:   make(map[string]*operation),
		byRef:   make(map[string]*operation),
		byEntry: make(map[string]*operation),
		intents: make(map[string]gateway.SetupIntent),
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) nextRef(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_sbx_%06d", prefix, g.seq)
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(g.Delay):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", gateway.ErrTimeout, ctx.Err())
	}
}

// Charge executes a charge at most once per idempotency key.
func (g *Gateway) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Outcome, error) {
	if strings.HasPrefix(req.Instrument.Token, "tok_unavailable") {
		return gateway.Outcome{}, fmt.Errorf("%w: sandbox refused connection", gateway.ErrUnavailable)
	}

	g.mu.Lock()
	op, seen := g.byKey["charge:"+req.IdempotencyKey]
	if !seen {
		op = &operation{kind: gateway.OperationCharge, key: req.IdempotencyKey, entryID: req.EntryID.String(), amount: req.Amount}
		ref := g.nextRef("ch")
		switch {
		case strings.HasPrefix(req.Instrument.Token, "tok_decline"):
			op.outcome = gateway.Outcome{Status: gateway.StatusDeclined, Ref: ref, Reason: "card_declined"}
		case strings.HasPrefix(req.Instrument.Token, "tok_pending"), strings.HasPrefix(req.Instrument.Token, "tok_timeout"):
			op.outcome = gateway.Outcome{Status: gateway.StatusPending, Ref: ref}
		default:
			op.outcome = gateway.Outcome{Status: gateway.StatusSettled, Ref: ref}
		}
		g.byKey["charge:"+req.IdempotencyKey] = op
		g.byRef[ref] = op
		g.byEntry[op.entryID] = op
	}
	out := op.outcome
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return gateway.Outcome{}, err
	}
	if strings.HasPrefix(req.Instrument.Token, "tok_timeout") {
		return gateway.Outcome{}, fmt.Errorf("%w: sandbox dropped the response", gateway.ErrTimeout)
	}
	return out, nil
}

// Refund refunds a settled charge at most once per idempotency key.
func (g *Gateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.Outcome, error) {
	g.mu.Lock()
	op, seen := g.byKey["refund:"+req.IdempotencyKey]
	if !seen {
		op = &operation{kind: gateway.OperationRefund, key: req.IdempotencyKey, entryID: req.EntryID.String(), amount: req.Amount}
		ref := g.nextRef("re")
		charge, ok := g.byRef[req.ChargeRef]
		switch {
		case g.FailRefunds:
			op.outcome = gateway.Outcome{Status: gateway.StatusFailed, Ref: ref, Reason: "refund_failed"}
		case !ok || charge.outcome.Status != gateway.StatusSettled:
			op.outcome = gateway.Outcome{Status: gateway.StatusFailed, Ref: ref, Reason: "charge_not_refundable"}
		default:
			op.outcome = gateway.Outcome{Status: gateway.StatusSettled, Ref: ref}
		}
		g.byKey["refund:"+req.IdempotencyKey] = op
		g.byRef[ref] = op
		g.byEntry[op.entryID] = op
	}
	out := op.outcome
	g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return gateway.Outcome{}, err
	}
	return out, nil
}

func (g *Gateway) CreateSetupIntent(ctx context.Context, req gateway.SetupIntentRequest) (gateway.SetupIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if si, ok := g.intents[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return si, nil
	}
	ref := g.nextRef("seti")
	si := gateway.SetupIntent{Ref: ref, ClientSecret: ref + "_secret_" + req.WalletID.String()[:8]}
	g.intents[req.IdempotencyKey] = si
	return si, nil
}

// Tokenize accepts any tok_* string as a completed setup.
func (g *Gateway) Tokenize(ctx context.Context, req gateway.TokenizeRequest) (gateway.Token, error) {
	if !strings.HasPrefix(req.GatewayResponse, "tok_") {
		return gateway.Token{}, fmt.Errorf("sandbox: %q is not a token", req.GatewayResponse)
	}
	return gateway.Token{
		Token:       req.GatewayResponse,
		CustomerRef: "cus_sbx_" + req.WalletID.String()[:8],
		Brand:       "visa",
		Last4:       "4242",
		ExpMonth:    12,
		ExpYear:     time.Now().Year() + 3,
	}, nil
}

// Status reports the processor-side outcome of an earlier call.
func (g *Gateway) Status(ctx context.Context, q gateway.StatusQuery) (gateway.Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	op, ok := g.byRef[q.Ref]
	if !ok && q.IdempotencyKey != "" {
		op, ok = g.byKey[string(q.Operation)+":"+q.IdempotencyKey]
	}
	if !ok {
		op, ok = g.byEntry[q.EntryID.String()]
	}
	if !ok || op.kind != q.Operation {
		return gateway.Outcome{}, gateway.ErrUnknown
	}
	return op.outcome, nil
}

// Resolve decides a pending operation, as the processor would asynchronously.
func (g *Gateway) Resolve(ref string, status gateway.Status, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	op, ok := g.byRef[ref]
	if !ok {
		return fmt.Errorf("sandbox: unknown ref %q", ref)
	}
	op.outcome.Status = status
	op.outcome.Reason = reason
	return nil
}

// Charges returns how many distinct charges reached the processor.
func (g *Gateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.byKey {
		if strings.HasPrefix(k, "charge:") {
			n++
		}
	}
	return n
}

// Refunds returns how many distinct refunds reached the processor.
func (g *Gateway) Refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k := range g.byKey {
		if strings.HasPrefix(k, "refund:") {
			n++
		}
	}
	return n
}

// RefFor returns the processor reference of a charge or refund by key.
func (g *Gateway) RefFor(op gateway.Operation, key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.byKey[string(op)+":"+key]
	if !ok {
		return "", false
	}
	return o.outcome.Ref, true
}
