// Package stripe adapts Stripe PaymentIntents, Refunds and SetupIntents to
// the gateway capability set.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
	"go.uber.org/zap"
)

// Name is the registry name of the Stripe gateway.
const Name = "stripe"

// Config configures the adapter.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Timeout bounds each HTTP request to Stripe.
	Timeout time.Duration
}

// Adapter talks to Stripe with network retries disabled; retries are the
// job of reconciliation, always under the original idempotency key.
type Adapter struct {
	api           *client.API
	webhookSecret string
	logger        *zap.Logger
}

// New creates a Stripe adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}
	return &Adapter{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
}

func (a *Adapter) Name() string { return Name }

// Charge confirms an off-session PaymentIntent against the saved payment method.
func (a *Adapter) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Outcome, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.Instrument.Token),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Metadata: map[string]string{
			"wallet_id":       req.WalletID.String(),
			"ledger_entry_id": req.EntryID.String(),
		},
	}
	if req.Instrument.CustomerRef != "" {
		params.Customer = stripe.String(req.Instrument.CustomerRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return classifyError(ctx, err)
	}
	return intentOutcome(pi), nil
}

// Refund refunds part or all of a PaymentIntent.
func (a *Adapter) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.Outcome, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeRef),
		Amount:        stripe.Int64(req.Amount),
		Metadata:      map[string]string{"ledger_entry_id": req.EntryID.String()},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	r, err := a.api.Refunds.New(params)
	if err != nil {
		out, cerr := classifyError(ctx, err)
		if out.Status == gateway.StatusDeclined {
			out.Status = gateway.StatusFailed
		}
		return out, cerr
	}
	return refundOutcome(r), nil
}

// CreateSetupIntent creates a customer for the wallet and an off-session
// SetupIntent the client confirms with Stripe.js.
func (a *Adapter) CreateSetupIntent(ctx context.Context, req gateway.SetupIntentRequest) (gateway.SetupIntent, error) {
	cparams := &stripe.CustomerParams{
		Metadata: map[string]string{"wallet_id": req.WalletID.String()},
	}
	cparams.Context = ctx
	cparams.SetIdempotencyKey(req.IdempotencyKey + ":customer")
	cus, err := a.api.Customers.New(cparams)
	if err != nil {
		_, cerr := classifyError(ctx, err)
		return gateway.SetupIntent{}, orFailed(cerr, err)
	}

	params := &stripe.SetupIntentParams{
		Customer: stripe.String(cus.ID),
		Usage:    stripe.String(string(stripe.SetupIntentUsageOffSession)),
		Metadata: map[string]string{"wallet_id": req.WalletID.String()},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	si, err := a.api.SetupIntents.New(params)
	if err != nil {
		_, cerr := classifyError(ctx, err)
		return gateway.SetupIntent{}, orFailed(cerr, err)
	}
	return gateway.SetupIntent{Ref: si.ID, ClientSecret: si.ClientSecret}, nil
}

// Tokenize resolves a confirmed SetupIntent (seti_...) or a PaymentMethod id
// (pm_...) into display data. Card numbers never pass through here.
func (a *Adapter) Tokenize(ctx context.Context, req gateway.TokenizeRequest) (gateway.Token, error) {
	pmID := req.GatewayResponse
	customerRef := ""

	if strings.HasPrefix(pmID, "seti_") {
		params := &stripe.SetupIntentParams{}
		params.Context = ctx
		si, err := a.api.SetupIntents.Get(pmID, params)
		if err != nil {
			_, cerr := classifyError(ctx, err)
			return gateway.Token{}, orFailed(cerr, err)
		}
		if si.Status != stripe.SetupIntentStatusSucceeded || si.PaymentMethod == nil {
			return gateway.Token{}, fmt.Errorf("setup intent %s is %s", si.ID, si.Status)
		}
		if si.Metadata["wallet_id"] != req.WalletID.String() {
			return gateway.Token{}, fmt.Errorf("setup intent %s belongs to another wallet", si.ID)
		}
		pmID = si.PaymentMethod.ID
		if si.Customer != nil {
			customerRef = si.Customer.ID
		}
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := a.api.PaymentMethods.Get(pmID, params)
	if err != nil {
		_, cerr := classifyError(ctx, err)
		return gateway.Token{}, orFailed(cerr, err)
	}
	tok := gateway.Token{Token: pm.ID, CustomerRef: customerRef}
	if pm.Customer != nil && tok.CustomerRef == "" {
		tok.CustomerRef = pm.Customer.ID
	}
	if pm.Card != nil {
		tok.Brand = string(pm.Card.Brand)
		tok.Last4 = pm.Card.Last4
		tok.ExpMonth = int(pm.Card.ExpMonth)
		tok.ExpYear = int(pm.Card.ExpYear)
	}
	return tok, nil
}

// Status fetches the current state of a PaymentIntent or Refund. Charges
// without a known reference are searched by ledger entry metadata.
func (a *Adapter) Status(ctx context.Context, q gateway.StatusQuery) (gateway.Outcome, error) {
	switch q.Operation {
	case gateway.OperationCharge:
		if q.Ref == "" {
			return a.searchIntent(ctx, q)
		}
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := a.api.PaymentIntents.Get(q.Ref, params)
		if err != nil {
			return lookupError(ctx, err)
		}
		return intentOutcome(pi), nil
	case gateway.OperationRefund:
		if q.Ref == "" {
			return gateway.Outcome{}, gateway.ErrUnknown
		}
		params := &stripe.RefundParams{}
		params.Context = ctx
		r, err := a.api.Refunds.Get(q.Ref, params)
		if err != nil {
			return lookupError(ctx, err)
		}
		return refundOutcome(r), nil
	default:
		return gateway.Outcome{}, fmt.Errorf("unsupported operation %q", q.Operation)
	}
}

func (a *Adapter) searchIntent(ctx context.Context, q gateway.StatusQuery) (gateway.Outcome, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['ledger_entry_id']:'%s'", q.EntryID.String())
	params.Context = ctx
	iter := a.api.PaymentIntents.Search(params)
	if iter.Next() {
		return intentOutcome(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return lookupError(ctx, err)
	}
	return gateway.Outcome{}, gateway.ErrUnknown
}

func intentOutcome(pi *stripe.PaymentIntent) gateway.Outcome {
	out := gateway.Outcome{Ref: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Status = gateway.StatusSettled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		out.Status = gateway.StatusPending
	case stripe.PaymentIntentStatusCanceled:
		out.Status = gateway.StatusFailed
		out.Reason = "canceled"
	case stripe.PaymentIntentStatusRequiresAction:
		// off-session charges cannot complete customer authentication
		out.Status = gateway.StatusDeclined
		out.Reason = "authentication_required"
	default:
		out.Status = gateway.StatusDeclined
		out.Reason = string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			out.Reason = string(pi.LastPaymentError.Code)
		}
	}
	return out
}

func refundOutcome(r *stripe.Refund) gateway.Outcome {
	out := gateway.Outcome{Ref: r.ID}
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		out.Status = gateway.StatusSettled
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		out.Status = gateway.StatusFailed
		out.Reason = string(r.FailureReason)
		if out.Reason == "" {
			out.Reason = string(r.Status)
		}
	default:
		out.Status = gateway.StatusPending
	}
	return out
}

// classifyError separates terminal declines from transient failures.
func classifyError(ctx context.Context, err error) (gateway.Outcome, error) {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			reason := string(se.DeclineCode)
			if reason == "" {
				reason = string(se.Code)
			}
			out := gateway.Outcome{Status: gateway.StatusDeclined, Reason: reason}
			if se.PaymentIntent != nil {
				out.Ref = se.PaymentIntent.ID
			}
			return out, nil
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return gateway.Outcome{}, fmt.Errorf("%w: %s", gateway.ErrUnavailable, se.Msg)
		case se.HTTPStatusCode == http.StatusConflict:
			// concurrent request with the same idempotency key still in flight at Stripe
			return gateway.Outcome{}, fmt.Errorf("%w: %s", gateway.ErrUnavailable, se.Msg)
		default:
			return gateway.Outcome{Status: gateway.StatusFailed, Reason: truncate(se.Msg, 200)}, nil
		}
	}
	if isTimeout(ctx, err) {
		return gateway.Outcome{}, fmt.Errorf("%w: %v", gateway.ErrTimeout, err)
	}
	return gateway.Outcome{}, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}

func lookupError(ctx context.Context, err error) (gateway.Outcome, error) {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
		return gateway.Outcome{}, gateway.ErrUnknown
	}
	out, cerr := classifyError(ctx, err)
	if cerr == nil {
		return gateway.Outcome{}, fmt.Errorf("status lookup failed: %s", out.Reason)
	}
	return gateway.Outcome{}, cerr
}

func orFailed(classified, original error) error {
	if classified != nil {
		return classified
	}
	return original
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
