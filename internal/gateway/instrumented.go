package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/Aidin1998/walletledger/pkg/metrics"
	"go.uber.org/zap"
)

type instrumented struct {
	next   Gateway
	logger *zap.Logger
}

// WithMetrics wraps g with call metrics and debug logging.
func WithMetrics(g Gateway, logger *zap.Logger) Gateway {
	return &instrumented{next: g, logger: logger.With(zap.String("gateway", g.Name()))}
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) observe(op string, start time.Time, result string, err error) {
	name := i.next.Name()
	metrics.GatewayLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknown):
		result = "unknown"
	case IsTransient(err):
		result = "transient"
		i.logger.Warn("gateway call did not complete", zap.String("operation", op), zap.Error(err))
	default:
		result = "error"
		i.logger.Warn("gateway call failed", zap.String("operation", op), zap.Error(err))
	}
	metrics.GatewayCalls.WithLabelValues(name, op, result).Inc()
}

func (i *instrumented) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	start := time.Now()
	out, err := i.next.Charge(ctx, req)
	i.observe("charge", start, string(out.Status), err)
	return out, err
}

func (i *instrumented) Refund(ctx context.Context, req RefundRequest) (Outcome, error) {
	start := time.Now()
	out, err := i.next.Refund(ctx, req)
	i.observe("refund", start, string(out.Status), err)
	return out, err
}

func (i *instrumented) CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (SetupIntent, error) {
	start := time.Now()
	si, err := i.next.CreateSetupIntent(ctx, req)
	i.observe("setup_intent", start, "ok", err)
	return si, err
}

func (i *instrumented) Tokenize(ctx context.Context, req TokenizeRequest) (Token, error) {
	start := time.Now()
	tok, err := i.next.Tokenize(ctx, req)
	i.observe("tokenize", start, "ok", err)
	return tok, err
}

func (i *instrumented) Status(ctx context.Context, q StatusQuery) (Outcome, error) {
	start := time.Now()
	out, err := i.next.Status(ctx, q)
	i.observe("status", start, string(out.Status), err)
	return out, err
}
