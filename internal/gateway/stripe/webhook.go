package stripe

import (
	"fmt"

	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
)

// ParseWebhook verifies a webhook payload and normalizes the events that
// settle or fail charges and refunds. Other event types return nil.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*gateway.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, a.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return eventFromObject(string(event.Type), event.Data.Object)
}

func eventFromObject(eventType string, obj map[string]interface{}) (*gateway.Event, error) {
	id, _ := obj["id"].(string)
	status, _ := obj["status"].(string)
	if id == "" {
		return nil, fmt.Errorf("event %s carries no object id", eventType)
	}

	switch eventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled", "payment_intent.processing":
		pi := &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatus(status)}
		if lpe, ok := obj["last_payment_error"].(map[string]interface{}); ok {
			code, _ := lpe["code"].(string)
			pi.LastPaymentError = &stripe.Error{Code: stripe.ErrorCode(code)}
		}
		out := intentOutcome(pi)
		// a payment_failed intent returns to requires_payment_method
		if eventType == "payment_intent.payment_failed" && out.Status == gateway.StatusPending {
			out.Status = gateway.StatusDeclined
		}
		return &gateway.Event{Gateway: Name, Operation: gateway.OperationCharge, Ref: id, Outcome: out}, nil
	case "charge.refund.updated", "refund.updated", "refund.failed":
		reason, _ := obj["failure_reason"].(string)
		r := &stripe.Refund{ID: id, Status: stripe.RefundStatus(status), FailureReason: stripe.RefundFailureReason(reason)}
		return &gateway.Event{Gateway: Name, Operation: gateway.OperationRefund, Ref: id, Outcome: refundOutcome(r)}, nil
	default:
		return nil, nil
	}
}
