package wallet

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) gatewayFor(name string) (gateway.Gateway, error) {
	gw, err := s.gateways.Get(name)
	if err != nil {
		return nil, apperrors.ErrValidation.Explain("unknown gateway %q", name).WithField("gateway", "unknown")
	}
	return gw, nil
}

// CreateSetupIntent starts out-of-band tokenization of a new instrument.
// The processor deduplicates by key, so a retry returns the same intent.
func (s *Service) CreateSetupIntent(ctx context.Context, walletID uuid.UUID, gatewayName, idempotencyKey string) (*gateway.SetupIntent, error) {
	if err := requireKey(idempotencyKey); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, s.translate(err)
	}
	gw, err := s.gatewayFor(gatewayName)
	if err != nil {
		return nil, err
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	si, err := gw.CreateSetupIntent(gctx, gateway.SetupIntentRequest{
		WalletID:       walletID,
		IdempotencyKey: "setup:" + walletID.String() + ":" + idempotencyKey,
	})
	if err != nil {
		return nil, gatewayError(err)
	}
	return &si, nil
}

// AddPaymentMethodRequest stores the instrument produced by a completed
// setup intent.
type AddPaymentMethodRequest struct {
	WalletID        uuid.UUID
	Gateway         string
	GatewayResponse string
	IdempotencyKey  string
}

// AddPaymentMethod tokenizes a gateway response and saves it. Only the
// gateway token and display data are kept.
func (s *Service) AddPaymentMethod(ctx context.Context, req AddPaymentMethodRequest) (*ledger.PaymentMethod, error) {
	if err := requireKey(req.IdempotencyKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.GatewayResponse) == "" {
		return nil, apperrors.ErrValidation.Explain("gateway_response is required").WithField("gateway_response", "required")
	}
	gw, err := s.gatewayFor(req.Gateway)
	if err != nil {
		return nil, err
	}

	key := scopedKey(req.WalletID.String(), req.IdempotencyKey)
	res, err := s.reserve(ctx, key, OpAddPaymentMethod, req.WalletID.String(), gw.Name(), req.GatewayResponse)
	if err != nil {
		return nil, err
	}
	if res.State == idempotency.StateCompleted {
		if err := replayError(res.Outcome); err != nil {
			return nil, err
		}
		id, parseErr := uuid.Parse(res.Outcome.ResourceID)
		if parseErr != nil {
			return nil, apperrors.New(apperrors.KindInternal, "recorded payment method id is invalid").Wrap(parseErr)
		}
		pm, err := s.store.GetPaymentMethod(ctx, req.WalletID, id)
		return pm, s.translate(err)
	}

	pm, err := s.addPaymentMethod(ctx, gw, req)
	if err != nil {
		s.settle(ctx, key, OpAddPaymentMethod, idempotency.Outcome{}, err)
		return nil, err
	}
	s.complete(ctx, key, OpAddPaymentMethod, idempotency.Outcome{ResourceID: pm.ID.String()})
	return pm, nil
}

func (s *Service) addPaymentMethod(ctx context.Context, gw gateway.Gateway, req AddPaymentMethodRequest) (*ledger.PaymentMethod, error) {
	if _, err := s.store.GetWallet(ctx, req.WalletID); err != nil {
		return nil, s.translate(err)
	}

	gctx, cancel := s.gatewayContext(ctx)
	defer cancel()
	tok, err := gw.Tokenize(gctx, gateway.TokenizeRequest{WalletID: req.WalletID, GatewayResponse: req.GatewayResponse})
	if err != nil {
		return nil, gatewayError(err)
	}

	pm := &ledger.PaymentMethod{
		WalletID:    req.WalletID,
		Gateway:     gw.Name(),
		Token:       tok.Token,
		CustomerRef: tok.CustomerRef,
		Brand:       tok.Brand,
		Last4:       tok.Last4,
		ExpMonth:    tok.ExpMonth,
		ExpYear:     tok.ExpYear,
	}
	if err := s.store.CreatePaymentMethod(ctx, pm); err != nil {
		return nil, s.translate(err)
	}
	logger.ForWallet(s.logger, req.WalletID.String()).Info("payment method added",
		zap.String("payment_method_id", pm.ID.String()),
		zap.String("gateway", pm.Gateway))
	return pm, nil
}

// ListPaymentMethods returns the wallet's payment methods.
func (s *Service) ListPaymentMethods(ctx context.Context, walletID uuid.UUID, activeOnly bool) ([]ledger.PaymentMethod, error) {
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, s.translate(err)
	}
	methods, err := s.store.ListPaymentMethods(ctx, walletID, activeOnly)
	if err != nil {
		return nil, s.translate(err)
	}
	if methods == nil {
		methods = []ledger.PaymentMethod{}
	}
	return methods, nil
}

// DeactivatePaymentMethod retires a payment method. Deactivating twice is
// harmless, so the key is only required, not recorded. Auto-recharge that
// refills from the method is switched off with it.
func (s *Service) DeactivatePaymentMethod(ctx context.Context, walletID, pmID uuid.UUID, idempotencyKey string) (*ledger.PaymentMethod, error) {
	if err := requireKey(idempotencyKey); err != nil {
		return nil, err
	}
	pm, disabled, err := s.store.DeactivatePaymentMethod(ctx, walletID, pmID)
	if err != nil {
		return nil, s.translate(err)
	}
	log := logger.ForWallet(s.logger, walletID.String())
	log.Info("payment method deactivated", zap.String("payment_method_id", pmID.String()))
	if disabled {
		log.Warn("auto-recharge disabled with its payment method", zap.String("payment_method_id", pmID.String()))
		s.PublishEvent(ctx, events.Event{Type: events.SettingsUpdated, WalletID: walletID})
	}
	return pm, nil
}

// gatewayError maps a failed non-charge gateway call.
func gatewayError(err error) error {
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		return apperrors.ErrGatewayTimeout.Explain("payment gateway timed out").Wrap(err)
	case errors.Is(err, gateway.ErrUnavailable):
		return apperrors.ErrGatewayUnavailable.Explain("payment gateway unavailable").Wrap(err)
	default:
		return apperrors.ErrValidation.Explain("gateway rejected the request: %v", err)
	}
}
