package api

import (
	"strconv"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/api/responses"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/gin-gonic/gin"
)

type setupIntentRequest struct {
	Gateway string `json:"gateway" validate:"omitempty,max=32,alpha"`
}

// POST /api/v1/wallets/:id/setup-intent
func (s *Server) createSetupIntent(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req setupIntentRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	si, err := s.wallets.CreateSetupIntent(c.Request.Context(), id, req.Gateway, c.GetHeader(IdempotencyHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Created(c, gin.H{"client_secret": si.ClientSecret, "ref": si.Ref})
}

type addPaymentMethodRequest struct {
	Gateway         string `json:"gateway" validate:"omitempty,max=32,alpha"`
	GatewayResponse string `json:"gateway_response" validate:"required,max=255"`
}

// POST /api/v1/wallets/:id/payment-methods
func (s *Server) addPaymentMethod(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	var req addPaymentMethodRequest
	if err := s.bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	pm, err := s.wallets.AddPaymentMethod(c.Request.Context(), wallet.AddPaymentMethodRequest{
		WalletID:        id,
		Gateway:         req.Gateway,
		GatewayResponse: req.GatewayResponse,
		IdempotencyKey:  c.GetHeader(IdempotencyHeader),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Created(c, pm, "Payment method added")
}

// GET /api/v1/wallets/:id/payment-methods?active=true
func (s *Server) listPaymentMethods(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	activeOnly := false
	if raw := c.Query("active"); raw != "" {
		activeOnly, err = strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, apperrors.ErrValidation.Explain("active must be a boolean").WithField("active", "must be a boolean"))
			return
		}
	}
	methods, err := s.wallets.ListPaymentMethods(c.Request.Context(), id, activeOnly)
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, methods)
}

// DELETE /api/v1/wallets/:id/payment-methods/:pm_id
func (s *Server) deactivatePaymentMethod(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		s.fail(c, err)
		return
	}
	pmID, err := pathID(c, "pm_id")
	if err != nil {
		s.fail(c, err)
		return
	}
	pm, err := s.wallets.DeactivatePaymentMethod(c.Request.Context(), id, pmID, c.GetHeader(IdempotencyHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	responses.Success(c, pm, "Payment method deactivated")
}
