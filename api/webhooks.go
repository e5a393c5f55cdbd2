package api

import (
	"io"
	"net/http"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// POST /internal/webhooks/stripe
//
// A 5xx asks the processor to redeliver, so only failures to apply a
// verified event are reported that way.
func (s *Server) stripeWebhook(c *gin.Context) {
	if s.stripeWebhooks == nil || s.events == nil {
		s.fail(c, apperrors.ErrNotFound.Explain("stripe webhooks are not enabled"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		s.fail(c, apperrors.ErrValidation.Explain("unreadable webhook body"))
		return
	}
	ev, err := s.stripeWebhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		s.logger.Warn("rejected stripe webhook", zap.Error(err))
		s.fail(c, apperrors.ErrValidation.Explain("invalid webhook signature or payload"))
		return
	}
	if ev != nil {
		if err := s.events.HandleEvent(c.Request.Context(), ev); err != nil {
			s.fail(c, apperrors.New(apperrors.KindInternal, "failed to apply webhook").Wrap(err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
