// Package api exposes the wallet service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/Aidin1998/walletledger/common/errors"
	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// WebhookParser verifies and decodes a processor webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*gateway.Event, error)
}

// EventHandler applies a verified gateway event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *gateway.Event) error
}

// Server represents the API server
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	wallets    *wallet.Service
	validator  *validator.Validate

	stripeWebhooks WebhookParser
	events         EventHandler
}

// Option configures a Server.
type Option func(*Server)

// WithStripeWebhooks enables the Stripe webhook endpoint.
func WithStripeWebhooks(parser WebhookParser, handler EventHandler) Option {
	return func(s *Server) {
		s.stripeWebhooks = parser
		s.events = handler
	}
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, logger *zap.Logger, wallets *wallet.Service, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger.Named("api"),
		wallets:   wallets,
		validator: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("walletledger"))
	router.Use(traceIDMiddleware())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", IdempotencyHeader, "X-Trace-ID"},
		ExposeHeaders: []string{"Content-Length", "Retry-After", "X-Trace-ID"},
		MaxAge:        12 * time.Hour,
	}))

	var rateLimit gin.HandlerFunc
	if cfg.RateLimit != "" {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		rateLimit = ginlimiter.NewMiddleware(limiter.New(memory.NewStore(), rate))
	}

	s.router = router
	s.registerRoutes(rateLimit)
	return s, nil
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.logger.Info("Starting API server", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(rateLimit gin.HandlerFunc) {
	public := s.router.Group("/api/v1")
	{
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))
		public.GET("/health", s.healthCheck)
	}

	wallets := s.router.Group("/api/v1/wallets")
	if rateLimit != nil {
		wallets.Use(rateLimit)
	}
	wallets.Use(requireIdempotencyKey())
	{
		wallets.POST("", s.createWallet)
		wallets.GET("/:id", s.getWallet)
		wallets.POST("/:id/fund", s.fundWallet)
		wallets.POST("/:id/charge", s.chargeWallet)
		wallets.POST("/:id/refund", s.refundEntry)
		wallets.GET("/:id/transactions", s.listTransactions)
		wallets.PATCH("/:id/settings", s.updateSettings)
		wallets.POST("/:id/setup-intent", s.createSetupIntent)
		wallets.POST("/:id/payment-methods", s.addPaymentMethod)
		wallets.GET("/:id/payment-methods", s.listPaymentMethods)
		wallets.DELETE("/:id/payment-methods/:pm_id", s.deactivatePaymentMethod)
		wallets.POST("/:id/reconcile", s.reconcileWallet)
	}

	internal := s.router.Group("/internal")
	{
		internal.POST("/webhooks/stripe", s.stripeWebhook)
	}
}

// healthCheck reports whether the ledger database is reachable.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.wallets.Store().Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"time":   time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// traceIDMiddleware picks the request trace id: the caller's X-Trace-ID,
// else the OpenTelemetry trace, else a fresh id.
func traceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			} else {
				traceID = uuid.NewString()
			}
		}
		c.Set(apperrors.TraceIDKey, traceID)
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

// requireIdempotencyKey rejects mutating requests without a usable key.
func requireIdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			apperrors.HandleError(c, apperrors.ErrMissingIdempotencyKey.Explain("%s header is required", IdempotencyHeader))
			return
		}
		if len(key) > wallet.MaxKeyLength {
			apperrors.HandleError(c, apperrors.ErrValidation.Explain("%s must be at most %d characters", IdempotencyHeader, wallet.MaxKeyLength).
				WithField(IdempotencyHeader, "too long"))
			return
		}
		c.Next()
	}
}

// fail renders err and logs it with the request trace id. Client errors are
// logged at debug; only unexpected failures reach error level.
func (s *Server) fail(c *gin.Context, err error) {
	fields := []zap.Field{
		zap.String("trace_id", c.GetString(apperrors.TraceIDKey)),
		zap.String("path", c.FullPath()),
		zap.Error(err),
	}
	if kind := apperrors.KindOf(err); kind == apperrors.KindInternal {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Debug("request rejected", append(fields, zap.String("kind", string(kind)))...)
	}
	apperrors.HandleError(c, err)
}
