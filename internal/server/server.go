// Package server assembles the wallet ledger from configuration and runs its
// background workers next to the HTTP API.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/walletledger/api"
	"github.com/Aidin1998/walletledger/internal/autorecharge"
	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/internal/database"
	"github.com/Aidin1998/walletledger/internal/events"
	"github.com/Aidin1998/walletledger/internal/gateway"
	"github.com/Aidin1998/walletledger/internal/gateway/sandbox"
	"github.com/Aidin1998/walletledger/internal/gateway/stripe"
	"github.com/Aidin1998/walletledger/internal/idempotency"
	"github.com/Aidin1998/walletledger/internal/ledger"
	"github.com/Aidin1998/walletledger/internal/messaging"
	"github.com/Aidin1998/walletledger/internal/reconciliation"
	"github.com/Aidin1998/walletledger/internal/wallet"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker is a background loop owned by the App.
type Worker interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// App holds every component of a running ledger.
type App struct {
	Config         *config.Config
	Logger         *zap.Logger
	DB             *gorm.DB
	Store          *ledger.Store
	Guard          *idempotency.Guard
	Gateways       *gateway.Registry
	Wallets        *wallet.Service
	Trigger        *autorecharge.Trigger
	Reconciliation *reconciliation.Worker
	Sweeper        *idempotency.Sweeper

	stripe   *stripe.Adapter
	producer *messaging.KafkaProducer
	redis    *redis.Client
	workers  []Worker
}

// Build connects to the configured backends and wires the services. It does
// not start any worker.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app.DB = db
	if cfg.Database.AutoMigrate {
		if err := ledger.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger: %w", err)
		}
		if err := idempotency.Migrate(db); err != nil {
			return nil, fmt.Errorf("failed to migrate idempotency records: %w", err)
		}
	}
	app.Store = ledger.NewStore(db, logger, ledger.WithMaxRetries(cfg.Ledger.MaxRetries))

	store, err := app.idempotencyStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Guard = idempotency.NewGuard(store, logger,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLease(cfg.Idempotency.Lease),
	)

	if app.Gateways, err = app.registry(); err != nil {
		app.Close()
		return nil, err
	}

	publisher, err := app.publisher()
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Wallets = wallet.NewService(app.Store, app.Guard, app.Gateways, logger,
		wallet.WithPublisher(publisher),
		wallet.WithAlerter(events.NewAlerter(logger, publisher)),
		wallet.WithGatewayTimeout(cfg.Gateway.Timeout),
	)
	app.Trigger = autorecharge.New(app.Store, app.Wallets, cfg.AutoRecharge.Cooldown, cfg.Reconciliation.Grace, logger)
	app.Wallets.SetRecharger(app.Trigger)

	app.Reconciliation = reconciliation.NewWorker(app.Store, app.Gateways, app.Wallets, reconciliation.Config{
		Interval:       cfg.Reconciliation.Interval,
		Grace:          cfg.Reconciliation.Grace,
		Horizon:        cfg.Reconciliation.Horizon,
		BatchSize:      cfg.Reconciliation.BatchSize,
		GatewayTimeout: cfg.Gateway.Timeout,
	}, logger)
	app.Sweeper = idempotency.NewSweeper(app.Guard, logger.Named("idempotency"), cfg.Idempotency.SweepInterval)
	app.workers = []Worker{app.Sweeper, app.Reconciliation, newPoolStats(db, logger)}

	if err := app.observePool(); err != nil {
		logger.Warn("failed to register otel pool gauges", zap.Error(err))
	}
	return app, nil
}

func (a *App) idempotencyStore(ctx context.Context) (idempotency.Store, error) {
	cfg := a.Config
	if cfg.Idempotency.Backend != "redis" {
		return idempotency.NewGormStore(a.DB), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.Logger.Info("idempotency records stored in redis", zap.String("addr", cfg.Redis.Addr))
	return idempotency.NewRedisStore(a.redis, cfg.Redis.Prefix), nil
}

func (a *App) registry() (*gateway.Registry, error) {
	cfg := a.Config.Gateway
	var gateways []gateway.Gateway
	if cfg.Stripe.SecretKey != "" {
		a.stripe = stripe.New(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Timeout:       cfg.Timeout,
		}, a.Logger.Named("stripe"))
		gateways = append(gateways, gateway.WithMetrics(a.stripe, a.Logger))
	}
	if cfg.Sandbox {
		a.Logger.Warn("sandbox gateway enabled")
		gateways = append(gateways, gateway.WithMetrics(sandbox.New(), a.Logger))
	}
	return gateway.NewRegistry(cfg.Default, gateways...)
}

func (a *App) publisher() (events.Publisher, error) {
	logPublisher := events.NewLogPublisher(a.Logger.Named("events"))
	if len(a.Config.Kafka.Brokers) == 0 {
		return logPublisher, nil
	}
	producer, err := messaging.NewKafkaProducer(messaging.DefaultKafkaConfig(a.Config.Kafka.Brokers), a.Logger.Named("kafka"))
	if err != nil {
		return nil, err
	}
	a.producer = producer
	kafkaPublisher := events.NewKafkaPublisher(producer, a.Config.Kafka.EventsTopic, a.Config.Kafka.AlertsTopic)
	return events.NewMulti(a.Logger, kafkaPublisher, logPublisher), nil
}

// observePool exposes connection pool usage through the otel meter. It is a
// no-op unless a meter provider was installed.
func (a *App) observePool() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	meter := otel.Meter("github.com/Aidin1998/walletledger")
	conns, err := meter.Int64ObservableGauge("walletledger.db.connections",
		metric.WithDescription("Open database connections by state"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := sqlDB.Stats()
		o.ObserveInt64(conns, int64(stats.InUse), metric.WithAttributes(attribute.String("state", "in_use")))
		o.ObserveInt64(conns, int64(stats.Idle), metric.WithAttributes(attribute.String("state", "idle")))
		return nil
	}, conns)
	return err
}

// Serve starts the workers and the HTTP server and blocks until ctx is
// cancelled or the listener fails.
func (a *App) Serve(ctx context.Context) error {
	var opts []api.Option
	if a.stripe != nil && a.Config.Gateway.Stripe.WebhookSecret != "" {
		opts = append(opts, api.WithStripeWebhooks(a.stripe, a.Reconciliation))
	}
	srv, err := api.NewServer(a.Config.Server, a.Logger, a.Wallets, opts...)
	if err != nil {
		return err
	}

	started := make([]Worker, 0, len(a.workers))
	for _, w := range a.workers {
		if err := w.Start(ctx); err != nil {
			a.stopWorkers(context.Background(), started)
			return fmt.Errorf("failed to start %s: %w", w.Name(), err)
		}
		a.Logger.Info("worker started", zap.String("worker", w.Name()))
		started = append(started, w)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.Logger.Error("failed to shut down API server", zap.Error(serr))
	}
	a.stopWorkers(shutdownCtx, started)
	return err
}

func (a *App) stopWorkers(ctx context.Context, workers []Worker) {
	for i := len(workers) - 1; i >= 0; i-- {
		if err := workers[i].Stop(ctx); err != nil {
			a.Logger.Error("failed to stop worker", zap.String("worker", workers[i].Name()), zap.Error(err))
		}
	}
}

// Close releases connections. Call after Serve returns.
func (a *App) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.Logger.Error("failed to close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error("failed to close redis client", zap.Error(err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
