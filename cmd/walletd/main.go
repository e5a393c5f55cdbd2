package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/internal/server"
	"github.com/Aidin1998/walletledger/internal/telemetry"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Traces:      cfg.Tracing.Enabled,
		Metrics:     cfg.Tracing.Metrics,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			zapLogger.Error("Failed to flush telemetry", zap.Error(err))
		}
	}()

	app, err := server.Build(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build wallet ledger", zap.Error(err))
	}
	defer app.Close()

	if err := app.Serve(ctx); err != nil {
		zapLogger.Error("Server stopped with error", zap.Error(err))
		return
	}
	zapLogger.Info("Server exited properly")
}
