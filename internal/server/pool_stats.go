package server

import (
	"context"
	"time"

	"github.com/Aidin1998/walletledger/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const poolStatsInterval = 30 * time.Second

// poolStats copies connection pool usage into the Prometheus gauges.
type poolStats struct {
	db       *gorm.DB
	log      *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newPoolStats(db *gorm.DB, log *zap.Logger) *poolStats {
	return &poolStats{db: db, log: log, interval: poolStatsInterval}
}

func (p *poolStats) Name() string {
	return "db-pool-stats"
}

func (p *poolStats) Start(ctx context.Context) error {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *poolStats) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}
	close(p.stopCh)
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *poolStats) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	database.RecordPoolStats("ledger", p.db)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			database.RecordPoolStats("ledger", p.db)
		}
	}
}
