package database

import (
	"testing"

	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/pkg/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenSQLitePinsPool(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, db.Exec("SELECT 1").Error)

	RecordPoolStats("test", db)
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DBOpenConns.WithLabelValues("test")))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"}, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported database driver")
}
