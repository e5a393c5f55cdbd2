// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/walletledger/internal/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NewDB opens an isolated in-memory sqlite database, runs the given
// migrations and closes it when the test ends.
func NewDB(t testing.TB, migrate ...func(*gorm.DB) error) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewSQLiteDB(dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	for _, m := range migrate {
		if err := m(db); err != nil {
			t.Fatalf("failed to migrate test database: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Clock is a manually advanced time source.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

// NewClock returns a clock starting at start that advances by step on every read.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{t: start.UTC(), step: step}
}

// Now returns the current time and advances the clock by its step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
