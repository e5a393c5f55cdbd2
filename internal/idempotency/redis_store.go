package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps records as JSON values with a TTL equal to the retention
// window. Claim is SET NX; updates are optimistic WATCH transactions.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a redis-backed store. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key, operation string) string {
	return fmt.Sprintf("%s:idem:%s:%s", s.prefix, operation, key)
}

func (s *RedisStore) Claim(ctx context.Context, rec Record) (bool, *Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	k := s.key(rec.Key, rec.Operation)
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)

	ok, err := s.client.SetNX(ctx, k, data, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}

	existing, err := s.get(ctx, s.client, k)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return false, &Record{Key: rec.Key, Operation: rec.Operation, ExpiresAt: rec.CreatedAt}, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *RedisStore) get(ctx context.Context, c getter, k string) (*Record, error) {
	raw, err := c.Get(ctx, k).Bytes()
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &rec, nil
}

// update applies fn to the stored record inside a WATCH transaction, keeping
// the remaining TTL. fn returning false leaves the record untouched.
func (s *RedisStore) update(ctx context.Context, k string, fn func(*Record) bool) (bool, error) {
	applied := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, k)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, k, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}, k)
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return applied, err
}

func (s *RedisStore) Complete(ctx context.Context, key, operation string, outcome Outcome, now time.Time) error {
	encoded, err := encodeOutcome(outcome)
	if err != nil {
		return err
	}
	ok, err := s.update(ctx, s.key(key, operation), func(rec *Record) bool {
		if rec.State != StateInProgress {
			return false
		}
		rec.State = StateCompleted
		rec.Outcome = encoded
		rec.UpdatedAt = now
		return true
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no in-flight claim for key")
	}
	return nil
}

func (s *RedisStore) Refresh(ctx context.Context, key, operation string, prev, now time.Time) (bool, error) {
	return s.update(ctx, s.key(key, operation), func(rec *Record) bool {
		if rec.State != StateInProgress || !rec.UpdatedAt.Equal(prev) {
			return false
		}
		rec.UpdatedAt = now
		return true
	})
}

func (s *RedisStore) Delete(ctx context.Context, key, operation string) error {
	return s.client.Del(ctx, s.key(key, operation)).Err()
}

// DeleteExpired is a no-op beyond what the key TTL already does, except for
// records whose stored expiry passed before redis evicted them.
func (s *RedisStore) DeleteExpired(ctx context.Context, key, operation string, now time.Time) error {
	k := s.key(key, operation)
	rec, err := s.get(ctx, s.client, k)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if now.Before(rec.ExpiresAt) {
		return nil
	}
	return s.client.Del(ctx, k).Err()
}

// Purge relies on key TTLs and removes nothing itself.
func (s *RedisStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
