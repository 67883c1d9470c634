package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "webhook:delivery:"

// Ledger records which deliveries have been reconciled.
type Ledger interface {
	// Claim marks key as seen. It returns false when key was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets a claim so a redelivery is reconciled again.
	Release(ctx context.Context, key string) error
}

// RedisLedger is a Ledger backed by expiring Redis keys.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLedger creates a ledger whose claims expire after ttl. A zero ttl
// keeps claims forever.
func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (bool, error) {
	return l.rdb.SetNX(ctx, ledgerKeyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, ledgerKeyPrefix+key).Err()
}
