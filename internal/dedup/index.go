package dedup

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const identityKeyPrefix = "identity:"

// RedisIndex keeps hash -> patient ID entries as plain Redis strings.
type RedisIndex struct {
	rdb *redis.Client
}

// NewRedisIndex creates the identity index.
func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

func (i *RedisIndex) Lookup(ctx context.Context, hash string) (uuid.UUID, bool, error) {
	raw, err := i.rdb.Get(ctx, identityKeyPrefix+hash).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (i *RedisIndex) Remember(ctx context.Context, hash string, patientID uuid.UUID) (uuid.UUID, error) {
	key := identityKeyPrefix + hash
	set, err := i.rdb.SetNX(ctx, key, patientID.String(), 0).Result()
	if err != nil {
		return uuid.Nil, err
	}
	if set {
		return patientID, nil
	}
	existing, err := i.rdb.Get(ctx, key).Result()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(existing)
}
