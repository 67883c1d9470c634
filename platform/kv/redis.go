// Package kv provides the Redis connection used as the fast key-value index.
// This is part of the platform layer and contains no business logic.
package kv

import (
	"context"
	"crypto/tls"
	"fmt"

	"rivvi_backend/platform/config"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to Redis using the configured URL and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := ParseOptions(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ParseOptions parses a redis:// or rediss:// URL, optionally disabling TLS verification.
func ParseOptions(redisURL string, tlsInsecure bool) (*redis.Options, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	if opt.TLSConfig != nil {
		opt.TLSConfig = opt.TLSConfig.Clone()
		if tlsInsecure {
			opt.TLSConfig.InsecureSkipVerify = true
		}
	} else if tlsInsecure {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return opt, nil
}

// Pinger adapts a Redis client to the readiness check signature.
type Pinger struct {
	client *redis.Client
}

// NewPinger wraps client for health checks.
func NewPinger(client *redis.Client) Pinger {
	return Pinger{client: client}
}

// Ping reports whether Redis answers.
func (p Pinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
