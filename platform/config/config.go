// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
	GetDatabaseMaxConns() int
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// RedisConfig provides settings for the fast key-value index.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// SchedulerConfig provides settings for the asynq queues and worker.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqDeadLetterQueueName() string
	GetAsynqConcurrency() int
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinIOMaxFileSize() int64
	GetMinioBucketRawUploads() string
	GetMinioBucketProcessedData() string
	GetMinioBucketCallEvents() string
	IsMinIOEnabled() bool
}

// CallProviderConfig provides settings for the outbound call provider.
type CallProviderConfig interface {
	GetCallProviderURL() string
	GetCallProviderAPIKey() string
	GetCallProviderFromNumber() string
	GetCallProviderTimeout() time.Duration
}

// DispatchConfig provides settings for the outbound dispatch loop.
type DispatchConfig interface {
	GetMaxConcurrentCalls() int
	GetDispatchBatchSize() int
	GetDispatchBatchDelay() time.Duration
	GetDispatchBackoffBase() time.Duration
	GetDispatchBackoffMax() time.Duration
}

// WebhookConfig provides settings for inbound call-outcome events.
type WebhookConfig interface {
	GetWebhookSecret() string
	GetWebhookDedupTTL() time.Duration
}

// PersistenceConfig provides settings for the durable call-event consumer.
type PersistenceConfig interface {
	GetPersistMaxRetries() int
	GetPersistRetryDelay() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                      string
	HTTPAddr                 string
	DatabaseURL              string
	DatabaseMaxConns         int
	MigrationsEnabled        bool
	JWTAccessSecret          string
	CORSAllowAll             bool
	CORSOrigins              []string
	CORSAllowCreds           bool
	RedisURL                 string
	RedisTLSInsecure         bool
	AsynqQueueName           string
	AsynqDeadLetterQueueName string
	AsynqConcurrency         int
	MinIOEndpoint            string
	MinIOAccessKey           string
	MinIOSecretKey           string
	MinIOUseSSL              bool
	MinIOMaxFileSize         int64
	MinioBucketRawUploads    string
	MinioBucketProcessedData string
	MinioBucketCallEvents    string
	CallProviderURL          string
	CallProviderAPIKey       string
	CallProviderFromNumber   string
	CallProviderTimeout      time.Duration
	MaxConcurrentCalls       int
	DispatchBatchSize        int
	DispatchBatchDelay       time.Duration
	DispatchBackoffBase      time.Duration
	DispatchBackoffMax       time.Duration
	WebhookSecret            string
	WebhookDedupTTL          time.Duration
	PersistMaxRetries        int
	PersistRetryDelay        time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string   { return c.DatabaseURL }
func (c *Config) GetDatabaseMaxConns() int { return c.DatabaseMaxConns }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// RedisConfig / SchedulerConfig implementation
func (c *Config) GetRedisURL() string                 { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool           { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string           { return c.AsynqQueueName }
func (c *Config) GetAsynqDeadLetterQueueName() string { return c.AsynqDeadLetterQueueName }
func (c *Config) GetAsynqConcurrency() int            { return c.AsynqConcurrency }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string            { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string           { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string           { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool                { return c.MinIOUseSSL }
func (c *Config) GetMinIOMaxFileSize() int64          { return c.MinIOMaxFileSize }
func (c *Config) GetMinioBucketRawUploads() string    { return c.MinioBucketRawUploads }
func (c *Config) GetMinioBucketProcessedData() string { return c.MinioBucketProcessedData }
func (c *Config) GetMinioBucketCallEvents() string    { return c.MinioBucketCallEvents }
func (c *Config) IsMinIOEnabled() bool                { return c.MinIOEndpoint != "" }

// CallProviderConfig implementation
func (c *Config) GetCallProviderURL() string            { return c.CallProviderURL }
func (c *Config) GetCallProviderAPIKey() string         { return c.CallProviderAPIKey }
func (c *Config) GetCallProviderFromNumber() string     { return c.CallProviderFromNumber }
func (c *Config) GetCallProviderTimeout() time.Duration { return c.CallProviderTimeout }

// DispatchConfig implementation
func (c *Config) GetMaxConcurrentCalls() int            { return c.MaxConcurrentCalls }
func (c *Config) GetDispatchBatchSize() int             { return c.DispatchBatchSize }
func (c *Config) GetDispatchBatchDelay() time.Duration  { return c.DispatchBatchDelay }
func (c *Config) GetDispatchBackoffBase() time.Duration { return c.DispatchBackoffBase }
func (c *Config) GetDispatchBackoffMax() time.Duration  { return c.DispatchBackoffMax }

// WebhookConfig implementation
func (c *Config) GetWebhookSecret() string          { return c.WebhookSecret }
func (c *Config) GetWebhookDedupTTL() time.Duration { return c.WebhookDedupTTL }

// PersistenceConfig implementation
func (c *Config) GetPersistMaxRetries() int           { return c.PersistMaxRetries }
func (c *Config) GetPersistRetryDelay() time.Duration { return c.PersistRetryDelay }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:3000"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                      getEnv("APP_ENV", "development"),
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:         mustInt(getEnv("DATABASE_MAX_CONNS", "25")),
		MigrationsEnabled:        strings.EqualFold(getEnv("MIGRATIONS_ENABLED", "true"), "true"),
		JWTAccessSecret:          getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:             corsAllowAll,
		CORSOrigins:              corsOrigins,
		CORSAllowCreds:           strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		RedisURL:                 getEnv("REDIS_URL", ""),
		RedisTLSInsecure:         strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:           getEnv("ASYNQ_QUEUE", "default"),
		AsynqDeadLetterQueueName: getEnv("ASYNQ_DEAD_LETTER_QUEUE", "call-events-dead"),
		AsynqConcurrency:         mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		MinIOEndpoint:            getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:           getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:           getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:              strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinIOMaxFileSize:         mustInt64(getEnv("MINIO_MAX_FILE_SIZE", "26214400")),
		MinioBucketRawUploads:    getEnv("MINIO_BUCKET_RAW_UPLOADS", "raw-uploads"),
		MinioBucketProcessedData: getEnv("MINIO_BUCKET_PROCESSED_DATA", "processed-data"),
		MinioBucketCallEvents:    getEnv("MINIO_BUCKET_CALL_EVENTS", "call-events"),
		CallProviderURL:          getEnv("CALL_PROVIDER_URL", ""),
		CallProviderAPIKey:       getEnv("CALL_PROVIDER_API_KEY", ""),
		CallProviderFromNumber:   getEnv("CALL_PROVIDER_FROM_NUMBER", ""),
		CallProviderTimeout:      mustDuration(getEnv("CALL_PROVIDER_TIMEOUT", "10s")),
		MaxConcurrentCalls:       mustInt(getEnv("MAX_CONCURRENT_CALLS", "20")),
		DispatchBatchSize:        mustInt(getEnv("DISPATCH_BATCH_SIZE", "10")),
		DispatchBatchDelay:       mustDuration(getEnv("DISPATCH_BATCH_DELAY", "1s")),
		DispatchBackoffBase:      mustDuration(getEnv("DISPATCH_BACKOFF_BASE", "2s")),
		DispatchBackoffMax:       mustDuration(getEnv("DISPATCH_BACKOFF_MAX", "30s")),
		WebhookSecret:            getEnv("WEBHOOK_SECRET", ""),
		WebhookDedupTTL:          mustDuration(getEnv("WEBHOOK_DEDUP_TTL", "72h")),
		PersistMaxRetries:        mustInt(getEnv("PERSIST_MAX_RETRIES", "3")),
		PersistRetryDelay:        mustDuration(getEnv("PERSIST_RETRY_DELAY", "10s")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if cfg.MaxConcurrentCalls < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_CALLS must be a positive integer")
	}
	if cfg.DispatchBatchSize < 1 {
		return nil, fmt.Errorf("DISPATCH_BATCH_SIZE must be a positive integer")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustInt64(value string) int64 {
	result, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
