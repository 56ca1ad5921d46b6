package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Database
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Queue backend: "postgres" (cross-process, transactional) or
	// "memory" (single-node, high throughput).
	QueueBackend string

	// Redis, used by the distributed rate limiter. Empty address selects the
	// in-process limiter, which is only correct for single-node deployments.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limit ceilings per provider identity (0 disables a window).
	RatePerSecond int
	RatePerMinute int
	RatePerHour   int

	// External provider
	ProviderBaseURL string
	ProviderTimeout time.Duration
	CallbackTimeout time.Duration

	// Worker
	WorkerConcurrency int
	PollInterval      time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration

	// Retry policy
	MaxAttempts         int
	RetryBase           time.Duration
	RetryExponentCap    int
	RetryMaxDelay       time.Duration
	RateLimitMultiplier float64

	// Circuit breaker
	BreakerFailureThreshold    int
	BreakerFailureRate         float64
	BreakerMinSamples          int
	BreakerWindow              time.Duration
	BreakerOpenDuration        time.Duration
	BreakerHalfOpenMaxProbes   int
	BreakerCloseAfterSuccesses int

	// Maintenance sweeper
	SweepInterval   time.Duration
	ReapThreshold   time.Duration
	RedeliveryDelay time.Duration
	Retention       time.Duration
	SweepBatchSize  int
}

func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		QueueBackend: getEnv("QUEUE_BACKEND", "postgres"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		RatePerSecond: getInt("RATE_PER_SECOND", 100),
		RatePerMinute: getInt("RATE_PER_MINUTE", 0),
		RatePerHour:   getInt("RATE_PER_HOUR", 0),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:9090/send"),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		CallbackTimeout: getDuration("CALLBACK_TIMEOUT", 5*time.Second),

		WorkerConcurrency: getInt("WORKER_CONCURRENCY", 8),
		PollInterval:      getDuration("POLL_INTERVAL", time.Second),
		LeaseDuration:     getDuration("LEASE_DURATION", 30*time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 10*time.Second),

		MaxAttempts:         getInt("MAX_ATTEMPTS", 5),
		RetryBase:           getDuration("RETRY_BASE", 2*time.Second),
		RetryExponentCap:    getInt("RETRY_EXPONENT_CAP", 6),
		RetryMaxDelay:       getDuration("RETRY_MAX_DELAY", 10*time.Minute),
		RateLimitMultiplier: getFloat("RATE_LIMIT_MULTIPLIER", 4),

		BreakerFailureThreshold:    getInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerFailureRate:         getFloat("BREAKER_FAILURE_RATE", 0.5),
		BreakerMinSamples:          getInt("BREAKER_MIN_SAMPLES", 10),
		BreakerWindow:              getDuration("BREAKER_WINDOW", 30*time.Second),
		BreakerOpenDuration:        getDuration("BREAKER_OPEN_DURATION", 30*time.Second),
		BreakerHalfOpenMaxProbes:   getInt("BREAKER_HALF_OPEN_MAX_PROBES", 4),
		BreakerCloseAfterSuccesses: getInt("BREAKER_CLOSE_AFTER_SUCCESSES", 3),

		SweepInterval:   getDuration("SWEEP_INTERVAL", 30*time.Second),
		ReapThreshold:   getDuration("REAP_THRESHOLD", 10*time.Second),
		RedeliveryDelay: getDuration("REDELIVERY_DELAY", 5*time.Second),
		Retention:       getDuration("RETENTION", 30*24*time.Hour),
		SweepBatchSize:  getInt("SWEEP_BATCH_SIZE", 500),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
