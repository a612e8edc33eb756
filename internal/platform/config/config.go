// Package config builds runtime configuration from the environment so main
// stays lean. Defaults suit local development; production overrides them.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures everything the server process needs at startup.
type Config struct {
	Addr     string
	LogLevel string

	// PostgresURL backs the outbox, ledger, dead-letter, and key registry
	// stores. Empty selects the in-memory stores (development only).
	PostgresURL string

	Redis RedisConfig

	// MasterKey is the 32-byte (hex-encoded in the environment) secret all
	// field keys derive from.
	MasterKey []byte

	// JWTSigningKey verifies operator tokens on the HTTP surface.
	JWTSigningKey string

	Kafka KafkaConfig

	Dispatcher DispatcherConfig

	// RetentionYears is how long audit entries stay in the live table.
	RetentionYears int
}

// RedisConfig tunes the breaker state store connection. Empty URL disables
// Redis; breaker state then lives only in process memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig tunes the delivered-envelope mirror. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DispatcherConfig carries the operator-tunable delivery knobs.
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:        envOr("CUSTODIA_ADDR", ":8080"),
		LogLevel:    envOr("CUSTODIA_LOG_LEVEL", "info"),
		PostgresURL: os.Getenv("CUSTODIA_POSTGRES_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("CUSTODIA_REDIS_URL"),
			PoolSize:     envIntOr("CUSTODIA_REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("CUSTODIA_REDIS_MIN_IDLE", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		JWTSigningKey: envOr("CUSTODIA_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Kafka: KafkaConfig{
			Topic: envOr("CUSTODIA_KAFKA_TOPIC", "custodia.audit.events"),
		},
		Dispatcher: DispatcherConfig{
			Workers:     envIntOr("CUSTODIA_DISPATCHER_WORKERS", 4),
			MaxAttempts: envIntOr("CUSTODIA_DISPATCHER_MAX_ATTEMPTS", 8),
			BaseBackoff: time.Second,
		},
		RetentionYears: envIntOr("CUSTODIA_RETENTION_YEARS", 6),
	}

	if brokers := os.Getenv("CUSTODIA_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	masterHex := os.Getenv("CUSTODIA_MASTER_KEY")
	if masterHex == "" {
		// Development fallback, 32 zero bytes. Production must set the
		// real secret.
		cfg.MasterKey = make([]byte, 32)
		return cfg, nil
	}
	master, err := hex.DecodeString(masterHex)
	if err != nil {
		return Config{}, fmt.Errorf("CUSTODIA_MASTER_KEY is not valid hex: %w", err)
	}
	if len(master) < 32 {
		return Config{}, fmt.Errorf("CUSTODIA_MASTER_KEY must decode to at least 32 bytes, got %d", len(master))
	}
	cfg.MasterKey = master
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
