// Package config builds the service configuration from environment
// variables so main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Verifiers   VerifiersConfig
	Nonce       NonceConfig
	Fingerprint FingerprintConfig
	RateLimit   RateLimitConfig
	Tracing     TracingConfig
	Log         LogConfig
}

// ServerConfig captures HTTP server level settings.
type ServerConfig struct {
	Addr        string
	Environment string

	// OperatorTokenHash is the bcrypt hash of the operator token. Empty
	// means operator routes refuse all requests.
	OperatorTokenHash string

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "postgres", "redis".
	Backend     string
	DatabaseURL string
}

// RedisConfig holds Redis client settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds audit delivery settings. Empty Brokers disables the
// outbox worker.
type KafkaConfig struct {
	Brokers         []string
	Topic           string
	Acks            string
	Retries         int
	DeliveryTimeout time.Duration
}

// VerifiersConfig holds collaborator endpoints. A verifier with an empty
// base URL is not registered.
type VerifiersConfig struct {
	Timeout time.Duration

	PaymentURL    string
	PaymentAPIKey string

	CodeHostURL   string
	CodeHostName  string
	CodeHostToken string
}

// NonceConfig selects how fresh nonces are produced.
type NonceConfig struct {
	// Strategy is "random" (opaque 32-byte nonces) or "codec"
	// (self-describing HS256 tokens decodable with CodecKey).
	Strategy string
	CodecKey string
}

// FingerprintConfig holds the anonymous-set fingerprint settings.
type FingerprintConfig struct {
	Pepper string
}

// RateLimitConfig bounds requests per client address. A limit of zero
// disables the corresponding throttle.
type RateLimitConfig struct {
	ValidateLimit  int
	ValidateWindow time.Duration
	OperatorLimit  int
	OperatorWindow time.Duration
}

// TracingConfig toggles span emission. Disabled installs the noop tracer.
type TracingConfig struct {
	Enabled bool
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// FromEnv reads the configuration from FIDES_* environment variables,
// applying development defaults where a value is absent.
func FromEnv() Config {
	return Config{
		Server: ServerConfig{
			Addr:              envOr("FIDES_ADDR", ":8080"),
			Environment:       envOr("FIDES_ENV", "development"),
			OperatorTokenHash: os.Getenv("FIDES_OPERATOR_TOKEN_HASH"),
			RequestTimeout:    envDuration("FIDES_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout:   envDuration("FIDES_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Backend:     envOr("FIDES_STORE", "memory"),
			DatabaseURL: os.Getenv("FIDES_DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("FIDES_REDIS_URL"),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:         envList("FIDES_KAFKA_BROKERS"),
			Topic:           envOr("FIDES_KAFKA_TOPIC", "fides.audit.events"),
			Acks:            envOr("FIDES_KAFKA_ACKS", "all"),
			Retries:         3,
			DeliveryTimeout: envDuration("FIDES_KAFKA_DELIVERY_TIMEOUT", 30*time.Second),
		},
		Verifiers: VerifiersConfig{
			Timeout:       envDuration("FIDES_VERIFIER_TIMEOUT", 5*time.Second),
			PaymentURL:    os.Getenv("FIDES_PAYMENT_URL"),
			PaymentAPIKey: os.Getenv("FIDES_PAYMENT_API_KEY"),
			CodeHostURL:   os.Getenv("FIDES_CODEHOST_URL"),
			CodeHostName:  envOr("FIDES_CODEHOST_NAME", "github.com"),
			CodeHostToken: os.Getenv("FIDES_CODEHOST_TOKEN"),
		},
		Nonce: NonceConfig{
			Strategy: envOr("FIDES_NONCE_STRATEGY", "random"),
			// Override in production. The dev default matches the
			// noncegen tool so local mint and inspect agree.
			CodecKey: envOr("FIDES_NONCE_CODEC_KEY", "fides-dev-codec-key-change-in-production"),
		},
		Fingerprint: FingerprintConfig{
			// Override in production. The dev default keeps local runs
			// working without a secrets manager.
			Pepper: envOr("FIDES_PEPPER", "fides-dev-pepper-change-in-production"),
		},
		RateLimit: RateLimitConfig{
			ValidateLimit:  envInt("FIDES_VALIDATE_RATE_LIMIT", 300),
			ValidateWindow: envDuration("FIDES_VALIDATE_RATE_WINDOW", time.Minute),
			OperatorLimit:  envInt("FIDES_OPERATOR_RATE_LIMIT", 60),
			OperatorWindow: envDuration("FIDES_OPERATOR_RATE_WINDOW", time.Minute),
		},
		Tracing: TracingConfig{
			Enabled: envBool("FIDES_TRACING_ENABLED", false),
		},
		Log: LogConfig{
			Level:  envOr("FIDES_LOG_LEVEL", "info"),
			Format: envOr("FIDES_LOG_FORMAT", "json"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
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

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
