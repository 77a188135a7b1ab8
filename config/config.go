// Package config resolves runtime settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string

	KafkaBrokers     []string
	KafkaTopicPrefix string

	JWTSecret string
	TokenTTL  time.Duration

	ArbiterID              string
	EnforceMilestoneAmount bool
	IdempotencyTTL         time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	ShutdownTimeout    time.Duration
}

type configFile struct {
	Service struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL      string   `yaml:"postgres_url"`
		MaxDBConns       int32    `yaml:"max_db_conns"`
		RedisURL         string   `yaml:"redis_url"`
		KafkaBrokers     []string `yaml:"kafka_brokers"`
		KafkaTopicPrefix string   `yaml:"kafka_topic_prefix"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Escrow struct {
		ArbiterID              string        `yaml:"arbiter_id"`
		EnforceMilestoneAmount *bool         `yaml:"enforce_milestone_amount"`
		IdempotencyTTL         time.Duration `yaml:"idempotency_ttl"`
	} `yaml:"escrow"`
	Outbox struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	} `yaml:"outbox"`
}

func defaults() Config {
	return Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":9090",
		LogLevel:           "info",
		MaxDBConns:         20,
		KafkaTopicPrefix:   "",
		TokenTTL:           24 * time.Hour,
		IdempotencyTTL:     24 * time.Hour,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Load resolves configuration. A missing file at path is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.merge(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOrDefault("ESCROW_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("ESCROW_GRPC_ADDR", cfg.GRPCAddr)
	cfg.LogLevel = envOrDefault("ESCROW_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MaxDBConns = int32(envInt("ESCROW_DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicPrefix = envOrDefault("ESCROW_KAFKA_TOPIC_PREFIX", cfg.KafkaTopicPrefix)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envDuration("ESCROW_TOKEN_TTL", cfg.TokenTTL)
	cfg.ArbiterID = envOrDefault("ESCROW_ARBITER_ID", cfg.ArbiterID)
	cfg.EnforceMilestoneAmount = envBool("ESCROW_ENFORCE_MILESTONE_AMOUNT", cfg.EnforceMilestoneAmount)
	cfg.IdempotencyTTL = envDuration("ESCROW_IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.OutboxPollInterval = envDuration("ESCROW_OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("ESCROW_OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) merge(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}
	if f.Service.HTTPAddr != "" {
		c.HTTPAddr = f.Service.HTTPAddr
	}
	if f.Service.GRPCAddr != "" {
		c.GRPCAddr = f.Service.GRPCAddr
	}
	if f.Service.LogLevel != "" {
		c.LogLevel = f.Service.LogLevel
	}
	if f.Dependencies.PostgresURL != "" {
		c.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.MaxDBConns > 0 {
		c.MaxDBConns = f.Dependencies.MaxDBConns
	}
	if f.Dependencies.RedisURL != "" {
		c.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.KafkaTopicPrefix != "" {
		c.KafkaTopicPrefix = f.Dependencies.KafkaTopicPrefix
	}
	if f.Auth.JWTSecret != "" {
		c.JWTSecret = f.Auth.JWTSecret
	}
	if f.Auth.TokenTTL > 0 {
		c.TokenTTL = f.Auth.TokenTTL
	}
	if f.Escrow.ArbiterID != "" {
		c.ArbiterID = f.Escrow.ArbiterID
	}
	if f.Escrow.EnforceMilestoneAmount != nil {
		c.EnforceMilestoneAmount = *f.Escrow.EnforceMilestoneAmount
	}
	if f.Escrow.IdempotencyTTL > 0 {
		c.IdempotencyTTL = f.Escrow.IdempotencyTTL
	}
	if f.Outbox.PollInterval > 0 {
		c.OutboxPollInterval = f.Outbox.PollInterval
	}
	if f.Outbox.BatchSize > 0 {
		c.OutboxBatchSize = f.Outbox.BatchSize
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ArbiterID) == "" {
		return fmt.Errorf("config: arbiter id is required (ESCROW_ARBITER_ID)")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("config: jwt secret must be at least 16 bytes (JWT_SECRET)")
	}
	if c.OutboxBatchSize <= 0 {
		return fmt.Errorf("config: outbox batch size must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
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
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envCSV(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
