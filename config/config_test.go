package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
service:
  http_addr: ":18080"
  log_level: debug
dependencies:
  postgres_url: postgres://file/escrow
  kafka_brokers: ["k1:9092", "k2:9092"]
auth:
  jwt_secret: file-secret-0123456789
  token_ttl: 2h
escrow:
  arbiter_id: arbiter-from-file
  enforce_milestone_amount: true
outbox:
  poll_interval: 500ms
  batch_size: 25
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ESCROW_HTTP_ADDR", "ESCROW_GRPC_ADDR", "ESCROW_LOG_LEVEL", "DATABASE_URL", "ESCROW_DB_MAX_CONNS",
		"REDIS_URL", "KAFKA_BROKERS", "ESCROW_KAFKA_TOPIC_PREFIX", "JWT_SECRET", "ESCROW_TOKEN_TTL",
		"ESCROW_ARBITER_ID", "ESCROW_ENFORCE_MILESTONE_AMOUNT", "ESCROW_IDEMPOTENCY_TTL",
		"ESCROW_OUTBOX_POLL_INTERVAL", "ESCROW_OUTBOX_BATCH_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, ":18080", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "postgres://file/escrow", cfg.DatabaseURL)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 2*time.Hour, cfg.TokenTTL)
	require.Equal(t, "arbiter-from-file", cfg.ArbiterID)
	require.True(t, cfg.EnforceMilestoneAmount)
	require.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_ARBITER_ID", "arbiter-from-env")
	t.Setenv("KAFKA_BROKERS", " a:1 , ,b:2 ")
	t.Setenv("ESCROW_ENFORCE_MILESTONE_AMOUNT", "false")
	t.Setenv("ESCROW_OUTBOX_POLL_INTERVAL", "3s")
	t.Setenv("ESCROW_DB_MAX_CONNS", "not-a-number")

	cfg, err := Load(writeFile(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "arbiter-from-env", cfg.ArbiterID)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	require.False(t, cfg.EnforceMilestoneAmount)
	require.Equal(t, 3*time.Second, cfg.OutboxPollInterval)
	require.Equal(t, int32(20), cfg.MaxDBConns)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_ARBITER_ID", "arb")
	t.Setenv("JWT_SECRET", "env-secret-0123456789")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "env-secret-0123456789", cfg.JWTSecret)
}

func TestLoadValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_ARBITER_ID", "")
	t.Setenv("JWT_SECRET", "")
	_, err := Load("")
	require.ErrorContains(t, err, "arbiter id")

	t.Setenv("ESCROW_ARBITER_ID", "arb")
	t.Setenv("JWT_SECRET", "short")
	_, err = Load("")
	require.ErrorContains(t, err, "jwt secret")

	_, err = Load(writeFile(t, "service: [unterminated"))
	require.ErrorContains(t, err, "parse file")
}
