package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KALSHI_API_KEY_ID", "key-1")
	t.Setenv("KALSHI_PRIVATE_KEY_PATH", "/keys/kalshi.pem")
	t.Setenv("POSTGRES_HOST", "db.local")
	t.Setenv("POSTGRES_DB", "kalshi")
	t.Setenv("POSTGRES_USER", "writer")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("REDIS_HOST", "cache.local")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}

	if cfg.API.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want default", cfg.API.BaseURL)
	}
	if cfg.Postgres.Port != 5432 {
		t.Errorf("Postgres.Port = %d, want 5432", cfg.Postgres.Port)
	}
	if cfg.Postgres.MinConns != 2 || cfg.Postgres.MaxConns != 10 {
		t.Errorf("pool = %d/%d, want 2/10", cfg.Postgres.MinConns, cfg.Postgres.MaxConns)
	}
	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want 6379", cfg.Redis.Port)
	}
	if cfg.Tuning.TradeWriterBatchSize != 100 {
		t.Errorf("TradeWriterBatchSize = %d, want 100", cfg.Tuning.TradeWriterBatchSize)
	}
	if cfg.Tuning.TradeWriterFlushInterval != 5*time.Second {
		t.Errorf("TradeWriterFlushInterval = %s, want 5s", cfg.Tuning.TradeWriterFlushInterval)
	}
	if cfg.Monitoring.AlertCooldown != 5*time.Minute {
		t.Errorf("AlertCooldown = %s, want 5m", cfg.Monitoring.AlertCooldown)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POSTGRES_POOL_MAX", "25")
	t.Setenv("TRADE_WRITER_BATCH_SIZE", "500")
	t.Setenv("TRADE_WRITER_FLUSH_INTERVAL", "2.5")
	t.Setenv("WS_RECONNECT_MAX_DELAY", "120")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}

	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("MaxConns = %d, want 25", cfg.Postgres.MaxConns)
	}
	if cfg.Tuning.TradeWriterBatchSize != 500 {
		t.Errorf("TradeWriterBatchSize = %d, want 500", cfg.Tuning.TradeWriterBatchSize)
	}
	if cfg.Tuning.TradeWriterFlushInterval != 2500*time.Millisecond {
		t.Errorf("TradeWriterFlushInterval = %s, want 2.5s", cfg.Tuning.TradeWriterFlushInterval)
	}
	if cfg.Tuning.WSReconnectMaxDelay != 2*time.Minute {
		t.Errorf("WSReconnectMaxDelay = %s, want 2m", cfg.Tuning.WSReconnectMaxDelay)
	}
}

func TestFromEnvMissingCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KALSHI_API_KEY_ID", "")

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() = nil error, want missing key id")
	}
}

func TestValidateRejectsBadPool(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POSTGRES_POOL_MIN", "20")
	t.Setenv("POSTGRES_POOL_MAX", "5")

	if _, err := FromEnv(); err == nil {
		t.Error("FromEnv() = nil error, want min > max rejection")
	}
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	// No POSTGRES_HOST in the environment: the YAML value must survive.
	t.Setenv("KALSHI_API_KEY_ID", "key-1")
	t.Setenv("KALSHI_PRIVATE_KEY_PATH", "/keys/kalshi.pem")
	t.Setenv("REDIS_HOST", "cache.local")
	t.Setenv("TEST_DB_HOST", "yaml-db.local")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
postgres:
  host: ${TEST_DB_HOST}
  name: kalshi
  user: writer
  password: secret
tuning:
  trade_writer_batch_size: 250
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Postgres.Host != "yaml-db.local" {
		t.Errorf("Host = %q, want expanded env value", cfg.Postgres.Host)
	}
	if cfg.Tuning.TradeWriterBatchSize != 250 {
		t.Errorf("TradeWriterBatchSize = %d, want 250", cfg.Tuning.TradeWriterBatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() = nil error for missing file")
	}
}
