// Package config holds the pipeline configuration. Values come from the
// environment, optionally overlaid on a YAML file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the root configuration shared by every pipeline role.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Postgres   DBConfig         `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Tuning     TuningConfig     `yaml:"tuning"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// APIConfig holds exchange credentials and endpoints.
type APIConfig struct {
	KeyID          string        `yaml:"key_id"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// DBConfig holds the TimescaleDB connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the message bus / state store connection.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

// TuningConfig holds pipeline pacing knobs.
type TuningConfig struct {
	TradeWriterBatchSize      int           `yaml:"trade_writer_batch_size"`
	TradeWriterFlushInterval  time.Duration `yaml:"trade_writer_flush_interval"`
	OrderbookSnapshotInterval time.Duration `yaml:"orderbook_snapshot_interval"`
	MarketScanInterval        time.Duration `yaml:"market_scan_interval"`
	WSPingInterval            time.Duration `yaml:"ws_ping_interval"`
	WSPongTimeout             time.Duration `yaml:"ws_pong_timeout"`
	WSReconnectMaxDelay       time.Duration `yaml:"ws_reconnect_max_delay"`
}

// MonitoringConfig holds health-check pacing.
type MonitoringConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AlertCooldown       time.Duration `yaml:"alert_cooldown"`
}

// FromEnv builds a config from environment variables, applies defaults,
// and validates.
func FromEnv() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.API.KeyID, "KALSHI_API_KEY_ID")
	setStr(&c.API.PrivateKeyPath, "KALSHI_PRIVATE_KEY_PATH")
	setStr(&c.API.BaseURL, "KALSHI_API_BASE_URL")
	setStr(&c.API.WSURL, "KALSHI_WS_URL")

	setStr(&c.Postgres.Host, "POSTGRES_HOST")
	setInt(&c.Postgres.Port, "POSTGRES_PORT")
	setStr(&c.Postgres.Name, "POSTGRES_DB")
	setStr(&c.Postgres.User, "POSTGRES_USER")
	setStr(&c.Postgres.Password, "POSTGRES_PASSWORD")
	setInt(&c.Postgres.MinConns, "POSTGRES_POOL_MIN")
	setInt(&c.Postgres.MaxConns, "POSTGRES_POOL_MAX")

	setStr(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setInt(&c.Redis.DB, "REDIS_DB")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")

	setInt(&c.Tuning.TradeWriterBatchSize, "TRADE_WRITER_BATCH_SIZE")
	setSeconds(&c.Tuning.TradeWriterFlushInterval, "TRADE_WRITER_FLUSH_INTERVAL")
	setSeconds(&c.Tuning.OrderbookSnapshotInterval, "ORDERBOOK_SNAPSHOT_INTERVAL")
	setSeconds(&c.Tuning.MarketScanInterval, "MARKET_SCAN_INTERVAL")
	setSeconds(&c.Tuning.WSPingInterval, "WS_PING_INTERVAL")
	setSeconds(&c.Tuning.WSPongTimeout, "WS_PONG_TIMEOUT")
	setSeconds(&c.Tuning.WSReconnectMaxDelay, "WS_RECONNECT_MAX_DELAY")

	setSeconds(&c.Monitoring.HealthCheckInterval, "HEALTH_CHECK_INTERVAL")
	setSeconds(&c.Monitoring.AlertCooldown, "ALERT_COOLDOWN")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setSeconds parses a float second count, matching the original
// deployment's env format (e.g. TRADE_WRITER_FLUSH_INTERVAL=5.0).
func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
