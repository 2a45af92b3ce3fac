package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL    = "https://api.elections.kalshi.com"
	DefaultWSURL      = "wss://api.elections.kalshi.com/trade-api/ws/v2"
	DefaultAPITimeout = 30 * time.Second
	DefaultMaxRetries = 3

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultRedisPort     = 6379
	DefaultRedisMaxConns = 20

	DefaultTradeWriterBatchSize      = 100
	DefaultTradeWriterFlushInterval  = 5 * time.Second
	DefaultOrderbookSnapshotInterval = 60 * time.Second
	DefaultMarketScanInterval        = 5 * time.Minute
	DefaultWSPingInterval            = 30 * time.Second
	DefaultWSPongTimeout             = 10 * time.Second
	DefaultWSReconnectMaxDelay       = 60 * time.Second

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultAlertCooldown       = 5 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.WSURL == "" {
		c.API.WSURL = DefaultWSURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}

	if c.Postgres.Port == 0 {
		c.Postgres.Port = DefaultDBPort
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = DefaultDBSSLMode
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = DefaultMaxConns
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = DefaultMinConns
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
	if c.Redis.MaxConns == 0 {
		c.Redis.MaxConns = DefaultRedisMaxConns
	}

	if c.Tuning.TradeWriterBatchSize == 0 {
		c.Tuning.TradeWriterBatchSize = DefaultTradeWriterBatchSize
	}
	if c.Tuning.TradeWriterFlushInterval == 0 {
		c.Tuning.TradeWriterFlushInterval = DefaultTradeWriterFlushInterval
	}
	if c.Tuning.OrderbookSnapshotInterval == 0 {
		c.Tuning.OrderbookSnapshotInterval = DefaultOrderbookSnapshotInterval
	}
	if c.Tuning.MarketScanInterval == 0 {
		c.Tuning.MarketScanInterval = DefaultMarketScanInterval
	}
	if c.Tuning.WSPingInterval == 0 {
		c.Tuning.WSPingInterval = DefaultWSPingInterval
	}
	if c.Tuning.WSPongTimeout == 0 {
		c.Tuning.WSPongTimeout = DefaultWSPongTimeout
	}
	if c.Tuning.WSReconnectMaxDelay == 0 {
		c.Tuning.WSReconnectMaxDelay = DefaultWSReconnectMaxDelay
	}

	if c.Monitoring.HealthCheckInterval == 0 {
		c.Monitoring.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.Monitoring.AlertCooldown == 0 {
		c.Monitoring.AlertCooldown = DefaultAlertCooldown
	}
}
