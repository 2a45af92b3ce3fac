package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.KeyID == "" {
		return errors.New("api.key_id is required (KALSHI_API_KEY_ID)")
	}
	if c.API.PrivateKeyPath == "" {
		return errors.New("api.private_key_path is required (KALSHI_PRIVATE_KEY_PATH)")
	}

	if err := c.Postgres.validate("postgres"); err != nil {
		return err
	}

	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis.port must be between 1 and 65535, got %d", c.Redis.Port)
	}

	if c.Tuning.TradeWriterBatchSize < 1 {
		return errors.New("tuning.trade_writer_batch_size must be >= 1")
	}
	if c.Tuning.WSPongTimeout >= c.Tuning.WSPingInterval {
		return fmt.Errorf("tuning.ws_pong_timeout (%s) must be below ws_ping_interval (%s)",
			c.Tuning.WSPongTimeout, c.Tuning.WSPingInterval)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
