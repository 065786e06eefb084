package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Accounts) == 0 {
		return errors.New("accounts must list at least one account")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if a.Broker == "" {
			return fmt.Errorf("accounts[%d].broker is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d].id %q is duplicated", i, a.ID)
		}
		seen[a.ID] = true
	}
	if c.Server.DefaultAccount != "" && !seen[c.Server.DefaultAccount] {
		return fmt.Errorf("server.default_account %q is not a configured account", c.Server.DefaultAccount)
	}

	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.HeartbeatTimeout <= c.Server.HeartbeatInterval {
		return fmt.Errorf("server.heartbeat_timeout (%v) must exceed heartbeat_interval (%v)",
			c.Server.HeartbeatTimeout, c.Server.HeartbeatInterval)
	}
	if c.Server.OutboundBuffer < 1 {
		return errors.New("server.outbound_buffer must be >= 1")
	}
	if c.Server.ControlRate <= 0 || c.Server.ControlBurst < 1 {
		return errors.New("server.control_rate must be > 0 and control_burst >= 1")
	}

	if c.Limits.MaxSymbolsPerConnection < 1 {
		return errors.New("limits.max_symbols_per_connection must be >= 1")
	}
	if c.Limits.MaxConnections < 0 {
		return errors.New("limits.max_connections must be >= 0")
	}
	if c.Limits.MaxSymbolsPerSession < 1 {
		return errors.New("limits.max_symbols_per_session must be >= 1")
	}

	windows := []struct {
		name string
		d    *time.Duration
	}{{"ltp", c.Throttle.LTP}, {"quote", c.Throttle.Quote}, {"depth", c.Throttle.Depth}}
	for _, w := range windows {
		if w.d != nil && *w.d < 0 {
			return fmt.Errorf("throttle.%s must be >= 0", w.name)
		}
	}

	if c.Reconnect.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.base_delay (%v) cannot exceed max_delay (%v)", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.UnavailableAfter < 1 {
		return errors.New("reconnect.unavailable_after must be >= 1")
	}

	if c.Idle.GracePeriod < 0 || c.Idle.CheckInterval <= 0 {
		return errors.New("idle.grace_period must be >= 0 and check_interval > 0")
	}
	if c.Bus.QueueSize < 1 {
		return errors.New("bus.queue_size must be >= 1")
	}

	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.Instruments.validate(); err != nil {
		return err
	}

	switch c.Credentials.Source {
	case SourceStatic:
		for id := range c.Credentials.Static {
			if !seen[id] {
				return fmt.Errorf("credentials.static.%s is not a configured account", id)
			}
		}
	case SourceRedis:
		if !c.Redis.Enabled() {
			return errors.New("redis.addr is required when credentials.source is redis")
		}
	default:
		return fmt.Errorf("credentials.source must be static or redis, got %q", c.Credentials.Source)
	}

	if c.Mirror.Redis.Enabled && !c.Redis.Enabled() {
		return errors.New("redis.addr is required when mirror.redis.enabled is set")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

func (a *AuthConfig) validate() error {
	if a.JWTSecret != "" && a.JWTPublicKeyPath != "" {
		return errors.New("auth.jwt_secret and auth.jwt_public_key_path are mutually exclusive")
	}
	if a.JWTSecret == "" && a.JWTPublicKeyPath == "" && len(a.APIKeys) == 0 {
		return errors.New("auth requires jwt_secret, jwt_public_key_path or api_keys")
	}
	for i, k := range a.APIKeys {
		if k.Digest == "" {
			return fmt.Errorf("auth.api_keys[%d].digest is required", i)
		}
		if k.ClientID == "" {
			return fmt.Errorf("auth.api_keys[%d].client_id is required", i)
		}
	}
	return nil
}

func (in *InstrumentsConfig) validate() error {
	switch in.Driver {
	case DriverSQLite:
		if in.DSN == "" {
			return errors.New("instruments.dsn is required for the sqlite driver")
		}
	case DriverPostgres:
		if in.Database.URL == "" {
			if err := in.Database.validate("instruments.database"); err != nil {
				return err
			}
		}
	case DriverHTTP:
		if in.URL == "" {
			return errors.New("instruments.url is required for the http driver")
		}
	default:
		return fmt.Errorf("instruments.driver must be sqlite, postgres or http, got %q", in.Driver)
	}
	if in.CacheTTL < 0 || in.NegativeTTL < 0 {
		return errors.New("instruments.cache_ttl and negative_ttl must be >= 0")
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
