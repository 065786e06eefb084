package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/marketcalls/openalgo-sub010/internal/auth"
	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/config"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/credentials"
	"github.com/marketcalls/openalgo-sub010/internal/database"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
	"github.com/marketcalls/openalgo-sub010/internal/proxy"
)

// accounts converts the configured accounts and checks each names a
// compiled-in broker.
func accounts(cfg *config.Config) ([]connection.Account, error) {
	out := make([]connection.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if !broker.Registered(a.Broker) {
			return nil, fmt.Errorf("account %s: unknown broker %q (have %v)", a.ID, a.Broker, broker.Names())
		}
		out = append(out, connection.Account{ID: a.ID, Broker: a.Broker, URL: a.URL})
	}
	return out, nil
}

func managerConfig(cfg *config.Config, m *metrics.Metrics) connection.Config {
	return connection.Config{
		MaxSymbolsPerConnection: cfg.Limits.MaxSymbolsPerConnection,
		MaxConnections:          cfg.Limits.MaxConnections,
		UnavailableAfter:        cfg.Reconnect.UnavailableAfter,
		IdleGracePeriod:         cfg.Idle.GracePeriod,
		IdleCheckInterval:       cfg.Idle.CheckInterval,
		ConnectTimeout:          cfg.Reconnect.ConnectTimeout,
		Adapter: broker.Options{
			Reconnect: broker.ReconnectConfig{
				BaseDelay:      cfg.Reconnect.BaseDelay,
				MaxDelay:       cfg.Reconnect.MaxDelay,
				ConnectTimeout: cfg.Reconnect.ConnectTimeout,
			},
			Metrics: m,
		},
	}
}

func proxyConfig(cfg *config.Config) proxy.Config {
	s := cfg.Server
	return proxy.Config{
		AuthTimeout:          s.AuthTimeout,
		HeartbeatInterval:    s.HeartbeatInterval,
		HeartbeatTimeout:     s.HeartbeatTimeout,
		WriteTimeout:         s.WriteTimeout,
		OutboundBuffer:       s.OutboundBuffer,
		MaxSymbolsPerSession: cfg.Limits.MaxSymbolsPerSession,
		ControlRate:          s.ControlRate,
		ControlBurst:         s.ControlBurst,
		MaxMessageSize:       s.MaxMessageSize,
		Throttle: proxy.Throttle{
			LTP:   config.Window(cfg.Throttle.LTP),
			Quote: config.Window(cfg.Throttle.Quote),
			Depth: config.Window(cfg.Throttle.Depth),
		},
		DefaultAccount: s.DefaultAccount,
		AllowedOrigins: s.AllowedOrigins,
	}
}

// buildValidator chains the configured JWT and API key validators.
func buildValidator(cfg config.AuthConfig) (auth.Validator, error) {
	var chain auth.Chain

	if cfg.JWTSecret != "" || cfg.JWTPublicKeyPath != "" {
		opts := auth.JWTOptions{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: cfg.JWTLeeway}
		if cfg.JWTPublicKeyPath != "" {
			key, err := auth.LoadPublicKey(cfg.JWTPublicKeyPath)
			if err != nil {
				return nil, fmt.Errorf("jwt public key: %w", err)
			}
			opts.PublicKey = key
		}
		v, err := auth.NewJWTValidator(opts)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if len(cfg.APIKeys) > 0 {
		keys := make([]auth.APIKey, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, auth.APIKey{Digest: k.Digest, ClientID: k.ClientID, Account: k.Account, MaxSymbols: k.MaxSymbols})
		}
		v, err := auth.NewAPIKeyValidator(keys)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func staticSessions(cfg config.CredentialsConfig) map[string]broker.Credentials {
	out := make(map[string]broker.Credentials, len(cfg.Static))
	for id, s := range cfg.Static {
		out[id] = broker.Credentials{
			AccountID:   id,
			ClientCode:  s.ClientCode,
			APIKey:      s.APIKey,
			AccessToken: s.AccessToken,
			FeedToken:   s.FeedToken,
			Extra:       s.Extra,
			ExpiresAt:   s.ExpiresAt,
		}
	}
	return out
}

func buildCredentials(cfg config.CredentialsConfig, rdb redis.Cmdable) (credentials.Provider, error) {
	switch cfg.Source {
	case config.SourceRedis:
		if rdb == nil {
			return nil, fmt.Errorf("credentials: redis source without a redis client")
		}
		return credentials.NewRedis(rdb, cfg.KeyPrefix), nil
	default:
		return credentials.NewStatic(staticSessions(cfg)), nil
	}
}

// store is a writable symbol master.
type store interface {
	instrument.Source
	Upsert(ctx context.Context, broker string, rows []model.Instrument) error
}

// openInstruments opens the configured symbol master. The returned func
// releases it.
func openInstruments(ctx context.Context, cfg config.InstrumentsConfig, logger *slog.Logger) (instrument.Source, func(), error) {
	switch cfg.Driver {
	case config.DriverHTTP:
		r := instrument.NewHTTPResolver(cfg.URL, cfg.APIKey,
			instrument.WithTimeout(cfg.Timeout),
			instrument.WithRetries(cfg.MaxRetries, instrument.DefaultRetryBackoff),
			instrument.WithLogger(logger),
		)
		return r, func() {}, nil
	default:
		s, closeFn, err := openStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, closeFn, nil
	}
}

// openStore opens a database-backed symbol master.
func openStore(ctx context.Context, cfg config.InstrumentsConfig) (store, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := instrument.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("instruments database: %w", err)
		}
		s := instrument.NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("instruments driver %q has no local store", cfg.Driver)
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func buildMirrors(cfg config.MirrorConfig, rdb redis.Cmdable) []bus.Mirror {
	var mirrors []bus.Mirror
	if cfg.Redis.Enabled && rdb != nil {
		mirrors = append(mirrors, bus.NewRedisMirror(rdb, cfg.Redis.ChannelPrefix))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		mirrors = append(mirrors, bus.NewKafkaTap(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	return mirrors
}
