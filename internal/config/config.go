package config

import "time"

// Config is the root configuration of a gateway instance.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Idle        IdleConfig        `yaml:"idle"`
	Bus         BusConfig         `yaml:"bus"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Auth        AuthConfig        `yaml:"auth"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Redis       RedisConfig       `yaml:"redis"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this gateway.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the client-facing listener and session settings.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	GRPCListen        string        `yaml:"grpc_listen"` // Empty disables the gRPC health service
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	OutboundBuffer    int           `yaml:"outbound_buffer"`
	ControlRate       float64       `yaml:"control_rate"`
	ControlBurst      int           `yaml:"control_burst"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	DefaultAccount    string        `yaml:"default_account"` // Defaults to the first account
}

// LimitsConfig holds capacity ceilings.
type LimitsConfig struct {
	MaxSymbolsPerConnection int `yaml:"max_symbols_per_connection"`
	MaxConnections          int `yaml:"max_connections"` // 0 = no cap
	MaxSymbolsPerSession    int `yaml:"max_symbols_per_session"`
}

// ThrottleConfig holds per-mode coalescing windows. An unset window takes
// its default; an explicit 0 disables coalescing for that mode.
type ThrottleConfig struct {
	LTP   *time.Duration `yaml:"ltp"`
	Quote *time.Duration `yaml:"quote"`
	Depth *time.Duration `yaml:"depth"`
}

// ReconnectConfig holds upstream reconnect settings.
type ReconnectConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	UnavailableAfter int           `yaml:"unavailable_after"`
}

// IdleConfig controls reclamation of empty upstream connections.
type IdleConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// BusConfig sizes per-subscriber queues.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// AccountConfig is one broker account the gateway streams through.
type AccountConfig struct {
	ID     string `yaml:"id"`
	Broker string `yaml:"broker"`
	URL    string `yaml:"url"` // Optional endpoint override
}

// AuthConfig configures client token validation. JWT and API keys may be
// combined; at least one is required.
type AuthConfig struct {
	JWTSecret        string         `yaml:"jwt_secret"`
	JWTPublicKeyPath string         `yaml:"jwt_public_key_path"`
	JWTIssuer        string         `yaml:"jwt_issuer"`
	JWTLeeway        time.Duration  `yaml:"jwt_leeway"`
	APIKeys          []APIKeyConfig `yaml:"api_keys"`
}

// APIKeyConfig is a static client key, stored as its SHA-256 hex digest.
type APIKeyConfig struct {
	Digest     string `yaml:"digest"`
	ClientID   string `yaml:"client_id"`
	Account    string `yaml:"account"`
	MaxSymbols int    `yaml:"max_symbols"`
}

// Instrument drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverHTTP     = "http"
)

// InstrumentsConfig selects the symbol master.
type InstrumentsConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`      // SQLite file path
	Database    DBConfig      `yaml:"database"` // Postgres
	URL         string        `yaml:"url"`      // HTTP symtoken service
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	URL      string `yaml:"url"` // Full connection string; overrides the fields below
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Credential sources.
const (
	SourceStatic = "static"
	SourceRedis  = "redis"
)

// CredentialsConfig selects where broker sessions come from.
type CredentialsConfig struct {
	Source    string                       `yaml:"source"`
	Static    map[string]StaticCredentials `yaml:"static"` // Keyed by account id
	KeyPrefix string                       `yaml:"key_prefix"`
}

// StaticCredentials is a broker session written into the config.
type StaticCredentials struct {
	ClientCode  string            `yaml:"client_code"`
	APIKey      string            `yaml:"api_key"`
	AccessToken string            `yaml:"access_token"`
	FeedToken   string            `yaml:"feed_token"`
	ExpiresAt   time.Time         `yaml:"expires_at"`
	Extra       map[string]string `yaml:"extra"`
}

// RedisConfig holds the shared Redis client settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// MirrorConfig configures network copies of the tick bus.
type MirrorConfig struct {
	Redis        RedisMirrorConfig `yaml:"redis"`
	Kafka        KafkaMirrorConfig `yaml:"kafka"`
	QueueSize    int               `yaml:"queue_size"`
	BatchSize    int               `yaml:"batch_size"`
	WriteTimeout time.Duration     `yaml:"write_timeout"`
}

// RedisMirrorConfig publishes ticks on Redis channels.
type RedisMirrorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// KafkaMirrorConfig writes ticks to a Kafka topic. Empty brokers disables it.
type KafkaMirrorConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether metrics are served. Metrics are on unless disabled.
func (m MetricsConfig) On() bool { return m.Enabled == nil || *m.Enabled }

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AccountIDs returns the configured account ids in order.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		ids = append(ids, a.ID)
	}
	return ids
}

// Window returns the value of a throttle window, or 0 when unset.
func Window(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
