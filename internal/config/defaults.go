package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListen            = ":8765"
	DefaultAuthTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultOutboundBuffer    = 256
	DefaultControlRate       = 20
	DefaultControlBurst      = 40
	DefaultMaxMessageSize    = 64 << 10
	DefaultShutdownTimeout   = 15 * time.Second

	DefaultMaxSymbolsPerConnection = 1000
	DefaultMaxConnections          = 10
	DefaultMaxSymbolsPerSession    = 1000

	DefaultThrottleLTP   = 100 * time.Millisecond
	DefaultThrottleQuote = 250 * time.Millisecond
	DefaultThrottleDepth = 500 * time.Millisecond

	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultConnectTimeout     = 15 * time.Second
	DefaultUnavailableAfter   = 3

	DefaultIdleGracePeriod   = 60 * time.Second
	DefaultIdleCheckInterval = 10 * time.Second

	DefaultBusQueueSize = 1024

	DefaultInstrumentDriver = DriverSQLite
	DefaultInstrumentDSN    = "db/openalgo.db"
	DefaultInstrumentTTL    = 15 * time.Minute
	DefaultNegativeTTL      = 30 * time.Second
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultMaxRetries       = 3

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultCredentialSource = SourceStatic
	DefaultKeyPrefix        = "broker:session:"

	DefaultMirrorChannelPrefix = "ticks."
	DefaultKafkaTopic          = "ticks"

	DefaultMetricsPath = "/metrics"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.AuthTimeout == 0 {
		c.Server.AuthTimeout = DefaultAuthTimeout
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Server.HeartbeatTimeout == 0 {
		c.Server.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.OutboundBuffer == 0 {
		c.Server.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.Server.ControlRate == 0 {
		c.Server.ControlRate = DefaultControlRate
	}
	if c.Server.ControlBurst == 0 {
		c.Server.ControlBurst = DefaultControlBurst
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.DefaultAccount == "" && len(c.Accounts) > 0 {
		c.Server.DefaultAccount = c.Accounts[0].ID
	}

	// Limits defaults
	if c.Limits.MaxSymbolsPerConnection == 0 {
		c.Limits.MaxSymbolsPerConnection = DefaultMaxSymbolsPerConnection
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = DefaultMaxConnections
	}
	if c.Limits.MaxSymbolsPerSession == 0 {
		c.Limits.MaxSymbolsPerSession = DefaultMaxSymbolsPerSession
	}

	// Throttle defaults
	setWindow(&c.Throttle.LTP, DefaultThrottleLTP)
	setWindow(&c.Throttle.Quote, DefaultThrottleQuote)
	setWindow(&c.Throttle.Depth, DefaultThrottleDepth)

	// Reconnect defaults
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.ConnectTimeout == 0 {
		c.Reconnect.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Reconnect.UnavailableAfter == 0 {
		c.Reconnect.UnavailableAfter = DefaultUnavailableAfter
	}

	// Idle defaults
	if c.Idle.GracePeriod == 0 {
		c.Idle.GracePeriod = DefaultIdleGracePeriod
	}
	if c.Idle.CheckInterval == 0 {
		c.Idle.CheckInterval = DefaultIdleCheckInterval
	}

	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = DefaultBusQueueSize
	}

	// Instrument defaults
	if c.Instruments.Driver == "" {
		c.Instruments.Driver = DefaultInstrumentDriver
	}
	if c.Instruments.Driver == DriverSQLite && c.Instruments.DSN == "" {
		c.Instruments.DSN = DefaultInstrumentDSN
	}
	if c.Instruments.Driver == DriverPostgres {
		applyDBDefaults(&c.Instruments.Database)
	}
	if c.Instruments.Timeout == 0 {
		c.Instruments.Timeout = DefaultHTTPTimeout
	}
	if c.Instruments.MaxRetries == 0 {
		c.Instruments.MaxRetries = DefaultMaxRetries
	}
	if c.Instruments.CacheTTL == 0 {
		c.Instruments.CacheTTL = DefaultInstrumentTTL
	}
	if c.Instruments.NegativeTTL == 0 {
		c.Instruments.NegativeTTL = DefaultNegativeTTL
	}

	// Credentials defaults
	if c.Credentials.Source == "" {
		c.Credentials.Source = DefaultCredentialSource
	}
	if c.Credentials.KeyPrefix == "" {
		c.Credentials.KeyPrefix = DefaultKeyPrefix
	}

	// Mirror defaults
	if c.Mirror.Redis.ChannelPrefix == "" {
		c.Mirror.Redis.ChannelPrefix = DefaultMirrorChannelPrefix
	}
	if c.Mirror.Kafka.Topic == "" {
		c.Mirror.Kafka.Topic = DefaultKafkaTopic
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func setWindow(w **time.Duration, def time.Duration) {
	if *w == nil {
		d := def
		*w = &d
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
