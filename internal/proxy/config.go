package proxy

import (
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Default configuration values.
const (
	DefaultAuthTimeout          = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 90 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultOutboundBuffer       = 256
	DefaultMaxSymbolsPerSession = 1000
	DefaultControlRate          = 20
	DefaultControlBurst         = 40
	DefaultMaxMessageSize       = 64 << 10

	// retryDelay re-arms a pending tick when the outbound queue was full
	// and no throttle window applies.
	retryDelay = 10 * time.Millisecond
)

// Throttle holds the coalescing window per mode. A zero window sends every
// tick as it arrives.
type Throttle struct {
	LTP   time.Duration
	Quote time.Duration
	Depth time.Duration
}

// For returns the window of mode.
func (t Throttle) For(mode model.Mode) time.Duration {
	switch mode {
	case model.ModeQuote:
		return t.Quote
	case model.ModeDepth:
		return t.Depth
	default:
		return t.LTP
	}
}

// Config configures the proxy.
type Config struct {
	AuthTimeout       time.Duration // First frame deadline
	HeartbeatInterval time.Duration // Server heartbeat and ping period
	HeartbeatTimeout  time.Duration // Read silence that ends a session
	WriteTimeout      time.Duration
	OutboundBuffer    int // Queued frames per session

	// MaxSymbolsPerSession caps concurrent streams per session. A smaller
	// entitlement on the client identity wins.
	MaxSymbolsPerSession int

	ControlRate  float64 // Inbound frames per second
	ControlBurst int

	MaxMessageSize int64
	Throttle       Throttle

	// DefaultAccount serves clients whose identity names no account.
	DefaultAccount string
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.MaxSymbolsPerSession == 0 {
		c.MaxSymbolsPerSession = DefaultMaxSymbolsPerSession
	}
	if c.ControlRate == 0 {
		c.ControlRate = DefaultControlRate
	}
	if c.ControlBurst == 0 {
		c.ControlBurst = DefaultControlBurst
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}
