package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Errors
var (
	ErrAuth              = errors.New("broker authentication failed")
	ErrCapacity          = errors.New("broker symbol capacity reached")
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrTransport         = errors.New("upstream transport error")
	ErrNotConnected      = errors.New("not connected")
	ErrStaleConnection   = errors.New("connection stale (no ping)")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrUnknownBroker     = errors.New("unknown broker")
)

// Adapter owns one upstream session to a broker feed and normalizes what it
// receives into model.Tick.
type Adapter interface {
	// Broker returns the registered broker name (e.g. "zerodha").
	Broker() string

	// Connect establishes the upstream session. Calling it on a connected
	// adapter is a no-op.
	Connect(ctx context.Context, creds Credentials) error

	// SubscribeUpstream asks the broker to stream key. Returns ErrCapacity when
	// the broker's per-connection ceiling is reached and ErrUnsupportedSymbol
	// when the symbol has no broker token.
	SubscribeUpstream(ctx context.Context, key model.StreamKey) error

	// UnsubscribeUpstream is best effort and never waits on the network.
	UnsubscribeUpstream(key model.StreamKey)

	// OnTick registers a callback invoked for every normalized tick.
	OnTick(fn func(model.Tick))

	// Health reports connection state and counters.
	Health() Health

	// Capacity is the broker-imposed symbol ceiling of this connection.
	Capacity() int

	// Close tears the session down. The adapter cannot be reused.
	Close() error
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is the connection state of an adapter.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Health is a point-in-time view of an adapter.
type Health struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Subscribed          int       `json:"subscribed"`
	Reconnects          int64     `json:"reconnects"`
	Ticks               int64     `json:"ticks"`
	DecodeErrors        int64     `json:"decode_errors"`
}

// MarshalJSON renders State by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// -----------------------------------------------------------------------------
// Credentials
// -----------------------------------------------------------------------------

// Credentials is an already-authenticated broker session handle. Which fields
// are used depends on the broker.
type Credentials struct {
	AccountID   string            `json:"account_id"`
	ClientCode  string            `json:"client_code"`
	APIKey      string            `json:"api_key"`
	AccessToken string            `json:"access_token"`
	FeedToken   string            `json:"feed_token"`
	Extra       map[string]string `json:"extra,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Expired reports whether the session has an expiry that is in the past.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialSource fetches fresh credentials before a reconnect.
type CredentialSource func(ctx context.Context) (Credentials, error)

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// SymbolResolver maps canonical symbols to broker tokens.
type SymbolResolver interface {
	ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error)
}

// Tracker reports the streams an adapter is expected to serve. After a
// reconnect the adapter re-subscribes exactly this set.
type Tracker interface {
	Tracked() []model.StreamKey
}

// TrackerFunc adapts a function to Tracker.
type TrackerFunc func() []model.StreamKey

// Tracked implements Tracker.
func (f TrackerFunc) Tracked() []model.StreamKey { return f() }

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// ReconnectConfig bounds the reconnect loop.
type ReconnectConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

// Options configures an adapter instance.
type Options struct {
	AccountID string
	URL       string // Overrides the broker's default endpoint

	Instruments SymbolResolver
	Tracker     Tracker
	Refresh     CredentialSource

	Reconnect    ReconnectConfig
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	MaxSymbols   int // Lowers the broker ceiling when > 0

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Default option values.
const (
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultBufferSize         = 4096
)

func (o *Options) applyDefaults() {
	if o.Reconnect.BaseDelay == 0 {
		o.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if o.Reconnect.MaxDelay == 0 {
		o.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if o.Reconnect.ConnectTimeout == 0 {
		o.Reconnect.ConnectTimeout = DefaultConnectTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout == 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
