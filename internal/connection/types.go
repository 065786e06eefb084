package connection

import (
	"context"
	"errors"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Errors
var (
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrUnknownAccount    = errors.New("unknown broker account")
	ErrClosed            = errors.New("connection manager closed")

	// ErrReleased is returned when the requester released the stream while
	// its upstream subscribe was in flight.
	ErrReleased = errors.New("subscription released during request")
)

// Account is one broker login whose sessions the manager may open.
type Account struct {
	ID     string // Unique account id, used by clients to pick a feed
	Broker string // Registered broker name
	URL    string // Optional endpoint override
}

// CredentialProvider returns the already-authenticated broker session of an
// account.
type CredentialProvider interface {
	GetBrokerSession(ctx context.Context, accountID string) (broker.Credentials, error)
}

// InstrumentSource returns the symbol resolver for a broker. Tokens are
// broker specific, so each adapter gets its own view.
type InstrumentSource interface {
	ForBroker(name string) broker.SymbolResolver
}

// AdapterFactory builds an unconnected adapter for account.
type AdapterFactory func(account Account, opts broker.Options) (broker.Adapter, error)

// RegistryFactory builds adapters from the broker registry.
func RegistryFactory(account Account, opts broker.Options) (broker.Adapter, error) {
	if account.URL != "" {
		opts.URL = account.URL
	}
	return broker.New(account.Broker, opts)
}

// Config configures the manager.
type Config struct {
	// MaxSymbolsPerConnection caps streams per adapter instance. The broker's
	// own ceiling applies when lower.
	MaxSymbolsPerConnection int
	// MaxConnections caps adapter instances across all brokers. 0 = no cap.
	MaxConnections int
	// UnavailableAfter is the number of consecutive upstream failures after
	// which a non-streaming instance stops receiving requests.
	UnavailableAfter int
	// IdleGracePeriod is how long an empty instance stays open.
	IdleGracePeriod time.Duration
	// IdleCheckInterval is the janitor period.
	IdleCheckInterval time.Duration
	// ConnectTimeout bounds opening a new instance.
	ConnectTimeout time.Duration

	// Adapter is the option template for every instance. AccountID, URL,
	// Instruments, Tracker, Refresh and MaxSymbols are filled per instance.
	Adapter broker.Options
}

// Default configuration values.
const (
	DefaultMaxSymbolsPerConnection = 1000
	DefaultMaxConnections          = 10
	DefaultUnavailableAfter        = 3
	DefaultIdleGracePeriod         = 60 * time.Second
	DefaultIdleCheckInterval       = 10 * time.Second
	DefaultConnectTimeout          = 15 * time.Second
)

func (c *Config) applyDefaults() {
	if c.MaxSymbolsPerConnection == 0 {
		c.MaxSymbolsPerConnection = DefaultMaxSymbolsPerConnection
	}
	if c.UnavailableAfter == 0 {
		c.UnavailableAfter = DefaultUnavailableAfter
	}
	if c.IdleGracePeriod == 0 {
		c.IdleGracePeriod = DefaultIdleGracePeriod
	}
	if c.IdleCheckInterval == 0 {
		c.IdleCheckInterval = DefaultIdleCheckInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Handle describes a granted subscription.
type Handle struct {
	AccountID string
	Key       model.StreamKey
	Instance  int  // Adapter instance serving the stream
	RefCount  int  // Holders after this request
	Shared    bool // Served without a new upstream subscription
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Connections    int            `json:"connections"`
	MaxConnections int            `json:"max_connections"`
	Streams        int            `json:"streams"`
	Holders        int            `json:"holders"`
	Accounts       []AccountStats `json:"accounts"`
}

// AccountStats describes the instances of one account.
type AccountStats struct {
	Account   string          `json:"account"`
	Broker    string          `json:"broker"`
	Available bool            `json:"available"`
	Streams   int             `json:"streams"`
	Holders   int             `json:"holders"`
	Instances []InstanceStats `json:"instances"`
}

// InstanceStats describes one adapter instance.
type InstanceStats struct {
	ID         int           `json:"id"`
	Symbols    int           `json:"symbols"`
	Capacity   int           `json:"capacity"`
	Connecting bool          `json:"connecting,omitempty"`
	Available  bool          `json:"available"`
	IdleFor    time.Duration `json:"idle_for,omitempty"`
	Health     broker.Health `json:"health"`
}
