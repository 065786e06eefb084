package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxDepthLevels is the number of price levels carried per side in Depth mode.
const MaxDepthLevels = 5

var (
	ErrInvalidMode      = errors.New("invalid mode")
	ErrInvalidStreamKey = errors.New("invalid stream key")

	// ErrInstrumentNotFound is returned by instrument resolvers for unknown
	// (exchange, symbol) pairs.
	ErrInstrumentNotFound = errors.New("instrument not found")
)

// -----------------------------------------------------------------------------
// Mode
// -----------------------------------------------------------------------------

// Mode is the richness of a stream. Higher modes carry a superset of the
// fields of lower modes.
type Mode int

const (
	ModeLTP   Mode = 1
	ModeQuote Mode = 2
	ModeDepth Mode = 3
)

// Modes lists every valid mode in ascending richness.
var Modes = []Mode{ModeLTP, ModeQuote, ModeDepth}

func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "Quote"
	case ModeDepth:
		return "Depth"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m >= ModeLTP && m <= ModeDepth
}

// ParseMode accepts a mode name (case-insensitive) or its number.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LTP", "1":
		return ModeLTP, nil
	case "QUOTE", "2":
		return ModeQuote, nil
	case "DEPTH", "3":
		return ModeDepth, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Stream identity
// -----------------------------------------------------------------------------

// StreamKey identifies one logical stream. It doubles as the bus topic and
// the stream id returned to clients.
type StreamKey struct {
	Exchange string
	Symbol   string
	Mode     Mode
}

// NewStreamKey normalizes exchange and symbol to upper case.
func NewStreamKey(exchange, symbol string, mode Mode) StreamKey {
	return StreamKey{
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Mode:     mode,
	}
}

func (k StreamKey) String() string {
	return k.Exchange + ":" + k.Symbol + ":" + k.Mode.String()
}

// Instrument returns the (exchange, symbol) half of the key.
func (k StreamKey) Instrument() InstrumentKey {
	return InstrumentKey{Exchange: k.Exchange, Symbol: k.Symbol}
}

// Validate checks that every component is present.
func (k StreamKey) Validate() error {
	if k.Exchange == "" || k.Symbol == "" {
		return fmt.Errorf("%w: exchange and symbol are required", ErrInvalidStreamKey)
	}
	if !k.Mode.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidStreamKey, ErrInvalidMode)
	}
	return nil
}

// ParseStreamKey parses "EXCHANGE:SYMBOL:MODE". Symbols may not contain ':'.
func ParseStreamKey(s string) (StreamKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return StreamKey{}, fmt.Errorf("%w: %q", ErrInvalidStreamKey, s)
	}
	mode, err := ParseMode(parts[2])
	if err != nil {
		return StreamKey{}, fmt.Errorf("%w: %w", ErrInvalidStreamKey, err)
	}
	k := NewStreamKey(parts[0], parts[1], mode)
	if err := k.Validate(); err != nil {
		return StreamKey{}, err
	}
	return k, nil
}

// InstrumentKey is an (exchange, symbol) pair regardless of mode.
type InstrumentKey struct {
	Exchange string
	Symbol   string
}

func (k InstrumentKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// -----------------------------------------------------------------------------
// Instrument master
// -----------------------------------------------------------------------------

// Instrument is the master-contract row for one tradable symbol, as resolved
// by the instrument store. Token and BrokerExchange are broker-specific.
type Instrument struct {
	Exchange       string // Canonical exchange (NSE, BSE, NFO, MCX, ...)
	Symbol         string // Canonical symbol (RELIANCE, NIFTY24DEC24000CE)
	Name           string
	Token          string // Broker instrument token / security id
	BrokerSymbol   string // Broker trading symbol
	BrokerExchange string // Broker segment code (nse_cm, NSE_EQ, ...)
	InstrumentType string
	LotSize        int64
	TickSize       float64
}

// Key returns the canonical (exchange, symbol) pair.
func (i Instrument) Key() InstrumentKey {
	return InstrumentKey{Exchange: i.Exchange, Symbol: i.Symbol}
}
