package broker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Codec is the broker-specific half of an adapter: endpoint, wire commands
// and feed decoding. Stream supplies everything else.
type Codec interface {
	// Limits returns the broker-imposed ceilings.
	Limits() Limits

	// Endpoint returns the websocket URL and handshake headers.
	Endpoint(ctx context.Context, creds Credentials) (Endpoint, error)

	// Login returns frames sent right after the handshake. May be nil.
	Login(creds Credentials) []Frame

	// Key returns the upstream identity of an instrument, matching
	// Packet.Key of decoded frames. An error means the instrument cannot be
	// streamed by this broker.
	Key(inst model.Instrument) (string, error)

	// Subscribe and Unsubscribe build the commands for instruments in mode.
	// Callers keep len(insts) within Limits().BatchSize.
	Subscribe(mode model.Mode, insts []model.Instrument) ([]Frame, error)
	Unsubscribe(mode model.Mode, insts []model.Instrument) ([]Frame, error)

	// Decode turns one websocket message into packets. Errors wrapping
	// ErrAuth or ErrTransport end the session; any other error drops the
	// frame.
	Decode(f Frame) ([]Packet, error)

	// Ping returns the application-level keepalive, if the broker needs one.
	Ping() (Frame, bool)
}

// ModeSwitcher is implemented by codecs that can change the mode of a
// subscription in place. Others get an unsubscribe followed by a subscribe.
type ModeSwitcher interface {
	SwitchMode(from, to model.Mode, insts []model.Instrument) ([]Frame, error)
}

// Limits are the broker-imposed ceilings of one connection.
type Limits struct {
	MaxSymbols     int // Instruments per connection
	MaxConnections int // Concurrent connections per account, 0 = unknown
	BatchSize      int // Instruments per subscribe command
}

// Endpoint is where to dial.
type Endpoint struct {
	URL    string
	Header http.Header
}

// Frame is one websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// TextFrame wraps data as a text message.
func TextFrame(data []byte) Frame { return Frame{Data: data} }

// BinaryFrame wraps data as a binary message.
func BinaryFrame(data []byte) Frame { return Frame{Binary: true, Data: data} }

// JSONFrame marshals v into a text message.
func JSONFrame(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return TextFrame(data), nil
}

// Packet is one decoded market update. Tick carries every field the broker
// sent; Tick.Mode is the richness of the packet. Exchange, Symbol, Broker
// and ReceivedAt are filled in by the adapter.
type Packet struct {
	Key  string
	Tick model.Tick
}
