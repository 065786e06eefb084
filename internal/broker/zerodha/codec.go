// Package zerodha implements the Kite Connect ticker.
//
// Market data arrives as binary big-endian messages: a 2-byte packet count
// followed by length-prefixed packets. Packet size identifies the mode
// (8 = LTP, 28/32 = index quote, 44 = quote, 184 = full with 5-level depth).
package zerodha

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Name is the registry name.
const Name = "zerodha"

// DefaultURL is the production ticker endpoint.
const DefaultURL = "wss://ws.kite.trade"

// Broker limits
const (
	MaxSymbols     = 3000
	MaxConnections = 3
	BatchSize      = 500
)

// Packet sizes
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

// Exchange segments, the low byte of an instrument token.
const (
	segmentNSECD = 3
	segmentBSECD = 6
)

func init() {
	broker.Register(Name, broker.CodecFactory(Name, func(opts broker.Options) (broker.Codec, error) {
		return NewCodec(opts.URL), nil
	}))
}

// Codec speaks the Kite ticker protocol.
type Codec struct {
	url string
}

// NewCodec returns a codec dialing rawURL, or DefaultURL when empty.
func NewCodec(rawURL string) *Codec {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	return &Codec{url: rawURL}
}

var _ broker.ModeSwitcher = (*Codec)(nil)

func (c *Codec) Limits() broker.Limits {
	return broker.Limits{MaxSymbols: MaxSymbols, MaxConnections: MaxConnections, BatchSize: BatchSize}
}

func (c *Codec) Endpoint(ctx context.Context, creds broker.Credentials) (broker.Endpoint, error) {
	if creds.APIKey == "" || creds.AccessToken == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: api key and access token are required", broker.ErrAuth)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return broker.Endpoint{}, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", creds.APIKey)
	q.Set("access_token", creds.AccessToken)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-Kite-Version", "3")
	return broker.Endpoint{URL: u.String(), Header: header}, nil
}

// Login is a no-op; the handshake query carries the session.
func (c *Codec) Login(creds broker.Credentials) []broker.Frame { return nil }

func (c *Codec) Key(inst model.Instrument) (string, error) {
	token, err := strconv.ParseUint(inst.Token, 10, 32)
	if err != nil || token == 0 {
		return "", fmt.Errorf("%w: instrument token %q", broker.ErrUnsupportedSymbol, inst.Token)
	}
	return strconv.FormatUint(token, 10), nil
}

type command struct {
	A string `json:"a"`
	V any    `json:"v"`
}

func modeName(mode model.Mode) string {
	switch mode {
	case model.ModeQuote:
		return "quote"
	case model.ModeDepth:
		return "full"
	default:
		return "ltp"
	}
}

func tokens(insts []model.Instrument) ([]uint32, error) {
	out := make([]uint32, 0, len(insts))
	for _, inst := range insts {
		t, err := strconv.ParseUint(inst.Token, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: instrument token %q", broker.ErrUnsupportedSymbol, inst.Token)
		}
		out = append(out, uint32(t))
	}
	return out, nil
}

// Subscribe sends a subscribe followed by a mode command; Kite defaults new
// subscriptions to quote mode.
func (c *Codec) Subscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	toks, err := tokens(insts)
	if err != nil {
		return nil, err
	}
	sub, err := broker.JSONFrame(command{A: "subscribe", V: toks})
	if err != nil {
		return nil, err
	}
	m, err := broker.JSONFrame(command{A: "mode", V: []any{modeName(mode), toks}})
	if err != nil {
		return nil, err
	}
	return []broker.Frame{sub, m}, nil
}

func (c *Codec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	toks, err := tokens(insts)
	if err != nil {
		return nil, err
	}
	f, err := broker.JSONFrame(command{A: "unsubscribe", V: toks})
	if err != nil {
		return nil, err
	}
	return []broker.Frame{f}, nil
}

// SwitchMode changes the mode of live tokens with a single mode command.
func (c *Codec) SwitchMode(from, to model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	toks, err := tokens(insts)
	if err != nil {
		return nil, err
	}
	f, err := broker.JSONFrame(command{A: "mode", V: []any{modeName(to), toks}})
	if err != nil {
		return nil, err
	}
	return []broker.Frame{f}, nil
}

// Ping is not needed; Kite sends a 1-byte heartbeat every second.
func (c *Codec) Ping() (broker.Frame, bool) { return broker.Frame{}, false }

type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var errShortMessage = errors.New("zerodha: short message")

func (c *Codec) Decode(f broker.Frame) ([]broker.Packet, error) {
	if !f.Binary {
		return nil, decodeText(f.Data)
	}
	data := f.Data
	if len(data) < 2 {
		// Heartbeat
		return nil, nil
	}

	n := int(binary.BigEndian.Uint16(data[0:2]))
	packets := make([]broker.Packet, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return packets, errShortMessage
		}
		size := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+size > len(data) {
			return packets, fmt.Errorf("%w: packet %d wants %d bytes", errShortMessage, i, size)
		}
		p, err := decodePacket(data[off : off+size])
		off += size
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// decodeText handles postbacks and errors. Order updates are ignored.
func decodeText(data []byte) error {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("zerodha: text message: %w", err)
	}
	if msg.Type != "error" {
		return nil
	}
	var text string
	_ = json.Unmarshal(msg.Data, &text)
	return fmt.Errorf("zerodha: server error: %s", text)
}

func divisor(token uint32) int32 {
	switch token & 0xff {
	case segmentNSECD:
		return 7
	case segmentBSECD:
		return 4
	default:
		return 2
	}
}

func decodePacket(b []byte) (broker.Packet, error) {
	if len(b) < packetLTP {
		return broker.Packet{}, fmt.Errorf("zerodha: packet of %d bytes", len(b))
	}
	token := binary.BigEndian.Uint32(b[0:4])
	exp := divisor(token)
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(b[off : off+4]) }
	price := func(off int) decimal.Decimal { return decimal.New(int64(int32(u32(off))), -exp) }

	t := model.Tick{Mode: model.ModeLTP, LTP: price(4)}

	switch len(b) {
	case packetLTP:
	case packetIndexQuote, packetIndexFull:
		t.Mode = model.ModeQuote
		t.High = price(8)
		t.Low = price(12)
		t.Open = price(16)
		t.Close = price(20)
		if len(b) == packetIndexFull {
			t.UpstreamTime = time.Unix(int64(u32(28)), 0).UTC()
		}
	case packetQuote, packetFull:
		t.Mode = model.ModeQuote
		t.LastQuantity = int64(u32(8))
		t.AveragePrice = price(12)
		t.Volume = int64(u32(16))
		t.TotalBuyQuantity = int64(u32(20))
		t.TotalSellQuantity = int64(u32(24))
		t.Open = price(28)
		t.High = price(32)
		t.Low = price(36)
		t.Close = price(40)
		if len(b) == packetFull {
			t.Mode = model.ModeDepth
			t.OpenInterest = int64(u32(48))
			t.UpstreamTime = time.Unix(int64(u32(60)), 0).UTC()
			t.Bids, t.Asks = depth(b[64:], price)
		}
	default:
		return broker.Packet{}, fmt.Errorf("zerodha: unknown packet size %d", len(b))
	}

	return broker.Packet{Key: strconv.FormatUint(uint64(token), 10), Tick: t}, nil
}

// depth reads 5 bid entries followed by 5 ask entries of 12 bytes each:
// quantity, price, orders and 2 bytes of padding.
func depth(b []byte, price func(int) decimal.Decimal) (bids, asks []model.PriceLevel) {
	const entry = 12
	levels := make([]model.PriceLevel, 0, 10)
	for i := 0; i < 10 && (i+1)*entry <= len(b); i++ {
		e := b[i*entry:]
		levels = append(levels, model.PriceLevel{
			Quantity: int64(binary.BigEndian.Uint32(e[0:4])),
			Price:    price(64 + i*entry + 4),
			Orders:   int32(binary.BigEndian.Uint16(e[8:10])),
		})
	}
	half := min(5, len(levels))
	return model.ClampLevels(levels[:half]), model.ClampLevels(levels[half:])
}
