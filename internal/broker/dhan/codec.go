// Package dhan implements the DhanHQ live market feed (v2).
//
// Every packet starts with an 8-byte little-endian header: response code,
// message length, exchange segment and security id. Several packets may
// share one websocket message.
package dhan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Name is the registry name.
const Name = "dhan"

// DefaultURL is the production feed endpoint.
const DefaultURL = "wss://api-feed.dhan.co"

// Broker limits
const (
	MaxSymbols     = 5000
	MaxConnections = 5
	BatchSize      = 100
)

// Response codes
const (
	codeTicker     = 2
	codeQuote      = 4
	codeOI         = 5
	codePrevClose  = 6
	codeFull       = 8
	codeDisconnect = 50
)

const headerSize = 8

// packetSizes is the minimum length per response code.
var packetSizes = map[byte]int{
	codeTicker:     16,
	codeQuote:      50,
	codeOI:         12,
	codePrevClose:  16,
	codeFull:       162,
	codeDisconnect: 10,
}

// segments maps broker segment names to the feed's numeric code.
var segments = map[string]byte{
	"IDX_I":        0,
	"NSE_EQ":       1,
	"NSE_FNO":      2,
	"NSE_CURRENCY": 3,
	"BSE_EQ":       4,
	"MCX_COMM":     5,
	"BSE_CURRENCY": 7,
	"BSE_FNO":      8,
}

// canonicalSegments maps canonical exchanges when no broker segment is set.
var canonicalSegments = map[string]string{
	"NSE":       "NSE_EQ",
	"BSE":       "BSE_EQ",
	"NFO":       "NSE_FNO",
	"BFO":       "BSE_FNO",
	"CDS":       "NSE_CURRENCY",
	"BCD":       "BSE_CURRENCY",
	"MCX":       "MCX_COMM",
	"NSE_INDEX": "IDX_I",
	"BSE_INDEX": "IDX_I",
}

func init() {
	broker.Register(Name, broker.CodecFactory(Name, func(opts broker.Options) (broker.Codec, error) {
		return NewCodec(opts.URL), nil
	}))
}

// Codec speaks the Dhan binary feed. OI and previous-close packets arrive
// separately from price packets; the codec remembers them per security and
// folds them into the next quote or full packet.
type Codec struct {
	url string

	mu    sync.Mutex
	extra map[string]extra
}

type extra struct {
	oi        int64
	prevClose decimal.Decimal
}

// NewCodec returns a codec dialing rawURL, or DefaultURL when empty.
func NewCodec(rawURL string) *Codec {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	return &Codec{url: rawURL, extra: make(map[string]extra)}
}

func (c *Codec) Limits() broker.Limits {
	return broker.Limits{MaxSymbols: MaxSymbols, MaxConnections: MaxConnections, BatchSize: BatchSize}
}

func (c *Codec) Endpoint(ctx context.Context, creds broker.Credentials) (broker.Endpoint, error) {
	if creds.AccessToken == "" || creds.ClientCode == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: access token and client id are required", broker.ErrAuth)
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return broker.Endpoint{}, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", creds.AccessToken)
	q.Set("clientId", creds.ClientCode)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return broker.Endpoint{URL: u.String()}, nil
}

func (c *Codec) Login(creds broker.Credentials) []broker.Frame { return nil }

func segment(inst model.Instrument) (string, byte, bool) {
	name := inst.BrokerExchange
	if name == "" {
		name = canonicalSegments[inst.Exchange]
	}
	code, ok := segments[name]
	return name, code, ok
}

func packetKey(seg byte, securityID uint32) string {
	return strconv.Itoa(int(seg)) + ":" + strconv.FormatUint(uint64(securityID), 10)
}

func (c *Codec) Key(inst model.Instrument) (string, error) {
	_, code, ok := segment(inst)
	id, err := strconv.ParseUint(inst.Token, 10, 32)
	if !ok || err != nil {
		return "", fmt.Errorf("%w: %s segment %q security id %q", broker.ErrUnsupportedSymbol, inst.Symbol, inst.BrokerExchange, inst.Token)
	}
	return packetKey(code, uint32(id)), nil
}

type instrumentRef struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type request struct {
	RequestCode     int             `json:"RequestCode"`
	InstrumentCount int             `json:"InstrumentCount"`
	InstrumentList  []instrumentRef `json:"InstrumentList"`
}

// requestCode returns the subscribe code for mode; unsubscribe is one more.
func requestCode(mode model.Mode) int {
	switch mode {
	case model.ModeQuote:
		return 17
	case model.ModeDepth:
		return 21
	default:
		return 15
	}
}

func (c *Codec) command(code int, insts []model.Instrument) ([]broker.Frame, error) {
	var frames []broker.Frame
	for start := 0; start < len(insts); start += BatchSize {
		end := min(start+BatchSize, len(insts))
		req := request{RequestCode: code, InstrumentCount: end - start}
		for _, inst := range insts[start:end] {
			name, _, ok := segment(inst)
			if !ok {
				return nil, fmt.Errorf("%w: segment %q", broker.ErrUnsupportedSymbol, inst.BrokerExchange)
			}
			req.InstrumentList = append(req.InstrumentList, instrumentRef{ExchangeSegment: name, SecurityID: inst.Token})
		}
		f, err := broker.JSONFrame(req)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (c *Codec) Subscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command(requestCode(mode), insts)
}

func (c *Codec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command(requestCode(mode)+1, insts)
}

// Ping is not needed; the server pings and gorilla answers.
func (c *Codec) Ping() (broker.Frame, bool) { return broker.Frame{}, false }

var errShortPacket = errors.New("dhan: short packet")

func (c *Codec) Decode(f broker.Frame) ([]broker.Packet, error) {
	if !f.Binary {
		return nil, fmt.Errorf("dhan: unexpected text message %q", f.Data)
	}

	var packets []broker.Packet
	data := f.Data
	for len(data) > 0 {
		if len(data) < headerSize {
			return packets, errShortPacket
		}
		size := int(binary.LittleEndian.Uint16(data[1:3]))
		if size < headerSize || size > len(data) {
			return packets, fmt.Errorf("%w: length %d of %d", errShortPacket, size, len(data))
		}
		p, ok, err := c.decodePacket(data[:size])
		if err != nil {
			return packets, err
		}
		if ok {
			packets = append(packets, p)
		}
		data = data[size:]
	}
	return packets, nil
}

// disconnectError maps a feed disconnect reason.
func disconnectError(reason uint16) error {
	switch reason {
	case 806, 807, 808, 809, 810:
		return fmt.Errorf("%w: feed disconnect code %d", broker.ErrAuth, reason)
	default:
		return fmt.Errorf("%w: feed disconnect code %d", broker.ErrTransport, reason)
	}
}

func (c *Codec) decodePacket(b []byte) (broker.Packet, bool, error) {
	code := b[0]
	seg := b[3]
	id := binary.LittleEndian.Uint32(b[4:8])
	key := packetKey(seg, id)

	need, ok := packetSizes[code]
	if !ok {
		return broker.Packet{}, false, fmt.Errorf("dhan: unknown response code %d", code)
	}
	if len(b) < need {
		return broker.Packet{}, false, fmt.Errorf("%w: code %d has %d bytes", errShortPacket, code, len(b))
	}

	f32 := func(off int) decimal.Decimal {
		return decimal.NewFromFloat32(math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))).Round(2)
	}
	i32 := func(off int) int64 { return int64(int32(binary.LittleEndian.Uint32(b[off:]))) }
	u16 := func(off int) int64 { return int64(binary.LittleEndian.Uint16(b[off:])) }
	ts := func(off int) time.Time { return time.Unix(i32(off), 0).UTC() }

	switch code {
	case codeDisconnect:
		return broker.Packet{}, false, disconnectError(uint16(u16(8)))

	case codeOI:
		c.mu.Lock()
		e := c.extra[key]
		e.oi = i32(8)
		c.extra[key] = e
		c.mu.Unlock()
		return broker.Packet{}, false, nil

	case codePrevClose:
		c.mu.Lock()
		e := c.extra[key]
		e.prevClose = f32(8)
		c.extra[key] = e
		c.mu.Unlock()
		return broker.Packet{}, false, nil

	case codeTicker:
		t := model.Tick{Mode: model.ModeLTP, LTP: f32(8), UpstreamTime: ts(12)}
		return broker.Packet{Key: key, Tick: t}, true, nil
	}

	t := model.Tick{
		Mode:              model.ModeQuote,
		LTP:               f32(8),
		LastQuantity:      u16(12),
		UpstreamTime:      ts(14),
		AveragePrice:      f32(18),
		Volume:            i32(22),
		TotalSellQuantity: i32(26),
		TotalBuyQuantity:  i32(30),
	}

	c.mu.Lock()
	e := c.extra[key]
	c.mu.Unlock()
	t.OpenInterest = e.oi

	if code == codeQuote {
		t.Open = f32(34)
		t.Close = f32(38)
		t.High = f32(42)
		t.Low = f32(46)
	} else {
		t.Mode = model.ModeDepth
		t.OpenInterest = i32(34)
		t.Open = f32(46)
		t.Close = f32(50)
		t.High = f32(54)
		t.Low = f32(58)
		t.Bids, t.Asks = depth(b[62:162], f32)
	}
	if t.Close.IsZero() {
		t.Close = e.prevClose
	}
	return broker.Packet{Key: key, Tick: t}, true, nil
}

// depth reads five 20-byte levels: bid qty, ask qty (int32), bid orders,
// ask orders (int16), bid price, ask price (float32).
func depth(b []byte, f32 func(int) decimal.Decimal) (bids, asks []model.PriceLevel) {
	const entry = 20
	for i := 0; i < 5; i++ {
		e := b[i*entry : (i+1)*entry]
		off := 62 + i*entry
		bids = append(bids, model.PriceLevel{
			Quantity: int64(int32(binary.LittleEndian.Uint32(e[0:4]))),
			Orders:   int32(binary.LittleEndian.Uint16(e[8:10])),
			Price:    f32(off + 12),
		})
		asks = append(asks, model.PriceLevel{
			Quantity: int64(int32(binary.LittleEndian.Uint32(e[4:8]))),
			Orders:   int32(binary.LittleEndian.Uint16(e[10:12])),
			Price:    f32(off + 16),
		})
	}
	return model.ClampLevels(bids), model.ClampLevels(asks)
}
