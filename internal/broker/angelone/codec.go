// Package angelone implements the SmartAPI WebSocket 2.0 feed.
//
// Packets are binary little-endian. Size identifies the mode: 51 bytes for
// LTP, 123 for Quote and 379 for SnapQuote (quote plus best-five depth).
package angelone

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Name is the registry name.
const Name = "angelone"

// DefaultURL is the production stream endpoint.
const DefaultURL = "wss://smartapisocket.angelone.in/smart-stream"

// Broker limits
const (
	MaxSymbols     = 1000
	MaxConnections = 3
	BatchSize      = 100
)

// Packet sizes
const (
	packetLTP       = 51
	packetQuote     = 123
	packetSnapQuote = 379
)

// Request actions
const (
	actionUnsubscribe = 0
	actionSubscribe   = 1
)

// exchangeTypes maps broker segment codes to the feed's exchange type.
var exchangeTypes = map[string]int{
	"NSE":   1,
	"NFO":   2,
	"BSE":   3,
	"BFO":   4,
	"MCX":   5,
	"NCDEX": 7,
	"CDS":   13,
}

const exchangeTypeCDS = 13

func init() {
	broker.Register(Name, broker.CodecFactory(Name, func(opts broker.Options) (broker.Codec, error) {
		return NewCodec(opts.URL), nil
	}))
}

// Codec speaks SmartAPI stream 2.0.
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

func (c *Codec) Limits() broker.Limits {
	return broker.Limits{MaxSymbols: MaxSymbols, MaxConnections: MaxConnections, BatchSize: BatchSize}
}

// Endpoint authenticates in the handshake headers.
func (c *Codec) Endpoint(ctx context.Context, creds broker.Credentials) (broker.Endpoint, error) {
	if creds.AccessToken == "" || creds.FeedToken == "" || creds.ClientCode == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: access token, feed token and client code are required", broker.ErrAuth)
	}
	header := http.Header{}
	header.Set("Authorization", creds.AccessToken)
	header.Set("x-api-key", creds.APIKey)
	header.Set("x-client-code", creds.ClientCode)
	header.Set("x-feed-token", creds.FeedToken)
	return broker.Endpoint{URL: c.url, Header: header}, nil
}

func (c *Codec) Login(creds broker.Credentials) []broker.Frame { return nil }

func exchangeType(inst model.Instrument) (int, bool) {
	seg := inst.BrokerExchange
	if seg == "" {
		seg = inst.Exchange
	}
	et, ok := exchangeTypes[strings.ToUpper(seg)]
	return et, ok
}

func packetKey(exchangeType int, token string) string {
	return strconv.Itoa(exchangeType) + ":" + token
}

// Key is exchange type and token; tokens are only unique per segment.
func (c *Codec) Key(inst model.Instrument) (string, error) {
	et, ok := exchangeType(inst)
	if !ok || inst.Token == "" {
		return "", fmt.Errorf("%w: %s segment %q token %q", broker.ErrUnsupportedSymbol, inst.Symbol, inst.BrokerExchange, inst.Token)
	}
	return packetKey(et, inst.Token), nil
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

type request struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int         `json:"mode"`
		TokenList []tokenList `json:"tokenList"`
	} `json:"params"`
}

// correlationID is the 10 character request id the feed echoes in errors.
func correlationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (c *Codec) command(action int, mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	var req request
	req.CorrelationID = correlationID()
	req.Action = action
	req.Params.Mode = int(mode)

	byType := make(map[int]int)
	for _, inst := range insts {
		et, ok := exchangeType(inst)
		if !ok {
			return nil, fmt.Errorf("%w: segment %q", broker.ErrUnsupportedSymbol, inst.BrokerExchange)
		}
		i, seen := byType[et]
		if !seen {
			i = len(req.Params.TokenList)
			byType[et] = i
			req.Params.TokenList = append(req.Params.TokenList, tokenList{ExchangeType: et})
		}
		req.Params.TokenList[i].Tokens = append(req.Params.TokenList[i].Tokens, inst.Token)
	}

	f, err := broker.JSONFrame(req)
	if err != nil {
		return nil, err
	}
	return []broker.Frame{f}, nil
}

// Subscribe maps LTP, Quote and Depth onto feed modes 1, 2 and 3
// (SnapQuote).
func (c *Codec) Subscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command(actionSubscribe, mode, insts)
}

func (c *Codec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command(actionUnsubscribe, mode, insts)
}

// Ping is the text keepalive; the feed replies "pong".
func (c *Codec) Ping() (broker.Frame, bool) {
	return broker.TextFrame([]byte("ping")), true
}

type errorResponse struct {
	CorrelationID string `json:"correlationID"`
	ErrorCode     string `json:"errorCode"`
	ErrorMessage  string `json:"errorMessage"`
}

func (c *Codec) Decode(f broker.Frame) ([]broker.Packet, error) {
	if !f.Binary {
		return nil, decodeText(f.Data)
	}
	p, err := decodePacket(f.Data)
	if err != nil {
		return nil, err
	}
	return []broker.Packet{p}, nil
}

func decodeText(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "pong" {
		return nil
	}
	var resp errorResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("angelone: text message %q: %w", text, err)
	}
	if resp.ErrorCode == "" {
		return nil
	}
	// E1001 invalid request, E1002 invalid token, E1003 invalid client code.
	if resp.ErrorCode == "E1002" || resp.ErrorCode == "E1003" {
		return fmt.Errorf("%w: %s %s", broker.ErrAuth, resp.ErrorCode, resp.ErrorMessage)
	}
	return fmt.Errorf("angelone: %s %s", resp.ErrorCode, resp.ErrorMessage)
}

func decodePacket(b []byte) (broker.Packet, error) {
	switch len(b) {
	case packetLTP, packetQuote, packetSnapQuote:
	default:
		return broker.Packet{}, fmt.Errorf("angelone: packet of %d bytes", len(b))
	}

	et := int(b[1])
	token := string(b[2:27])
	if i := strings.IndexByte(token, 0); i >= 0 {
		token = token[:i]
	}

	exp := int32(-2)
	if et == exchangeTypeCDS {
		exp = -7
	}
	i64 := func(off int) int64 { return int64(binary.LittleEndian.Uint64(b[off : off+8])) }
	f64 := func(off int) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8])) }
	price := func(off int) decimal.Decimal { return decimal.New(i64(off), exp) }

	t := model.Tick{
		Mode:         model.ModeLTP,
		LTP:          price(43),
		UpstreamTime: time.UnixMilli(i64(35)).UTC(),
	}
	if len(b) >= packetQuote {
		t.Mode = model.ModeQuote
		t.LastQuantity = i64(51)
		t.AveragePrice = price(59)
		t.Volume = i64(67)
		t.TotalBuyQuantity = int64(f64(75))
		t.TotalSellQuantity = int64(f64(83))
		t.Open = price(91)
		t.High = price(99)
		t.Low = price(107)
		t.Close = price(115)
	}
	if len(b) == packetSnapQuote {
		t.Mode = model.ModeDepth
		t.OpenInterest = i64(131)
		t.Bids, t.Asks = bestFive(b[147:347], exp)
	}

	return broker.Packet{Key: packetKey(et, token), Tick: t}, nil
}

// bestFive reads ten 20-byte entries: buy/sell flag (int16), quantity
// (int64), price (int64) and orders (int16).
func bestFive(b []byte, exp int32) (bids, asks []model.PriceLevel) {
	const entry = 20
	for i := 0; i < 10; i++ {
		e := b[i*entry : (i+1)*entry]
		level := model.PriceLevel{
			Quantity: int64(binary.LittleEndian.Uint64(e[2:10])),
			Price:    decimal.New(int64(binary.LittleEndian.Uint64(e[10:18])), exp),
			Orders:   int32(binary.LittleEndian.Uint16(e[18:20])),
		}
		if binary.LittleEndian.Uint16(e[0:2]) == 1 {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}
	return model.ClampLevels(bids), model.ClampLevels(asks)
}
