// Package shoonya implements the Noren (Shoonya/Finvasia) websocket feed.
//
// Messages are JSON objects discriminated by "t". Touchline ("t") and depth
// ("d") subscriptions answer with a full snapshot ("tk", "dk") followed by
// partial updates ("tf", "df") that carry only the fields that changed.
package shoonya

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Name is the registry name.
const Name = "shoonya"

// DefaultURL is the production feed endpoint.
const DefaultURL = "wss://api.shoonya.com/NorenWSTP/"

// Broker limits
const (
	MaxSymbols = 1000
	BatchSize  = 50
)

func init() {
	broker.Register(Name, broker.CodecFactory(Name, func(opts broker.Options) (broker.Codec, error) {
		return NewCodec(opts.URL), nil
	}))
}

// Codec speaks the Noren feed. It keeps the last full view of every token
// so partial updates can be merged into complete ticks.
type Codec struct {
	url string

	mu    sync.Mutex
	state map[string]map[string]string
}

// NewCodec returns a codec dialing rawURL, or DefaultURL when empty.
func NewCodec(rawURL string) *Codec {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	return &Codec{url: rawURL, state: make(map[string]map[string]string)}
}

var _ broker.ModeSwitcher = (*Codec)(nil)

func (c *Codec) Limits() broker.Limits {
	return broker.Limits{MaxSymbols: MaxSymbols, BatchSize: BatchSize}
}

func (c *Codec) Endpoint(ctx context.Context, creds broker.Credentials) (broker.Endpoint, error) {
	if creds.ClientCode == "" || creds.AccessToken == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: user id and session token are required", broker.ErrAuth)
	}
	return broker.Endpoint{URL: c.url}, nil
}

type connectRequest struct {
	T          string `json:"t"`
	UID        string `json:"uid"`
	ActID      string `json:"actid"`
	SUserToken string `json:"susertoken"`
	Source     string `json:"source"`
}

// Login sends the connect request. The snapshot cache is reset because the
// feed replays snapshots after every login.
func (c *Codec) Login(creds broker.Credentials) []broker.Frame {
	c.mu.Lock()
	c.state = make(map[string]map[string]string)
	c.mu.Unlock()

	f, err := broker.JSONFrame(connectRequest{
		T:          "c",
		UID:        creds.ClientCode,
		ActID:      creds.ClientCode,
		SUserToken: creds.AccessToken,
		Source:     "API",
	})
	if err != nil {
		return nil
	}
	return []broker.Frame{f}
}

func exchange(inst model.Instrument) string {
	if inst.BrokerExchange != "" {
		return inst.BrokerExchange
	}
	return inst.Exchange
}

// Key is "EXCHANGE|token", the same form the feed uses in subscriptions.
func (c *Codec) Key(inst model.Instrument) (string, error) {
	if inst.Token == "" || exchange(inst) == "" {
		return "", fmt.Errorf("%w: %s has no token", broker.ErrUnsupportedSymbol, inst.Symbol)
	}
	return exchange(inst) + "|" + inst.Token, nil
}

type subscribeRequest struct {
	T string `json:"t"`
	K string `json:"k"`
}

func keys(insts []model.Instrument) (string, error) {
	parts := make([]string, 0, len(insts))
	for _, inst := range insts {
		if inst.Token == "" {
			return "", fmt.Errorf("%w: %s has no token", broker.ErrUnsupportedSymbol, inst.Symbol)
		}
		parts = append(parts, exchange(inst)+"|"+inst.Token)
	}
	return strings.Join(parts, "#"), nil
}

func frame(t string, insts []model.Instrument) ([]broker.Frame, error) {
	k, err := keys(insts)
	if err != nil {
		return nil, err
	}
	f, err := broker.JSONFrame(subscribeRequest{T: t, K: k})
	if err != nil {
		return nil, err
	}
	return []broker.Frame{f}, nil
}

// Subscribe uses the touchline for LTP and Quote, depth for Depth.
func (c *Codec) Subscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	if mode == model.ModeDepth {
		return frame("d", insts)
	}
	return frame("t", insts)
}

func (c *Codec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	if mode == model.ModeDepth {
		return frame("ud", insts)
	}
	return frame("u", insts)
}

// SwitchMode is a no-op between LTP and Quote, which share the touchline.
func (c *Codec) SwitchMode(from, to model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	if (from == model.ModeDepth) == (to == model.ModeDepth) {
		return nil, nil
	}
	sub, err := c.Subscribe(to, insts)
	if err != nil {
		return nil, err
	}
	unsub, err := c.Unsubscribe(from, insts)
	if err != nil {
		return nil, err
	}
	return append(sub, unsub...), nil
}

// Ping is the application heartbeat.
func (c *Codec) Ping() (broker.Frame, bool) {
	return broker.TextFrame([]byte(`{"t":"h"}`)), true
}

func (c *Codec) Decode(f broker.Frame) ([]broker.Packet, error) {
	var msg map[string]any
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, fmt.Errorf("shoonya: %w", err)
	}
	fields := make(map[string]string, len(msg))
	for k, v := range msg {
		switch v := v.(type) {
		case string:
			fields[k] = v
		case float64:
			fields[k] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}

	switch fields["t"] {
	case "ck":
		if fields["s"] != "OK" {
			return nil, fmt.Errorf("%w: connect rejected: %s", broker.ErrAuth, fields["emsg"])
		}
		return nil, nil
	case "tk", "dk":
		return []broker.Packet{c.merge(fields, true)}, nil
	case "tf", "df":
		return []broker.Packet{c.merge(fields, false)}, nil
	case "h", "uk", "udk":
		return nil, nil
	default:
		return nil, fmt.Errorf("shoonya: unknown message type %q", fields["t"])
	}
}

// merge applies fields to the token's cached view and builds a tick from
// the result. A snapshot replaces the view.
func (c *Codec) merge(fields map[string]string, snapshot bool) broker.Packet {
	key := fields["e"] + "|" + fields["tk"]

	c.mu.Lock()
	view := c.state[key]
	if view == nil || snapshot {
		view = make(map[string]string, len(fields))
		c.state[key] = view
	}
	for k, v := range fields {
		view[k] = v
	}
	depth := strings.HasPrefix(fields["t"], "d") || view["bp1"] != ""
	t := tick(view, depth)
	c.mu.Unlock()

	return broker.Packet{Key: key, Tick: t}
}

func tick(view map[string]string, depth bool) model.Tick {
	price := func(k string) decimal.Decimal {
		d, err := decimal.NewFromString(view[k])
		if err != nil {
			return decimal.Decimal{}
		}
		return d
	}
	qty := func(k string) int64 {
		n, _ := strconv.ParseInt(view[k], 10, 64)
		return n
	}

	t := model.Tick{
		Mode:              model.ModeQuote,
		LTP:               price("lp"),
		LastQuantity:      qty("ltq"),
		AveragePrice:      price("ap"),
		Volume:            qty("v"),
		OpenInterest:      qty("oi"),
		Open:              price("o"),
		High:              price("h"),
		Low:               price("l"),
		Close:             price("c"),
		TotalBuyQuantity:  qty("tbq"),
		TotalSellQuantity: qty("tsq"),
	}
	if ft := qty("ft"); ft > 0 {
		t.UpstreamTime = time.Unix(ft, 0).UTC()
	}
	if depth {
		t.Mode = model.ModeDepth
		for i := 1; i <= model.MaxDepthLevels; i++ {
			n := strconv.Itoa(i)
			t.Bids = append(t.Bids, model.PriceLevel{Price: price("bp" + n), Quantity: qty("bq" + n), Orders: int32(qty("bo" + n))})
			t.Asks = append(t.Asks, model.PriceLevel{Price: price("sp" + n), Quantity: qty("sq" + n), Orders: int32(qty("so" + n))})
		}
		t.Bids = model.ClampLevels(t.Bids)
		t.Asks = model.ClampLevels(t.Asks)
	}
	return t
}
