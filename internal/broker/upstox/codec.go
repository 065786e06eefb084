// Package upstox implements the Upstox market data feed (v3).
//
// The websocket URL is obtained per session from a REST authorize call.
// Commands are JSON sent as binary frames; the feed answers with protobuf
// FeedResponse messages, decoded here field by field with protowire.
package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// Name is the registry name.
const Name = "upstox"

// DefaultAuthorizeURL returns the websocket URL for a session.
const DefaultAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"

// Broker limits
const (
	MaxSymbols     = 2000
	MaxConnections = 2
	BatchSize      = 100
)

func init() {
	broker.Register(Name, broker.CodecFactory(Name, func(opts broker.Options) (broker.Codec, error) {
		return NewCodec(opts.URL, opts.HTTPClient), nil
	}))
}

// Codec speaks the Upstox v3 feed.
type Codec struct {
	authorizeURL string
	httpClient   *http.Client
}

// NewCodec returns a codec authorizing against authorizeURL, or
// DefaultAuthorizeURL when empty.
func NewCodec(authorizeURL string, client *http.Client) *Codec {
	if authorizeURL == "" {
		authorizeURL = DefaultAuthorizeURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Codec{authorizeURL: authorizeURL, httpClient: client}
}

var _ broker.ModeSwitcher = (*Codec)(nil)

func (c *Codec) Limits() broker.Limits {
	return broker.Limits{MaxSymbols: MaxSymbols, MaxConnections: MaxConnections, BatchSize: BatchSize}
}

type authorizeResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
	} `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// Endpoint calls the authorize API for a one-time websocket URL.
func (c *Codec) Endpoint(ctx context.Context, creds broker.Credentials) (broker.Endpoint, error) {
	if creds.AccessToken == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: access token is required", broker.ErrAuth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authorizeURL, nil)
	if err != nil {
		return broker.Endpoint{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.Endpoint{}, fmt.Errorf("%w: authorize: %w", broker.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return broker.Endpoint{}, fmt.Errorf("%w: read authorize response: %w", broker.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return broker.Endpoint{}, fmt.Errorf("%w: authorize returned %d: %s", broker.ErrAuth, resp.StatusCode, body)
	case resp.StatusCode != http.StatusOK:
		return broker.Endpoint{}, fmt.Errorf("%w: authorize returned %d: %s", broker.ErrTransport, resp.StatusCode, body)
	}

	var ar authorizeResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return broker.Endpoint{}, fmt.Errorf("decode authorize response: %w", err)
	}
	if ar.Status != "success" || ar.Data.AuthorizedRedirectURI == "" {
		return broker.Endpoint{}, fmt.Errorf("%w: authorize status %q", broker.ErrAuth, ar.Status)
	}
	return broker.Endpoint{URL: ar.Data.AuthorizedRedirectURI}, nil
}

func (c *Codec) Login(creds broker.Credentials) []broker.Frame { return nil }

// Key is the instrument key, "SEGMENT|identifier".
func (c *Codec) Key(inst model.Instrument) (string, error) {
	if inst.Token == "" {
		return "", fmt.Errorf("%w: %s has no instrument key", broker.ErrUnsupportedSymbol, inst.Symbol)
	}
	if strings.Contains(inst.Token, "|") {
		return inst.Token, nil
	}
	if inst.BrokerExchange == "" {
		return "", fmt.Errorf("%w: %s has no segment", broker.ErrUnsupportedSymbol, inst.Symbol)
	}
	return inst.BrokerExchange + "|" + inst.Token, nil
}

type request struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode,omitempty"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

// modeName maps LTP onto "ltpc" and both Quote and Depth onto "full", which
// carries OHLC and five levels of depth.
func modeName(mode model.Mode) string {
	if mode == model.ModeLTP {
		return "ltpc"
	}
	return "full"
}

func (c *Codec) command(method string, mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	var req request
	req.GUID = uuid.NewString()
	req.Method = method
	if method != "unsub" {
		req.Data.Mode = modeName(mode)
	}
	for _, inst := range insts {
		k, err := c.Key(inst)
		if err != nil {
			return nil, err
		}
		req.Data.InstrumentKeys = append(req.Data.InstrumentKeys, k)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return []broker.Frame{broker.BinaryFrame(data)}, nil
}

func (c *Codec) Subscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command("sub", mode, insts)
}

func (c *Codec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	return c.command("unsub", mode, insts)
}

// SwitchMode uses change_mode; Quote and Depth share a feed mode.
func (c *Codec) SwitchMode(from, to model.Mode, insts []model.Instrument) ([]broker.Frame, error) {
	if modeName(from) == modeName(to) {
		return nil, nil
	}
	return c.command("change_mode", to, insts)
}

// Ping is not needed; the server pings and gorilla answers.
func (c *Codec) Ping() (broker.Frame, bool) { return broker.Frame{}, false }

func (c *Codec) Decode(f broker.Frame) ([]broker.Packet, error) {
	if !f.Binary {
		return nil, fmt.Errorf("upstox: unexpected text message %q", f.Data)
	}
	return decodeFeedResponse(f.Data)
}
