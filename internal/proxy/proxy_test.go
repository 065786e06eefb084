package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcalls/openalgo-sub010/internal/auth"
	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/broker/brokertest"
	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

// Tokens are "client" or "client@account" or "client#max".
var testValidator = auth.ValidatorFunc(func(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" || token == "bad" {
		return auth.Identity{}, auth.ErrAuth
	}
	id := auth.Identity{ClientID: token}
	if client, acct, ok := strings.Cut(token, "@"); ok {
		id.ClientID, id.Account = client, acct
	}
	if client, max, ok := strings.Cut(token, "#"); ok {
		id.ClientID = client
		fmt.Sscan(max, &id.MaxSymbols)
	}
	return id, nil
})

type resolverFunc func(ctx context.Context, exchange, symbol string) (model.Instrument, error)

func (f resolverFunc) ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	return f(ctx, exchange, symbol)
}

var testResolver = resolverFunc(func(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	if symbol == "UNKNOWN" {
		return model.Instrument{}, instrument.ErrNotFound
	}
	return model.Instrument{Exchange: exchange, Symbol: symbol, Token: "1"}, nil
})

// recordingManager grants everything unless err says otherwise.
type recordingManager struct {
	mu       sync.Mutex
	err      func(key model.StreamKey) error
	requests []model.StreamKey
	releases []model.StreamKey
	holders  map[string]bool
}

func newRecordingManager() *recordingManager {
	return &recordingManager{holders: make(map[string]bool)}
}

func (m *recordingManager) RequestSubscription(ctx context.Context, clientID, accountID string, key model.StreamKey) (connection.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		if err := m.err(key); err != nil {
			return connection.Handle{}, err
		}
	}
	m.requests = append(m.requests, key)
	m.holders[clientID+"/"+accountID+"/"+key.String()] = true
	return connection.Handle{AccountID: accountID, Key: key, RefCount: 1}, nil
}

func (m *recordingManager) ReleaseSubscription(clientID, accountID string, key model.StreamKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, key)
	h := clientID + "/" + accountID + "/" + key.String()
	held := m.holders[h]
	delete(m.holders, h)
	return held
}

func (m *recordingManager) counts() (requests, releases, holders int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests), len(m.releases), len(m.holders)
}

type env struct {
	proxy *Proxy
	bus   *bus.Bus
	srv   *httptest.Server
}

func newEnv(t *testing.T, cfg Config, mgr Manager, b *bus.Bus) *env {
	t.Helper()
	if b == nil {
		b = bus.New(bus.Options{})
	}
	if cfg.DefaultAccount == "" {
		cfg.DefaultAccount = "acct"
	}
	p := New(cfg, mgr, b, testResolver, testValidator)
	srv := httptest.NewServer(p)
	t.Cleanup(func() {
		p.Close()
		srv.Close()
	})
	return &env{proxy: p, bus: b, srv: srv}
}

// managerEnv wires the proxy to a real connection manager over fake
// adapters.
type managerEnv struct {
	*env
	manager *connection.Manager
	factory *brokertest.Factory
}

func newManagerEnv(t *testing.T, cfg Config, accounts ...string) *managerEnv {
	t.Helper()
	if len(accounts) == 0 {
		accounts = []string{"acct"}
	}
	var accts []connection.Account
	for _, id := range accounts {
		accts = append(accts, connection.Account{ID: id, Broker: "fake"})
	}
	cfg.DefaultAccount = accounts[0]

	b := bus.New(bus.Options{})
	factory := &brokertest.Factory{Name: "fake"}
	m, err := connection.NewManager(connection.Config{}, accts, nil, b,
		connection.WithAdapterFactory(func(a connection.Account, opts broker.Options) (broker.Adapter, error) {
			return factory.New(opts)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return &managerEnv{env: newEnv(t, cfg, m, b), manager: m, factory: factory}
}

func (e *managerEnv) calls(op string, key model.StreamKey) int {
	n := 0
	for _, a := range e.factory.Adapters() {
		for _, c := range a.Calls() {
			if c.Op == op && c.Key == key {
				n++
			}
		}
	}
	return n
}

// frame is the union of every outbound frame.
type frame struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Reason   string `json:"reason"`
	ClientID string `json:"client_id"`
	StreamID string `json:"stream_id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Mode     string `json:"mode"`
	Data     struct {
		LTP     decimal.Decimal `json:"ltp"`
		Account string          `json:"account"`
		Bids    []any           `json:"bids"`
	} `json:"data"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *env) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// next returns the next frame that is not a heartbeat.
func (c *client) next() frame {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.Type != "heartbeat" {
			return f
		}
	}
}

func (c *client) auth(token string) {
	c.t.Helper()
	c.send(map[string]string{"action": "authenticate", "token": token})
	f := c.next()
	require.Equal(c.t, "auth", f.Type)
	require.Equal(c.t, "ok", f.Status, f.Reason)
}

func (c *client) subscribe(exchange, symbol string, mode any) frame {
	c.t.Helper()
	c.send(map[string]any{"action": "subscribe", "exchange": exchange, "symbol": symbol, "mode": mode})
	return c.next()
}

func (c *client) unsubscribe(exchange, symbol string, mode any) frame {
	c.t.Helper()
	c.send(map[string]any{"action": "unsubscribe", "exchange": exchange, "symbol": symbol, "mode": mode})
	return c.next()
}

// quiet asserts that nothing but heartbeats arrives for d.
func (c *client) quiet(d time.Duration) {
	c.t.Helper()
	c.send(map[string]string{"action": "heartbeat"})
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(deadline)
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		require.Equal(c.t, "heartbeat", f.Type, "unexpected frame %+v", f)
	}
}

func ltpTick(symbol, price string) model.Tick {
	return model.Tick{
		Exchange: "NSE",
		Symbol:   symbol,
		Mode:     model.ModeLTP,
		LTP:      decimal.RequireFromString(price),
	}
}

// -----------------------------------------------------------------------------
// Scenarios
// -----------------------------------------------------------------------------

func TestProxy_SharedStreamLifecycle(t *testing.T) {
	e := newManagerEnv(t, Config{})
	key := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)

	a := e.dial(t)
	a.auth("A")
	b := e.dial(t)
	b.auth("B")

	fa := a.subscribe("NSE", "RELIANCE", "LTP")
	require.Equal(t, "ok", fa.Status, fa.Message)
	assert.Equal(t, "NSE:RELIANCE:LTP", fa.StreamID)
	fb := b.subscribe("nse", "reliance", 1)
	require.Equal(t, "ok", fb.Status, fb.Message)
	assert.Equal(t, "NSE:RELIANCE:LTP", fb.StreamID)

	assert.Equal(t, 2, e.manager.RefCount("acct", key))
	assert.Equal(t, 1, e.calls("subscribe", key))
	assert.Equal(t, 2, e.proxy.Subscribers(key))

	adapters := e.factory.Adapters()
	require.Len(t, adapters, 1)
	adapters[0].Emit(ltpTick("RELIANCE", "2500.5"))

	for _, c := range []*client{a, b} {
		f := c.next()
		require.Equal(t, "tick", f.Type)
		assert.Equal(t, "RELIANCE", f.Symbol)
		assert.Equal(t, "LTP", f.Mode)
		assert.Equal(t, "2500.5", f.Data.LTP.String())
		assert.Equal(t, "acct", f.Data.Account)
	}

	// A goes away without unsubscribing.
	a.conn.Close()
	require.Eventually(t, func() bool { return e.manager.RefCount("acct", key) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.calls("unsubscribe", key))

	fu := b.unsubscribe("NSE", "RELIANCE", "LTP")
	assert.Equal(t, "unsubscribe", fu.Type)
	assert.Equal(t, "ok", fu.Status)

	assert.Equal(t, 0, e.manager.RefCount("acct", key))
	assert.Equal(t, 1, e.calls("unsubscribe", key))
	assert.Equal(t, 0, e.proxy.Subscribers(key))
	require.Eventually(t, func() bool { return e.proxy.Stats().Consumers == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxy_ModesAreSeparateStreams(t *testing.T) {
	e := newManagerEnv(t, Config{})

	a := e.dial(t)
	a.auth("A")
	require.Equal(t, "ok", a.subscribe("NSE", "TCS", "Depth").Status)
	require.Equal(t, "ok", a.subscribe("NSE", "TCS", "LTP").Status)

	depth := model.Tick{
		Exchange: "NSE", Symbol: "TCS", Mode: model.ModeDepth,
		LTP:  decimal.RequireFromString("3900.1"),
		Bids: []model.PriceLevel{{Price: decimal.RequireFromString("3900"), Quantity: 10}},
	}
	adapter := e.factory.Adapters()[0]
	adapter.Emit(depth)
	adapter.Emit(depth.Trim(model.ModeLTP))

	got := map[string]frame{}
	for i := 0; i < 2; i++ {
		f := a.next()
		require.Equal(t, "tick", f.Type)
		got[f.Mode] = f
	}
	assert.Len(t, got["Depth"].Data.Bids, 1)
	assert.Empty(t, got["LTP"].Data.Bids)
	assert.Equal(t, "3900.1", got["LTP"].Data.LTP.String())
}

func TestProxy_DisconnectReleasesEverything(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{}, mgr, nil)

	const m = 5
	c := e.dial(t)
	c.auth("A")
	for i := 0; i < m; i++ {
		require.Equal(t, "ok", c.subscribe("NSE", fmt.Sprintf("SYM%d", i), "LTP").Status)
	}
	// Duplicate subscribes are idempotent.
	require.Equal(t, "ok", c.subscribe("NSE", "SYM0", "LTP").Status)

	requests, _, holders := mgr.counts()
	assert.Equal(t, m, requests)
	assert.Equal(t, m, holders)
	assert.Equal(t, m, e.proxy.Stats().Topics)

	c.conn.Close()

	require.Eventually(t, func() bool {
		_, releases, holders := mgr.counts()
		return releases == m && holders == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.proxy.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)

	st := e.proxy.Stats()
	assert.Equal(t, 0, st.Topics)
	assert.Equal(t, 0, st.Consumers)
	assert.Equal(t, 0, e.bus.Stats().Topics)
}

// authedSession builds a session that skipped the handshake. It has no
// websocket, so only subscription bookkeeping may be exercised.
func authedSession(p *Proxy) *session {
	s := newSession(p, nil)
	s.clientID = "A"
	s.acct = "acct"
	s.limit = 10
	s.setState(StateIdle)
	return s
}

func TestProxy_AttachAfterDisconnect(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{}, mgr, nil)
	key := model.NewStreamKey("NSE", "INFY", model.ModeLTP)

	s := authedSession(e.proxy)
	s.disconnect("test")

	assert.False(t, e.proxy.attach(key, s))
	assert.Equal(t, 0, e.proxy.Subscribers(key))
	st := e.proxy.Stats()
	assert.Equal(t, 0, st.Topics)
	assert.Equal(t, 0, st.Consumers)
	assert.Equal(t, 0, e.bus.Stats().Topics)
}

func TestProxy_SubscribeRacesDisconnect(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{}, mgr, nil)
	key := model.NewStreamKey("NSE", "INFY", model.ModeLTP)
	req := request{Action: actionSubscribe, Exchange: "NSE", Symbol: "INFY", Mode: []byte(`"LTP"`)}

	for i := 0; i < 200; i++ {
		s := authedSession(e.proxy)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.subscribe(req)
		}()
		go func() {
			defer wg.Done()
			s.disconnect("test")
		}()
		wg.Wait()

		require.Equal(t, 0, e.proxy.Subscribers(key), "iteration %d", i)
		st := e.proxy.Stats()
		require.Equal(t, 0, st.Topics, "iteration %d", i)
		require.Equal(t, 0, st.Consumers, "iteration %d", i)
		_, _, holders := mgr.counts()
		require.Equal(t, 0, holders, "iteration %d", i)
	}
}

func TestProxy_UnsubscribeNotHeld(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{}, mgr, nil)

	c := e.dial(t)
	c.auth("A")
	f := c.unsubscribe("NSE", "INFY", "Quote")
	assert.Equal(t, "ok", f.Status)
	assert.Equal(t, "NSE:INFY:Quote", f.StreamID)

	_, releases, _ := mgr.counts()
	assert.Equal(t, 0, releases)
}

func TestProxy_SubscribeErrors(t *testing.T) {
	mgr := newRecordingManager()
	mgr.err = func(key model.StreamKey) error {
		switch key.Symbol {
		case "FULL":
			return fmt.Errorf("acct: %w", connection.ErrCapacityExceeded)
		case "DOWN":
			return fmt.Errorf("acct: %w", connection.ErrBrokerUnavailable)
		case "DELISTED":
			return fmt.Errorf("%w: NSE:DELISTED", broker.ErrUnsupportedSymbol)
		case "BOOM":
			return errors.New("dial tcp 10.0.0.1:443: i/o timeout")
		}
		return nil
	}
	e := newEnv(t, Config{}, mgr, nil)

	c := e.dial(t)
	c.auth("A#2")

	tests := []struct {
		symbol string
		mode   any
		code   string
	}{
		{"RELIANCE", "FULL", CodeInvalidRequest},
		{"RELIANCE", 7, CodeInvalidRequest},
		{"", "LTP", CodeInvalidRequest},
		{"UNKNOWN", "LTP", CodeInvalidSymbol},
		{"FULL", "LTP", CodeCapacityExceeded},
		{"DOWN", "LTP", CodeBrokerUnavailable},
		{"DELISTED", "LTP", CodeInvalidSymbol},
		{"BOOM", "LTP", CodeBrokerUnavailable},
	}
	for _, tt := range tests {
		f := c.subscribe("NSE", tt.symbol, tt.mode)
		assert.Equal(t, "subscribe", f.Type, tt.symbol)
		assert.Equal(t, "error", f.Status, tt.symbol)
		assert.Equal(t, tt.code, f.Code, "symbol %q mode %v", tt.symbol, tt.mode)
	}

	f := c.subscribe("NSE", "BOOM", "LTP")
	assert.NotContains(t, f.Message, "10.0.0.1")

	// Entitlement of two symbols.
	require.Equal(t, "ok", c.subscribe("NSE", "A1", "LTP").Status)
	require.Equal(t, "ok", c.subscribe("NSE", "A2", "LTP").Status)
	f = c.subscribe("NSE", "A3", "LTP")
	assert.Equal(t, CodeCapacityExceeded, f.Code)
	// An existing stream still succeeds at the limit.
	assert.Equal(t, "ok", c.subscribe("NSE", "A1", "LTP").Status)
	// An unknown symbol is reported as such, not as the limit.
	assert.Equal(t, CodeInvalidSymbol, c.subscribe("NSE", "UNKNOWN", "LTP").Code)
}

func TestProxy_SessionLimitFromConfig(t *testing.T) {
	e := newEnv(t, Config{MaxSymbolsPerSession: 1}, newRecordingManager(), nil)

	c := e.dial(t)
	c.auth("A#50")
	require.Equal(t, "ok", c.subscribe("NSE", "A1", "LTP").Status)
	assert.Equal(t, CodeCapacityExceeded, c.subscribe("NSE", "A2", "LTP").Code)
}

func TestProxy_Authentication(t *testing.T) {
	e := newEnv(t, Config{}, newRecordingManager(), nil)

	t.Run("subscribe before authenticate", func(t *testing.T) {
		c := e.dial(t)
		f := c.subscribe("NSE", "RELIANCE", "LTP")
		assert.Equal(t, "error", f.Status)
		assert.Equal(t, CodeUnauthenticated, f.Code)
		c.auth("A")
	})

	t.Run("bad token", func(t *testing.T) {
		c := e.dial(t)
		c.send(map[string]string{"action": "authenticate", "token": "bad"})
		f := c.next()
		assert.Equal(t, "auth", f.Type)
		assert.Equal(t, "error", f.Status)

		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.conn.ReadMessage()
		assert.Error(t, err, "connection must be closed")
	})

	t.Run("api_key alias", func(t *testing.T) {
		c := e.dial(t)
		c.send(map[string]string{"action": "authenticate", "api_key": "K"})
		f := c.next()
		assert.Equal(t, "ok", f.Status)
		assert.Equal(t, "K", f.ClientID)
	})
}

func TestProxy_AuthTimeout(t *testing.T) {
	e := newEnv(t, Config{AuthTimeout: 100 * time.Millisecond}, newRecordingManager(), nil)

	c := e.dial(t)
	f := c.next()
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, CodeUnauthenticated, f.Code)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return e.proxy.Stats().Sessions == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxy_HeartbeatTimeout(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{HeartbeatInterval: 50 * time.Millisecond, HeartbeatTimeout: 200 * time.Millisecond}, mgr, nil)

	c := e.dial(t)
	c.auth("A")
	require.Equal(t, "ok", c.subscribe("NSE", "RELIANCE", "LTP").Status)

	// The client stops reading, so pings go unanswered.
	require.Eventually(t, func() bool {
		_, releases, _ := mgr.counts()
		return releases == 1 && e.proxy.Stats().Sessions == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestProxy_HeartbeatAction(t *testing.T) {
	e := newEnv(t, Config{}, newRecordingManager(), nil)

	c := e.dial(t)
	c.auth("A")
	c.send(map[string]string{"action": "heartbeat"})
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(t, c.conn.ReadJSON(&f))
	assert.Equal(t, "heartbeat", f.Type)

	c.send(map[string]string{"action": "dance"})
	f = c.next()
	assert.Equal(t, "error", f.Type)
	assert.Equal(t, CodeInvalidRequest, f.Code)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f = c.next()
	assert.Equal(t, CodeInvalidRequest, f.Code)
}

func TestProxy_RateLimited(t *testing.T) {
	e := newEnv(t, Config{ControlRate: 0.001, ControlBurst: 3}, newRecordingManager(), nil)

	c := e.dial(t)
	c.auth("A") // uses one token
	require.Equal(t, "ok", c.subscribe("NSE", "A1", "LTP").Status)
	require.Equal(t, "ok", c.subscribe("NSE", "A2", "LTP").Status)

	f := c.subscribe("NSE", "A3", "LTP")
	assert.Equal(t, "error", f.Status)
	assert.Equal(t, CodeRateLimited, f.Code)
}

func TestProxy_AccountIsolation(t *testing.T) {
	e := newManagerEnv(t, Config{}, "acct1", "acct2")
	key := model.NewStreamKey("NSE", "SBIN", model.ModeLTP)

	one := e.dial(t)
	one.auth("X@acct1")
	two := e.dial(t)
	two.auth("Y@acct2")
	require.Equal(t, "ok", one.subscribe("NSE", "SBIN", "LTP").Status)
	require.Equal(t, "ok", two.subscribe("NSE", "SBIN", "LTP").Status)

	assert.Equal(t, 1, e.manager.RefCount("acct1", key))
	assert.Equal(t, 1, e.manager.RefCount("acct2", key))
	require.Len(t, e.factory.Adapters(), 2)

	tick := ltpTick("SBIN", "812.35")
	tick.Account = "acct1"
	e.bus.Publish(tick)

	f := one.next()
	assert.Equal(t, "tick", f.Type)
	assert.Equal(t, "812.35", f.Data.LTP.String())
	two.quiet(150 * time.Millisecond)
}

func TestProxy_Close(t *testing.T) {
	mgr := newRecordingManager()
	e := newEnv(t, Config{}, mgr, nil)

	c := e.dial(t)
	c.auth("A")
	require.Equal(t, "ok", c.subscribe("NSE", "RELIANCE", "LTP").Status)

	require.NoError(t, e.proxy.Close())
	_, releases, _ := mgr.counts()
	assert.Equal(t, 1, releases)
	assert.Equal(t, 0, e.proxy.Stats().Sessions)

	// Further upgrades are refused.
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 503, resp.StatusCode)
	}
}

func TestCheckOrigin(t *testing.T) {
	p := New(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, newRecordingManager(), bus.New(bus.Options{}), testResolver, testValidator)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, p.checkOrigin(r), tt.origin)
	}
}
