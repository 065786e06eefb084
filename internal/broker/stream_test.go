package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// -----------------------------------------------------------------------------
// Test codec: a small JSON protocol
// -----------------------------------------------------------------------------

type testCommand struct {
	Op    string   `json:"op"`
	Mode  int      `json:"mode"`
	Keys  []string `json:"keys"`
	Token string   `json:"token,omitempty"`
}

type testFeed struct {
	Key  string `json:"k"`
	LTP  string `json:"ltp"`
	Mode int    `json:"m"`
	Kick bool   `json:"kick"`
}

type testCodec struct {
	url        string
	maxSymbols int
}

func (c *testCodec) Limits() Limits {
	return Limits{MaxSymbols: c.maxSymbols, MaxConnections: 2, BatchSize: 2}
}

func (c *testCodec) Endpoint(ctx context.Context, creds Credentials) (Endpoint, error) {
	return Endpoint{URL: c.url}, nil
}

func (c *testCodec) Login(creds Credentials) []Frame {
	f, _ := JSONFrame(testCommand{Op: "login", Token: creds.AccessToken})
	return []Frame{f}
}

func (c *testCodec) Key(inst model.Instrument) (string, error) {
	if inst.Token == "" {
		return "", errors.New("no token")
	}
	return inst.Token, nil
}

func (c *testCodec) command(op string, mode model.Mode, insts []model.Instrument) ([]Frame, error) {
	cmd := testCommand{Op: op, Mode: int(mode)}
	for _, inst := range insts {
		cmd.Keys = append(cmd.Keys, inst.Token)
	}
	f, err := JSONFrame(cmd)
	return []Frame{f}, err
}

func (c *testCodec) Subscribe(mode model.Mode, insts []model.Instrument) ([]Frame, error) {
	return c.command("sub", mode, insts)
}

func (c *testCodec) Unsubscribe(mode model.Mode, insts []model.Instrument) ([]Frame, error) {
	return c.command("unsub", mode, insts)
}

func (c *testCodec) Decode(f Frame) ([]Packet, error) {
	var feed testFeed
	if err := json.Unmarshal(f.Data, &feed); err != nil {
		return nil, err
	}
	if feed.Kick {
		return nil, fmt.Errorf("%w: kicked", ErrAuth)
	}
	ltp, err := decimal.NewFromString(feed.LTP)
	if err != nil {
		return nil, err
	}
	return []Packet{{Key: feed.Key, Tick: model.Tick{Mode: model.Mode(feed.Mode), LTP: ltp, Volume: 10}}}, nil
}

func (c *testCodec) Ping() (Frame, bool) { return Frame{}, false }

type mapResolver map[string]model.Instrument

func (r mapResolver) ResolveSymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	inst, ok := r[exchange+":"+symbol]
	if !ok {
		return model.Instrument{}, model.ErrInstrumentNotFound
	}
	return inst, nil
}

var testInstruments = mapResolver{
	"NSE:RELIANCE": {Exchange: "NSE", Symbol: "RELIANCE", Token: "2885"},
	"NSE:INFY":     {Exchange: "NSE", Symbol: "INFY", Token: "1594"},
	"NSE:TCS":      {Exchange: "NSE", Symbol: "TCS", Token: "11536"},
	"NSE:NOTOKEN":  {Exchange: "NSE", Symbol: "NOTOKEN"},
}

// -----------------------------------------------------------------------------
// Fake upstream
// -----------------------------------------------------------------------------

type fakeUpstream struct {
	server *httptest.Server
	status atomic.Int32

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands [][]testCommand
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := int(f.status.Load()); status != 0 {
			http.Error(w, "rejected", status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		f.mu.Lock()
		idx := len(f.conns)
		f.conns = append(f.conns, conn)
		f.commands = append(f.commands, nil)
		f.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd testCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			f.mu.Lock()
			f.commands[idx] = append(f.commands[idx], cmd)
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) url() string { return wsURL(f.server) }

func (f *fakeUpstream) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeUpstream) commandsOn(idx int) []testCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	if idx >= len(f.commands) {
		return nil
	}
	return append([]testCommand(nil), f.commands[idx]...)
}

func (f *fakeUpstream) send(t *testing.T, idx int, payload string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conns[idx].WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
}

func (f *fakeUpstream) drop(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[idx].Close()
}

// subscribedKeys counts how often each key was subscribed on a connection.
func subscribedKeys(cmds []testCommand) map[string]int {
	counts := make(map[string]int)
	for _, c := range cmds {
		if c.Op != "sub" {
			continue
		}
		for _, k := range c.Keys {
			counts[k]++
		}
	}
	return counts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type tickSink struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func (s *tickSink) add(t model.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
}

func (s *tickSink) all() []model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Tick(nil), s.ticks...)
}

type keyTracker struct {
	mu   sync.Mutex
	keys []model.StreamKey
}

func (k *keyTracker) add(key model.StreamKey) {
	k.mu.Lock()
	k.keys = append(k.keys, key)
	k.mu.Unlock()
}

func (k *keyTracker) Tracked() []model.StreamKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]model.StreamKey(nil), k.keys...)
}

func newTestStream(t *testing.T, up *fakeUpstream, maxSymbols int, tracker Tracker) *Stream {
	t.Helper()
	s := NewStream("test", &testCodec{url: up.url(), maxSymbols: maxSymbols}, Options{
		AccountID:   "acct-1",
		Instruments: testInstruments,
		Tracker:     tracker,
		Reconnect: ReconnectConfig{
			BaseDelay:      10 * time.Millisecond,
			MaxDelay:       50 * time.Millisecond,
			ConnectTimeout: time.Second,
		},
	})
	t.Cleanup(func() { s.Close() })
	return s
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestStream_SubscribeAndNormalize(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)

	sink := &tickSink{}
	s.OnTick(sink.add)

	if err := s.Connect(context.Background(), Credentials{AccessToken: "tok"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := s.Health().State; got != StateStreaming {
		t.Errorf("State = %v, want streaming", got)
	}

	key := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)
	if err := s.SubscribeUpstream(context.Background(), key); err != nil {
		t.Fatalf("SubscribeUpstream failed: %v", err)
	}

	waitFor(t, "subscribe command", func() bool {
		return subscribedKeys(up.commandsOn(0))["2885"] == 1
	})
	if cmds := up.commandsOn(0); cmds[0].Op != "login" || cmds[0].Token != "tok" {
		t.Errorf("first command = %+v, want login", cmds[0])
	}

	up.send(t, 0, `{"k":"2885","ltp":"2500.5","m":1}`)
	up.send(t, 0, `{"k":"9999","ltp":"1","m":1}`) // not subscribed

	waitFor(t, "tick", func() bool { return len(sink.all()) == 1 })

	tick := sink.all()[0]
	if tick.Key() != key {
		t.Errorf("Key = %v, want %v", tick.Key(), key)
	}
	if !tick.LTP.Equal(decimal.RequireFromString("2500.5")) {
		t.Errorf("LTP = %s, want 2500.5", tick.LTP)
	}
	if tick.Broker != "test" || tick.ReceivedAt.IsZero() {
		t.Errorf("Broker = %q ReceivedAt = %v", tick.Broker, tick.ReceivedAt)
	}
	if tick.Volume != 0 {
		t.Errorf("LTP tick should not carry volume, got %d", tick.Volume)
	}
}

func TestStream_ConnectIdempotent(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)

	for i := 0; i < 3; i++ {
		if err := s.Connect(context.Background(), Credentials{}); err != nil {
			t.Fatalf("Connect #%d failed: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := up.connCount(); n != 1 {
		t.Errorf("upstream connections = %d, want 1", n)
	}
}

func TestStream_ResubscribeAfterReconnect(t *testing.T) {
	up := newFakeUpstream(t)
	tracker := &keyTracker{}
	s := newTestStream(t, up, 10, tracker)

	if err := s.Connect(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	keys := []model.StreamKey{
		model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP),
		model.NewStreamKey("NSE", "INFY", model.ModeLTP),
		model.NewStreamKey("NSE", "TCS", model.ModeDepth),
	}
	for _, k := range keys {
		tracker.add(k)
		if err := s.SubscribeUpstream(context.Background(), k); err != nil {
			t.Fatalf("SubscribeUpstream(%v) failed: %v", k, err)
		}
	}
	waitFor(t, "initial subscriptions", func() bool { return len(subscribedKeys(up.commandsOn(0))) == 3 })

	up.drop(0)

	waitFor(t, "reconnect", func() bool { return up.connCount() == 2 })
	waitFor(t, "resubscribe", func() bool { return len(subscribedKeys(up.commandsOn(1))) == 3 })
	time.Sleep(100 * time.Millisecond)

	for token, n := range subscribedKeys(up.commandsOn(1)) {
		if n != 1 {
			t.Errorf("token %s subscribed %d times after reconnect, want 1", token, n)
		}
	}

	h := s.Health()
	if h.State != StateStreaming {
		t.Errorf("State = %v, want streaming", h.State)
	}
	if h.Reconnects < 1 {
		t.Errorf("Reconnects = %d, want >= 1", h.Reconnects)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after recovery", h.ConsecutiveFailures)
	}
	if h.Subscribed != 3 {
		t.Errorf("Subscribed = %d, want 3", h.Subscribed)
	}
}

func TestStream_ResubscribeFollowsTracker(t *testing.T) {
	up := newFakeUpstream(t)
	tracker := &keyTracker{}
	s := newTestStream(t, up, 10, tracker)

	if err := s.Connect(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Subscribed on the adapter but no longer tracked by the owner.
	if err := s.SubscribeUpstream(context.Background(), model.NewStreamKey("NSE", "INFY", model.ModeLTP)); err != nil {
		t.Fatalf("SubscribeUpstream failed: %v", err)
	}
	// Tracked but never sent on this connection.
	tracker.add(model.NewStreamKey("NSE", "TCS", model.ModeQuote))

	waitFor(t, "initial subscription", func() bool { return len(subscribedKeys(up.commandsOn(0))) == 1 })
	up.drop(0)
	waitFor(t, "resubscribe", func() bool { return len(subscribedKeys(up.commandsOn(1))) == 1 })

	got := subscribedKeys(up.commandsOn(1))
	if got["11536"] != 1 || got["1594"] != 0 {
		t.Errorf("resubscribed = %v, want only TCS", got)
	}
}

// snapshotTracker returns its keys as they were on entry, then runs hook
// once. The hook stands in for calls that land while a reconnect is
// restoring from the snapshot.
type snapshotTracker struct {
	keyTracker
	once sync.Once
	hook func()
}

func (k *snapshotTracker) Tracked() []model.StreamKey {
	keys := k.keyTracker.Tracked()
	k.once.Do(k.hook)
	return keys
}

func TestStream_ChangesDuringRestoreSurvive(t *testing.T) {
	up := newFakeUpstream(t)
	reliance := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)
	tcs := model.NewStreamKey("NSE", "TCS", model.ModeLTP)
	infy := model.NewStreamKey("NSE", "INFY", model.ModeQuote)

	tracker := &snapshotTracker{}
	s := newTestStream(t, up, 10, tracker)
	hookErr := make(chan error, 1)
	tracker.hook = func() {
		s.UnsubscribeUpstream(tcs)
		hookErr <- s.SubscribeUpstream(context.Background(), infy)
	}

	if err := s.Connect(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for _, k := range []model.StreamKey{reliance, tcs} {
		tracker.add(k)
		if err := s.SubscribeUpstream(context.Background(), k); err != nil {
			t.Fatalf("SubscribeUpstream(%v) failed: %v", k, err)
		}
	}
	waitFor(t, "initial subscriptions", func() bool { return len(subscribedKeys(up.commandsOn(0))) == 2 })

	up.drop(0)
	waitFor(t, "reconnect", func() bool { return up.connCount() == 2 })
	if err := <-hookErr; err != nil {
		t.Fatalf("SubscribeUpstream during restore failed: %v", err)
	}
	waitFor(t, "resubscribe", func() bool { return len(subscribedKeys(up.commandsOn(1))) == 2 })
	time.Sleep(100 * time.Millisecond)

	got := subscribedKeys(up.commandsOn(1))
	if got["2885"] != 1 {
		t.Errorf("RELIANCE subscribed %d times after reconnect, want 1", got["2885"])
	}
	if got["1594"] != 1 {
		t.Errorf("INFY subscribed %d times after reconnect, want 1", got["1594"])
	}
	if got["11536"] != 0 {
		t.Errorf("released TCS resubscribed after reconnect: %v", got)
	}
	if n := s.Health().Subscribed; n != 2 {
		t.Errorf("Subscribed = %d, want 2", n)
	}
}

func TestStream_FailedSubscribeDuringRestoreDropped(t *testing.T) {
	up := newFakeUpstream(t)
	reliance := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)
	infy := model.NewStreamKey("NSE", "INFY", model.ModeLTP)

	tracker := &snapshotTracker{}
	s := newTestStream(t, up, 1, tracker)
	hookErr := make(chan error, 1)
	tracker.hook = func() {
		hookErr <- s.SubscribeUpstream(context.Background(), infy)
	}

	if err := s.Connect(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	// The owner reserves both before the upstream calls complete.
	tracker.add(reliance)
	tracker.add(infy)
	if err := s.SubscribeUpstream(context.Background(), reliance); err != nil {
		t.Fatalf("SubscribeUpstream failed: %v", err)
	}
	waitFor(t, "initial subscription", func() bool { return len(subscribedKeys(up.commandsOn(0))) == 1 })

	up.drop(0)
	if err := <-hookErr; !errors.Is(err, ErrCapacity) {
		t.Fatalf("SubscribeUpstream(INFY) = %v, want ErrCapacity", err)
	}
	waitFor(t, "resubscribe", func() bool { return len(subscribedKeys(up.commandsOn(1))) == 1 })

	time.Sleep(100 * time.Millisecond)

	if got := subscribedKeys(up.commandsOn(1)); got["1594"] != 0 {
		t.Errorf("failed INFY subscribed after reconnect: %v", got)
	}
	if n := s.Health().Subscribed; n != 1 {
		t.Errorf("Subscribed = %d, want 1", n)
	}
}

func TestStream_Capacity(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 2, nil)
	ctx := context.Background()

	if err := s.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if s.Capacity() != 2 {
		t.Errorf("Capacity = %d, want 2", s.Capacity())
	}

	mustSub := func(exchange, symbol string, mode model.Mode) {
		t.Helper()
		if err := s.SubscribeUpstream(ctx, model.NewStreamKey(exchange, symbol, mode)); err != nil {
			t.Fatalf("SubscribeUpstream(%s %s %v) failed: %v", exchange, symbol, mode, err)
		}
	}
	mustSub("NSE", "RELIANCE", model.ModeLTP)
	mustSub("NSE", "RELIANCE", model.ModeDepth) // same token, no extra capacity
	mustSub("NSE", "INFY", model.ModeQuote)

	err := s.SubscribeUpstream(ctx, model.NewStreamKey("NSE", "TCS", model.ModeLTP))
	if !errors.Is(err, ErrCapacity) {
		t.Errorf("third symbol error = %v, want ErrCapacity", err)
	}
	if got := s.Health().Subscribed; got != 2 {
		t.Errorf("Subscribed = %d, want 2", got)
	}
}

func TestStream_UnsupportedSymbol(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)
	ctx := context.Background()

	if err := s.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, key := range []model.StreamKey{
		model.NewStreamKey("NSE", "UNKNOWN", model.ModeLTP),
		model.NewStreamKey("NSE", "NOTOKEN", model.ModeLTP),
		{Exchange: "NSE", Symbol: "RELIANCE", Mode: 7},
	} {
		if err := s.SubscribeUpstream(ctx, key); !errors.Is(err, ErrUnsupportedSymbol) {
			t.Errorf("SubscribeUpstream(%v) = %v, want ErrUnsupportedSymbol", key, err)
		}
	}
}

func TestStream_ModeFanBack(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)
	ctx := context.Background()

	sink := &tickSink{}
	s.OnTick(sink.add)

	if err := s.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ltp := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)
	depth := model.NewStreamKey("NSE", "RELIANCE", model.ModeDepth)
	if err := s.SubscribeUpstream(ctx, ltp); err != nil {
		t.Fatalf("subscribe LTP: %v", err)
	}
	if err := s.SubscribeUpstream(ctx, depth); err != nil {
		t.Fatalf("subscribe Depth: %v", err)
	}

	// login, sub LTP, then unsub LTP + sub Depth for the upgrade
	waitFor(t, "mode upgrade", func() bool { return len(up.commandsOn(0)) == 4 })
	cmds := up.commandsOn(0)
	if cmds[2].Op != "unsub" || cmds[2].Mode != 1 || cmds[3].Op != "sub" || cmds[3].Mode != 3 {
		t.Errorf("upgrade commands = %+v", cmds[2:])
	}

	up.send(t, 0, `{"k":"2885","ltp":"2501","m":3}`)
	waitFor(t, "fan-back ticks", func() bool { return len(sink.all()) == 2 })

	modes := map[model.Mode]bool{}
	for _, tick := range sink.all() {
		modes[tick.Mode] = true
	}
	if !modes[model.ModeLTP] || !modes[model.ModeDepth] {
		t.Errorf("delivered modes = %v, want LTP and Depth", modes)
	}

	s.UnsubscribeUpstream(depth)
	waitFor(t, "downgrade", func() bool { return len(up.commandsOn(0)) == 6 })
	cmds = up.commandsOn(0)
	if cmds[4].Op != "unsub" || cmds[4].Mode != 3 || cmds[5].Op != "sub" || cmds[5].Mode != 1 {
		t.Errorf("downgrade commands = %+v", cmds[4:])
	}

	s.UnsubscribeUpstream(ltp)
	s.UnsubscribeUpstream(ltp) // second call is a no-op
	waitFor(t, "unsubscribe", func() bool { return len(up.commandsOn(0)) == 7 })
	time.Sleep(50 * time.Millisecond)
	if n := len(up.commandsOn(0)); n != 7 {
		t.Errorf("commands = %d, want 7", n)
	}
	if got := s.Health().Subscribed; got != 0 {
		t.Errorf("Subscribed = %d, want 0", got)
	}
}

func TestStream_MalformedFrameDropped(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)
	ctx := context.Background()

	sink := &tickSink{}
	s.OnTick(sink.add)

	if err := s.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.SubscribeUpstream(ctx, model.NewStreamKey("NSE", "INFY", model.ModeLTP)); err != nil {
		t.Fatalf("SubscribeUpstream failed: %v", err)
	}

	up.send(t, 0, `not json`)
	up.send(t, 0, `{"k":"1594","ltp":"abc","m":1}`)
	up.send(t, 0, `{"k":"1594","ltp":"1500","m":1}`)

	waitFor(t, "tick after garbage", func() bool { return len(sink.all()) == 1 })

	h := s.Health()
	if h.DecodeErrors != 2 {
		t.Errorf("DecodeErrors = %d, want 2", h.DecodeErrors)
	}
	if h.State != StateStreaming {
		t.Errorf("State = %v, want streaming", h.State)
	}
	if up.connCount() != 1 {
		t.Errorf("malformed frames should not reconnect")
	}
}

func TestStream_AuthErrorFrameReconnects(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)

	if err := s.Connect(context.Background(), Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	up.send(t, 0, `{"kick":true}`)

	waitFor(t, "reconnect after kick", func() bool { return up.connCount() == 2 })
}

func TestStream_ConnectRejected(t *testing.T) {
	up := newFakeUpstream(t)
	up.status.Store(http.StatusUnauthorized)
	s := newTestStream(t, up, 10, nil)

	err := s.Connect(context.Background(), Credentials{})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("Connect error = %v, want ErrAuth", err)
	}

	h := s.Health()
	if h.State == StateStreaming {
		t.Error("State should not be streaming after rejected connect")
	}
	if h.ConsecutiveFailures != 1 || h.LastError == "" {
		t.Errorf("Health = %+v, want one recorded failure", h)
	}
}

func TestStream_Close(t *testing.T) {
	up := newFakeUpstream(t)
	s := newTestStream(t, up, 10, nil)
	ctx := context.Background()

	if err := s.Connect(ctx, Credentials{}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if err := s.SubscribeUpstream(ctx, model.NewStreamKey("NSE", "INFY", model.ModeLTP)); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("SubscribeUpstream after Close = %v, want ErrAlreadyClosed", err)
	}
	if err := s.Connect(ctx, Credentials{}); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Connect after Close = %v, want ErrAlreadyClosed", err)
	}
	if got := s.Health().State; got != StateDisconnected {
		t.Errorf("State = %v, want disconnected", got)
	}
}

func TestModeSet(t *testing.T) {
	var m modeSet
	m = m.add(model.ModeLTP).add(model.ModeDepth)
	if !m.has(model.ModeLTP) || m.has(model.ModeQuote) || !m.has(model.ModeDepth) {
		t.Errorf("modeSet membership wrong: %b", m)
	}
	if m.richest() != model.ModeDepth {
		t.Errorf("richest = %v, want Depth", m.richest())
	}
	m = m.remove(model.ModeDepth)
	if m.richest() != model.ModeLTP {
		t.Errorf("richest = %v, want LTP", m.richest())
	}
	if modeSet(0).richest() != 0 {
		t.Error("empty set should have no richest mode")
	}
}
