package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

var _ Adapter = (*Stream)(nil)

// Stream is the Adapter behind every codec-backed broker. It owns one
// websocket session, the reconnect loop and the table mapping upstream
// tokens to canonical instruments.
//
// A token requested in several modes is subscribed upstream once, at the
// richest mode, and every decoded packet is trimmed back to each requested
// mode. Outbound commands go through a FIFO outbox so the wire sees them in
// call order.
type Stream struct {
	name     string
	codec    Codec
	opts     Options
	limits   Limits
	capacity int
	logger   *slog.Logger

	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	creds    Credentials
	client   *wsClient
	epoch    uint64
	started  bool
	closed   bool
	failures int
	lastErr  error
	subs     map[string]*upstreamSub
	byInst   map[model.InstrumentKey]string
	outbox   []outbound
	cancel   context.CancelFunc

	// Changes made while a reconnect rebuilds from a Tracker snapshot.
	// Replayed on top of the snapshot so none of them is lost.
	restoring bool
	journal   []subChange

	wake chan struct{}
	wg   sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []func(model.Tick)

	lastHeartbeat atomic.Int64
	reconnects    atomic.Int64
	ticks         atomic.Int64
	decodeErrors  atomic.Int64
}

// upstreamSub is one upstream token and the canonical modes served from it.
type upstreamSub struct {
	inst   model.Instrument
	modes  modeSet
	active model.Mode // Mode currently subscribed upstream
}

// subChange is one SubscribeUpstream or UnsubscribeUpstream outcome.
type subChange struct {
	key  model.StreamKey
	inst model.Instrument // Set when add
	add  bool
}

type outbound struct {
	epoch uint64
	frame Frame
}

// NewStream builds an adapter around codec.
func NewStream(name string, codec Codec, opts Options) *Stream {
	opts.applyDefaults()

	limits := codec.Limits()
	capacity := limits.MaxSymbols
	if opts.MaxSymbols > 0 && (capacity == 0 || opts.MaxSymbols < capacity) {
		capacity = opts.MaxSymbols
	}

	return &Stream{
		name:     name,
		codec:    codec,
		opts:     opts,
		limits:   limits,
		capacity: capacity,
		logger:   opts.Logger.With("component", "broker", "broker", name, "account", opts.AccountID),
		subs:     make(map[string]*upstreamSub),
		byInst:   make(map[model.InstrumentKey]string),
		wake:     make(chan struct{}, 1),
	}
}

// Broker returns the broker name.
func (s *Stream) Broker() string { return s.name }

// Capacity returns the symbol ceiling of this connection.
func (s *Stream) Capacity() int { return s.capacity }

// Limits returns the codec limits.
func (s *Stream) Limits() Limits { return s.limits }

// OnTick registers a tick callback. Callbacks run on the read worker and
// must not block.
func (s *Stream) OnTick(fn func(model.Tick)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers[:len(s.handlers):len(s.handlers)], fn)
}

// Connect dials the broker and starts the session workers.
func (s *Stream) Connect(ctx context.Context, creds Credentials) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.creds = creds
	s.mu.Unlock()

	client, err := s.dial(ctx, creds)
	if err != nil {
		s.recordFailure(err, StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	s.install(ctx, client, false)

	s.wg.Add(2)
	go s.writeLoop(runCtx)
	go s.run(runCtx, client)

	s.logger.Info("upstream session established")
	return nil
}

// SubscribeUpstream adds key to the session.
func (s *Stream) SubscribeUpstream(ctx context.Context, key model.StreamKey) error {
	err := s.subscribe(ctx, key)
	if err != nil {
		// The caller drops a failed key, so a pending restore must too.
		s.mu.Lock()
		s.noteLocked(subChange{key: key})
		s.mu.Unlock()
	}
	return err
}

func (s *Stream) subscribe(ctx context.Context, key model.StreamKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedSymbol, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	if attached, err := s.attachLocked(key); attached {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	inst, err := s.resolve(ctx, key.Instrument())
	if err != nil {
		return err
	}
	ck, err := s.codec.Key(inst)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsupportedSymbol, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrAlreadyClosed
	}
	if attached, err := s.attachLocked(key); attached {
		return err
	}
	if s.capacity > 0 && len(s.subs) >= s.capacity {
		return fmt.Errorf("%w: %d symbols", ErrCapacity, s.capacity)
	}

	frames, err := s.codec.Subscribe(key.Mode, []model.Instrument{inst})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsupportedSymbol, key, err)
	}
	s.subs[ck] = &upstreamSub{inst: inst, modes: modeSet(0).add(key.Mode), active: key.Mode}
	s.byInst[key.Instrument()] = ck
	s.noteLocked(subChange{key: key, inst: inst, add: true})
	s.enqueueLocked(frames...)
	return nil
}

// attachLocked serves key from an already subscribed token, upgrading the
// upstream mode when needed. It reports false when the instrument is new.
func (s *Stream) attachLocked(key model.StreamKey) (bool, error) {
	ck, ok := s.byInst[key.Instrument()]
	if !ok {
		return false, nil
	}
	sub := s.subs[ck]
	s.noteLocked(subChange{key: key, inst: sub.inst, add: true})
	if sub.modes.has(key.Mode) {
		return true, nil
	}
	if key.Mode > sub.active {
		frames, err := s.switchFrames(sub.active, key.Mode, sub.inst)
		if err != nil {
			return true, fmt.Errorf("%w: %s: %w", ErrUnsupportedSymbol, key, err)
		}
		s.enqueueLocked(frames...)
		sub.active = key.Mode
	}
	sub.modes = sub.modes.add(key.Mode)
	return true, nil
}

// UnsubscribeUpstream removes key. It only queues the upstream command.
func (s *Stream) UnsubscribeUpstream(key model.StreamKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.noteLocked(subChange{key: key})

	ck, ok := s.byInst[key.Instrument()]
	if !ok {
		return
	}
	sub := s.subs[ck]
	if !sub.modes.has(key.Mode) {
		return
	}
	sub.modes = sub.modes.remove(key.Mode)

	if sub.modes == 0 {
		delete(s.subs, ck)
		delete(s.byInst, key.Instrument())
		frames, err := s.codec.Unsubscribe(sub.active, []model.Instrument{sub.inst})
		if err != nil {
			s.logger.Warn("build unsubscribe", "key", key.String(), "error", err)
			return
		}
		s.enqueueLocked(frames...)
		return
	}

	if richest := sub.modes.richest(); richest < sub.active {
		frames, err := s.switchFrames(sub.active, richest, sub.inst)
		if err != nil {
			s.logger.Warn("build mode switch", "key", key.String(), "error", err)
			return
		}
		s.enqueueLocked(frames...)
		sub.active = richest
	}
}

// Health returns a snapshot of the session.
func (s *Stream) Health() Health {
	s.mu.Lock()
	h := Health{
		State:               s.state,
		ConsecutiveFailures: s.failures,
		Subscribed:          len(s.subs),
	}
	if s.lastErr != nil {
		h.LastError = s.lastErr.Error()
	}
	client := s.client
	s.mu.Unlock()

	if ns := s.lastHeartbeat.Load(); ns > 0 {
		h.LastHeartbeat = time.Unix(0, ns)
	}
	if client != nil {
		if at := client.LastActivity(); at.After(h.LastHeartbeat) {
			h.LastHeartbeat = at
		}
	}
	h.Reconnects = s.reconnects.Load()
	h.Ticks = s.ticks.Load()
	h.DecodeErrors = s.decodeErrors.Load()
	return h
}

// Close stops the workers and closes the upstream connection.
func (s *Stream) Close() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	client := s.client
	s.client = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Close()
	}
	s.wg.Wait()

	s.opts.Metrics.SetUpstreamState(s.name, s.opts.AccountID, int(StateDisconnected))
	s.logger.Info("upstream session closed")
	return nil
}

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

func (s *Stream) dial(ctx context.Context, creds Credentials) (*wsClient, error) {
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Reconnect.ConnectTimeout)
	defer cancel()

	ep, err := s.codec.Endpoint(ctx, creds)
	if err != nil {
		return nil, err
	}

	cfg := wsConfig{
		URL:          ep.URL,
		Header:       ep.Header,
		PingInterval: s.opts.PingInterval,
		PingTimeout:  s.opts.PingTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BufferSize:   s.opts.BufferSize,
	}
	if f, ok := s.codec.Ping(); ok {
		cfg.Keepalive = &f
	}

	client := newWSClient(cfg, s.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	for _, f := range s.codec.Login(creds) {
		if err := client.Send(f); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: login: %w", ErrTransport, err)
		}
	}

	s.setState(StateAuthenticated)
	return client, nil
}

// install makes client the live connection and queues the re-subscription
// of every stream. With restore set and a Tracker configured the streams are
// the tracked ones. It reports false when the adapter was closed meanwhile.
func (s *Stream) install(ctx context.Context, client *wsClient, restore bool) bool {
	var (
		tracked  []model.StreamKey
		resolved map[model.InstrumentKey]model.Instrument
	)
	restore = restore && s.opts.Tracker != nil
	if restore {
		// Tracked runs outside s.mu because the owner calls into the
		// adapter while holding its own lock.
		s.mu.Lock()
		s.restoring = true
		s.journal = nil
		s.mu.Unlock()

		tracked = s.opts.Tracker.Tracked()
		resolved = s.resolveMissing(ctx, tracked)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	journal := s.journal
	s.restoring = false
	s.journal = nil

	if s.closed {
		client.Close()
		return false
	}

	s.client = client
	s.epoch++
	s.outbox = nil
	if restore {
		s.rebuildLocked(tracked, resolved)
		s.replayLocked(journal)
	}
	s.enqueueLocked(s.resubscribeFramesLocked()...)

	s.state = StateStreaming
	s.failures = 0
	s.lastErr = nil
	s.lastHeartbeat.Store(time.Now().UnixNano())
	s.opts.Metrics.SetUpstreamState(s.name, s.opts.AccountID, int(StateStreaming))
	return true
}

func (s *Stream) run(ctx context.Context, client *wsClient) {
	defer s.wg.Done()

	for {
		err := s.consume(ctx, client)
		client.Close()
		if ctx.Err() != nil {
			return
		}

		s.recordFailure(err, StateDegraded)
		s.logger.Warn("upstream session lost", "error", err)

		client = s.reconnect(ctx)
		if client == nil {
			return
		}
	}
}

// reconnect retries with jittered exponential backoff until a session is
// installed or ctx ends. Each attempt is bounded by the connect timeout.
func (s *Stream) reconnect(ctx context.Context) *wsClient {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Reconnect.BaseDelay
	b.MaxInterval = s.opts.Reconnect.MaxDelay
	b.Multiplier = 2
	b.Reset()

	for {
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		s.reconnects.Add(1)
		s.opts.Metrics.UpstreamReconnect(s.name)

		creds, err := s.refreshCredentials(ctx)
		if err != nil {
			s.recordFailure(err, StateDegraded)
			s.logger.Warn("refresh credentials", "error", err)
			continue
		}

		client, err := s.dial(ctx, creds)
		if err != nil {
			s.recordFailure(err, StateDegraded)
			s.logger.Warn("reconnect failed", "error", err, "next_wait_max", b.MaxInterval)
			continue
		}

		if !s.install(ctx, client, true) {
			return nil
		}
		s.logger.Info("upstream session restored", "subscribed", s.Health().Subscribed)
		return client
	}
}

func (s *Stream) refreshCredentials(ctx context.Context) (Credentials, error) {
	if s.opts.Refresh == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.creds, nil
	}
	creds, err := s.opts.Refresh(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return creds, nil
}

func (s *Stream) consume(ctx context.Context, client *wsClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-client.Errors():
			return err
		case msg := <-client.Messages():
			if err := s.handle(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) handle(msg message) error {
	s.lastHeartbeat.Store(msg.ReceivedAt.UnixNano())

	packets, err := s.codec.Decode(msg.Frame)
	if err != nil {
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrTransport) {
			return err
		}
		s.decodeErrors.Add(1)
		s.opts.Metrics.DecodeError(s.name)
		s.logger.Debug("dropping malformed frame", "error", err, "bytes", len(msg.Data))
	}

	for _, p := range packets {
		s.dispatch(p, msg.ReceivedAt)
	}
	return nil
}

func (s *Stream) dispatch(p Packet, receivedAt time.Time) {
	s.mu.Lock()
	sub, ok := s.subs[p.Key]
	if !ok {
		s.mu.Unlock()
		return
	}
	inst, modes := sub.inst, sub.modes
	s.mu.Unlock()

	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, mode := range model.Modes {
		if !modes.has(mode) || mode > p.Tick.Mode {
			continue
		}
		t := p.Tick.Trim(mode)
		t.Exchange = inst.Exchange
		t.Symbol = inst.Symbol
		t.Broker = s.name
		t.Account = s.opts.AccountID
		t.ReceivedAt = receivedAt
		for _, h := range handlers {
			h(t)
		}
		s.ticks.Add(1)
		s.opts.Metrics.TickNormalized(s.name)
	}
}

func (s *Stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		s.mu.Lock()
		batch := s.outbox
		s.outbox = nil
		client := s.client
		epoch := s.epoch
		s.mu.Unlock()

		for _, o := range batch {
			if o.epoch != epoch || client == nil {
				continue
			}
			if err := client.Send(o.frame); err != nil {
				s.logger.Debug("dropping upstream command", "error", err)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Bookkeeping helpers
// -----------------------------------------------------------------------------

func (s *Stream) enqueueLocked(frames ...Frame) {
	if len(frames) == 0 {
		return
	}
	for _, f := range frames {
		s.outbox = append(s.outbox, outbound{epoch: s.epoch, frame: f})
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) switchFrames(from, to model.Mode, inst model.Instrument) ([]Frame, error) {
	insts := []model.Instrument{inst}
	if ms, ok := s.codec.(ModeSwitcher); ok {
		return ms.SwitchMode(from, to, insts)
	}
	unsub, err := s.codec.Unsubscribe(from, insts)
	if err != nil {
		return nil, err
	}
	sub, err := s.codec.Subscribe(to, insts)
	if err != nil {
		return nil, err
	}
	return append(unsub, sub...), nil
}

func (s *Stream) resolve(ctx context.Context, ik model.InstrumentKey) (model.Instrument, error) {
	if s.opts.Instruments == nil {
		return model.Instrument{}, fmt.Errorf("%w: no instrument resolver", ErrUnsupportedSymbol)
	}
	inst, err := s.opts.Instruments.ResolveSymbol(ctx, ik.Exchange, ik.Symbol)
	if err != nil {
		if errors.Is(err, model.ErrInstrumentNotFound) {
			return model.Instrument{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, ik)
		}
		return model.Instrument{}, fmt.Errorf("resolve %s: %w", ik, err)
	}
	return inst, nil
}

// resolveMissing looks up tracked instruments the token table does not know
// yet. Failures are logged and the stream is skipped.
func (s *Stream) resolveMissing(ctx context.Context, keys []model.StreamKey) map[model.InstrumentKey]model.Instrument {
	s.mu.Lock()
	var missing []model.InstrumentKey
	seen := make(map[model.InstrumentKey]bool)
	for _, k := range keys {
		ik := k.Instrument()
		if _, ok := s.byInst[ik]; ok || seen[ik] {
			continue
		}
		seen[ik] = true
		missing = append(missing, ik)
	}
	s.mu.Unlock()

	resolved := make(map[model.InstrumentKey]model.Instrument, len(missing))
	for _, ik := range missing {
		inst, err := s.resolve(ctx, ik)
		if err != nil {
			s.logger.Warn("cannot resubscribe", "instrument", ik.String(), "error", err)
			continue
		}
		resolved[ik] = inst
	}
	return resolved
}

// rebuildLocked replaces the token table with exactly the tracked streams.
func (s *Stream) rebuildLocked(keys []model.StreamKey, resolved map[model.InstrumentKey]model.Instrument) {
	subs := make(map[string]*upstreamSub, len(keys))
	byInst := make(map[model.InstrumentKey]string, len(keys))

	for _, key := range keys {
		ik := key.Instrument()
		var inst model.Instrument
		if ck, ok := s.byInst[ik]; ok {
			inst = s.subs[ck].inst
		} else if r, ok := resolved[ik]; ok {
			inst = r
		} else {
			continue
		}
		ck, err := s.codec.Key(inst)
		if err != nil {
			continue
		}
		sub, ok := subs[ck]
		if !ok {
			sub = &upstreamSub{inst: inst}
			subs[ck] = sub
			byInst[ik] = ck
		}
		sub.modes = sub.modes.add(key.Mode)
	}
	for _, sub := range subs {
		sub.active = sub.modes.richest()
	}

	s.subs = subs
	s.byInst = byInst
}

func (s *Stream) noteLocked(c subChange) {
	if s.restoring {
		s.journal = append(s.journal, c)
	}
}

// replayLocked applies changes recorded after the Tracker snapshot, in call
// order, to the rebuilt token table.
func (s *Stream) replayLocked(journal []subChange) {
	for _, c := range journal {
		ik := c.key.Instrument()
		ck, ok := s.byInst[ik]
		if c.add {
			if !ok {
				var err error
				if ck, err = s.codec.Key(c.inst); err != nil {
					continue
				}
				s.subs[ck] = &upstreamSub{inst: c.inst}
				s.byInst[ik] = ck
			}
			sub := s.subs[ck]
			sub.modes = sub.modes.add(c.key.Mode)
			continue
		}
		if !ok {
			continue
		}
		sub := s.subs[ck]
		sub.modes = sub.modes.remove(c.key.Mode)
		if sub.modes == 0 {
			delete(s.subs, ck)
			delete(s.byInst, ik)
		}
	}
	for _, sub := range s.subs {
		sub.active = sub.modes.richest()
	}
}

// resubscribeFramesLocked builds one subscribe per token at its active
// mode, batched per the codec limit, in a stable order.
func (s *Stream) resubscribeFramesLocked() []Frame {
	byMode := make(map[model.Mode][]string)
	for ck, sub := range s.subs {
		byMode[sub.active] = append(byMode[sub.active], ck)
	}

	var frames []Frame
	for _, mode := range model.Modes {
		keys := byMode[mode]
		sort.Strings(keys)

		batch := s.limits.BatchSize
		if batch <= 0 {
			batch = len(keys)
		}
		for start := 0; start < len(keys); start += batch {
			end := min(start+batch, len(keys))
			insts := make([]model.Instrument, 0, end-start)
			for _, ck := range keys[start:end] {
				insts = append(insts, s.subs[ck].inst)
			}
			f, err := s.codec.Subscribe(mode, insts)
			if err != nil {
				s.logger.Warn("build resubscribe", "mode", mode.String(), "error", err)
				continue
			}
			frames = append(frames, f...)
		}
	}
	return frames
}

func (s *Stream) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.opts.Metrics.SetUpstreamState(s.name, s.opts.AccountID, int(state))
}

func (s *Stream) recordFailure(err error, state State) {
	s.mu.Lock()
	s.failures++
	s.lastErr = err
	s.state = state
	s.mu.Unlock()
	s.opts.Metrics.SetUpstreamState(s.name, s.opts.AccountID, int(state))
}

// -----------------------------------------------------------------------------
// modeSet
// -----------------------------------------------------------------------------

type modeSet uint8

func (m modeSet) has(mode model.Mode) bool { return m&(1<<uint(mode)) != 0 }

func (m modeSet) add(mode model.Mode) modeSet { return m | 1<<uint(mode) }

func (m modeSet) remove(mode model.Mode) modeSet { return m &^ (1 << uint(mode)) }

func (m modeSet) richest() model.Mode {
	for i := len(model.Modes) - 1; i >= 0; i-- {
		if m.has(model.Modes[i]) {
			return model.Modes[i]
		}
	}
	return 0
}
