package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// maxBuildAttempts bounds how often a request builds a new adapter and then
// finds the pool changed underneath it.
const maxBuildAttempts = 3

// Manager owns the adapter instances of every broker account and decides
// which instance serves a requested stream.
//
// Each distinct (account, stream) is subscribed upstream once and carries
// the set of clients holding it. The last release unsubscribes upstream and
// an instance left empty is closed after the idle grace period.
type Manager struct {
	cfg         Config
	factory     AdapterFactory
	creds       CredentialProvider
	instruments InstrumentSource
	publisher   bus.Publisher
	logger      *slog.Logger
	metrics     *metrics.Metrics

	pools map[string]*pool // by account id, fixed after New

	slotsMu sync.Mutex
	slots   int // open instances across all accounts

	nextID atomic.Int64
	closed atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pool holds the instances of one account. mu guards bookkeeping only and
// is never held across network I/O.
type pool struct {
	account  Account
	mu       sync.Mutex
	insts    []*instance
	streams  map[model.StreamKey]*stream
	maxConns int // Broker connection limit, 0 until known
}

type instance struct {
	id         int
	adapter    broker.Adapter
	limit      int
	keys       map[model.StreamKey]struct{}
	connecting bool
	ready      chan struct{} // closed when the connect attempt finished
	err        error
	emptySince time.Time
}

type stream struct {
	key     model.StreamKey
	inst    *instance
	holders map[string]struct{}
	done    bool          // subscribed upstream
	ready   chan struct{} // closed when the upstream subscribe finished
}

// Option customizes a Manager.
type Option func(*Manager)

// WithAdapterFactory replaces the registry-backed adapter factory.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithInstruments sets the symbol resolvers handed to adapters.
func WithInstruments(src InstrumentSource) Option {
	return func(m *Manager) { m.instruments = src }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager for accounts. Every tick produced by its
// adapters goes to publisher.
func NewManager(cfg Config, accounts []Account, creds CredentialProvider, publisher bus.Publisher, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()

	m := &Manager{
		cfg:       cfg,
		factory:   RegistryFactory,
		creds:     creds,
		publisher: publisher,
		pools:     make(map[string]*pool, len(accounts)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "connection_manager")

	for _, a := range accounts {
		if a.ID == "" || a.Broker == "" {
			return nil, fmt.Errorf("account %q: id and broker are required", a.ID)
		}
		if _, dup := m.pools[a.ID]; dup {
			return nil, fmt.Errorf("account %q: duplicate id", a.ID)
		}
		m.pools[a.ID] = &pool{account: a, streams: make(map[model.StreamKey]*stream)}
	}
	return m, nil
}

// Start runs the idle janitor until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.IdleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				m.ReapIdle(now)
			}
		}
	}()

	m.logger.Info("connection manager started",
		"accounts", len(m.pools),
		"max_connections", m.cfg.MaxConnections,
		"max_symbols_per_connection", m.cfg.MaxSymbolsPerConnection,
	)
}

// Close stops the janitor and closes every instance.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	var adapters []broker.Adapter
	for _, p := range m.pools {
		p.mu.Lock()
		for _, inst := range p.insts {
			if inst.adapter != nil && !inst.connecting {
				adapters = append(adapters, inst.adapter)
			}
		}
		m.releaseSlots(len(p.insts))
		p.insts = nil
		p.streams = make(map[model.StreamKey]*stream)
		p.mu.Unlock()
	}
	for _, a := range adapters {
		a.Close()
	}

	m.logger.Info("connection manager stopped", "closed_instances", len(adapters))
	return nil
}

// Accounts returns the configured accounts sorted by id.
func (m *Manager) Accounts() []Account {
	out := make([]Account, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -----------------------------------------------------------------------------
// Subscribe / release
// -----------------------------------------------------------------------------

// RequestSubscription adds clientID as a holder of key on accountID,
// opening the upstream stream if it is not served yet.
func (m *Manager) RequestSubscription(ctx context.Context, clientID, accountID string, key model.StreamKey) (Handle, error) {
	if m.closed.Load() {
		return Handle{}, ErrClosed
	}
	p, ok := m.pools[accountID]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownAccount, accountID)
	}
	if err := key.Validate(); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", broker.ErrUnsupportedSymbol, err)
	}

	h, err := m.request(ctx, p, clientID, key)
	m.metrics.SubscribeResult(p.account.Broker, resultLabel(h, err))
	return h, err
}

func (m *Manager) request(ctx context.Context, p *pool, clientID string, key model.StreamKey) (Handle, error) {
	var spare *instance // built outside the lock, not yet in the pool
	defer func() {
		if spare != nil {
			spare.adapter.Close()
		}
	}()

	for builds := 0; ; {
		if err := ctx.Err(); err != nil {
			return Handle{}, err
		}

		p.mu.Lock()
		if st, ok := p.streams[key]; ok {
			if !st.done {
				ready := st.ready
				p.mu.Unlock()
				select {
				case <-ready:
					continue
				case <-ctx.Done():
					return Handle{}, ctx.Err()
				}
			}
			if m.unavailable(st.inst) {
				p.mu.Unlock()
				return Handle{}, fmt.Errorf("%w: %s instance %d", ErrBrokerUnavailable, p.account.ID, st.inst.id)
			}
			st.holders[clientID] = struct{}{}
			h := Handle{AccountID: p.account.ID, Key: key, Instance: st.inst.id, RefCount: len(st.holders), Shared: true}
			p.mu.Unlock()
			return h, nil
		}

		inst, err := m.pickLocked(p, key)
		if err != nil {
			p.mu.Unlock()
			return Handle{}, err
		}

		created := false
		if inst == nil {
			if spare == nil {
				p.mu.Unlock()
				if builds++; builds > maxBuildAttempts {
					return Handle{}, fmt.Errorf("%w: %s", ErrCapacityExceeded, p.account.ID)
				}
				spare, err = m.build(p)
				if err != nil {
					return Handle{}, err
				}
				continue
			}
			if !m.canOpenLocked(p, spare) {
				p.mu.Unlock()
				return Handle{}, m.capacityErrorLocked(p)
			}
			inst, spare = spare, nil
			inst.connecting = true
			p.insts = append(p.insts, inst)
			created = true
		}

		st := &stream{
			key:     key,
			inst:    inst,
			holders: map[string]struct{}{clientID: {}},
			ready:   make(chan struct{}),
		}
		p.streams[key] = st
		inst.keys[key] = struct{}{}
		inst.emptySince = time.Time{}
		p.mu.Unlock()

		if created {
			m.connect(ctx, p, inst)
		}
		return m.subscribe(ctx, p, st)
	}
}

// subscribe performs the upstream call for a reserved stream and commits or
// rolls back the reservation.
func (m *Manager) subscribe(ctx context.Context, p *pool, st *stream) (Handle, error) {
	inst := st.inst

	select {
	case <-inst.ready:
	case <-ctx.Done():
		// A live instance may already report the key as tracked, so only
		// an unfinished connect rolls back here.
		select {
		case <-inst.ready:
		default:
			m.rollback(p, st)
			return Handle{}, ctx.Err()
		}
	}
	if inst.err != nil {
		m.rollback(p, st)
		return Handle{}, inst.err
	}

	err := inst.adapter.SubscribeUpstream(ctx, st.key)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(st.ready)

	if err != nil {
		m.dropLocked(p, st, false)
		switch {
		case errors.Is(err, broker.ErrCapacity):
			return Handle{}, fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
		case errors.Is(err, broker.ErrUnsupportedSymbol), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Handle{}, err
		default:
			return Handle{}, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
		}
	}

	st.done = true
	if len(st.holders) == 0 {
		m.dropLocked(p, st, true)
		return Handle{}, ErrReleased
	}

	m.logger.Debug("upstream stream opened",
		"account", p.account.ID,
		"instance", inst.id,
		"key", st.key.String(),
	)
	m.metrics.SetUpstreamStreams(p.account.ID, len(p.streams))

	return Handle{AccountID: p.account.ID, Key: st.key, Instance: inst.id, RefCount: len(st.holders)}, nil
}

func (m *Manager) rollback(p *pool, st *stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.dropLocked(p, st, false)
	close(st.ready)
}

// dropLocked removes st from the pool. The upstream unsubscribe is queued
// here, inside the pool lock, so it reaches the adapter before any later
// subscribe for the same key.
func (m *Manager) dropLocked(p *pool, st *stream, unsubscribe bool) {
	if cur, ok := p.streams[st.key]; ok && cur == st {
		delete(p.streams, st.key)
	}
	delete(st.inst.keys, st.key)
	if unsubscribe {
		st.inst.adapter.UnsubscribeUpstream(st.key)
	}
	if len(st.inst.keys) == 0 {
		st.inst.emptySince = time.Now()
	}
	m.metrics.SetUpstreamStreams(p.account.ID, len(p.streams))
}

// ReleaseSubscription removes clientID as a holder of key. The upstream
// stream is unsubscribed when no holders remain. It reports whether the
// client held the stream.
func (m *Manager) ReleaseSubscription(clientID, accountID string, key model.StreamKey) bool {
	p, ok := m.pools[accountID]
	if !ok {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.streams[key]
	if !ok {
		return false
	}
	if _, held := st.holders[clientID]; !held {
		return false
	}
	delete(st.holders, clientID)

	if len(st.holders) == 0 && st.done {
		m.dropLocked(p, st, true)
		m.logger.Debug("upstream stream released",
			"account", accountID,
			"instance", st.inst.id,
			"key", key.String(),
		)
	}
	return true
}

// RefCount returns the number of holders of key on accountID.
func (m *Manager) RefCount(accountID string, key model.StreamKey) int {
	p, ok := m.pools[accountID]
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[key]; ok {
		return len(st.holders)
	}
	return 0
}

// -----------------------------------------------------------------------------
// Allocation
// -----------------------------------------------------------------------------

// pickLocked chooses an instance for a new stream: one already serving the
// same instrument, else the fullest available instance with room. It returns
// nil, nil when a new instance should be opened. When every instance of the
// account is unavailable the broker is treated as down and nothing new is
// opened.
func (m *Manager) pickLocked(p *pool, key model.StreamKey) (*instance, error) {
	ik := key.Instrument()

	var (
		best        *instance
		bestLoad    = -1
		unavailable int
	)
	for _, inst := range p.insts {
		if m.unavailable(inst) {
			unavailable++
			continue
		}
		if len(inst.keys) >= inst.limit {
			continue
		}
		for k := range inst.keys {
			if k.Instrument() == ik {
				return inst, nil
			}
		}
		if load := len(inst.keys); load > bestLoad {
			best, bestLoad = inst, load
		}
	}
	if best != nil {
		return best, nil
	}
	if unavailable > 0 && unavailable == len(p.insts) {
		return nil, fmt.Errorf("%w: %s", ErrBrokerUnavailable, p.account.ID)
	}
	if !m.roomForInstanceLocked(p) {
		if unavailable > 0 {
			return nil, fmt.Errorf("%w: %s", ErrBrokerUnavailable, p.account.ID)
		}
		return nil, m.capacityErrorLocked(p)
	}
	return nil, nil
}

// roomForInstanceLocked reports whether the account and the global ceiling
// allow one more instance.
func (m *Manager) roomForInstanceLocked(p *pool) bool {
	if p.maxConns > 0 && len(p.insts) >= p.maxConns {
		return false
	}
	if m.cfg.MaxConnections <= 0 {
		return true
	}
	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	return m.slots < m.cfg.MaxConnections
}

// canOpenLocked re-checks the ceilings with the limits reported by a freshly
// built adapter and takes a global slot.
func (m *Manager) canOpenLocked(p *pool, inst *instance) bool {
	if lim, ok := inst.adapter.(interface{ Limits() broker.Limits }); ok {
		if mc := lim.Limits().MaxConnections; mc > 0 {
			p.maxConns = mc
		}
	}
	if p.maxConns > 0 && len(p.insts) >= p.maxConns {
		return false
	}

	m.slotsMu.Lock()
	defer m.slotsMu.Unlock()
	if m.cfg.MaxConnections > 0 && m.slots >= m.cfg.MaxConnections {
		return false
	}
	m.slots++
	return true
}

func (m *Manager) releaseSlots(n int) {
	m.slotsMu.Lock()
	m.slots -= n
	m.slotsMu.Unlock()
}

func (m *Manager) capacityErrorLocked(p *pool) error {
	return fmt.Errorf("%w: %s has %d connections of %d symbols",
		ErrCapacityExceeded, p.account.ID, len(p.insts), m.cfg.MaxSymbolsPerConnection)
}

// unavailable reports whether inst should not take requests: its connect
// failed, or it has been failing for UnavailableAfter attempts without
// recovering.
func (m *Manager) unavailable(inst *instance) bool {
	if inst.connecting {
		return false
	}
	if inst.err != nil {
		return true
	}
	h := inst.adapter.Health()
	return h.State != broker.StateStreaming && h.ConsecutiveFailures >= m.cfg.UnavailableAfter
}

// build creates an unconnected adapter and its instance record.
func (m *Manager) build(p *pool) (*instance, error) {
	inst := &instance{
		id:    int(m.nextID.Add(1)),
		keys:  make(map[model.StreamKey]struct{}),
		ready: make(chan struct{}),
	}

	opts := m.cfg.Adapter
	opts.AccountID = p.account.ID
	opts.MaxSymbols = m.cfg.MaxSymbolsPerConnection
	opts.Tracker = broker.TrackerFunc(func() []model.StreamKey { return m.tracked(p, inst) })
	opts.Refresh = func(ctx context.Context) (broker.Credentials, error) { return m.session(ctx, p) }
	opts.Logger = m.logger.With("instance", inst.id)
	if m.instruments != nil {
		opts.Instruments = m.instruments.ForBroker(p.account.Broker)
	}

	adapter, err := m.factory(p.account, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBrokerUnavailable, p.account.ID, err)
	}
	adapter.OnTick(m.publisher.Publish)

	inst.adapter = adapter
	inst.limit = m.cfg.MaxSymbolsPerConnection
	if c := adapter.Capacity(); c > 0 && c < inst.limit {
		inst.limit = c
	}
	return inst, nil
}

// connect opens a new instance. On failure the instance leaves the pool and
// every stream reserved on it fails with ErrBrokerUnavailable.
func (m *Manager) connect(ctx context.Context, p *pool, inst *instance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ConnectTimeout)
	defer cancel()

	creds, err := m.session(ctx, p)
	if err == nil {
		err = inst.adapter.Connect(ctx, creds)
	}

	p.mu.Lock()
	inst.connecting = false
	if err != nil {
		inst.err = fmt.Errorf("%w: %s: %w", ErrBrokerUnavailable, p.account.ID, err)
		m.removeLocked(p, inst)
	}
	close(inst.ready)
	count := len(p.insts)
	p.mu.Unlock()

	if err != nil {
		inst.adapter.Close()
		m.logger.Warn("failed to open broker connection",
			"account", p.account.ID,
			"broker", p.account.Broker,
			"instance", inst.id,
			"error", err,
		)
		return
	}

	if m.closed.Load() {
		inst.adapter.Close()
		return
	}

	m.metrics.SetConnections(p.account.ID, count)
	m.logger.Info("broker connection opened",
		"account", p.account.ID,
		"broker", p.account.Broker,
		"instance", inst.id,
		"capacity", inst.limit,
		"connections", count,
	)
}

func (m *Manager) removeLocked(p *pool, inst *instance) {
	for i, other := range p.insts {
		if other == inst {
			p.insts = append(p.insts[:i], p.insts[i+1:]...)
			m.releaseSlots(1)
			return
		}
	}
}

func (m *Manager) session(ctx context.Context, p *pool) (broker.Credentials, error) {
	if m.creds == nil {
		return broker.Credentials{AccountID: p.account.ID}, nil
	}
	creds, err := m.creds.GetBrokerSession(ctx, p.account.ID)
	if err != nil {
		return broker.Credentials{}, err
	}
	if creds.Expired(time.Now()) {
		return broker.Credentials{}, fmt.Errorf("%w: session expired at %s", broker.ErrAuth, creds.ExpiresAt.Format(time.RFC3339))
	}
	return creds, nil
}

// tracked is the adapter's view of the streams it must serve after a
// reconnect.
func (m *Manager) tracked(p *pool, inst *instance) []model.StreamKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]model.StreamKey, 0, len(inst.keys))
	for k := range inst.keys {
		keys = append(keys, k)
	}
	return keys
}

// -----------------------------------------------------------------------------
// Idle reclamation
// -----------------------------------------------------------------------------

// ReapIdle closes instances that have been empty for longer than the idle
// grace period. It returns the number closed.
func (m *Manager) ReapIdle(now time.Time) int {
	reaped := 0
	for _, p := range m.pools {
		var idle []*instance

		p.mu.Lock()
		kept := p.insts[:0]
		for _, inst := range p.insts {
			if !inst.connecting && len(inst.keys) == 0 && !inst.emptySince.IsZero() &&
				now.Sub(inst.emptySince) >= m.cfg.IdleGracePeriod {
				idle = append(idle, inst)
				continue
			}
			kept = append(kept, inst)
		}
		for i := len(kept); i < len(p.insts); i++ {
			p.insts[i] = nil
		}
		p.insts = kept
		count := len(p.insts)
		p.mu.Unlock()

		if len(idle) == 0 {
			continue
		}
		m.releaseSlots(len(idle))
		for _, inst := range idle {
			inst.adapter.Close()
			m.metrics.ConnectionReclaimed(p.account.Broker)
			m.logger.Info("idle broker connection closed",
				"account", p.account.ID,
				"instance", inst.id,
				"idle_for", now.Sub(inst.emptySince).Round(time.Second),
			)
		}
		m.metrics.SetConnections(p.account.ID, count)
		reaped += len(idle)
	}
	return reaped
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats returns per-account instance state.
func (m *Manager) Stats() Stats {
	s := Stats{MaxConnections: m.cfg.MaxConnections}
	now := time.Now()

	for _, a := range m.Accounts() {
		p := m.pools[a.ID]
		as := AccountStats{Account: a.ID, Broker: a.Broker}

		p.mu.Lock()
		as.Streams = len(p.streams)
		for _, st := range p.streams {
			as.Holders += len(st.holders)
		}
		for _, inst := range p.insts {
			is := InstanceStats{
				ID:         inst.id,
				Symbols:    len(inst.keys),
				Capacity:   inst.limit,
				Connecting: inst.connecting,
				Available:  !m.unavailable(inst),
			}
			if !inst.connecting {
				is.Health = inst.adapter.Health()
			}
			if len(inst.keys) == 0 && !inst.emptySince.IsZero() {
				is.IdleFor = now.Sub(inst.emptySince)
			}
			as.Instances = append(as.Instances, is)
		}
		p.mu.Unlock()

		as.Available = len(as.Instances) == 0
		for _, is := range as.Instances {
			if is.Available {
				as.Available = true
			}
		}

		s.Connections += len(as.Instances)
		s.Streams += as.Streams
		s.Holders += as.Holders
		s.Accounts = append(s.Accounts, as)
	}
	return s
}

func resultLabel(h Handle, err error) string {
	switch {
	case err == nil && h.Shared:
		return "shared"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, ErrBrokerUnavailable):
		return "unavailable"
	case errors.Is(err, broker.ErrUnsupportedSymbol):
		return "unsupported"
	default:
		return "error"
	}
}
