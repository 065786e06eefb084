package proxy

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/marketcalls/openalgo-sub010/internal/auth"
	"github.com/marketcalls/openalgo-sub010/internal/bus"
	"github.com/marketcalls/openalgo-sub010/internal/connection"
	"github.com/marketcalls/openalgo-sub010/internal/index"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

const topicLockStripes = 64

// Manager grants and releases upstream streams.
type Manager interface {
	RequestSubscription(ctx context.Context, clientID, accountID string, key model.StreamKey) (connection.Handle, error)
	ReleaseSubscription(clientID, accountID string, key model.StreamKey) bool
}

// Topics opens bus subscriptions.
type Topics interface {
	Subscribe(key model.StreamKey) *bus.Subscription
}

// Proxy accepts client websocket sessions.
type Proxy struct {
	cfg       Config
	manager   Manager
	topics    Topics
	resolver  instrument.Resolver
	validator auth.Validator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	index *index.Index[*session]

	// topicLocks serialize index membership changes with the consumer
	// lifecycle of the same topic.
	topicLocks  [topicLockStripes]sync.Mutex
	consumersMu sync.Mutex
	consumers   map[model.StreamKey]*consumer

	sessionsMu sync.Mutex
	sessions   map[string]*session
	closed     atomic.Bool
	wg         sync.WaitGroup
}

type consumer struct {
	sub    *bus.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// New creates a proxy. resolver validates symbols before the manager is
// asked for a stream.
func New(cfg Config, manager Manager, topics Topics, resolver instrument.Resolver, validator auth.Validator, opts ...Option) *Proxy {
	cfg.applyDefaults()

	p := &Proxy{
		cfg:       cfg,
		manager:   manager,
		topics:    topics,
		resolver:  resolver,
		validator: validator,
		index:     index.New[*session](0),
		consumers: make(map[model.StreamKey]*consumer),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "proxy")

	p.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     p.checkOrigin,
	}
	return p
}

func (p *Proxy) checkOrigin(r *http.Request) bool {
	if len(p.cfg.AllowedOrigins) == 0 || slices.Contains(p.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range p.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := newSession(p, conn)
	p.sessionsMu.Lock()
	p.sessions[s.id] = s
	p.sessionsMu.Unlock()
	p.metrics.SessionOpened()
	p.logger.Debug("session opened", "session", s.id, "remote", r.RemoteAddr)

	p.wg.Add(1)
	defer p.wg.Done()
	s.run()
}

func (p *Proxy) forget(s *session) {
	p.sessionsMu.Lock()
	delete(p.sessions, s.id)
	p.sessionsMu.Unlock()
	p.metrics.SessionClosed()
}

func (p *Proxy) topicLock(key model.StreamKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &p.topicLocks[h.Sum32()%topicLockStripes]
}

// attach adds s to the index and makes sure a consumer reads the topic. It
// reports false when s has already disconnected.
func (p *Proxy) attach(key model.StreamKey, s *session) bool {
	mu := p.topicLock(key)
	mu.Lock()
	defer mu.Unlock()

	// A disconnect that already ran has detached and released key; adding
	// s now would leave it in the index with nobody to remove it.
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	p.index.Add(key, s)

	p.consumersMu.Lock()
	defer p.consumersMu.Unlock()
	if _, ok := p.consumers[key]; ok {
		return true
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &consumer{sub: p.topics.Subscribe(key), cancel: cancel, done: make(chan struct{})}
	p.consumers[key] = c
	go p.consume(ctx, key, c)
	return true
}

// detach removes s from the index and stops the consumer of a topic left
// without sessions. It reports whether s was present.
func (p *Proxy) detach(key model.StreamKey, s *session) bool {
	mu := p.topicLock(key)
	mu.Lock()
	defer mu.Unlock()

	removed, last := p.index.Remove(key, s)
	if !last {
		return removed
	}

	p.consumersMu.Lock()
	c, ok := p.consumers[key]
	delete(p.consumers, key)
	p.consumersMu.Unlock()
	if ok {
		c.cancel()
		c.sub.Close()
	}
	return removed
}

// consume fans the ticks of one topic out to its sessions. A tick is only
// delivered to sessions on the account whose feed produced it.
func (p *Proxy) consume(ctx context.Context, key model.StreamKey, c *consumer) {
	defer close(c.done)
	for {
		t, ok := c.sub.Recv(ctx)
		if !ok {
			return
		}
		for _, s := range p.index.Subscribers(key) {
			s.deliver(key, t)
		}
	}
}

// Stats is a point-in-time view of the proxy.
type Stats struct {
	Sessions  int `json:"sessions"`
	Topics    int `json:"topics"`
	Consumers int `json:"consumers"`
}

// Stats returns session and topic counts.
func (p *Proxy) Stats() Stats {
	p.sessionsMu.Lock()
	sessions := len(p.sessions)
	p.sessionsMu.Unlock()

	p.consumersMu.Lock()
	consumers := len(p.consumers)
	p.consumersMu.Unlock()

	return Stats{Sessions: sessions, Topics: p.index.Len(), Consumers: consumers}
}

// Subscribers returns the number of sessions on key.
func (p *Proxy) Subscribers(key model.StreamKey) int {
	return p.index.Count(key)
}

// Close disconnects every session and waits for their handlers to return.
func (p *Proxy) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.sessionsMu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessionsMu.Unlock()

	for _, s := range sessions {
		s.disconnect("server shutting down")
	}
	p.wg.Wait()

	p.logger.Info("proxy stopped", "sessions", len(sessions))
	return nil
}
