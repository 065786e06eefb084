package bus

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

const shardCount = 32

// DefaultQueueSize is the per-subscription queue length.
const DefaultQueueSize = 256

// Publisher accepts normalized ticks. Publish never blocks.
type Publisher interface {
	Publish(t model.Tick)
}

// Options configures a Bus.
type Options struct {
	QueueSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Bus is an in-process topic bus keyed by model.StreamKey. Each subscription
// owns a bounded drop-oldest queue, so a slow consumer only loses its own
// oldest ticks.
type Bus struct {
	shards    [shardCount]shard
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	published  atomic.Int64
	unrouted   atomic.Int64
	overflowed atomic.Int64
}

type shard struct {
	mu     sync.RWMutex
	topics map[model.StreamKey][]*Subscription // copy on write
}

// New creates a bus.
func New(opts Options) *Bus {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bus{
		queueSize: opts.QueueSize,
		logger:    opts.Logger.With("component", "bus"),
		metrics:   opts.Metrics,
	}
	for i := range b.shards {
		b.shards[i].topics = make(map[model.StreamKey][]*Subscription)
	}
	return b
}

func (b *Bus) shardFor(key model.StreamKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Exchange))
	h.Write([]byte{':'})
	h.Write([]byte(key.Symbol))
	h.Write([]byte{byte(key.Mode)})
	return &b.shards[h.Sum32()%shardCount]
}

// Publish delivers t to every subscriber of t.Key(). Ticks for topics
// without subscribers are dropped and counted.
func (b *Bus) Publish(t model.Tick) {
	key := t.Key()
	sh := b.shardFor(key)

	sh.mu.RLock()
	subs := sh.topics[key]
	sh.mu.RUnlock()

	b.published.Add(1)
	b.metrics.BusPublished()

	if len(subs) == 0 {
		b.unrouted.Add(1)
		b.metrics.BusUnrouted()
		return
	}

	for _, s := range subs {
		dropped, ok := s.ring.Push(t)
		if ok && dropped > 0 {
			b.overflowed.Add(int64(dropped))
			b.metrics.BusOverflowed(dropped)
		}
	}
}

// Subscribe opens a queue on key. The caller must Close it.
func (b *Bus) Subscribe(key model.StreamKey) *Subscription {
	s := &Subscription{
		key:  key,
		ring: NewRing[model.Tick](b.queueSize),
		bus:  b,
	}

	sh := b.shardFor(key)
	sh.mu.Lock()
	cur := sh.topics[key]
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	sh.topics[key] = append(next, s)
	sh.mu.Unlock()

	return s
}

func (b *Bus) remove(s *Subscription) {
	sh := b.shardFor(s.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur := sh.topics[s.key]
	next := make([]*Subscription, 0, len(cur))
	for _, other := range cur {
		if other != s {
			next = append(next, other)
		}
	}
	if len(next) == 0 {
		delete(sh.topics, s.key)
		return
	}
	sh.topics[s.key] = next
}

// Subscribers returns the number of open subscriptions on key.
func (b *Bus) Subscribers(key model.StreamKey) int {
	sh := b.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.topics[key])
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	topics := 0
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		topics += len(sh.topics)
		sh.mu.RUnlock()
	}
	return Stats{
		Topics:     topics,
		Published:  b.published.Load(),
		Unrouted:   b.unrouted.Load(),
		Overflowed: b.overflowed.Load(),
	}
}

// Stats contains bus counters.
type Stats struct {
	Topics     int   `json:"topics"`
	Published  int64 `json:"published"`
	Unrouted   int64 `json:"unrouted"`
	Overflowed int64 `json:"overflowed"`
}

// Subscription is one consumer queue on a topic.
type Subscription struct {
	key  model.StreamKey
	ring *Ring[model.Tick]
	bus  *Bus
	once sync.Once
}

// Key returns the subscribed topic.
func (s *Subscription) Key() model.StreamKey { return s.key }

// Recv blocks for the next tick. It returns false once the subscription is
// closed and drained, or ctx ends.
func (s *Subscription) Recv(ctx context.Context) (model.Tick, bool) {
	return s.ring.Pop(ctx)
}

// TryRecv returns the next tick without blocking.
func (s *Subscription) TryRecv() (model.Tick, bool) {
	return s.ring.TryPop()
}

// Stats returns the queue statistics of this subscription.
func (s *Subscription) Stats() RingStats {
	return s.ring.Stats()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.ring.Close()
	})
}
