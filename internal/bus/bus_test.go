package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcalls/openalgo-sub010/internal/metrics"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

var reliance = model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)

func tick(key model.StreamKey, ltp int64) model.Tick {
	return model.Tick{
		Exchange: key.Exchange,
		Symbol:   key.Symbol,
		Mode:     key.Mode,
		LTP:      decimal.NewFromInt(ltp),
	}
}

func recvN(t *testing.T, s *Subscription, n int) []model.Tick {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out []model.Tick
	for len(out) < n {
		tk, ok := s.Recv(ctx)
		require.True(t, ok, "received %d of %d ticks", len(out), n)
		out = append(out, tk)
	}
	return out
}

func TestBus_FanOutPreservesOrder(t *testing.T) {
	b := New(Options{QueueSize: 16})
	a := b.Subscribe(reliance)
	c := b.Subscribe(reliance)
	defer a.Close()
	defer c.Close()

	for i := int64(1); i <= 5; i++ {
		b.Publish(tick(reliance, i))
	}

	for _, s := range []*Subscription{a, c} {
		got := recvN(t, s, 5)
		for i, tk := range got {
			assert.True(t, tk.LTP.Equal(decimal.NewFromInt(int64(i+1))), "tick %d = %s", i, tk.LTP)
		}
	}
	assert.Equal(t, 2, b.Subscribers(reliance))
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	b := New(Options{})
	infy := model.NewStreamKey("NSE", "INFY", model.ModeLTP)
	relianceQuote := model.NewStreamKey("NSE", "RELIANCE", model.ModeQuote)

	s := b.Subscribe(reliance)
	defer s.Close()

	b.Publish(tick(infy, 1))
	b.Publish(tick(relianceQuote, 2))
	b.Publish(tick(reliance, 3))

	got := recvN(t, s, 1)
	assert.Equal(t, reliance, got[0].Key())
	_, ok := s.TryRecv()
	assert.False(t, ok)

	stats := b.Stats()
	assert.Equal(t, int64(3), stats.Published)
	assert.Equal(t, int64(2), stats.Unrouted)
	assert.Equal(t, 1, stats.Topics)
}

func TestBus_OverflowDropsOldest(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := New(Options{QueueSize: 3, Metrics: metrics.New(reg)})
	s := b.Subscribe(reliance)
	defer s.Close()

	for i := int64(1); i <= 10; i++ {
		b.Publish(tick(reliance, i))
	}

	got := recvN(t, s, 3)
	assert.True(t, got[0].LTP.Equal(decimal.NewFromInt(8)))
	assert.True(t, got[2].LTP.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(7), b.Stats().Overflowed)
	assert.Equal(t, int64(7), s.Stats().TotalDropped)
}

func TestBus_SlowConsumerDoesNotAffectOthers(t *testing.T) {
	b := New(Options{QueueSize: 2})
	slow := b.Subscribe(reliance)
	fast := b.Subscribe(reliance)
	defer slow.Close()
	defer fast.Close()

	for i := int64(1); i <= 4; i++ {
		b.Publish(tick(reliance, i))
		recvN(t, fast, 1)
	}

	got := recvN(t, slow, 2)
	assert.True(t, got[0].LTP.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, int64(0), fast.Stats().TotalDropped)
}

func TestSubscription_Close(t *testing.T) {
	b := New(Options{})
	s := b.Subscribe(reliance)
	s.Close()
	s.Close()

	assert.Equal(t, 0, b.Subscribers(reliance))
	assert.Equal(t, 0, b.Stats().Topics)

	_, ok := s.Recv(context.Background())
	assert.False(t, ok)

	// Publishing to a closed topic is a counted drop.
	b.Publish(tick(reliance, 1))
	assert.Equal(t, int64(1), b.Stats().Unrouted)
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := New(Options{QueueSize: 64})
	keys := []model.StreamKey{
		reliance,
		model.NewStreamKey("NSE", "INFY", model.ModeLTP),
		model.NewStreamKey("NSE", "TCS", model.ModeDepth),
	}

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k model.StreamKey) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(tick(k, int64(i)))
			}
		}(k)
		wg.Add(1)
		go func(k model.StreamKey) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s := b.Subscribe(k)
				s.TryRecv()
				s.Close()
			}
		}(k)
	}
	wg.Wait()

	assert.Equal(t, int64(600), b.Stats().Published)
	assert.Equal(t, 0, b.Stats().Topics)
}

// -----------------------------------------------------------------------------
// Tee
// -----------------------------------------------------------------------------

type recordingMirror struct {
	name string
	fail bool

	mu     sync.Mutex
	ticks  []model.Tick
	closed bool
}

func (m *recordingMirror) Name() string { return m.name }

func (m *recordingMirror) Forward(ctx context.Context, ticks []model.Tick) error {
	if m.fail {
		return errors.New("mirror down")
	}
	m.mu.Lock()
	m.ticks = append(m.ticks, ticks...)
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

func TestTee_ForwardsToPrimaryAndMirrors(t *testing.T) {
	b := New(Options{})
	s := b.Subscribe(reliance)
	defer s.Close()

	good := &recordingMirror{name: "good"}
	bad := &recordingMirror{name: "bad", fail: true}
	tee := NewTee(b, TeeOptions{BatchSize: 4}, good, bad)
	tee.Start(context.Background())

	for i := int64(1); i <= 10; i++ {
		tee.Publish(tick(reliance, i))
	}

	recvN(t, s, 10)
	assert.Eventually(t, func() bool { return good.count() == 10 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tee.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestTee_NoMirrors(t *testing.T) {
	b := New(Options{})
	s := b.Subscribe(reliance)
	defer s.Close()

	tee := NewTee(b, TeeOptions{})
	tee.Start(context.Background())
	tee.Publish(tick(reliance, 1))
	recvN(t, s, 1)
	require.NoError(t, tee.Close())
}

// -----------------------------------------------------------------------------
// Mirrors
// -----------------------------------------------------------------------------

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaTap_Forward(t *testing.T) {
	w := &fakeKafkaWriter{}
	tap := &KafkaTap{writer: w}

	tk := tick(reliance, 2500)
	tk.ReceivedAt = time.Unix(1700000000, 0)
	require.NoError(t, tap.Forward(context.Background(), []model.Tick{tk}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "NSE:RELIANCE:LTP", string(w.msgs[0].Key))
	assert.Equal(t, tk.ReceivedAt, w.msgs[0].Time)

	var decoded model.Tick
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "RELIANCE", decoded.Symbol)
	assert.True(t, decoded.LTP.Equal(decimal.NewFromInt(2500)))

	require.NoError(t, tap.Close())
	assert.True(t, w.closed)
	assert.Equal(t, "kafka", tap.Name())
}

func TestRedisMirror_Channel(t *testing.T) {
	m := NewRedisMirror(nil, "")
	assert.Equal(t, "ticks.NSE:RELIANCE:LTP", m.Channel(reliance))
	assert.Equal(t, "redis", m.Name())

	custom := NewRedisMirror(nil, "md:")
	assert.Equal(t, "md:NSE:RELIANCE:LTP", custom.Channel(reliance))
}
