package proxy

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

func newTestSession(t *testing.T, window time.Duration, buffer int) (*session, model.StreamKey) {
	t.Helper()
	p := &Proxy{logger: slog.Default()}
	p.cfg.applyDefaults()

	key := model.NewStreamKey("NSE", "RELIANCE", model.ModeLTP)
	s := &session{
		p:      p,
		logger: p.logger,
		send:   make(chan []byte, buffer),
		acct:   "acct",
		topics: map[model.StreamKey]*topicState{key: {key: key, window: window}},
	}
	t.Cleanup(func() {
		s.mu.Lock()
		s.closed = true
		for _, ts := range s.topics {
			ts.stop()
		}
		s.mu.Unlock()
	})
	return s, key
}

func priceOf(t *testing.T, data []byte) string {
	t.Helper()
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	require.Equal(t, "tick", f.Type)
	return f.Data.LTP.String()
}

func TestThrottle_BurstYieldsLatest(t *testing.T) {
	s, key := newTestSession(t, 50*time.Millisecond, 16)

	const k = 100
	for i := 1; i <= k; i++ {
		s.deliver(key, ltpTick("RELIANCE", strconv.Itoa(i)))
	}
	assert.Len(t, s.send, 0, "nothing is sent before the window closes")

	require.Eventually(t, func() bool { return len(s.send) == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, s.send, 1)
	assert.Equal(t, "100", priceOf(t, <-s.send))

	// The next tick opens a new window.
	s.deliver(key, ltpTick("RELIANCE", "101"))
	require.Eventually(t, func() bool { return len(s.send) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "101", priceOf(t, <-s.send))
}

func TestThrottle_ZeroWindowSendsEveryTick(t *testing.T) {
	s, key := newTestSession(t, 0, 16)

	for i := 1; i <= 3; i++ {
		s.deliver(key, ltpTick("RELIANCE", strconv.Itoa(i)))
	}
	require.Len(t, s.send, 3)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, strconv.Itoa(i), priceOf(t, <-s.send))
	}
}

func TestThrottle_FullQueueKeepsLatest(t *testing.T) {
	s, key := newTestSession(t, 0, 1)

	s.deliver(key, ltpTick("RELIANCE", "1"))
	s.deliver(key, ltpTick("RELIANCE", "2")) // queue full: pending
	s.deliver(key, ltpTick("RELIANCE", "3")) // replaces 2

	time.Sleep(3 * retryDelay)
	require.Len(t, s.send, 1, "the queue never grows past its bound")
	assert.Equal(t, "1", priceOf(t, <-s.send))

	require.Eventually(t, func() bool { return len(s.send) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "3", priceOf(t, <-s.send))

	time.Sleep(3 * retryDelay)
	assert.Len(t, s.send, 0)
}

func TestThrottle_WindowRearmsWhenFull(t *testing.T) {
	s, key := newTestSession(t, 20*time.Millisecond, 1)
	s.send <- []byte(`{"type":"heartbeat"}`)

	s.deliver(key, ltpTick("RELIANCE", "42"))
	time.Sleep(60 * time.Millisecond)
	require.Len(t, s.send, 1)
	<-s.send

	require.Eventually(t, func() bool { return len(s.send) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "42", priceOf(t, <-s.send))
}

func TestThrottle_DropsForeignAndStale(t *testing.T) {
	s, key := newTestSession(t, 0, 16)

	foreign := ltpTick("RELIANCE", "1")
	foreign.Account = "other"
	s.deliver(key, foreign)

	s.deliver(model.NewStreamKey("NSE", "TCS", model.ModeLTP), ltpTick("TCS", "2"))

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.deliver(key, ltpTick("RELIANCE", "3"))

	assert.Len(t, s.send, 0)
}

func TestThrottle_UnsubscribeCancelsPending(t *testing.T) {
	s, key := newTestSession(t, 20*time.Millisecond, 4)

	s.deliver(key, ltpTick("RELIANCE", "1"))
	s.mu.Lock()
	s.topics[key].stop()
	delete(s.topics, key)
	s.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, s.send, 0)
}

func TestThrottleFor(t *testing.T) {
	th := Throttle{LTP: time.Millisecond, Quote: 2 * time.Millisecond, Depth: 3 * time.Millisecond}
	assert.Equal(t, time.Millisecond, th.For(model.ModeLTP))
	assert.Equal(t, 2*time.Millisecond, th.For(model.ModeQuote))
	assert.Equal(t, 3*time.Millisecond, th.For(model.ModeDepth))
}

func TestRequestMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    model.Mode
		wantErr bool
	}{
		{``, model.ModeLTP, false},
		{`"LTP"`, model.ModeLTP, false},
		{`"quote"`, model.ModeQuote, false},
		{`3`, model.ModeDepth, false},
		{`"2"`, model.ModeQuote, false},
		{`"full"`, 0, true},
		{`4`, 0, true},
		{`{}`, 0, true},
	}
	for _, tt := range tests {
		got, err := request{Mode: json.RawMessage(tt.raw)}.mode()
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
