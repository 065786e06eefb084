package proxy

import (
	"encoding/json"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// topicState is the coalescing state of one (session, stream) pair. It is
// guarded by the session mutex.
type topicState struct {
	key     model.StreamKey
	window  time.Duration
	pending model.Tick
	armed   bool // a value is pending and the timer is scheduled
	timer   *time.Timer
}

func (ts *topicState) delay() time.Duration {
	if ts.window > 0 {
		return ts.window
	}
	return retryDelay
}

func (ts *topicState) stop() {
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.armed = false
}

// deliver hands a tick of key to the session. The first tick of a window
// arms the timer; later ticks replace the pending value. Without a window
// the tick is queued directly and only deferred when the queue is full.
func (s *session) deliver(key model.StreamKey, t model.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if t.Account != "" && t.Account != s.acct {
		return
	}
	ts := s.topics[key]
	if ts == nil {
		return
	}

	if ts.armed {
		ts.pending = t
		s.p.metrics.TickCoalesced()
		return
	}
	if ts.window <= 0 && s.enqueueTickLocked(key, t) {
		return
	}

	ts.pending = t
	ts.armed = true
	if ts.timer == nil {
		ts.timer = time.AfterFunc(ts.delay(), func() { s.fire(ts) })
	} else {
		ts.timer.Reset(ts.delay())
	}
}

// fire sends the pending value of ts. A full queue keeps the value and
// re-arms the window.
func (s *session) fire(ts *topicState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !ts.armed || s.topics[ts.key] != ts {
		return
	}
	if s.enqueueTickLocked(ts.key, ts.pending) {
		ts.pending = model.Tick{}
		ts.armed = false
		return
	}
	ts.timer.Reset(ts.delay())
}

func (s *session) enqueueTickLocked(key model.StreamKey, t model.Tick) bool {
	data, err := json.Marshal(tickFrame{
		Type:     "tick",
		Exchange: key.Exchange,
		Symbol:   key.Symbol,
		Mode:     key.Mode,
		Data:     t,
	})
	if err != nil {
		s.logger.Error("marshal tick", "key", key.String(), "error", err)
		return true
	}
	select {
	case s.send <- data:
		s.p.metrics.TickDelivered()
		return true
	default:
		return false
	}
}
