package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/marketcalls/openalgo-sub010/internal/auth"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// State is the lifecycle state of a client session.
type State int32

const (
	StateConnected State = iota
	StateAuthenticating
	StateIdle
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type session struct {
	id      string
	p       *Proxy
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context // cancelled on disconnect
	cancel context.CancelFunc

	send       chan []byte // never closed; the writer exits on done
	done       chan struct{}
	writerDone chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	mu       sync.Mutex
	closed   bool
	clientID string
	acct     string
	limit    int
	topics   map[model.StreamKey]*topicState
}

func newSession(p *Proxy, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:         uuid.NewString(),
		p:          p,
		conn:       conn,
		limiter:    rate.NewLimiter(rate.Limit(p.cfg.ControlRate), p.cfg.ControlBurst),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, p.cfg.OutboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		topics:     make(map[model.StreamKey]*topicState),
	}
	s.logger = p.logger.With("session", s.id)
	s.state.Store(int32(StateConnected))
	return s
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) { s.state.Store(int32(st)) }

// run serves the session until the client goes away or disconnect is
// called.
func (s *session) run() {
	go s.writePump()
	s.readPump()
	s.disconnect("connection closed")
	<-s.writerDone
}

// -----------------------------------------------------------------------------
// Read side
// -----------------------------------------------------------------------------

func (s *session) authenticated() bool {
	st := s.State()
	return st == StateIdle || st == StateStreaming
}

func (s *session) extendDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(s.p.cfg.HeartbeatTimeout))
}

func (s *session) readPump() {
	s.conn.SetReadLimit(s.p.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.p.cfg.AuthTimeout))
	s.conn.SetPongHandler(func(string) error {
		if s.authenticated() {
			s.extendDeadline()
		}
		return nil
	})
	s.setState(StateAuthenticating)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if !s.authenticated() && errors.As(err, &ne) && ne.Timeout() {
				s.enqueue(errorFrame{Type: "error", Code: CodeUnauthenticated, Message: "authentication timeout"})
				s.p.metrics.SessionEvent(actionAuthenticate, "timeout")
				s.disconnect("authentication timeout")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}
		if s.authenticated() {
			s.extendDeadline()
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			s.enqueue(errorFrame{Type: "error", Code: CodeInvalidRequest, Message: "malformed frame"})
			continue
		}

		if !s.limiter.Allow() {
			s.p.metrics.SessionEvent(req.Action, "rate_limited")
			s.reject(req, errRateLimited)
			continue
		}

		if !s.authenticated() {
			if req.Action != actionAuthenticate {
				s.reject(req, errUnauthenticated)
				continue
			}
			if !s.authenticate(req) {
				return
			}
			continue
		}

		s.handle(req)
	}
}

func (s *session) authenticate(req request) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.p.cfg.AuthTimeout)
	defer cancel()

	id, err := s.p.validator.ValidateClientToken(ctx, req.credential())
	if err != nil {
		s.p.metrics.SessionEvent(actionAuthenticate, "error")
		s.logger.Info("client authentication failed", "error", err)
		reason := "invalid token"
		if !errors.Is(err, auth.ErrAuth) {
			reason = "authentication unavailable"
		}
		s.enqueue(authReply{Type: "auth", Status: "error", Reason: reason})
		s.disconnect("authentication failed")
		return false
	}

	acct := id.Account
	if acct == "" {
		acct = s.p.cfg.DefaultAccount
	}
	limit := s.p.cfg.MaxSymbolsPerSession
	if id.MaxSymbols > 0 && id.MaxSymbols < limit {
		limit = id.MaxSymbols
	}

	s.mu.Lock()
	s.clientID = id.ClientID
	s.acct = acct
	s.limit = limit
	s.mu.Unlock()

	s.setState(StateIdle)
	s.extendDeadline()
	s.logger.Debug("client authenticated", "client", id.ClientID, "account", acct, "max_symbols", limit)
	s.p.metrics.SessionEvent(actionAuthenticate, "ok")
	s.enqueue(authReply{Type: "auth", Status: "ok", ClientID: id.ClientID})
	return true
}

func (s *session) handle(req request) {
	switch req.Action {
	case actionSubscribe:
		s.subscribe(req)
	case actionUnsubscribe:
		s.unsubscribe(req)
	case actionHeartbeat:
		s.enqueueRaw(heartbeatFrame)
	case actionPong:
	case actionAuthenticate:
		s.enqueue(errorFrame{Type: "error", Code: CodeInvalidRequest, Message: "already authenticated"})
	default:
		s.enqueue(errorFrame{Type: "error", Code: CodeInvalidRequest, Message: "unknown action"})
	}
}

// reject answers req with err in the shape of its action.
func (s *session) reject(req request, err error) {
	switch req.Action {
	case actionSubscribe, actionUnsubscribe:
		s.enqueue(errReply(req.Action, req, err))
	default:
		s.enqueue(errorFrame{Type: "error", Code: codeFor(err), Message: message(err)})
	}
}

func (s *session) subscribe(req request) {
	key, err := req.streamKey()
	if err != nil {
		s.p.metrics.SessionEvent(actionSubscribe, "invalid")
		s.reject(req, err)
		return
	}

	s.mu.Lock()
	_, dup := s.topics[key]
	full := len(s.topics) >= s.limit
	acct := s.acct
	s.mu.Unlock()
	if dup {
		s.enqueue(okReply(actionSubscribe, key))
		return
	}

	if _, err := s.p.resolver.ResolveSymbol(s.ctx, key.Exchange, key.Symbol); err != nil {
		s.p.metrics.SessionEvent(actionSubscribe, "invalid_symbol")
		s.reject(req, err)
		return
	}
	if full {
		s.p.metrics.SessionEvent(actionSubscribe, "limit")
		s.reject(req, errSessionLimit)
		return
	}

	if _, err := s.p.manager.RequestSubscription(s.ctx, s.id, acct, key); err != nil {
		s.p.metrics.SessionEvent(actionSubscribe, "error")
		s.logger.Debug("subscription refused", "key", key.String(), "error", err)
		s.reject(req, err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.p.manager.ReleaseSubscription(s.id, acct, key)
		return
	}
	s.topics[key] = &topicState{key: key, window: s.p.cfg.Throttle.For(key.Mode)}
	s.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming))
	s.mu.Unlock()

	if !s.p.attach(key, s) {
		return
	}
	s.p.metrics.SessionEvent(actionSubscribe, "ok")
	s.enqueue(okReply(actionSubscribe, key))
}

func (s *session) unsubscribe(req request) {
	key, err := req.streamKey()
	if err != nil {
		s.reject(req, err)
		return
	}

	s.mu.Lock()
	ts, held := s.topics[key]
	if held {
		ts.stop()
		delete(s.topics, key)
	}
	empty := len(s.topics) == 0
	acct := s.acct
	s.mu.Unlock()

	if held {
		s.p.detach(key, s)
		s.p.manager.ReleaseSubscription(s.id, acct, key)
		if empty {
			s.state.CompareAndSwap(int32(StateStreaming), int32(StateIdle))
		}
	}
	s.p.metrics.SessionEvent(actionUnsubscribe, "ok")
	s.enqueue(okReply(actionUnsubscribe, key))
}

// -----------------------------------------------------------------------------
// Write side
// -----------------------------------------------------------------------------

// enqueue queues a control frame. A full queue drops the frame.
func (s *session) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal frame", "error", err)
		return
	}
	s.enqueueRaw(data)
}

func (s *session) enqueueRaw(data []byte) {
	select {
	case s.send <- data:
	default:
		s.p.metrics.OutboundDropped()
		s.logger.Warn("outbound queue full, control frame dropped")
	}
}

func (s *session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.p.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.p.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.disconnect("write failed")
				return
			}

		case <-ticker.C:
			if err := s.write(heartbeatFrame); err != nil {
				s.disconnect("heartbeat failed")
				return
			}
			deadline := time.Now().Add(s.p.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.disconnect("ping failed")
				return
			}

		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes what is still queued, then the close frame.
func (s *session) flush() {
	for {
		select {
		case data := <-s.send:
			if err := s.write(data); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(s.p.cfg.WriteTimeout)
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Disconnect
// -----------------------------------------------------------------------------

// disconnect releases every subscription of the session and stops its
// pumps. Only the first call has any effect.
func (s *session) disconnect(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.cancel()

		s.mu.Lock()
		s.closed = true
		topics := s.topics
		s.topics = nil
		acct := s.acct
		s.mu.Unlock()

		for key, ts := range topics {
			ts.stop()
			s.p.detach(key, s)
			s.p.manager.ReleaseSubscription(s.id, acct, key)
		}

		close(s.done)
		s.p.forget(s)
		s.setState(StateClosed)
		s.logger.Debug("session closed", "reason", reason, "released", len(topics))
	})
}
