// Package brokertest provides an in-memory broker.Adapter for tests.
package brokertest

import (
	"context"
	"slices"
	"sync"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/model"
)

var _ broker.Adapter = (*Adapter)(nil)

// Call is one recorded upstream command.
type Call struct {
	Op  string // "subscribe" or "unsubscribe"
	Key model.StreamKey
}

// Adapter is a scripted broker.Adapter. It keeps the set of upstream
// subscriptions and records every command in order.
type Adapter struct {
	name     string
	account  string
	capacity int

	mu         sync.Mutex
	connected  bool
	closed     bool
	creds      broker.Credentials
	subscribed map[model.StreamKey]bool
	calls      []Call
	health     broker.Health
	handlers   []func(model.Tick)

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// SubscribeErr returns a per-key subscribe error when set.
	SubscribeErr func(key model.StreamKey) error
	// SubscribeHook runs before a subscription is recorded. Tests use it to
	// block or slow the upstream round trip.
	SubscribeHook func(ctx context.Context, key model.StreamKey)
}

// New returns a fake adapter with the given symbol capacity.
func New(name string, capacity int) *Adapter {
	return &Adapter{
		name:       name,
		capacity:   capacity,
		subscribed: make(map[model.StreamKey]bool),
		health:     broker.Health{State: broker.StateDisconnected},
	}
}

func (a *Adapter) Broker() string { return a.name }

func (a *Adapter) Capacity() int { return a.capacity }

func (a *Adapter) Connect(ctx context.Context, creds broker.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return broker.ErrAlreadyClosed
	}
	if a.ConnectErr != nil {
		a.health.ConsecutiveFailures++
		a.health.LastError = a.ConnectErr.Error()
		return a.ConnectErr
	}
	a.connected = true
	a.creds = creds
	a.health.State = broker.StateStreaming
	a.health.ConsecutiveFailures = 0
	return nil
}

func (a *Adapter) SubscribeUpstream(ctx context.Context, key model.StreamKey) error {
	if hook := a.SubscribeHook; hook != nil {
		hook(ctx, key)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return broker.ErrAlreadyClosed
	}
	if a.SubscribeErr != nil {
		if err := a.SubscribeErr(key); err != nil {
			return err
		}
	}
	if a.subscribed[key] {
		return nil
	}
	if a.capacity > 0 && len(a.subscribed) >= a.capacity {
		return broker.ErrCapacity
	}
	a.subscribed[key] = true
	a.calls = append(a.calls, Call{Op: "subscribe", Key: key})
	return nil
}

func (a *Adapter) UnsubscribeUpstream(key model.StreamKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.subscribed[key] {
		return
	}
	delete(a.subscribed, key)
	a.calls = append(a.calls, Call{Op: "unsubscribe", Key: key})
}

func (a *Adapter) OnTick(fn func(model.Tick)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

func (a *Adapter) Health() broker.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.health
	h.Subscribed = len(a.subscribed)
	return h
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.connected = false
	a.health.State = broker.StateDisconnected
	return nil
}

// Emit delivers t to every registered tick callback, as if the broker had
// sent it. Broker and Account are filled in when empty.
func (a *Adapter) Emit(t model.Tick) {
	a.mu.Lock()
	handlers := slices.Clone(a.handlers)
	a.mu.Unlock()

	if t.Broker == "" {
		t.Broker = a.name
	}
	if t.Account == "" {
		t.Account = a.account
	}
	for _, h := range handlers {
		h(t)
	}
}

// SetHealth overrides the reported state and failure count.
func (a *Adapter) SetHealth(state broker.State, failures int) {
	a.mu.Lock()
	a.health.State = state
	a.health.ConsecutiveFailures = failures
	a.mu.Unlock()
}

// Subscribed reports whether key is currently subscribed upstream.
func (a *Adapter) Subscribed(key model.StreamKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscribed[key]
}

// Keys returns the upstream subscriptions.
func (a *Adapter) Keys() []model.StreamKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]model.StreamKey, 0, len(a.subscribed))
	for k := range a.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// Calls returns the recorded commands in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Connected reports whether Connect succeeded and Close was not called.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Closed reports whether Close was called.
func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Credentials returns what Connect received.
func (a *Adapter) Credentials() broker.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// Factory builds fake adapters and remembers each one.
type Factory struct {
	Name     string
	Capacity int
	// Configure, when set, runs on every new adapter before it is returned.
	Configure func(*Adapter)

	mu       sync.Mutex
	adapters []*Adapter
}

// New implements the adapter constructor used by the connection manager.
func (f *Factory) New(opts broker.Options) (broker.Adapter, error) {
	a := New(f.Name, f.Capacity)
	a.account = opts.AccountID
	if f.Configure != nil {
		f.Configure(a)
	}
	f.mu.Lock()
	f.adapters = append(f.adapters, a)
	f.mu.Unlock()
	return a, nil
}

// Adapters returns every adapter built so far, in creation order.
func (f *Factory) Adapters() []*Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Adapter(nil), f.adapters...)
}
