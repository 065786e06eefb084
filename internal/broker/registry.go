package broker

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter for one broker account.
type Factory func(opts Options) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a broker available by name. It is called from the init
// function of each broker package and panics on duplicates.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("broker: Register factory is nil for " + name)
	}
	if _, dup := registry[name]; dup {
		panic("broker: Register called twice for " + name)
	}
	registry[name] = factory
}

// New builds an adapter for the named broker.
func New(name string, opts Options) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, name)
	}
	return factory(opts)
}

// Names returns the registered broker names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registered reports whether name has a factory.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// CodecFactory registers a codec-backed broker. Most broker packages call
// this from init.
func CodecFactory(name string, newCodec func(opts Options) (Codec, error)) Factory {
	return func(opts Options) (Adapter, error) {
		codec, err := newCodec(opts)
		if err != nil {
			return nil, fmt.Errorf("%s codec: %w", name, err)
		}
		return NewStream(name, codec, opts), nil
	}
}
