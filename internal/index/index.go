// Package index maps streams to the client sessions subscribed to them.
package index

import (
	"hash/fnv"
	"sync"

	"github.com/marketcalls/openalgo-sub010/internal/model"
)

// DefaultShards is the shard count used by New when shards < 1.
const DefaultShards = 64

// Index is a sharded map from model.StreamKey to a set of subscribers.
// Add, Remove and lookup are O(1) and only lock the shard owning the key.
type Index[S comparable] struct {
	shards []*shard[S]
}

type shard[S comparable] struct {
	mu     sync.RWMutex
	topics map[model.StreamKey]map[S]struct{}
}

// New creates an index with the given number of shards.
func New[S comparable](shards int) *Index[S] {
	if shards < 1 {
		shards = DefaultShards
	}
	idx := &Index[S]{shards: make([]*shard[S], shards)}
	for i := range idx.shards {
		idx.shards[i] = &shard[S]{topics: make(map[model.StreamKey]map[S]struct{})}
	}
	return idx
}

func (x *Index[S]) shardFor(key model.StreamKey) *shard[S] {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return x.shards[h.Sum32()%uint32(len(x.shards))]
}

// Add records sub on key. added is false when it was already present;
// first is true when sub is the only subscriber afterwards.
func (x *Index[S]) Add(key model.StreamKey, sub S) (added, first bool) {
	sh := x.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.topics[key]
	if !ok {
		set = make(map[S]struct{})
		sh.topics[key] = set
	}
	if _, dup := set[sub]; dup {
		return false, false
	}
	set[sub] = struct{}{}
	return true, len(set) == 1
}

// Remove deletes sub from key. removed is false when it was not present;
// last is true when key has no subscribers left.
func (x *Index[S]) Remove(key model.StreamKey, sub S) (removed, last bool) {
	sh := x.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set, ok := sh.topics[key]
	if !ok {
		return false, false
	}
	if _, ok := set[sub]; !ok {
		return false, false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(sh.topics, key)
		return true, true
	}
	return true, false
}

// Contains reports whether sub is subscribed to key.
func (x *Index[S]) Contains(key model.StreamKey, sub S) bool {
	sh := x.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.topics[key][sub]
	return ok
}

// Subscribers returns a snapshot of the subscribers of key.
func (x *Index[S]) Subscribers(key model.StreamKey) []S {
	sh := x.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set := sh.topics[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]S, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Count returns the number of subscribers of key.
func (x *Index[S]) Count(key model.StreamKey) int {
	sh := x.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.topics[key])
}

// Topics returns every key with at least one subscriber.
func (x *Index[S]) Topics() []model.StreamKey {
	var out []model.StreamKey
	for _, sh := range x.shards {
		sh.mu.RLock()
		for k := range sh.topics {
			out = append(out, k)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len returns the number of (key, subscriber) pairs.
func (x *Index[S]) Len() int {
	n := 0
	for _, sh := range x.shards {
		sh.mu.RLock()
		for _, set := range sh.topics {
			n += len(set)
		}
		sh.mu.RUnlock()
	}
	return n
}
