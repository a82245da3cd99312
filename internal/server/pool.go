package server

import (
	"errors"
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// indexShardCount must be a power of 2.
const indexShardCount = 32

// ErrTableFull is returned when the connection limit is reached.
var ErrTableFull = errors.New("connection table is full")

type indexShard[V comparable] struct {
	mu      sync.RWMutex
	entries map[string]V
}

// shardedIndex is a string-keyed map split across shards so that lookups from
// many connection goroutines rarely contend on the same lock.
type shardedIndex[V comparable] struct {
	shards   [indexShardCount]*indexShard[V]
	hashSeed maphash.Seed
	maxSize  int32 // zero means unbounded
	size     atomic.Int32
}

func newShardedIndex[V comparable](maxSize int) *shardedIndex[V] {
	idx := &shardedIndex[V]{
		maxSize:  int32(maxSize),
		hashSeed: maphash.MakeSeed(),
	}
	const minShardCapacity = 16
	shardCapacity := maxSize / indexShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}
	for i := range indexShardCount {
		idx.shards[i] = &indexShard[V]{entries: make(map[string]V, shardCapacity)}
	}
	return idx
}

func (x *shardedIndex[V]) shard(key string) *indexShard[V] {
	h := maphash.String(x.hashSeed, key)
	return x.shards[h&(indexShardCount-1)]
}

// add inserts v under key unless the key is already present.
func (x *shardedIndex[V]) add(key string, v V) error {
	if x.maxSize > 0 && x.size.Load() >= x.maxSize {
		return ErrTableFull
	}
	s := x.shard(key)
	s.mu.Lock()
	if _, exists := s.entries[key]; !exists {
		s.entries[key] = v
		x.size.Add(1)
	}
	s.mu.Unlock()
	return nil
}

// swap stores v under key and returns the previous value, if any.
func (x *shardedIndex[V]) swap(key string, v V) (V, bool) {
	s := x.shard(key)
	s.mu.Lock()
	prev, existed := s.entries[key]
	s.entries[key] = v
	if !existed {
		x.size.Add(1)
	}
	s.mu.Unlock()
	return prev, existed
}

func (x *shardedIndex[V]) get(key string) (V, bool) {
	s := x.shard(key)
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	return v, ok
}

// removeIf deletes key only while it still maps to v, and reports whether it did.
func (x *shardedIndex[V]) removeIf(key string, v V) bool {
	s := x.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.entries[key]
	if !exists || cur != v {
		return false
	}
	delete(s.entries, key)
	x.size.Add(-1)
	return true
}

func (x *shardedIndex[V]) len() int {
	return int(x.size.Load())
}

// snapshot copies keys and values shard by shard; callers iterate without locks held.
func (x *shardedIndex[V]) snapshot() map[string]V {
	out := make(map[string]V, x.len())
	for i := range indexShardCount {
		s := x.shards[i]
		s.mu.RLock()
		for k, v := range s.entries {
			out[k] = v
		}
		s.mu.RUnlock()
	}
	return out
}
