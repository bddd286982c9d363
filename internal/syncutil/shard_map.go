// Package syncutil contains concurrent containers shared by the stack registries.
package syncutil

import (
	"hash/maphash"
	"iter"
	"maps"
	"sync"
)

// ShardMap is a thread-safe map that spreads keys over independently locked shards.
//
// Besides plain get/set it provides the atomic primitives the registries
// rely on: insert-if-absent ([ShardMap.GetOrSet]), read-modify-write under
// the shard lock ([ShardMap.Compute]) and compare-and-delete ([ShardMap.DelIf]).
type ShardMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards []*shard[K, V]
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// ShardsNum is an option of [NewShardMap] that sets the number of shards.
type ShardsNum uint

const defShardsNum ShardsNum = 32

// NewShardMap creates a new [ShardMap].
// The number of shards defaults to 32 and can be set with a [ShardsNum] option.
func NewShardMap[K comparable, V any](opts ...any) *ShardMap[K, V] {
	var num ShardsNum
	for _, o := range opts {
		if v, ok := o.(ShardsNum); ok {
			num = v
		}
	}
	if num == 0 {
		num = defShardsNum
	}

	m := &ShardMap[K, V]{
		seed:   maphash.MakeSeed(),
		shards: make([]*shard[K, V], num),
	}
	for i := range m.shards {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *ShardMap[K, V]) shardFor(key K) *shard[K, V] {
	return m.shards[maphash.Comparable(m.seed, key)%uint64(len(m.shards))]
}

// Set adds or updates a key-value pair.
func (m *ShardMap[K, V]) Set(key K, val V) {
	s := m.shardFor(key)
	s.Lock()
	s.items[key] = val
	s.Unlock()
}

// Get retrieves a value by key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shardFor(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// GetOrSet returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *ShardMap[K, V]) GetOrSet(key K, val V) (actual V, loaded bool) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	if cur, ok := s.items[key]; ok {
		return cur, true
	}
	s.items[key] = val
	return val, false
}

// Compute calls fn with the current value under the shard lock and stores
// its result. If fn returns keep == false the key is deleted.
// fn must not access the map.
func (m *ShardMap[K, V]) Compute(key K, fn func(cur V, ok bool) (val V, keep bool)) (V, bool) {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	cur, ok := s.items[key]
	val, keep := fn(cur, ok)
	if !keep {
		delete(s.items, key)
		return val, false
	}
	s.items[key] = val
	return val, true
}

// Del removes a key-value pair by key.
func (m *ShardMap[K, V]) Del(key K) (V, bool) {
	s := m.shardFor(key)
	s.Lock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.Unlock()
	return val, ok
}

// DelIf removes the key only if pred reports true for its current value.
func (m *ShardMap[K, V]) DelIf(key K, pred func(V) bool) bool {
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if !ok || !pred(val) {
		return false
	}
	delete(s.items, key)
	return true
}

// Has checks if a key exists.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.shardFor(key)
	s.RLock()
	_, ok := s.items[key]
	s.RUnlock()
	return ok
}

// Size returns the total number of items in the map.
func (m *ShardMap[K, V]) Size() int {
	size := 0
	for _, s := range m.shards {
		s.RLock()
		size += len(s.items)
		s.RUnlock()
	}
	return size
}

// Clear removes all items from the map.
func (m *ShardMap[K, V]) Clear() {
	for _, s := range m.shards {
		s.Lock()
		clear(s.items)
		s.Unlock()
	}
}

// Items returns an iterator over a per-shard copy of the map.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range m.shards {
			s.RLock()
			items := maps.Clone(s.items)
			s.RUnlock()

			for k, v := range items {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}
