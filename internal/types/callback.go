// Package types contains small generic building blocks used across the stack.
package types

import (
	"container/list"
	"iter"
	"sync"
)

// CallbackManager keeps an ordered set of subscribed callbacks.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	byID   map[uint64]*list.Element
	order  list.List
	nextID uint64
}

type subscription[T any] struct {
	id uint64
	fn T
}

// Len returns the number of subscribed callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Add subscribes fn and returns a function that unsubscribes it.
// The returned function is idempotent.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	if m.byID == nil {
		m.byID = make(map[uint64]*list.Element)
	}
	m.byID[id] = m.order.PushBack(&subscription[T]{id, fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if el, ok := m.byID[id]; ok {
				m.order.Remove(el)
				delete(m.byID, id)
			}
			m.mu.Unlock()
		})
	}
}

// All iterates over a snapshot of the subscribed callbacks in subscription order.
// Callbacks may add or remove subscriptions while iterating.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		fns := make([]T, 0, len(m.byID))
		for el := m.order.Front(); el != nil; el = el.Next() {
			fns = append(fns, el.Value.(*subscription[T]).fn) //nolint:forcetypeassert
		}
		m.mu.RUnlock()

		for _, fn := range fns {
			if !yield(fn) {
				return
			}
		}
	}
}
