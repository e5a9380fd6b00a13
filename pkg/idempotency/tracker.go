// Package idempotency gates envelope processing on message id so that
// at-least-once delivery never applies the same message twice.
package idempotency

import (
	"container/list"
	"strings"
	"sync"
)

// DefaultCapacity is the number of ids remembered when no bound is configured.
const DefaultCapacity = 10_000

// Tracker records processed message ids. Once more than capacity ids are
// recorded the least recently seen id is forgotten; capacity <= 0 never
// forgets.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func NewTracker(capacity int) *Tracker {
	return &Tracker{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// ShouldProcess returns true and records id when it has not been seen, and
// false when it has. An empty id is always processed and never recorded.
func (t *Tracker) ShouldProcess(id string) bool {
	key := strings.TrimSpace(id)
	if key == "" {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		t.order.MoveToFront(el)
		return false
	}

	t.index[key] = t.order.PushFront(key)
	if t.capacity > 0 && t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.index, oldest.Value.(string))
	}
	return true
}

// Seen reports whether id is currently recorded without recording it.
func (t *Tracker) Seen(id string) bool {
	key := strings.TrimSpace(id)
	if key == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[key]
	return ok
}

// Forget drops id so that a later delivery is processed again.
func (t *Tracker) Forget(id string) {
	key := strings.TrimSpace(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.index[key]; ok {
		t.order.Remove(el)
		delete(t.index, key)
	}
}

// Len returns the number of ids currently recorded.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
