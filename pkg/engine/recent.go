package engine

import (
	"container/list"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/store"
)

// recentKeys is a bounded most-recently-used list of keys.
// The front of the list is the most recently used key.
type recentKeys struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	nodes    map[string]*list.Element
}

func newRecentKeys(capacity int) *recentKeys {
	return &recentKeys{
		capacity: capacity,
		order:    list.New(),
		nodes:    make(map[string]*list.Element),
	}
}

// Touch marks key as most recently used, evicting the least recently used
// key when over capacity.
func (r *recentKeys) Touch(key store.Key) {
	if r.capacity <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.String()
	if el, ok := r.nodes[id]; ok {
		r.order.MoveToFront(el)
		return
	}
	r.nodes[id] = r.order.PushFront(key)

	if r.order.Len() > r.capacity {
		tail := r.order.Back()
		r.order.Remove(tail)
		delete(r.nodes, tail.Value.(store.Key).String())
	}
}

// Remove forgets key.
func (r *recentKeys) Remove(key store.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.nodes[key.String()]; ok {
		r.order.Remove(el)
		delete(r.nodes, key.String())
	}
}

// List returns up to n keys, most recent first. n <= 0 returns all.
func (r *recentKeys) List(n int) []store.Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.order.Len() {
		n = r.order.Len()
	}
	keys := make([]store.Key, 0, n)
	for el := r.order.Front(); el != nil && len(keys) < n; el = el.Next() {
		keys = append(keys, el.Value.(store.Key))
	}
	return keys
}
