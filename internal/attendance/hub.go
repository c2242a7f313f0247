package attendance

import "sync"

// Hub fans out change notifications per viewer id. Notifications are
// coalesced: a subscriber that has not drained its channel gets at most one
// pending tick, and re-queries a fresh snapshot when it wakes. Stale
// in-flight rebuilds are simply superseded.
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan struct{})}
}

// Subscribe registers interest in changes for key and returns the tick
// channel plus a cancel func. Cancel is idempotent.
func (h *Hub) Subscribe(key string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	id := h.next
	ch := make(chan struct{}, 1)
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan struct{})
	}
	h.subs[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
		})
	}
	return ch, cancel
}

// Notify wakes all subscribers of the given keys without blocking.
func (h *Hub) Notify(keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range keys {
		for _, ch := range h.subs[key] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
