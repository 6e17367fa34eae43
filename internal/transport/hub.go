package transport

import "sync"

// Hub fans inbound events out to subscribers. Adapters embed one per Conn.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func (h *Hub) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	if h.subs == nil {
		h.subs = map[int]func(Event){}
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers ev synchronously to every subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
