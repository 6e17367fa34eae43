package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels.
//   - Slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	// Owner scopes user-facing events; empty for process-level signals.
	Owner string
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	filter func(Event) bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, nil)
}

// SubscribeOwner delivers only events scoped to owner.
func SubscribeOwner(b Bus, owner string, buffer int) (<-chan Event, func()) {
	if mb, ok := b.(*memBus); ok {
		return mb.subscribe(buffer, func(e Event) bool { return e.Owner == owner })
	}
	return b.Subscribe(buffer)
}

// Dropped reports events lost to full subscriber buffers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

func (b *memBus) subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), filter: filter}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
