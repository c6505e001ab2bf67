package compass

import (
	"sync"
)

// Broadcaster fans readings out to any listeners (websocket, UDP). It keeps
// the most recent value so new subscribers get an immediate reading. Slow
// subscribers miss readings instead of blocking the publisher.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan Reading
	nextID   int
	last     Reading
	haveLast bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Reading),
	}
}

func (b *Broadcaster) Subscribe(buffer int) (int, <-chan Reading) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan Reading, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last := b.last
	have := b.haveLast
	b.mu.Unlock()
	if have {
		select {
		case ch <- last:
		default:
		}
	}
	return id, ch
}

func (b *Broadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish stores r as the latest reading and offers it to every subscriber.
func (b *Broadcaster) Publish(r Reading) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.last = r
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
	b.mu.Unlock()
}

// Last returns the most recent reading, if any.
func (b *Broadcaster) Last() (Reading, bool) {
	if b == nil {
		return Reading{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.haveLast
}

func (b *Broadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
