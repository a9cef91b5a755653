package terminal

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// ByteBroadcaster fans one session's live byte stream out to its local
// subscribers. Sends are non-blocking; a subscriber that falls behind loses
// chunks and should re-subscribe through the manager to get a fresh
// snapshot.
type ByteBroadcaster struct {
	mu     sync.Mutex
	subs   map[int64]chan []byte
	closed bool
	seq    atomic.Int64
}

func NewByteBroadcaster() *ByteBroadcaster {
	return &ByteBroadcaster{subs: make(map[int64]chan []byte)}
}

func (b *ByteBroadcaster) Subscribe(buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan []byte, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

func (b *ByteBroadcaster) Broadcast(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- p:
		default:
		}
	}
}

func (b *ByteBroadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *ByteBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
