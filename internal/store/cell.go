package store

import (
	"sync"
	"sync/atomic"
)

const cellSubscriberBuffer = 16

// Cell is a single-writer observable value. The sync core's loop is the only
// writer; consumers read the latest value or subscribe for updates. Slow
// subscribers observe latest-wins delivery rather than backpressure: the
// value is a full snapshot, so skipping intermediates loses nothing.
type Cell struct {
	mu    sync.RWMutex
	value DerivedState
	subs  map[int64]chan DerivedState
	seq   atomic.Int64
}

func NewCell() *Cell {
	return &Cell{subs: make(map[int64]chan DerivedState)}
}

func (c *Cell) Get() DerivedState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *Cell) Set(v DerivedState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	for _, ch := range c.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full buffer: evict the oldest snapshot and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribe registers for updates. The current value is delivered first, so
// new consumers never start blank.
func (c *Cell) Subscribe(buffer int) (<-chan DerivedState, func()) {
	if buffer <= 0 {
		buffer = cellSubscriberBuffer
	}
	ch := make(chan DerivedState, buffer)
	id := c.seq.Add(1)

	c.mu.Lock()
	c.subs[id] = ch
	ch <- c.value
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
		c.mu.Unlock()
	}
}
