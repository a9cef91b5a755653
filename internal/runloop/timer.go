package runloop

import (
	"sync"
	"time"
)

// Timer is a cancellable delayed task that fires on the loop. Arming an
// already-pending timer cancels and reschedules it rather than stacking a
// second firing, which is the behavior every debounce/coalesce window in the
// core wants (derived-state publish, resync, deferred unbind).
type Timer struct {
	loop *Loop

	mu      sync.Mutex
	t       *time.Timer
	gen     uint64
	pending bool
}

func (l *Loop) NewTimer() *Timer {
	return &Timer{loop: l}
}

// Arm schedules fn to run on the loop after d, replacing any pending firing.
func (tm *Timer) Arm(d time.Duration, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	gen := tm.gen
	tm.pending = true
	tm.t = time.AfterFunc(d, func() {
		tm.loop.Post(func() {
			tm.mu.Lock()
			live := tm.gen == gen && tm.pending
			if live {
				tm.pending = false
			}
			tm.mu.Unlock()
			if live {
				fn()
			}
		})
	})
}

// Cancel drops any pending firing. A firing already posted to the loop but
// not yet run is suppressed as well.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.gen++
	tm.pending = false
}

func (tm *Timer) Pending() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.pending
}
