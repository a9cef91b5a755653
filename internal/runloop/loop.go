package runloop

import (
	"sync"
)

const defaultTaskBuffer = 256

// Loop is a single-goroutine task executor. Every structure owned by the sync
// core (job store, binding registry, ring buffers) is mutated only from tasks
// running on a Loop, so those structures need no locking of their own. Remote
// I/O must run off the loop and post its results back.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	stop  sync.Once
	wg    sync.WaitGroup
}

func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), defaultTaskBuffer),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			// Drain whatever was already queued so posted state
			// transitions are not silently lost on shutdown.
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post schedules fn to run on the loop. It never runs fn inline. Posting to a
// stopped loop is a no-op.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to finish. Calling from inside a
// loop task deadlocks; it is intended for external entry points and tests.
func (l *Loop) Call(fn func()) {
	ch := make(chan struct{})
	l.Post(func() {
		fn()
		close(ch)
	})
	select {
	case <-ch:
	case <-l.done:
	}
}

// Stop shuts the loop down. Queued tasks run; later posts are dropped.
func (l *Loop) Stop() {
	l.stop.Do(func() { close(l.done) })
	l.wg.Wait()
}
