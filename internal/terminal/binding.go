package terminal

import (
	"time"

	"github.com/pairlink/hostsync/internal/runloop"
)

// Phase is the binding state of one session:
// Unbound → Bound(refCount) → PendingUnbind(timer) → Unbound, with re-attach
// from PendingUnbind cancelling the timer and returning to Bound.
type Phase int

const (
	PhaseUnbound Phase = iota
	PhaseBound
	PhasePendingUnbind
)

func (p Phase) String() string {
	switch p {
	case PhaseUnbound:
		return "unbound"
	case PhaseBound:
		return "bound"
	case PhasePendingUnbind:
		return "pending_unbind"
	default:
		return "unknown"
	}
}

type binding struct {
	refCount int
	phase    Phase
	timer    *runloop.Timer
}

// BindingRegistry tracks ref-counted attach/detach state per session. All
// methods are loop-confined.
type BindingRegistry struct {
	loop    *runloop.Loop
	entries map[string]*binding
}

func NewBindingRegistry(loop *runloop.Loop) *BindingRegistry {
	return &BindingRegistry{
		loop:    loop,
		entries: make(map[string]*binding),
	}
}

// Attach increments the session's ref count and reports whether the caller
// must send a bind control message: true only on the unbound 0→1
// transition. Re-attaching during a pending-unbind grace window cancels the
// deferred unbind and keeps the existing remote binding.
func (r *BindingRegistry) Attach(sessionID string) bool {
	entry, ok := r.entries[sessionID]
	if !ok {
		entry = &binding{timer: r.loop.NewTimer()}
		r.entries[sessionID] = entry
	}
	entry.refCount++

	switch entry.phase {
	case PhasePendingUnbind:
		entry.timer.Cancel()
		entry.phase = PhaseBound
		return false
	case PhaseBound:
		return false
	default:
		entry.phase = PhaseBound
		return true
	}
}

// Detach decrements the ref count. It is a UI-lifecycle signal only: it
// never unbinds and never un-marks the binding.
func (r *BindingRegistry) Detach(sessionID string) {
	entry, ok := r.entries[sessionID]
	if !ok {
		return
	}
	if entry.refCount > 0 {
		entry.refCount--
	}
}

// Finalize clears the session's bookkeeping on true termination and
// schedules unbind after the grace window. A re-attach before the timer
// fires cancels it, covering rapid remount without flapping the remote
// binding.
func (r *BindingRegistry) Finalize(sessionID string, grace time.Duration, unbind func()) {
	entry, ok := r.entries[sessionID]
	if !ok || entry.phase == PhaseUnbound {
		return
	}
	entry.refCount = 0
	entry.phase = PhasePendingUnbind
	entry.timer.Arm(grace, func() {
		if entry.phase != PhasePendingUnbind {
			return
		}
		entry.phase = PhaseUnbound
		delete(r.entries, sessionID)
		unbind()
	})
}

// Bound lists sessions currently bound to the remote producer; used to
// resend binds after a reconnect. Sessions in the unbind grace window are
// excluded.
func (r *BindingRegistry) Bound() []string {
	out := make([]string, 0, len(r.entries))
	for id, entry := range r.entries {
		if entry.phase == PhaseBound {
			out = append(out, id)
		}
	}
	return out
}

func (r *BindingRegistry) PhaseOf(sessionID string) Phase {
	if entry, ok := r.entries[sessionID]; ok {
		return entry.phase
	}
	return PhaseUnbound
}

func (r *BindingRegistry) RefCount(sessionID string) int {
	if entry, ok := r.entries[sessionID]; ok {
		return entry.refCount
	}
	return 0
}

// Reset drops all bookkeeping and cancels pending unbinds (device switch).
func (r *BindingRegistry) Reset() {
	for _, entry := range r.entries {
		entry.timer.Cancel()
	}
	r.entries = make(map[string]*binding)
}
