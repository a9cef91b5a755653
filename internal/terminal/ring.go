package terminal

// DefaultRingBytes bounds how much terminal scrollback is retained per
// session. Two megabytes holds minutes of dense output while keeping a dozen
// sessions affordable on a phone.
const DefaultRingBytes = 2_000_000

// Ring is a bounded byte log with head-trim eviction: appending past the cap
// discards exactly the oldest overflow. It persists across UI attach/detach
// and is cleared only when the remote is about to re-deliver its retained
// buffer, or on a full state reset. Owned by the Manager and touched only
// from the run loop, so it carries no lock.
type Ring struct {
	buf []byte
	max int
}

func NewRing(max int) *Ring {
	if max <= 0 {
		max = DefaultRingBytes
	}
	return &Ring{max: max}
}

func (r *Ring) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return
	}
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.max; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

// Snapshot returns a copy of the current contents. Reading never clears.
func (r *Ring) Snapshot() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *Ring) Len() int { return len(r.buf) }

func (r *Ring) Reset() { r.buf = r.buf[:0] }
