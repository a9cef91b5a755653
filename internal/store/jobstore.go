// Package store holds the canonical job map and its merge reducer. All
// mutation happens on the sync core's run loop; the only outward surface is
// the observable DerivedState cell and loop-confined lookups.
package store

import (
	"log/slog"
	"time"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
)

// publishDebounce is the window coalescing high-frequency reduces (streamed
// token appends) into one derived-state recompute.
const publishDebounce = 100 * time.Millisecond

// Store owns the id → job map. Every method must run on the core's loop;
// external readers go through the Cell or the Core facade.
type Store struct {
	loop   *runloop.Loop
	logger *slog.Logger

	jobs map[string]domain.Job
	cell *Cell

	// current caches the last published projection so the incremental
	// path can bump counters without a full recompute.
	current      DerivedState
	publishTimer *runloop.Timer

	hasLoadedOnce bool
	lastError     string
}

func New(loop *runloop.Loop, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		loop:   loop,
		logger: logger,
		jobs:   make(map[string]domain.Job),
		cell:   NewCell(),
	}
	s.publishTimer = loop.NewTimer()
	s.current = Recompute(s.jobs)
	return s
}

// Cell returns the observable derived-state surface.
func (s *Store) Cell() *Cell { return s.cell }

func (s *Store) Get(id string) (domain.Job, bool) {
	job, ok := s.jobs[id]
	return job, ok
}

func (s *Store) Len() int { return len(s.jobs) }

// Reduce merges a batch into the store. Snapshot provenance prunes ids
// absent from the batch; event provenance never deletes. The store itself is
// always updated synchronously; only the observable projection lags when
// highFrequency debounces publication.
func (s *Store) Reduce(incoming []domain.Job, source domain.MergeSource, highFrequency bool) {
	changed := false
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		existing, ok := s.jobs[in.ID]
		if !ok {
			s.jobs[in.ID] = in
			s.bumpCounters(nil, &in)
			changed = true
			continue
		}
		winner := resolveConflict(existing, in, source)
		if winner.ID == "" {
			continue
		}
		s.jobs[in.ID] = winner
		s.bumpCounters(&existing, &winner)
		changed = true
	}

	if source == domain.SourceSnapshot {
		keep := make(map[string]struct{}, len(incoming))
		for _, in := range incoming {
			keep[in.ID] = struct{}{}
		}
		for id, job := range s.jobs {
			if _, ok := keep[id]; !ok {
				job := job
				delete(s.jobs, id)
				s.bumpCounters(&job, nil)
				changed = true
			}
		}
	}

	if !changed {
		return
	}
	s.publish(highFrequency)
}

// resolveConflict picks the surviving record for a job present on both
// sides. A zero-ID return means the incoming record lost.
func resolveConflict(existing, incoming domain.Job, source domain.MergeSource) domain.Job {
	existingTs, existingHas := existing.EffectiveTimestamp()
	incomingTs, incomingHas := incoming.EffectiveTimestamp()

	switch {
	case existingHas && incomingHas:
		if existingTs > incomingTs {
			return domain.Job{}
		}
		if incomingTs > existingTs {
			return incoming
		}
		// Equal timestamps: a terminal status is the later fact.
		if existing.Status.IsTerminal() && !incoming.Status.IsTerminal() {
			return domain.Job{}
		}
		return incoming
	case existingHas:
		// A timestamp-less record cannot override known-fresh state.
		return domain.Job{}
	case incomingHas:
		return incoming
	default:
		// Neither side has a timestamp: trust authoritative snapshots,
		// discard possibly-stale events.
		if source == domain.SourceSnapshot {
			return incoming
		}
		return domain.Job{}
	}
}

// Remove deletes a job in response to an explicit deletion event. This is
// deliberately not part of Reduce: event-sourced merges never delete.
func (s *Store) Remove(id string) {
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	delete(s.jobs, id)
	s.bumpCounters(&job, nil)
	s.publish(false)
}

// SetSyncStatus records the reconciliation outcome flags and republishes.
func (s *Store) SetSyncStatus(loaded bool, errMsg string) {
	s.hasLoadedOnce = s.hasLoadedOnce || loaded
	s.lastError = errMsg
	s.publish(false)
}

// MarkLoaded sets the loaded flag without touching the error state. Used by
// merge-only fetches whose failure must not overwrite the last good state.
func (s *Store) MarkLoaded() {
	if s.hasLoadedOnce {
		return
	}
	s.hasLoadedOnce = true
	s.publish(false)
}

// Reset drops everything (device switch). Pending publication is cancelled.
func (s *Store) Reset() {
	s.publishTimer.Cancel()
	s.jobs = make(map[string]domain.Job)
	s.hasLoadedOnce = false
	s.lastError = ""
	s.current = Recompute(s.jobs)
	s.pushCurrent()
}

// bumpCounters applies the incremental projection path for one job change.
// The cached counters are a responsiveness cache only; the next full
// recompute supersedes them.
func (s *Store) bumpCounters(before, after *domain.Job) {
	s.current = cloneCounters(s.current)
	if before != nil {
		addCounters(&s.current, *before, -1)
	}
	if after != nil {
		addCounters(&s.current, *after, 1)
	}
}

// publish recomputes and pushes the projection. When debounced, the counter
// cache is pushed immediately and the full recompute (sorted list included)
// is coalesced into one firing per window.
func (s *Store) publish(debounced bool) {
	if debounced {
		s.pushCurrent()
		if !s.publishTimer.Pending() {
			s.publishTimer.Arm(publishDebounce, s.recomputeAndPush)
		}
		return
	}
	s.publishTimer.Cancel()
	s.recomputeAndPush()
}

func (s *Store) recomputeAndPush() {
	s.current = Recompute(s.jobs)
	s.pushCurrent()
}

func (s *Store) pushCurrent() {
	out := s.current
	out.HasLoadedOnce = s.hasLoadedOnce
	out.LastError = s.lastError
	s.cell.Set(out)
}
