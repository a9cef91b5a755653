package store

import (
	"sort"

	"github.com/pairlink/hostsync/internal/domain"
)

// DerivedState is the UI-facing projection of the job store. It is a pure
// function of the store's contents plus the sync status flags; consumers
// never mutate it.
type DerivedState struct {
	// Jobs is sorted by effective timestamp descending, id descending as
	// the tiebreak.
	Jobs []domain.Job

	ActiveJobsCount int
	BadgeCount      int

	// UmbrellaActiveBySession counts active umbrella-workflow jobs per
	// session id.
	UmbrellaActiveBySession map[string]int

	// HasLoadedOnce flips after the first reconciliation attempt, success
	// or failure, so dependent UI can stop showing indefinite loading.
	HasLoadedOnce bool
	LastError     string
}

// Recompute builds the projection from scratch in one pass. This is the
// always-correct path; incremental counter bumps are a cache superseded by
// the next call.
func Recompute(jobs map[string]domain.Job) DerivedState {
	state := DerivedState{
		Jobs:                    make([]domain.Job, 0, len(jobs)),
		UmbrellaActiveBySession: make(map[string]int),
	}
	for _, job := range jobs {
		state.Jobs = append(state.Jobs, job)
		addCounters(&state, job, 1)
	}
	sort.Slice(state.Jobs, func(i, j int) bool {
		a, b := state.Jobs[i], state.Jobs[j]
		ats, _ := a.EffectiveTimestamp()
		bts, _ := b.EffectiveTimestamp()
		if ats != bts {
			return ats > bts
		}
		return a.ID > b.ID
	})
	return state
}

// addCounters applies one job's contribution to the aggregate counters with
// the given sign. Used by both the full recompute and the incremental path,
// so the two cannot disagree on the predicates.
func addCounters(state *DerivedState, job domain.Job, sign int) {
	if !job.Status.IsActive() {
		return
	}
	if job.TaskType.CountsTowardBadge() {
		state.ActiveJobsCount += sign
		state.BadgeCount += sign
	}
	if job.TaskType.IsUmbrella() {
		state.UmbrellaActiveBySession[job.SessionID] += sign
		if state.UmbrellaActiveBySession[job.SessionID] <= 0 {
			delete(state.UmbrellaActiveBySession, job.SessionID)
		}
	}
}

func cloneCounters(state DerivedState) DerivedState {
	out := state
	out.UmbrellaActiveBySession = make(map[string]int, len(state.UmbrellaActiveBySession))
	for k, v := range state.UmbrellaActiveBySession {
		out.UmbrellaActiveBySession[k] = v
	}
	return out
}
