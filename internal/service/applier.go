package service

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/store"
	"github.com/pairlink/hostsync/internal/transport"
)

const (
	// Coalesced-resync window: many near-simultaneous ambiguous events
	// collapse into one list fetch. The delay is randomized so a fleet of
	// clients does not stampede the host after a broadcast.
	resyncDelayMin = 400 * time.Millisecond
	resyncDelayMax = 700 * time.Millisecond
)

// Applier translates incoming job events into store mutations. Unknown jobs
// are hydrated on demand with at most one fetch per id; events that cannot
// be applied at all fall back to a coalesced resync instead of being
// silently dropped.
type Applier struct {
	loop   *runloop.Loop
	store  *store.Store
	coord  *Coordinator
	logger *slog.Logger

	// activeSession scopes the coalesced resync; empty means all jobs.
	activeSession func() string

	// Loop-confined.
	hydrations map[string][]func()
	refetching map[string]struct{}

	resyncTimer *runloop.Timer
	rng         *rand.Rand
}

func NewApplier(loop *runloop.Loop, st *store.Store, coord *Coordinator, activeSession func() string, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if activeSession == nil {
		activeSession = func() string { return "" }
	}
	return &Applier{
		loop:          loop,
		store:         st,
		coord:         coord,
		logger:        logger,
		activeSession: activeSession,
		hydrations:    make(map[string][]func()),
		refetching:    make(map[string]struct{}),
		resyncTimer:   loop.NewTimer(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// HandleEnvelope decodes and applies one event from the remote feed. Safe to
// call from any goroutine; application happens on the loop.
func (a *Applier) HandleEnvelope(env transport.Envelope) {
	if !domain.IsJobEvent(env.Type) {
		return
	}
	ev, err := domain.ParseJobEvent(env.Type, env.Payload)
	if err != nil {
		a.logger.Warn("dropping undecodable job event", "type", env.Type, "error", err)
		return
	}
	a.loop.Post(func() { a.apply(ev, false) })
}

// apply is loop-confined. hydrated marks a re-dispatch after a hydration
// attempt, which must not hydrate again.
func (a *Applier) apply(ev domain.JobEvent, hydrated bool) {
	if ev.JobID == "" {
		// The event implies a mutation we cannot address. Resync instead
		// of dropping it.
		a.scheduleResync()
		return
	}

	// Internal workflow sub-steps are filtered once, here, for every event
	// kind. They reach the store only through snapshots.
	if taskType, ok := a.taskTypeOf(ev); ok && taskType.IsWorkflowStep() {
		return
	}

	if ev.Kind == domain.EventJobDeleted {
		a.store.Remove(ev.JobID)
		return
	}

	existing, known := a.store.Get(ev.JobID)
	if !known {
		if ev.Job != nil {
			a.store.Reduce([]domain.Job{*ev.Job}, domain.SourceEvent, false)
			return
		}
		if hydrated {
			// Hydration ran and the job is still unknown; the remote
			// listing is the only way to converge now.
			a.scheduleResync()
			return
		}
		a.hydrate(ev)
		return
	}

	switch ev.Kind {
	case domain.EventJobCreated:
		if ev.Job != nil {
			a.store.Reduce([]domain.Job{*ev.Job}, domain.SourceEvent, false)
		}
	case domain.EventJobStatusChanged:
		a.applyStatusChange(existing, ev)
	case domain.EventJobMetadataPatched:
		a.applyMetadataPatch(existing, ev)
	case domain.EventJobResponseAppend:
		a.applyResponseAppend(existing, ev)
	case domain.EventJobStreamProgress:
		a.applyStreamProgress(existing, ev)
	}
}

// taskTypeOf resolves the event's job category from the embedded payload or
// the store, if either knows it.
func (a *Applier) taskTypeOf(ev domain.JobEvent) (domain.TaskType, bool) {
	if ev.Job != nil && ev.Job.TaskType != "" {
		return ev.Job.TaskType, true
	}
	if job, ok := a.store.Get(ev.JobID); ok && job.TaskType != "" {
		return job.TaskType, true
	}
	return "", false
}

func (a *Applier) applyStatusChange(existing domain.Job, ev domain.JobEvent) {
	if ev.Job != nil {
		a.store.Reduce([]domain.Job{*ev.Job}, domain.SourceEvent, false)
		return
	}
	if ev.Status == "" {
		a.scheduleResync()
		return
	}
	updated := existing.Clone()
	updated.Status = ev.Status
	if ev.UpdatedAt != 0 {
		updated.UpdatedAt = ev.UpdatedAt
	}
	a.store.Reduce([]domain.Job{updated}, domain.SourceEvent, false)
}

func (a *Applier) applyMetadataPatch(existing domain.Job, ev domain.JobEvent) {
	if ev.Patch == nil {
		a.scheduleResync()
		return
	}
	updated := existing.Clone()
	meta := []byte(updated.Metadata)
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	var patchErr error
	gjson.ParseBytes(ev.Patch).ForEach(func(key, value gjson.Result) bool {
		meta, patchErr = sjson.SetRawBytes(meta, key.Str, []byte(value.Raw))
		return patchErr == nil
	})
	if patchErr != nil {
		a.logger.Warn("metadata patch failed, scheduling resync",
			"job", ev.JobID, "error", patchErr)
		a.scheduleResync()
		return
	}
	updated.Metadata = meta
	if ev.UpdatedAt != 0 {
		updated.UpdatedAt = ev.UpdatedAt
	}
	a.store.Reduce([]domain.Job{updated}, domain.SourceEvent, false)
}

// applyResponseAppend enforces the contiguity guard: stale chunks are
// dropped, contiguous chunks appended, and a gap discards the chunk and
// refetches the whole job rather than corrupting the accumulated text.
func (a *Applier) applyResponseAppend(existing domain.Job, ev domain.JobEvent) {
	local := len(existing.Response)

	switch {
	case ev.AccumulatedLength <= local:
		// Duplicate or stale chunk.
		return
	case local+len(ev.Chunk) == ev.AccumulatedLength:
		updated := existing.Clone()
		updated.Response += ev.Chunk
		if ev.Complete {
			updated.IsFinalized = true
		}
		if ev.UpdatedAt != 0 {
			updated.UpdatedAt = ev.UpdatedAt
		}
		a.store.Reduce([]domain.Job{updated}, domain.SourceEvent, true)
	default:
		a.logger.Warn("response append gap, refetching job",
			"job", ev.JobID, "local", local, "chunk", len(ev.Chunk),
			"accumulated", ev.AccumulatedLength)
		a.refetch(ev.JobID)
	}
}

func (a *Applier) applyStreamProgress(existing domain.Job, ev domain.JobEvent) {
	updated := existing.Clone()
	if ev.CostUSD != 0 {
		updated.CostUSD = ev.CostUSD
	}
	if ev.TokensIn != 0 {
		updated.TokensIn = ev.TokensIn
	}
	if ev.TokensOut != 0 {
		updated.TokensOut = ev.TokensOut
	}
	a.store.Reduce([]domain.Job{updated}, domain.SourceEvent, true)
}

// hydrate fetches an unknown job before applying the event. Further events
// for the same id queue as waiters behind the single fetch and re-dispatch
// themselves once it resolves, success or failure.
func (a *Applier) hydrate(ev domain.JobEvent) {
	redispatch := func() { a.apply(ev, true) }

	if waiters, inFlight := a.hydrations[ev.JobID]; inFlight {
		a.hydrations[ev.JobID] = append(waiters, redispatch)
		return
	}
	a.hydrations[ev.JobID] = []func(){redispatch}

	jobID := ev.JobID
	go func() {
		if _, err := a.coord.FetchJob(context.Background(), jobID); err != nil {
			a.logger.Warn("hydration fetch failed", "job", jobID, "error", err)
		}
		a.loop.Post(func() {
			waiters := a.hydrations[jobID]
			delete(a.hydrations, jobID)
			for _, waiter := range waiters {
				waiter()
			}
		})
	}()
}

// refetch replaces a job whose response stream went non-contiguous. One
// refetch per id at a time.
func (a *Applier) refetch(jobID string) {
	if _, inFlight := a.refetching[jobID]; inFlight {
		return
	}
	a.refetching[jobID] = struct{}{}
	go func() {
		if _, err := a.coord.FetchJob(context.Background(), jobID); err != nil {
			a.logger.Warn("gap refetch failed", "job", jobID, "error", err)
		}
		a.loop.Post(func() { delete(a.refetching, jobID) })
	}()
}

// scheduleResync arms (or re-arms) the coalesced fallback: one list fetch
// for the active session after a randomized delay, however many ambiguous
// events arrive in the meantime.
func (a *Applier) scheduleResync() {
	delay := resyncDelayMin + time.Duration(a.rng.Int63n(int64(resyncDelayMax-resyncDelayMin)))
	a.resyncTimer.Arm(delay, func() {
		session := a.activeSession()
		go func() {
			// Session-scoped listings merge as events: pruning on a
			// partial listing would delete other sessions' jobs.
			_, err := a.coord.ListJobs(context.Background(),
				ListFilter{SessionID: session},
				FetchOptions{BypassCache: true})
			if err != nil {
				a.logger.Warn("coalesced resync failed", "error", err)
			}
		}()
	})
}

// CancelPending drops timers and trackers on full reset.
func (a *Applier) CancelPending() {
	a.resyncTimer.Cancel()
	a.loop.Post(func() {
		a.hydrations = make(map[string][]func())
		a.refetching = make(map[string]struct{})
	})
}
