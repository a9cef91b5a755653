package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pairlink/hostsync/internal/domain"
	"github.com/pairlink/hostsync/internal/runloop"
	"github.com/pairlink/hostsync/internal/store"
	"github.com/pairlink/hostsync/internal/transport"
)

const (
	methodListJobs  = "jobs.list"
	methodGetJob    = "jobs.get"
	methodCancelJob = "jobs.cancel"
	methodDeleteJob = "jobs.delete"

	// recentFetchWindow is the short de-duplication window: an identical
	// list fetch completing within it is answered from the last result.
	recentFetchWindow = time.Second

	reconcileKey = "reconcile"
)

// ListFilter scopes a list-jobs fetch. The canonical Key over all fields is
// the request-coalescing identity.
type ListFilter struct {
	SessionID string             `json:"sessionId,omitempty"`
	ProjectID string             `json:"projectId,omitempty"`
	Statuses  []domain.JobStatus `json:"statuses,omitempty"`
	TaskTypes []domain.TaskType  `json:"taskTypes,omitempty"`
	Page      int                `json:"page,omitempty"`
	PageSize  int                `json:"pageSize,omitempty"`
}

// Key returns the canonical coalescing key; filter order never matters.
func (f ListFilter) Key() string {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	tasks := make([]string, 0, len(f.TaskTypes))
	for _, t := range f.TaskTypes {
		tasks = append(tasks, string(t))
	}
	sort.Strings(tasks)

	var b strings.Builder
	b.WriteString(f.SessionID)
	b.WriteByte('|')
	b.WriteString(f.ProjectID)
	b.WriteByte('|')
	b.WriteString(strings.Join(statuses, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(tasks, ","))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(f.Page))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(f.PageSize))
	return b.String()
}

// FetchOptions control merge provenance and caching of a list fetch.
type FetchOptions struct {
	// Replace merges the result as an authoritative snapshot, pruning
	// store entries absent from it. Non-replacing fetches merge as
	// events.
	Replace bool

	// BypassCache skips the short de-duplication window.
	BypassCache bool
}

// ReconcileReason names why a reconciliation was requested and decides its
// cache policy.
type ReconcileReason string

const (
	ReasonInitial    ReconcileReason = "initial"
	ReasonPeriodic   ReconcileReason = "periodic"
	ReasonForeground ReconcileReason = "foreground"
	ReasonReconnect  ReconcileReason = "reconnect"
	ReasonManual     ReconcileReason = "manual"
)

// BypassCache reports whether the reason demands fresh data. Foreground
// resume and reconnect always do; periodic and initial loads may be served
// from the short window.
func (r ReconcileReason) BypassCache() bool {
	switch r {
	case ReasonForeground, ReasonReconnect, ReasonManual:
		return true
	default:
		return false
	}
}

type recentFetch struct {
	at   time.Time
	jobs []domain.Job
}

// Coordinator is the single entry point for job fetches: it coalesces
// identical in-flight list calls, answers repeats from a short window, and
// single-flights global reconciliation.
type Coordinator struct {
	loop   *runloop.Loop
	store  *store.Store
	client transport.Client
	logger *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	recent map[string]recentFetch
	window time.Duration
}

func NewCoordinator(loop *runloop.Loop, st *store.Store, client transport.Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		loop:   loop,
		store:  st,
		client: client,
		logger: logger,
		recent: make(map[string]recentFetch),
		window: recentFetchWindow,
	}
}

// ListJobs fetches jobs matching the filter and merges them into the store.
// Concurrent identical calls share one remote fetch; a call repeating a
// fetch that completed within the de-duplication window returns the prior
// result without a remote round trip.
func (c *Coordinator) ListJobs(ctx context.Context, filter ListFilter, opts FetchOptions) ([]domain.Job, error) {
	key := filter.Key()

	if !opts.BypassCache {
		c.mu.Lock()
		cached, ok := c.recent[key]
		c.mu.Unlock()
		if ok && time.Since(cached.at) < c.window {
			return cached.jobs, nil
		}
	}

	// Replace and merge fetches join separate flights: their store effects
	// differ even for the same filter.
	flightKey := key
	if opts.Replace {
		flightKey += "|replace"
	}

	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		return c.fetchList(ctx, filter, opts.Replace)
	})
	if err != nil {
		c.recordFailure(opts.Replace, err)
		return nil, err
	}
	jobs := v.([]domain.Job)
	return jobs, nil
}

func (c *Coordinator) fetchList(ctx context.Context, filter ListFilter, replace bool) ([]domain.Job, error) {
	raw, err := transport.CallUnary(ctx, c.client, methodListJobs, filter)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := decodeJobList(raw)
	if err != nil {
		return nil, err
	}

	source := domain.SourceEvent
	if replace {
		source = domain.SourceSnapshot
	}
	c.loop.Call(func() {
		c.store.Reduce(jobs, source, false)
		c.store.SetSyncStatus(true, "")
	})

	c.mu.Lock()
	c.recent[filter.Key()] = recentFetch{at: time.Now(), jobs: jobs}
	c.mu.Unlock()

	return jobs, nil
}

// Reconcile makes local state match remote. Concurrent calls join the first
// caller's flight, and reasons that tolerate slightly stale data are answered
// from the de-duplication window. The loaded flag is set after the first
// attempt whether or not it succeeded, so dependent UI can leave its loading
// state.
func (c *Coordinator) Reconcile(ctx context.Context, reason ReconcileReason) error {
	if !reason.BypassCache() {
		c.mu.Lock()
		cached, ok := c.recent[ListFilter{}.Key()]
		c.mu.Unlock()
		if ok && time.Since(cached.at) < c.window {
			return nil
		}
	}

	_, err, _ := c.group.Do(reconcileKey, func() (any, error) {
		c.logger.Info("reconciling job state", "reason", string(reason))
		return c.fetchList(ctx, ListFilter{}, true)
	})
	if err != nil {
		c.recordFailure(true, err)
		return fmt.Errorf("reconcile (%s): %w", reason, err)
	}
	return nil
}

// recordFailure applies the error propagation policy: authoritative fetch
// failures surface; merge-only failures keep the last good state unless
// there is no data at all (a true initial load).
func (c *Coordinator) recordFailure(replace bool, err error) {
	msg := err.Error()
	c.loop.Post(func() {
		if replace || c.store.Len() == 0 {
			c.store.SetSyncStatus(true, msg)
			return
		}
		if transport.IsConnectionError(err) {
			c.logger.Warn("device link unavailable, keeping last good state", "error", msg)
		} else {
			c.logger.Warn("background fetch failed, keeping last good state", "error", msg)
		}
		c.store.MarkLoaded()
	})
}

// FetchJob hydrates one job by id and merges it. Concurrent hydrations of
// the same id share one fetch.
func (c *Coordinator) FetchJob(ctx context.Context, jobID string) (domain.Job, error) {
	v, err, _ := c.group.Do("job|"+jobID, func() (any, error) {
		raw, err := transport.CallUnary(ctx, c.client, methodGetJob, struct {
			JobID string `json:"jobId"`
		}{jobID})
		if err != nil {
			return domain.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return domain.Job{}, err
		}
		c.loop.Call(func() {
			c.store.Reduce([]domain.Job{job}, domain.SourceEvent, false)
		})
		return job, nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return v.(domain.Job), nil
}

// CancelJob requests cancellation and optimistically flips the local status;
// the next snapshot corrects it if the remote side disagrees.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	_, err := transport.CallUnary(ctx, c.client, methodCancelJob, struct {
		JobID string `json:"jobId"`
	}{jobID})
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	c.loop.Post(func() {
		job, ok := c.store.Get(jobID)
		if !ok || job.Status.IsTerminal() {
			return
		}
		job.Status = domain.StatusCanceled
		job.UpdatedAt = time.Now().UnixMilli()
		c.store.Reduce([]domain.Job{job}, domain.SourceEvent, false)
	})
	return nil
}

// DeleteJob removes the job remotely, then locally.
func (c *Coordinator) DeleteJob(ctx context.Context, jobID string) error {
	_, err := transport.CallUnary(ctx, c.client, methodDeleteJob, struct {
		JobID string `json:"jobId"`
	}{jobID})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	c.loop.Post(func() { c.store.Remove(jobID) })
	return nil
}

// ResetCache drops the de-duplication window (device switch).
func (c *Coordinator) ResetCache() {
	c.mu.Lock()
	c.recent = make(map[string]recentFetch)
	c.mu.Unlock()
}

func decodeJobList(raw json.RawMessage) ([]domain.Job, error) {
	var body struct {
		Jobs []domain.Job `json:"jobs"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Jobs == nil {
		return nil, &transport.DecodeError{What: "job list payload"}
	}
	return body.Jobs, nil
}

func decodeJob(raw json.RawMessage) (domain.Job, error) {
	var body struct {
		Job *domain.Job `json:"job"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Job != nil && body.Job.ID != "" {
		return *body.Job, nil
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil || job.ID == "" {
		return domain.Job{}, &transport.DecodeError{What: "job payload"}
	}
	return job, nil
}
