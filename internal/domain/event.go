package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventKind tags an incremental job change notification from the remote side.
type EventKind string

const (
	EventJobCreated         EventKind = "jobs.created"
	EventJobDeleted         EventKind = "jobs.deleted"
	EventJobStatusChanged   EventKind = "jobs.status"
	EventJobMetadataPatched EventKind = "jobs.metadata"
	EventJobResponseAppend  EventKind = "jobs.response"
	EventJobStreamProgress  EventKind = "jobs.progress"
)

var ErrNotJobEvent = errors.New("not a job event")

// JobEvent is a decoded job change notification. Only the fields relevant to
// the event's Kind are populated. JobID may be empty when the payload carried
// no extractable id; the applier treats that as a missing-payload event and
// falls back to a coalesced resync.
type JobEvent struct {
	Kind  EventKind
	JobID string

	// Full job payload, when the event embeds one (created, status with body).
	Job *Job

	// Status change.
	Status    JobStatus
	UpdatedAt int64

	// Response append.
	Chunk             string
	AccumulatedLength int
	Complete          bool

	// Metadata patch: top-level keys to merge into the job's metadata blob.
	Patch json.RawMessage

	// Stream progress counters (absolute values as reported by the worker).
	CostUSD   float64
	TokensIn  int64
	TokensOut int64
}

// IsJobEvent reports whether the envelope type names a job change.
func IsJobEvent(eventType string) bool {
	switch EventKind(eventType) {
	case EventJobCreated, EventJobDeleted, EventJobStatusChanged,
		EventJobMetadataPatched, EventJobResponseAppend, EventJobStreamProgress:
		return true
	default:
		return false
	}
}

// ParseJobEvent decodes a job event from a loosely-typed remote payload. An
// unknown event type is an error; a known type with missing fields is not,
// since the zero fields drive the applier's fallback paths.
func ParseJobEvent(eventType string, payload []byte) (JobEvent, error) {
	kind := EventKind(eventType)
	if !IsJobEvent(eventType) {
		return JobEvent{}, fmt.Errorf("%w: %s", ErrNotJobEvent, eventType)
	}

	ev := JobEvent{Kind: kind}
	body := gjson.ParseBytes(payload)

	ev.JobID = body.Get("jobId").String()
	if ev.JobID == "" {
		ev.JobID = body.Get("job.id").String()
	}

	if jobVal := body.Get("job"); jobVal.IsObject() {
		var job Job
		if err := json.Unmarshal([]byte(jobVal.Raw), &job); err == nil && job.ID != "" {
			ev.Job = &job
		}
	}

	switch kind {
	case EventJobStatusChanged:
		ev.Status = JobStatus(body.Get("status").String())
		ev.UpdatedAt = body.Get("updatedAt").Int()
	case EventJobResponseAppend:
		ev.Chunk = body.Get("responseChunk").String()
		ev.AccumulatedLength = int(body.Get("accumulatedLength").Int())
		ev.Complete = body.Get("complete").Bool()
		ev.UpdatedAt = body.Get("updatedAt").Int()
	case EventJobMetadataPatched:
		if patch := body.Get("patch"); patch.IsObject() {
			ev.Patch = json.RawMessage(patch.Raw)
		}
		ev.UpdatedAt = body.Get("updatedAt").Int()
	case EventJobStreamProgress:
		ev.CostUSD = body.Get("costUsd").Float()
		ev.TokensIn = body.Get("tokensIn").Int()
		ev.TokensOut = body.Get("tokensOut").Int()
	}

	return ev, nil
}
