package domain

import "encoding/json"

// JobStatus mirrors the status vocabulary of the remote job runner.
type JobStatus string

const (
	StatusIdle             JobStatus = "idle"
	StatusCreated          JobStatus = "created"
	StatusQueued           JobStatus = "queued"
	StatusAcknowledged     JobStatus = "acknowledgedByWorker"
	StatusPreparing        JobStatus = "preparing"
	StatusPreparingInput   JobStatus = "preparingInput"
	StatusGeneratingStream JobStatus = "generatingStream"
	StatusProcessingStream JobStatus = "processingStream"
	StatusRunning          JobStatus = "running"
	StatusCompletedByTag   JobStatus = "completedByTag"
	StatusCompleted        JobStatus = "completed"
	StatusFailed           JobStatus = "failed"
	StatusCanceled         JobStatus = "canceled"
)

// IsTerminal reports whether the status can never change again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompletedByTag, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job is doing (or queued for) work.
func (s JobStatus) IsActive() bool {
	return s != "" && s != StatusIdle && !s.IsTerminal()
}

// TaskType classifies what kind of work a job performs.
type TaskType string

const (
	TaskImplementationPlan      TaskType = "implementation_plan"
	TaskPathFinder              TaskType = "path_finder"
	TaskVoiceTranscription      TaskType = "voice_transcription"
	TaskTextImprovement         TaskType = "text_improvement"
	TaskPathCorrection          TaskType = "path_correction"
	TaskGuidanceGeneration      TaskType = "guidance_generation"
	TaskRefinement              TaskType = "task_refinement"
	TaskGenericLLMStream        TaskType = "generic_llm_stream"
	TaskRegexPatternGeneration  TaskType = "regex_pattern_generation"
	TaskFileFinderWorkflow      TaskType = "file_finder_workflow"
	TaskLocalFileFiltering      TaskType = "local_file_filtering"
	TaskFileRelevanceAssessment TaskType = "file_relevance_assessment"
	TaskExtendedPathFinder      TaskType = "extended_path_finder"
	TaskStreaming               TaskType = "streaming"
	TaskUnknown                 TaskType = "unknown"
)

// IsWorkflowStep reports whether the task is an internal sub-step of an
// umbrella workflow. Step jobs are hidden from badge counts and are ignored
// at event ingestion; they reach the store only through snapshots.
func (t TaskType) IsWorkflowStep() bool {
	switch t {
	case TaskLocalFileFiltering, TaskFileRelevanceAssessment, TaskExtendedPathFinder:
		return true
	default:
		return false
	}
}

// IsUmbrella reports whether the task is a multi-step workflow parent,
// tracked by the per-session sub-counters while active.
func (t TaskType) IsUmbrella() bool {
	return t == TaskFileFinderWorkflow
}

// CountsTowardBadge is the single predicate deciding whether an active job
// contributes to the badge/active counts.
func (t TaskType) CountsTowardBadge() bool {
	return !t.IsWorkflowStep()
}

// Job is the canonical record for one remote background job. Jobs are owned
// by the store and mutated only through its reducer. Timestamps are unix
// milliseconds; zero means the remote side did not report one.
type Job struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	TaskType    TaskType        `json:"taskType"`
	Status      JobStatus       `json:"status"`
	CreatedAt   int64           `json:"createdAt,omitempty"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
	Response    string          `json:"response,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CostUSD     float64         `json:"costUsd,omitempty"`
	TokensIn    int64           `json:"tokensIn,omitempty"`
	TokensOut   int64           `json:"tokensOut,omitempty"`
	IsFinalized bool            `json:"isFinalized,omitempty"`
}

// EffectiveTimestamp returns updatedAt when present, else createdAt.
func (j Job) EffectiveTimestamp() (int64, bool) {
	if j.UpdatedAt != 0 {
		return j.UpdatedAt, true
	}
	if j.CreatedAt != 0 {
		return j.CreatedAt, true
	}
	return 0, false
}

// Clone returns a copy safe to hand outside the loop.
func (j Job) Clone() Job {
	out := j
	if j.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), j.Metadata...)
	}
	return out
}

// MergeSource tags the provenance of a batch entering the reducer. Snapshots
// are authoritative listings and prune absent ids; events are incremental and
// never delete.
type MergeSource int

const (
	SourceSnapshot MergeSource = iota
	SourceEvent
)

func (s MergeSource) String() string {
	switch s {
	case SourceSnapshot:
		return "snapshot"
	case SourceEvent:
		return "event"
	default:
		return "unknown"
	}
}
