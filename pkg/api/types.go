// Package api defines the wire types of the local HTTP bridge. Field names
// match the remote device protocol (camelCase) so UI clients can share one
// set of decoders.
package api

import "encoding/json"

type Job struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	TaskType    string          `json:"taskType"`
	Status      string          `json:"status"`
	CreatedAt   int64           `json:"createdAt,omitempty"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
	Response    string          `json:"response,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CostUSD     float64         `json:"costUsd,omitempty"`
	TokensIn    int64           `json:"tokensIn,omitempty"`
	TokensOut   int64           `json:"tokensOut,omitempty"`
	IsFinalized bool            `json:"isFinalized,omitempty"`
}

type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// StateSnapshot is the derived projection pushed to UI clients: the sorted
// job list plus the counters the home screen renders.
type StateSnapshot struct {
	Jobs                    []Job          `json:"jobs"`
	ActiveJobsCount         int            `json:"activeJobsCount"`
	BadgeCount              int            `json:"badgeCount"`
	UmbrellaActiveBySession map[string]int `json:"umbrellaActiveBySession,omitempty"`
	HasLoadedOnce           bool           `json:"hasLoadedOnce"`
	LastError               string         `json:"lastError,omitempty"`
}

type ReconcileRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ActiveSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type TerminalResponse struct {
	ID               string `json:"id"`
	JobID            string `json:"jobId,omitempty"`
	DeviceID         string `json:"deviceId,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Shell            string `json:"shell,omitempty"`
	IsActive         bool   `json:"isActive"`
}

type TerminalListResponse struct {
	Terminals []TerminalResponse `json:"terminals"`
}

type StartTerminalRequest struct {
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Shell            string `json:"shell,omitempty"`
	JobID            string `json:"jobId,omitempty"`
}

type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
