package core

import (
	"time"

	"github.com/gelson12/bjj-video-analysis/internal/types"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the run has finished
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Run is the registry entry of one submitted run
type Run struct {
	ID           string            `json:"run_id"`
	Status       Status            `json:"status"`
	Input        string            `json:"input"`
	OutputPath   string            `json:"output_path,omitempty"`
	PositionName *string           `json:"position_name,omitempty"`
	Summary      *types.RunSummary `json:"summary,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	QueuedAt     time.Time         `json:"queued_at"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	FinishedAt   time.Time         `json:"finished_at,omitzero"`
}
