package run

import (
	"context"
	"time"
)

// Status is the lifecycle state of a pipeline run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a run in this status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepState is the per-step execution state within a run.
type StepState string

const (
	StepPending  StepState = "PENDING"
	StepRunning  StepState = "RUNNING"
	StepDone     StepState = "DONE"
	StepFailed   StepState = "FAILED"
	StepSkipped  StepState = "SKIPPED"
	StepAwaiting StepState = "AWAITING_APPROVAL"
)

// ErrorPolicy governs what a step failure does to the rest of the run.
type ErrorPolicy string

const (
	// FailFast aborts all remaining steps on the first step failure.
	FailFast ErrorPolicy = "FAIL_FAST"
	// Continue records the failure, skips steps fed only by the failed
	// step, and lets independent branches proceed.
	Continue ErrorPolicy = "CONTINUE"
)

// Options configures a single run.
type Options struct {
	// MaxConcurrentSteps caps how many independent steps execute at once.
	// Zero or one means fully sequential.
	MaxConcurrentSteps int

	// ErrorPolicy defaults to FailFast when empty.
	ErrorPolicy ErrorPolicy

	// Resume preserves prior checkpoint cursors instead of clearing them,
	// so extraction steps continue from their last flushed offset. Requires
	// RunID to name the failed run being resumed.
	Resume bool

	// RunID reuses an existing run identifier. Empty means a fresh ID.
	RunID string
}

func (o Options) effectivePolicy() ErrorPolicy {
	if o.ErrorPolicy == "" {
		return FailFast
	}
	return o.ErrorPolicy
}

func (o Options) effectiveConcurrency() int {
	if o.MaxConcurrentSteps < 1 {
		return 1
	}
	return o.MaxConcurrentSteps
}

// Metrics aggregates record-level counters for a finished run.
type Metrics struct {
	RecordsProcessed int64         `json:"recordsProcessed"`
	RecordsFailed    int64         `json:"recordsFailed"`
	Duration         time.Duration `json:"durationMs"`
}

// RecordError captures a single-record failure inside a step. It never
// fails the step; the orchestrator aggregates these for diagnostics.
type RecordError struct {
	StepKey     string    `json:"stepKey"`
	RecordIndex int       `json:"recordIndex"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID           string     `json:"id"`
	PipelineCode string     `json:"pipelineCode"`
	Status       Status     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Metrics      Metrics    `json:"metrics"`
	StepStates   map[string]StepState `json:"stepStates"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Result is what Execute returns to the caller: final status, metrics,
// and the complete record-error list for diagnostics.
type Result struct {
	Run          *Run
	RecordErrors []RecordError
}

// HistoryStore persists runs and their record errors. Implementations hold
// no engine logic; the orchestrator drives every transition.
type HistoryStore interface {
	SaveRun(ctx context.Context, r *Run) error
	UpdateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns recent runs, newest first. An empty pipelineCode
	// matches every pipeline; limit <= 0 applies a default cap.
	ListRuns(ctx context.Context, pipelineCode string, limit int) ([]*Run, error)
	SaveRecordErrors(ctx context.Context, runID string, recordErrors []RecordError) error
	GetRecordErrors(ctx context.Context, runID string) ([]RecordError, error)
}
