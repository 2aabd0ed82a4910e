package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/launchyard/launchyard/pkg/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// WorkflowRun is the persisted record of one workflow execution.
type WorkflowRun struct {
	ID              string            `json:"id"`
	DeploymentID    string            `json:"deployment_id"`
	ProjectID       string            `json:"project_id"`
	EnvironmentID   string            `json:"environment_id"`
	Pipeline        string            `json:"pipeline"` // source file of the definition, if any
	Status          workflow.RunState `json:"status"`
	FailurePolicy   string            `json:"failure_policy"`
	MaxParallel     int               `json:"max_parallel"`
	JobCount        int               `json:"job_count"`
	CancelRequested bool              `json:"cancel_requested"`
	Error           *string           `json:"error,omitempty"`
	Metadata        string            `json:"metadata"` // JSON blob
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// JobExecution is the persisted record of one job within a run.
type JobExecution struct {
	ID          int64              `json:"id"`
	RunID       string             `json:"run_id"`
	JobID       string             `json:"job_id"`
	Status      workflow.JobStatus `json:"status"`
	Message     *string            `json:"message,omitempty"`
	Outputs     string             `json:"outputs"` // JSON object keyed by output name
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// DecodeOutputs returns the execution's outputs keyed by name.
func (e *JobExecution) DecodeOutputs() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if e.Outputs == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(e.Outputs), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// JobLog is one line written by a job.
type JobLog struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StageID   string    `json:"stage_id"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	StageID *string
	AfterID int64 // only lines with a larger ID, for tailing
	Limit   int
}

// Store defines the interface for the persistence layer
type Store interface {
	workflow.JobTracker
	workflow.CancellationProvider

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id string, status workflow.RunState, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error

	// Job execution operations
	GetJobExecution(ctx context.Context, id int64) (*JobExecution, error)
	ListJobExecutions(ctx context.Context, runID string) ([]*JobExecution, error)

	// Log operations
	AppendLog(ctx context.Context, runID, stageID, line string) error
	ListLogs(ctx context.Context, runID string, filter LogFilter) ([]*JobLog, error)
	StageLogSink(runID string) workflow.LogSink

	// Utility
	HealthCheck(ctx context.Context) error
}
