package workflow

import (
	"encoding/json"
	"fmt"
)

// JobStatus represents the lifecycle status of a single job.
type JobStatus string

const (
	// JobStatusPending indicates the job has not yet been considered by the scheduler.
	JobStatusPending JobStatus = "pending"

	// JobStatusWaiting indicates the job is blocked on unfinished dependencies.
	JobStatusWaiting JobStatus = "waiting"

	// JobStatusRunning indicates the job is executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusSuccess indicates the job finished successfully.
	JobStatusSuccess JobStatus = "success"

	// JobStatusFailure indicates the job's prerequisites or execution failed.
	JobStatusFailure JobStatus = "failure"

	// JobStatusCancelled indicates the job was stopped by run cancellation.
	JobStatusCancelled JobStatus = "cancelled"

	// JobStatusSkipped indicates the job never ran, either by condition,
	// because an ancestor did not succeed, or because the run aborted.
	JobStatusSkipped JobStatus = "skipped"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailure ||
		s == JobStatusCancelled || s == JobStatusSkipped
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusWaiting, JobStatusRunning, JobStatusSuccess,
		JobStatusFailure, JobStatusCancelled, JobStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}

// RunState is the terminal state of a workflow run.
type RunState string

const (
	// RunStateRunning indicates the run has not finished yet.
	RunStateRunning RunState = "running"

	// RunStateCompleted indicates every job succeeded or was skipped by condition.
	RunStateCompleted RunState = "completed"

	// RunStateCompletedWithFailures indicates the run drained under the continue
	// policy with at least one failed or dependency-skipped job.
	RunStateCompletedWithFailures RunState = "completed_with_failures"

	// RunStateAborted indicates a required job failed under the abort policy.
	RunStateAborted RunState = "aborted"

	// RunStateCancelled indicates the run was cancelled.
	RunStateCancelled RunState = "cancelled"
)

// IsTerminal returns true if the run state is final.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateCompletedWithFailures ||
		s == RunStateAborted || s == RunStateCancelled
}

// IsSuccess returns true only for a clean completion.
func (s RunState) IsSuccess() bool {
	return s == RunStateCompleted
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	switch s {
	case RunStateRunning, RunStateCompleted, RunStateCompletedWithFailures,
		RunStateAborted, RunStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunState(str)
	return s.Validate()
}

// FailurePolicy controls how the executor reacts to a failed job.
type FailurePolicy string

const (
	// AbortOnFirstFailure stops launching new jobs after the first required
	// failure. In-flight jobs finish; unstarted jobs are skipped.
	AbortOnFirstFailure FailurePolicy = "abort"

	// ContinueIndependentBranches keeps running every job that does not
	// transitively depend on a failed job.
	ContinueIndependentBranches FailurePolicy = "continue"
)

// Validate checks if the failure policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case AbortOnFirstFailure, ContinueIndependentBranches:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %s", p)
	}
}

// ParseFailurePolicy converts a configuration string to a FailurePolicy.
// The empty string selects AbortOnFirstFailure.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	if s == "" {
		return AbortOnFirstFailure, nil
	}
	p := FailurePolicy(s)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}
