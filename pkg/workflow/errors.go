package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies a workflow failure.
type ErrorKind string

const (
	// KindJobValidation indicates a structural problem found while building a plan:
	// duplicate or empty job IDs, dangling dependencies, or an invalid parallelism bound.
	KindJobValidation ErrorKind = "job_validation_failed"

	// KindDependencyCycle indicates the dependency relation contains a cycle.
	KindDependencyCycle ErrorKind = "dependency_cycle_detected"

	// KindJobNotFound indicates a dependency names a job that is not part of the run.
	KindJobNotFound ErrorKind = "job_not_found"

	// KindPrerequisite indicates a job's pre-flight check rejected the context.
	KindPrerequisite ErrorKind = "prerequisite_failed"

	// KindJobExecution indicates a job's unit of work failed.
	KindJobExecution ErrorKind = "job_execution_failed"

	// KindCleanup indicates a job's cleanup hook failed. Never surfaced as a job result.
	KindCleanup ErrorKind = "cleanup_failed"

	// KindCancelled indicates the run was cancelled.
	KindCancelled ErrorKind = "workflow_cancelled"

	// KindSerialization indicates a value could not be encoded or decoded.
	KindSerialization ErrorKind = "serialization_failed"

	// KindDependencyFailed marks a job skipped because an ancestor did not succeed.
	KindDependencyFailed ErrorKind = "dependency_failed"

	// KindAborted marks a job skipped because the run aborted before it started.
	KindAborted ErrorKind = "run_aborted"

	// KindInternal indicates an engine invariant was violated.
	KindInternal ErrorKind = "internal"
)

// IsStructural reports whether the kind is raised at build time.
func (k ErrorKind) IsStructural() bool {
	return k == KindJobValidation || k == KindDependencyCycle || k == KindJobNotFound
}

// Error is a classified workflow error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// JobID is the job that caused the error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Kind, e.Message)
	if e.JobID != "" {
		fmt.Fprintf(&sb, " (job=%s)", e.JobID)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a JobValidationFailed error.
func NewValidationError(message string) *Error {
	return NewError(KindJobValidation, message, nil).WithCode(ErrCodeValidation)
}

// NewPrerequisiteError creates a prerequisite failure for the given job.
func NewPrerequisiteError(jobID, message string) *Error {
	return NewError(KindPrerequisite, message, nil).WithJob(jobID)
}

// NewExecutionError wraps the cause of a job execution failure.
func NewExecutionError(jobID, message string, err error) *Error {
	return NewError(KindJobExecution, message, err).WithJob(jobID)
}

// WithJob adds job context to an error.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in the chain. Unclassified
// errors are reported as KindJobExecution.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindJobExecution
}

// IsKind reports whether any error in err's tree carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *Error:
		if e.Kind == kind {
			return true
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsKind(u.Unwrap(), kind)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if IsKind(inner, kind) {
				return true
			}
		}
	}
	return false
}

// IsValidation reports whether err is a build-time structural failure.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.IsStructural()
	}
	return false
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// ErrPlanConsumed is returned when a plan is handed to an executor a second time.
var ErrPlanConsumed = NewError(KindInternal, "plan has already been executed", nil).WithCode(ErrCodeConsumed)

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeDuplicateJob     = "DUPLICATE_JOB"
	ErrCodeMissingJob       = "MISSING_JOB"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeParallelism      = "INVALID_PARALLELISM"
	ErrCodeConsumed         = "PLAN_CONSUMED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeAborted          = "ABORTED"
	ErrCodePanic            = "PANIC"
)

// JobFailure names one job that did not succeed.
type JobFailure struct {
	JobID  string
	Status JobStatus
	Kind   ErrorKind
	Err    error
}

// RunError is returned by Executor.Execute when a run does not complete cleanly.
// It names the failed jobs and carries the partial context so outputs of
// completed stages remain inspectable.
type RunError struct {
	RunID    string
	State    RunState
	Failures []JobFailure
	Context  *Context
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("workflow %s %s", e.RunID, e.State)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			parts = append(parts, fmt.Sprintf("%s (%s): %v", f.JobID, f.Kind, f.Err))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", f.JobID, f.Kind))
		}
	}
	return fmt.Sprintf("workflow %s %s: %s", e.RunID, e.State, strings.Join(parts, "; "))
}

// Unwrap exposes the individual job errors to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// FailedJobs returns the IDs of jobs that failed, sorted.
func (e *RunError) FailedJobs() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Status == JobStatusFailure {
			ids = append(ids, f.JobID)
		}
	}
	sort.Strings(ids)
	return ids
}
