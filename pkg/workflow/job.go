package workflow

import (
	"context"
)

// Job is a unit of work in a workflow run.
//
// Implementations are supplied by the caller; the engine treats the set of
// job types as open. A job must be safe to call from a goroutine other than
// the one that built the plan.
type Job interface {
	// ID returns the job identifier, unique within a run.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Description returns a longer human-readable description.
	Description() string

	// DependsOn returns the IDs of jobs that must succeed before this one starts.
	DependsOn() []string

	// ValidatePrerequisites checks that everything Execute needs is present
	// in the context. It must not have side effects.
	ValidatePrerequisites(ctx context.Context, wc *Context) error

	// Execute performs the work. Outputs and artifacts are written only
	// through jc, which is scoped to this job's ID. A job may report failure
	// either by returning an error or by returning a failed JobResult.
	Execute(ctx context.Context, jc *JobContext) (*JobResult, error)

	// Cleanup releases resources acquired by Execute. It is called after
	// Execute whatever the outcome; its errors are logged and dropped.
	Cleanup(ctx context.Context, wc *Context) error
}

// Conditional is implemented by jobs that may decide to skip themselves.
// A job skipped by condition counts as satisfied for its dependents.
type Conditional interface {
	ShouldSkip(ctx context.Context, wc *Context) (bool, error)
}

// BaseJob carries job identity and no-op hooks. Embed it and implement Execute.
type BaseJob struct {
	JobID          string
	JobName        string
	JobDescription string
	Dependencies   []string
}

// ID implements Job.
func (b BaseJob) ID() string { return b.JobID }

// Name implements Job. It falls back to the ID.
func (b BaseJob) Name() string {
	if b.JobName == "" {
		return b.JobID
	}
	return b.JobName
}

// Description implements Job.
func (b BaseJob) Description() string { return b.JobDescription }

// DependsOn implements Job.
func (b BaseJob) DependsOn() []string {
	return append([]string(nil), b.Dependencies...)
}

// ValidatePrerequisites implements Job with no checks.
func (b BaseJob) ValidatePrerequisites(context.Context, *Context) error { return nil }

// Cleanup implements Job with nothing to release.
func (b BaseJob) Cleanup(context.Context, *Context) error { return nil }

// JobResult is what a job reports back from Execute.
type JobResult struct {
	Status  JobStatus
	Message string
	Logs    []string
}

// Succeeded returns a successful result.
func Succeeded(message string) *JobResult {
	return &JobResult{Status: JobStatusSuccess, Message: message}
}

// Failed returns a failed result. The executor records it with KindJobExecution.
func Failed(message string) *JobResult {
	return &JobResult{Status: JobStatusFailure, Message: message}
}

// WithLogs attaches log lines to the result. They are forwarded to the log sink.
func (r *JobResult) WithLogs(lines ...string) *JobResult {
	r.Logs = append(r.Logs, lines...)
	return r
}

// JobFunc adapts a function to a Job with the given identity.
func JobFunc(id string, deps []string, fn func(ctx context.Context, jc *JobContext) error) Job {
	return &funcJob{
		BaseJob: BaseJob{JobID: id, Dependencies: deps},
		fn:      fn,
	}
}

type funcJob struct {
	BaseJob
	fn func(ctx context.Context, jc *JobContext) error
}

func (j *funcJob) Execute(ctx context.Context, jc *JobContext) (*JobResult, error) {
	if err := j.fn(ctx, jc); err != nil {
		return nil, err
	}
	return Succeeded(""), nil
}

// dependencyOverride wraps a job so its declared dependencies are replaced.
type dependencyOverride struct {
	Job
	deps []string
}

func (d *dependencyOverride) DependsOn() []string {
	return append([]string(nil), d.deps...)
}

// ShouldSkip forwards to the wrapped job when it is conditional.
func (d *dependencyOverride) ShouldSkip(ctx context.Context, wc *Context) (bool, error) {
	if c, ok := d.Job.(Conditional); ok {
		return c.ShouldSkip(ctx, wc)
	}
	return false, nil
}
