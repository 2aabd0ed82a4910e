package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/launchyard/launchyard/pkg/telemetry"
)

// Executor runs plans. It holds no per-run state and may run several plans
// concurrently.
type Executor struct {
	cancellation CancellationProvider
	tracker      JobTracker
	now          func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithCancellationProvider sets the source of external cancellation requests.
func WithCancellationProvider(p CancellationProvider) Option {
	return func(e *Executor) { e.cancellation = p }
}

// WithJobTracker records job executions as they progress.
func WithJobTracker(t JobTracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithClock overrides the time source for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the plan to a terminal state and returns the result.
//
// When the run does not end Completed, the result is returned together with
// a *RunError naming the jobs that did not succeed. A plan can be executed
// only once; a second call returns ErrPlanConsumed.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*RunResult, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil")
	}
	if !plan.consumed.CompareAndSwap(false, true) {
		return nil, ErrPlanConsumed
	}

	ctx = telemetry.WithRunContext(ctx, plan.runID, plan.identity.DeploymentID, plan.JobCount())
	logger := telemetry.FromContext(ctx)

	s := &scheduler{
		exec:      e,
		plan:      plan,
		wc:        newContext(plan.runID, plan.identity, plan.workDir, plan.vars),
		logger:    logger,
		outcomes:  make(map[string]*JobOutcome, plan.JobCount()),
		started:   make(map[string]bool, plan.JobCount()),
		remaining: make(map[string]int, plan.JobCount()),
		done:      make(chan completion, plan.JobCount()),
	}

	result := &RunResult{
		RunID:     plan.runID,
		Context:   s.wc,
		StartedAt: e.now(),
		order:     plan.JobIDs(),
	}
	logger.Infof("starting workflow with %d jobs (max parallel %d, policy %s)",
		plan.JobCount(), plan.maxParallel, plan.policy)

	s.run(ctx)
	s.finalize(ctx)

	result.FinishedAt = e.now()
	result.outcomes = s.outcomes
	result.State = s.state()

	var runErr error
	if result.State != RunStateCompleted {
		runErr = &RunError{
			RunID:    plan.runID,
			State:    result.State,
			Failures: result.failures(),
			Context:  s.wc,
		}
		logger.WithError(runErr).Warnf("workflow finished: %s", result.State)
	} else {
		logger.Infof("workflow completed in %s", result.Duration())
	}
	telemetry.EndRunContext(ctx, plan.runID, string(result.State), runErr)

	return result, runErr
}

// completion is what a worker reports back to the scheduler.
type completion struct {
	outcome   *JobOutcome
	outputs   map[string]json.RawMessage
	artifacts map[string]string
}

// scheduler drives one run. Its fields are owned by the goroutine running
// run; workers communicate only through done.
type scheduler struct {
	exec   *Executor
	plan   *Plan
	wc     *Context
	logger *telemetry.Logger

	outcomes  map[string]*JobOutcome
	started   map[string]bool
	remaining map[string]int
	ready     []string
	inFlight  int

	stopLaunching bool
	aborted       bool
	cancelled     bool

	done chan completion
}

func (s *scheduler) run(ctx context.Context) {
	g := s.plan.graph
	for _, id := range g.order {
		s.remaining[id] = len(g.dependencies[id])
		if s.remaining[id] == 0 {
			s.ready = append(s.ready, id)
		}
	}

	for {
		if !s.stopLaunching && ctx.Err() != nil {
			s.logger.Warn("caller context done, no further jobs will start")
			s.cancelled = true
			s.stopLaunching = true
		}
		for !s.stopLaunching && len(s.ready) > 0 && s.inFlight < s.plan.maxParallel {
			id := s.ready[0]
			s.ready = s.ready[1:]
			s.launch(ctx, id)
		}
		if s.inFlight == 0 {
			return
		}

		c := <-s.done
		s.inFlight--
		s.complete(c)
	}
}

func (s *scheduler) launch(ctx context.Context, id string) {
	job := s.plan.jobs[id]
	s.started[id] = true
	s.inFlight++
	go func() {
		s.done <- s.runJob(ctx, job)
	}()
}

func (s *scheduler) complete(c completion) {
	o := c.outcome
	id := o.JobID
	s.outcomes[id] = o

	switch o.Status {
	case JobStatusSuccess:
		s.wc.merge(id, c.outputs, c.artifacts)
		s.release(id)
	case JobStatusSkipped:
		s.release(id)
	case JobStatusFailure:
		if s.plan.policy == AbortOnFirstFailure && !s.plan.optional[id] {
			if !s.aborted {
				s.logger.Warnf("job %s failed, aborting run", id)
			}
			s.aborted = true
			s.stopLaunching = true
		}
		s.skipDescendants(id)
	case JobStatusCancelled:
		s.cancelled = true
		s.stopLaunching = true
	}
}

// release makes dependents whose dependencies are all satisfied ready.
// The ready set stays in insertion order.
func (s *scheduler) release(id string) {
	g := s.plan.graph
	for _, dependent := range g.dependents[id] {
		s.remaining[dependent]--
		if s.remaining[dependent] > 0 || s.started[dependent] || s.outcomes[dependent] != nil {
			continue
		}
		pos := sort.Search(len(s.ready), func(i int) bool {
			return g.index[s.ready[i]] > g.index[dependent]
		})
		s.ready = append(s.ready, "")
		copy(s.ready[pos+1:], s.ready[pos:])
		s.ready[pos] = dependent
	}
}

func (s *scheduler) skipDescendants(id string) {
	for _, d := range s.plan.graph.descendants(id) {
		if s.outcomes[d] != nil || s.started[d] {
			continue
		}
		job := s.plan.jobs[d]
		s.outcomes[d] = &JobOutcome{
			JobID:   d,
			Name:    job.Name(),
			Status:  JobStatusSkipped,
			Kind:    KindDependencyFailed,
			Message: fmt.Sprintf("dependency %s did not succeed", id),
			Err: NewError(KindDependencyFailed, fmt.Sprintf("dependency %s did not succeed", id), nil).
				WithJob(d).
				WithCode(ErrCodeDependencyFailed),
		}
	}
}

// finalize assigns outcomes to jobs that never started and records them.
func (s *scheduler) finalize(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range s.plan.graph.order {
		if s.outcomes[id] == nil {
			job := s.plan.jobs[id]
			o := &JobOutcome{JobID: id, Name: job.Name()}
			switch {
			case s.cancelled:
				o.Status = JobStatusCancelled
				o.Kind = KindCancelled
				o.Message = "run cancelled before job started"
				o.Err = NewError(KindCancelled, o.Message, nil).WithJob(id)
			case s.aborted:
				o.Status = JobStatusSkipped
				o.Kind = KindAborted
				o.Message = "run aborted before job started"
				o.Err = NewError(KindAborted, o.Message, nil).WithJob(id).WithCode(ErrCodeAborted)
			default:
				o.Status = JobStatusSkipped
				o.Kind = KindInternal
				o.Message = "job was never scheduled"
				o.Err = NewError(KindInternal, o.Message, nil).WithJob(id)
			}
			s.outcomes[id] = o
		}
		if !s.started[id] {
			s.recordNotRun(ctx, s.outcomes[id])
		}
	}

	if s.cancelled && s.exec.tracker != nil {
		if err := s.exec.tracker.CancelPendingJobs(ctx, s.plan.runID, "workflow cancelled"); err != nil {
			s.trackerFailed(ctx, "cancel_pending", err)
		}
	}
}

func (s *scheduler) state() RunState {
	if s.cancelled {
		return RunStateCancelled
	}
	if s.aborted {
		return RunStateAborted
	}
	for _, o := range s.outcomes {
		if o.Status == JobStatusFailure || o.Status == JobStatusCancelled ||
			(o.Status == JobStatusSkipped && o.Kind != "") {
			return RunStateCompletedWithFailures
		}
	}
	return RunStateCompleted
}

// runJob executes one job's lifecycle on a worker goroutine.
func (s *scheduler) runJob(ctx context.Context, job Job) completion {
	id := job.ID()
	runID := s.plan.runID
	jobCtx := telemetry.WithJobContext(ctx, runID, id, job.Name())
	logger := telemetry.FromContext(jobCtx)

	// Tracker writes must land even after the caller's context is done.
	trackCtx := context.WithoutCancel(jobCtx)

	outcome := &JobOutcome{JobID: id, Name: job.Name(), StartedAt: s.exec.now()}
	execID, tracked := s.createExecution(trackCtx, id)

	finish := func(status JobStatus, kind ErrorKind, message string, err error) completion {
		outcome.FinishedAt = s.exec.now()
		outcome.Status = status
		outcome.Kind = kind
		outcome.Message = message
		outcome.Err = err
		if tracked {
			if terr := s.exec.tracker.UpdateJobStatus(trackCtx, execID, status, message); terr != nil {
				s.trackerFailed(trackCtx, "update_status", terr)
			}
		}
		telemetry.EndJobContext(jobCtx, runID, id, string(status), string(kind), err)
		return completion{outcome: outcome}
	}

	if cancelled, _ := s.pollCancelled(jobCtx); cancelled {
		logger.Info("run cancelled, job not started")
		return finish(JobStatusCancelled, KindCancelled, "run cancelled",
			NewError(KindCancelled, "run cancelled", nil).WithJob(id))
	}

	if c, ok := job.(Conditional); ok {
		var skip bool
		err := recoverHook(KindPrerequisite, id, "skip condition panicked", func() (err error) {
			skip, err = c.ShouldSkip(jobCtx, s.wc)
			return err
		})
		if err != nil {
			if !IsKind(err, KindPrerequisite) {
				err = NewError(KindPrerequisite, "skip condition failed", err).WithJob(id)
			}
			logger.WithError(err).Error("job condition could not be evaluated")
			return finish(JobStatusFailure, KindPrerequisite, err.Error(), err)
		}
		if skip {
			logger.Info("job skipped by condition")
			return finish(JobStatusSkipped, "", "skipped by condition", nil)
		}
	}

	err := recoverHook(KindPrerequisite, id, "prerequisite check panicked", func() error {
		return job.ValidatePrerequisites(jobCtx, s.wc)
	})
	if err != nil {
		if !IsKind(err, KindPrerequisite) {
			err = NewError(KindPrerequisite, "prerequisites not met", err).WithJob(id)
		}
		logger.WithError(err).Error("job prerequisites not met")
		return finish(JobStatusFailure, KindPrerequisite, err.Error(), err)
	}

	if tracked {
		if err := s.exec.tracker.UpdateJobStatus(trackCtx, execID, JobStatusRunning, ""); err != nil {
			s.trackerFailed(trackCtx, "update_status", err)
		}
	}

	jc := newJobContext(s.wc, id, s.plan.sink)
	jc.onLogErr = func(err error) {
		logger.WithError(err).Warn("log sink rejected line")
		telemetry.RecordSinkError(jobCtx)
	}
	jc.cancelled = s.pollCancelled

	logger.Debug("executing job")
	res, execErr := safeExecute(jobCtx, job, jc)

	cerr := recoverHook(KindCleanup, id, "cleanup panicked", func() error {
		return job.Cleanup(jobCtx, s.wc)
	})
	if cerr != nil {
		if !IsKind(cerr, KindCleanup) {
			cerr = NewError(KindCleanup, "cleanup failed", cerr).WithJob(id)
		}
		logger.WithError(cerr).Warn("job cleanup failed")
	}

	if res != nil && len(res.Logs) > 0 {
		if err := WriteLogs(jobCtx, s.plan.sink, id, res.Logs); err != nil {
			jc.onLogErr(err)
		}
	}

	switch {
	case execErr != nil:
		if IsKind(execErr, KindCancelled) || ctx.Err() != nil {
			logger.WithError(execErr).Warn("job cancelled")
			return finish(JobStatusCancelled, KindCancelled, execErr.Error(), execErr)
		}
		kind := KindOf(execErr)
		if kind.IsStructural() {
			kind = KindJobExecution
		}
		if !IsKind(execErr, kind) {
			execErr = NewExecutionError(id, "job failed", execErr)
		}
		logger.WithError(execErr).Error("job failed")
		return finish(JobStatusFailure, kind, execErr.Error(), execErr)

	case res != nil && res.Status == JobStatusFailure:
		err := NewExecutionError(id, res.Message, nil)
		logger.WithError(err).Error("job reported failure")
		return finish(JobStatusFailure, KindJobExecution, res.Message, err)

	case res != nil && res.Status == JobStatusCancelled:
		return finish(JobStatusCancelled, KindCancelled, res.Message,
			NewError(KindCancelled, res.Message, nil).WithJob(id))

	case res != nil && res.Status == JobStatusSkipped:
		logger.Info("job skipped itself")
		return finish(JobStatusSkipped, "", res.Message, nil)
	}

	message := ""
	if res != nil {
		message = res.Message
	}
	outputs := jc.outputs
	if tracked && len(outputs) > 0 {
		if err := s.exec.tracker.SaveJobOutputs(trackCtx, execID, outputs); err != nil {
			s.trackerFailed(trackCtx, "save_outputs", err)
		}
	}
	logger.Info("job completed")
	c := finish(JobStatusSuccess, "", message, nil)
	c.outputs = outputs
	c.artifacts = jc.artifacts
	return c
}

// recoverHook runs a job hook and reports a panic as an error of the given kind.
func recoverHook(kind ErrorKind, jobID, message string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(kind, message, fmt.Errorf("%v", r)).WithJob(jobID).WithCode(ErrCodePanic)
		}
	}()
	return fn()
}

func safeExecute(ctx context.Context, job Job, jc *JobContext) (res *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewExecutionError(job.ID(), "job panicked", fmt.Errorf("%v", r)).WithCode(ErrCodePanic)
		}
	}()
	return job.Execute(ctx, jc)
}

// pollCancelled reports whether the caller's context is done or the
// provider says the run was cancelled. Provider errors count as not cancelled.
func (s *scheduler) pollCancelled(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if s.exec.cancellation == nil {
		return false, nil
	}
	cancelled, err := s.exec.cancellation.IsCancelled(ctx, s.plan.runID)
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("cancellation check failed")
		return false, err
	}
	return cancelled, nil
}

func (s *scheduler) createExecution(ctx context.Context, jobID string) (int64, bool) {
	if s.exec.tracker == nil {
		return 0, false
	}
	execID, err := s.exec.tracker.CreateJobExecution(ctx, s.plan.runID, jobID, JobStatusPending)
	if err != nil {
		s.trackerFailed(ctx, "create_execution", err)
		return 0, false
	}
	return execID, true
}

func (s *scheduler) recordNotRun(ctx context.Context, o *JobOutcome) {
	telemetry.RecordJobNotRun(ctx, s.plan.runID, o.JobID, string(o.Status), o.Message)
	if s.exec.tracker == nil {
		return
	}
	execID, err := s.exec.tracker.CreateJobExecution(ctx, s.plan.runID, o.JobID, o.Status)
	if err != nil {
		s.trackerFailed(ctx, "create_execution", err)
		return
	}
	if err := s.exec.tracker.UpdateJobStatus(ctx, execID, o.Status, o.Message); err != nil {
		s.trackerFailed(ctx, "update_status", err)
	}
}

func (s *scheduler) trackerFailed(ctx context.Context, operation string, err error) {
	telemetry.FromContext(ctx).WithError(err).Warnf("job tracker %s failed", operation)
	telemetry.RecordTrackerError(ctx, operation)
}
