// Package workflow implements the DAG-based job engine that drives a
// deployment from source download through image build to container deploy.
//
// # Overview
//
// A workflow run is assembled with a Builder, validated into an immutable
// Plan, and executed by an Executor:
//
//	plan, err := workflow.NewBuilder(runID).
//	    WithDeploymentIdentity(deploymentID, projectID, environmentID).
//	    WithVar("branch", "main").
//	    AddJob(download).
//	    AddJob(build).
//	    AddJob(deploy).
//	    WithMaxParallel(2).
//	    WithLogSink(sink).
//	    Build()
//	if err != nil {
//	    return err // structural problem, nothing ran
//	}
//
//	result, err := workflow.NewExecutor(
//	    workflow.WithCancellationProvider(store),
//	    workflow.WithJobTracker(store),
//	).Execute(ctx, plan)
//
// # Jobs
//
// A Job declares its ID and the IDs it depends on. For every started job the
// executor runs, in order: a cancellation check, the optional ShouldSkip
// condition, ValidatePrerequisites, Execute, and Cleanup. Cleanup runs
// whenever Execute was called; its errors are logged and dropped. Jobs
// skipped because of a failed ancestor never run any hook.
//
// # Context
//
// Jobs exchange data through the Context. Outputs are JSON values keyed by
// (job ID, name); artifacts are filesystem paths keyed the same way. A job
// writes only through its JobContext, which stages writes under the job's own
// ID. The executor merges staged writes after the job succeeds and before any
// dependent becomes ready, so a dependent always sees its dependencies'
// outputs and no two jobs ever write the same key.
//
//	repoDir, ok, err := workflow.Output[string](jc, "download", workflow.OutputRepoDir)
//
// # Scheduling
//
// The ready set is kept in the order jobs were added to the builder. At most
// MaxParallel jobs run at once. Under AbortOnFirstFailure the first failure of
// a required job stops new launches; running jobs finish and the rest are
// skipped. Under ContinueIndependentBranches only the failed job's
// descendants are skipped.
//
// # Terminal states
//
// A run ends Completed, CompletedWithFailures, Aborted, or Cancelled. Every
// state except Completed is reported as a *RunError alongside the RunResult,
// which still carries the partial Context.
//
// # Cancellation
//
// Cancellation is cooperative. The CancellationProvider is polled by run ID
// when each job starts and whenever a job calls JobContext.Checkpoint. A done
// caller context counts as cancellation.
package workflow
