package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/launchyard/launchyard/pkg/workflow"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string) *WorkflowRun {
	t.Helper()
	run := &WorkflowRun{
		ID:           id,
		DeploymentID: "dep-1",
		ProjectID:    "proj-1",
		JobCount:     3,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "launchyard.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestHealthCheckBeforeInit(t *testing.T) {
	store, _ := NewSQLiteStore(Config{Path: ":memory:"})
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected migrate to fail before Init")
	}
}

// TestStoreMigrations tests database migrations in both directions
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"workflow_runs", "job_executions", "job_logs"}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Re-running is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	if err := store.MigrateDown(ctx); err != nil {
		t.Fatalf("failed to revert migrations: %v", err)
	}
	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflow_runs").Scan(&count); err == nil {
		t.Error("expected workflow_runs to be dropped")
	}
}

// TestRunCRUD tests WorkflowRun CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store, "run-001")

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.DeploymentID != "dep-1" || retrieved.JobCount != 3 {
		t.Errorf("unexpected run: %+v", retrieved)
	}
	if retrieved.Status != workflow.RunStateRunning {
		t.Errorf("expected Status %s, got %s", workflow.RunStateRunning, retrieved.Status)
	}
	if retrieved.FailurePolicy != "abort" || retrieved.MaxParallel != 1 {
		t.Errorf("expected defaults, got policy=%s max=%d", retrieved.FailurePolicy, retrieved.MaxParallel)
	}
	if retrieved.CompletedAt != nil {
		t.Error("expected CompletedAt to be unset")
	}

	errMsg := "build failed"
	if err := store.UpdateRunStatus(ctx, run.ID, workflow.RunStateAborted, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}
	if updated.Status != workflow.RunStateAborted {
		t.Errorf("expected Status %s, got %s", workflow.RunStateAborted, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.UpdateRunStatus(ctx, run.ID, "exploded", nil); err == nil {
		t.Error("expected invalid status to be rejected")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createTestRun(t, store, fmt.Sprintf("run-%03d", i))
	}

	page, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(page))
	}

	rest, err := store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(rest))
	}
}

func TestCancellationFlag(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-cancel")

	cancelled, err := store.IsCancelled(ctx, "run-cancel")
	if err != nil || cancelled {
		t.Fatalf("expected run not cancelled, got %v (%v)", cancelled, err)
	}

	if err := store.RequestCancel(ctx, "run-cancel"); err != nil {
		t.Fatalf("failed to request cancel: %v", err)
	}
	cancelled, err = store.IsCancelled(ctx, "run-cancel")
	if err != nil || !cancelled {
		t.Fatalf("expected run cancelled, got %v (%v)", cancelled, err)
	}

	if _, err := store.IsCancelled(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound cancelling unknown run, got %v", err)
	}
}

func TestJobTracking(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-jobs")

	id, err := store.CreateJobExecution(ctx, "run-jobs", "build", workflow.JobStatusPending)
	if err != nil {
		t.Fatalf("failed to create job execution: %v", err)
	}

	if err := store.UpdateJobStatus(ctx, id, workflow.JobStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	exec, err := store.GetJobExecution(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job execution: %v", err)
	}
	if exec.StartedAt == nil || exec.CompletedAt != nil || exec.Message != nil {
		t.Errorf("unexpected running execution: %+v", exec)
	}

	outputs := map[string]json.RawMessage{"image_tag": json.RawMessage(`"app:v1"`)}
	if err := store.SaveJobOutputs(ctx, id, outputs); err != nil {
		t.Fatalf("failed to save outputs: %v", err)
	}
	if err := store.UpdateJobStatus(ctx, id, workflow.JobStatusSuccess, "built"); err != nil {
		t.Fatalf("failed to mark success: %v", err)
	}

	exec, err = store.GetJobExecution(ctx, id)
	if err != nil {
		t.Fatalf("failed to get job execution: %v", err)
	}
	if exec.Status != workflow.JobStatusSuccess {
		t.Errorf("expected success, got %s", exec.Status)
	}
	if exec.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if exec.Message == nil || *exec.Message != "built" {
		t.Errorf("expected message built, got %v", exec.Message)
	}
	decoded, err := exec.DecodeOutputs()
	if err != nil {
		t.Fatalf("failed to decode outputs: %v", err)
	}
	if string(decoded["image_tag"]) != `"app:v1"` {
		t.Errorf("unexpected outputs: %s", exec.Outputs)
	}

	// Same job in the same run reuses the row.
	again, err := store.CreateJobExecution(ctx, "run-jobs", "build", workflow.JobStatusPending)
	if err != nil {
		t.Fatalf("failed to re-create job execution: %v", err)
	}
	if again != id {
		t.Errorf("expected id %d to be reused, got %d", id, again)
	}

	if err := store.UpdateJobStatus(ctx, 9999, workflow.JobStatusFailure, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown execution, got %v", err)
	}
}

func TestJobExecutionRequiresRun(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.CreateJobExecution(context.Background(), "no-such-run", "a", workflow.JobStatusPending); err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestCancelPendingJobs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-pending")

	done, _ := store.CreateJobExecution(ctx, "run-pending", "download", workflow.JobStatusPending)
	_ = store.UpdateJobStatus(ctx, done, workflow.JobStatusSuccess, "")
	running, _ := store.CreateJobExecution(ctx, "run-pending", "build", workflow.JobStatusPending)
	_ = store.UpdateJobStatus(ctx, running, workflow.JobStatusRunning, "")

	if err := store.CancelPendingJobs(ctx, "run-pending", "workflow cancelled"); err != nil {
		t.Fatalf("failed to cancel pending jobs: %v", err)
	}

	execs, err := store.ListJobExecutions(ctx, "run-pending")
	if err != nil {
		t.Fatalf("failed to list job executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].Status != workflow.JobStatusSuccess {
		t.Errorf("expected download to stay success, got %s", execs[0].Status)
	}
	if execs[1].Status != workflow.JobStatusCancelled {
		t.Errorf("expected build cancelled, got %s", execs[1].Status)
	}
}

func TestJobLogs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-logs")

	sink := store.StageLogSink("run-logs")
	if err := workflow.WriteLogs(ctx, sink, "build", []string{"step 1", "step 2"}); err != nil {
		t.Fatalf("failed to write logs: %v", err)
	}
	if err := sink.WriteLog(ctx, "deploy", "rolling out"); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	all, err := store.ListLogs(ctx, "run-logs", LogFilter{})
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(all))
	}

	stage := "build"
	build, err := store.ListLogs(ctx, "run-logs", LogFilter{StageID: &stage})
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(build) != 2 || build[0].Line != "step 1" || build[1].Line != "step 2" {
		t.Errorf("unexpected build logs: %+v", build)
	}

	tail, err := store.ListLogs(ctx, "run-logs", LogFilter{AfterID: all[1].ID})
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(tail) != 1 || tail[0].Line != "rolling out" {
		t.Errorf("unexpected tail: %+v", tail)
	}

	limited, err := store.ListLogs(ctx, "run-logs", LogFilter{Limit: 1})
	if err != nil {
		t.Fatalf("failed to list logs: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 line, got %d", len(limited))
	}
}

func TestDeleteRunCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-cascade")

	if _, err := store.CreateJobExecution(ctx, "run-cascade", "a", workflow.JobStatusPending); err != nil {
		t.Fatalf("failed to create job execution: %v", err)
	}
	if err := store.AppendLog(ctx, "run-cascade", "a", "hello"); err != nil {
		t.Fatalf("failed to append log: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-cascade"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	execs, _ := store.ListJobExecutions(ctx, "run-cascade")
	logs, _ := store.ListLogs(ctx, "run-cascade", LogFilter{})
	if len(execs) != 0 || len(logs) != 0 {
		t.Errorf("expected cascade delete, got %d executions and %d logs", len(execs), len(logs))
	}
}

// TestExecutorIntegration runs a workflow with the store as tracker,
// cancellation provider, and log sink.
func TestExecutorIntegration(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestRun(t, store, "run-int")

	download := workflow.JobFunc("download", nil, func(ctx context.Context, jc *workflow.JobContext) error {
		jc.Log(ctx, "cloning")
		return jc.SetOutput(workflow.OutputRepoDir, "/tmp/repo")
	})
	build := workflow.JobFunc("build", []string{"download"}, func(context.Context, *workflow.JobContext) error {
		return errors.New("docker daemon unreachable")
	})
	deploy := workflow.JobFunc("deploy", []string{"build"}, func(context.Context, *workflow.JobContext) error {
		return nil
	})

	plan, err := workflow.NewBuilder("run-int").
		AddJobs(download, build, deploy).
		WithLogSink(store.StageLogSink("run-int")).
		Build()
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}

	result, err := workflow.NewExecutor(
		workflow.WithJobTracker(store),
		workflow.WithCancellationProvider(store),
	).Execute(ctx, plan)
	if err == nil {
		t.Fatal("expected run error")
	}
	if result.State != workflow.RunStateAborted {
		t.Fatalf("expected aborted, got %s", result.State)
	}

	execs, err := store.ListJobExecutions(ctx, "run-int")
	if err != nil {
		t.Fatalf("failed to list job executions: %v", err)
	}
	statuses := map[string]workflow.JobStatus{}
	for _, e := range execs {
		statuses[e.JobID] = e.Status
	}
	want := map[string]workflow.JobStatus{
		"download": workflow.JobStatusSuccess,
		"build":    workflow.JobStatusFailure,
		"deploy":   workflow.JobStatusSkipped,
	}
	for id, status := range want {
		if statuses[id] != status {
			t.Errorf("expected %s to be %s, got %s", id, status, statuses[id])
		}
	}

	logs, _ := store.ListLogs(ctx, "run-int", LogFilter{})
	if len(logs) != 1 || logs[0].StageID != "download" {
		t.Errorf("expected one download log line, got %+v", logs)
	}
}
