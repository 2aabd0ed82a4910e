package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/launchyard/launchyard/pkg/stores"
	"github.com/launchyard/launchyard/pkg/workflow"
)

const testPipeline = `
name: release
jobs:
  - id: download
    run: echo cloning; echo "repo_dir=/tmp/repo" >> "$LAUNCHYARD_OUTPUT"
  - id: build
    run: echo "building $DOWNLOAD_REPO_DIR"
    requires: [download.repo_dir]
  - id: deploy
    run: exit 1
    depends_on: [build]
`

type testEnv struct {
	dir      string
	config   string
	pipeline string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "launchyard.yaml"),
		pipeline: filepath.Join(dir, "release.yaml"),
	}

	cfg := "store:\n  path: " + filepath.Join(dir, "runs.db") + "\n" +
		"telemetry:\n  logging:\n    level: error\n"
	if err := os.WriteFile(env.config, []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.WriteFile(env.pipeline, []byte(testPipeline), 0o600); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}
	for _, name := range []string{"MAX_PARALLEL", "DB_PATH", "NATS_URL", "METRICS_ADDR", "OTLP_ENDPOINT"} {
		t.Setenv("LAUNCHYARD_"+name, "")
	}
	return env
}

func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *testEnv) store(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := openStore(context.Background(), stores.Config{Path: filepath.Join(e.dir, "runs.db")})
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunRecordsRun(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "run", env.pipeline)
	if err == nil {
		t.Fatal("Expected run error from failing deploy job")
	}
	if !strings.Contains(out, "[download] cloning") || !strings.Contains(out, "[build] building /tmp/repo") {
		t.Errorf("Expected job output on the console, got:\n%s", out)
	}
	if !strings.Contains(out, "2 succeeded, 1 failed") || !strings.Contains(out, "failed: deploy\n") {
		t.Errorf("Expected summary, got:\n%s", out)
	}

	store := env.store(t)
	runs, err := store.ListRuns(context.Background(), 10, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Expected one recorded run, got %d (%v)", len(runs), err)
	}
	run := runs[0]
	if run.Status != workflow.RunStateAborted || run.Error == nil {
		t.Errorf("Expected aborted run with error, got: %s", run.Status)
	}
	if run.JobCount != 3 {
		t.Errorf("Expected 3 jobs, got: %d", run.JobCount)
	}

	jobs, err := store.ListJobExecutions(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListJobExecutions failed: %v", err)
	}
	statuses := map[string]workflow.JobStatus{}
	for _, j := range jobs {
		statuses[j.JobID] = j.Status
	}
	if statuses["download"] != workflow.JobStatusSuccess || statuses["deploy"] != workflow.JobStatusFailure {
		t.Errorf("Unexpected job statuses: %v", statuses)
	}

	out, err = env.execute(t, "logs", run.ID, "--job", "build")
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	if !strings.Contains(out, "[build] building /tmp/repo") || strings.Contains(out, "cloning") {
		t.Errorf("Expected only build lines, got:\n%s", out)
	}

	out, err = env.execute(t, "runs", "show", run.ID)
	if err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.Contains(out, "aborted") || !strings.Contains(out, "deploy") {
		t.Errorf("Unexpected run details:\n%s", out)
	}

	out, err = env.execute(t, "--json", "runs", "list")
	if err != nil {
		t.Fatalf("runs list failed: %v", err)
	}
	var listed []stores.WorkflowRun
	if err := json.Unmarshal([]byte(out), &listed); err != nil || len(listed) != 1 {
		t.Errorf("Expected JSON list with one run, got %q (%v)", out, err)
	}

	if _, err := env.execute(t, "cancel", run.ID); err == nil {
		t.Error("Expected cancelling a finished run to fail")
	}
}

func TestRunFlagsOverridePolicy(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "--json", "run", env.pipeline, "--policy", "continue", "--max-parallel", "2")
	if err == nil {
		t.Fatal("Expected run error")
	}

	var report struct {
		State   workflow.RunState   `json:"state"`
		Summary workflow.RunSummary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(out[strings.Index(out, "{"):]), &report); err != nil {
		t.Fatalf("Expected JSON report, got %q: %v", out, err)
	}
	if report.State != workflow.RunStateCompletedWithFailures {
		t.Errorf("Expected completed_with_failures, got: %s", report.State)
	}

	if _, err := env.execute(t, "run", env.pipeline, "--policy", "retry"); err == nil {
		t.Error("Expected invalid policy to be rejected")
	}
}

func TestCancelRunningRun(t *testing.T) {
	env := newTestEnv(t)
	store := env.store(t)

	run := &stores.WorkflowRun{ID: "run-live", JobCount: 1}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	out, err := env.execute(t, "cancel", "run-live")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !strings.Contains(out, "cancellation requested for run-live") {
		t.Errorf("Unexpected output: %s", out)
	}

	cancelled, err := store.IsCancelled(context.Background(), "run-live")
	if err != nil || !cancelled {
		t.Errorf("Expected cancel flag, got %v (%v)", cancelled, err)
	}
}

func TestValidateAndGraph(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "validate", env.pipeline)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "release: 3 jobs in 3 levels, ok") {
		t.Errorf("Unexpected validate output: %s", out)
	}

	out, err = env.execute(t, "graph", env.pipeline)
	if err != nil {
		t.Fatalf("graph failed: %v", err)
	}
	if out != "0: download\n1: build\n2: deploy\n" {
		t.Errorf("Unexpected levels:\n%s", out)
	}

	out, err = env.execute(t, "graph", env.pipeline, "--format", "dot")
	if err != nil {
		t.Fatalf("graph dot failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph") || !strings.Contains(out, `"build" -> "deploy"`) {
		t.Errorf("Unexpected DOT output:\n%s", out)
	}

	cyclic := filepath.Join(env.dir, "cyclic.yaml")
	content := "name: loop\njobs:\n  - id: a\n    run: \"true\"\n    depends_on: [b]\n  - id: b\n    run: \"true\"\n    depends_on: [a]\n"
	if err := os.WriteFile(cyclic, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}
	_, err = env.execute(t, "validate", cyclic)
	if !workflow.IsKind(err, workflow.KindDependencyCycle) {
		t.Errorf("Expected dependency cycle error, got: %v", err)
	}
}
