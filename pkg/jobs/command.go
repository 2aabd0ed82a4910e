// Package jobs provides reusable workflow jobs.
package jobs

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/launchyard/launchyard/pkg/telemetry"
	"github.com/launchyard/launchyard/pkg/workflow"
)

// Environment variables set for every command.
const (
	EnvRunID  = "LAUNCHYARD_RUN_ID"
	EnvJobID  = "LAUNCHYARD_JOB_ID"
	EnvOutput = "LAUNCHYARD_OUTPUT"
)

// DefaultShell runs commands that have no explicit arguments.
const DefaultShell = "/bin/sh"

// OutputRef names an output of another job.
type OutputRef struct {
	Job  string
	Name string
}

// ParseOutputRef parses "job.name".
func ParseOutputRef(s string) (OutputRef, error) {
	job, name, ok := strings.Cut(s, ".")
	if !ok || job == "" || name == "" {
		return OutputRef{}, fmt.Errorf("invalid output reference %q, expected job.name", s)
	}
	return OutputRef{Job: job, Name: name}, nil
}

func (r OutputRef) String() string { return r.Job + "." + r.Name }

// EnvName is the variable an output is exported as, e.g. DOWNLOAD_REPO_DIR.
func (r OutputRef) EnvName() string {
	return envSafe(r.Job) + "_" + envSafe(r.Name)
}

// CommandJob runs a process and streams its output to the run's log sink.
//
// Lines of the form key=value written to the file named by $LAUNCHYARD_OUTPUT
// become the job's outputs. Required outputs of other jobs are checked before
// the command starts and exported to it as JOB_NAME variables.
type CommandJob struct {
	workflow.BaseJob

	// Command is run through Shell when Args is empty, otherwise directly.
	Command string
	Args    []string
	Shell   string
	Env     map[string]string

	// Dir defaults to the run's work directory.
	Dir     string
	Timeout time.Duration

	// Requires lists outputs that must exist before the command starts.
	Requires []OutputRef

	// When names a workflow variable; the job is skipped unless it is truthy.
	When string
}

var _ workflow.Conditional = (*CommandJob)(nil)

// ShouldSkip implements workflow.Conditional.
func (j *CommandJob) ShouldSkip(_ context.Context, wc *workflow.Context) (bool, error) {
	if j.When == "" {
		return false, nil
	}
	var v interface{}
	ok, err := wc.Var(j.When, &v)
	if err != nil {
		return false, err
	}
	return !ok || !truthy(v), nil
}

// ValidatePrerequisites checks every required output is present.
func (j *CommandJob) ValidatePrerequisites(_ context.Context, wc *workflow.Context) error {
	var errs []error
	for _, ref := range j.Requires {
		if err := workflow.RequireOutput(wc, j.JobID, ref.Job, ref.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute runs the command.
func (j *CommandJob) Execute(ctx context.Context, jc *workflow.JobContext) (*workflow.JobResult, error) {
	if j.Command == "" {
		return nil, workflow.NewExecutionError(j.JobID, "command is required", nil)
	}
	logger := telemetry.FromContext(ctx)

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	outFile, err := os.CreateTemp("", "launchyard-output-*")
	if err != nil {
		return nil, workflow.NewExecutionError(j.JobID, "failed to create output file", err)
	}
	outPath := outFile.Name()
	_ = outFile.Close()
	defer os.Remove(outPath)

	cmd := j.buildCommand(ctx)
	env, err := j.environment(jc, outPath)
	if err != nil {
		return nil, err
	}
	cmd.Env = env
	cmd.Dir = j.Dir
	if cmd.Dir == "" {
		cmd.Dir = jc.WorkDir()
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second

	streamed := make(chan int, 1)
	go func() {
		n := 0
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			jc.Log(ctx, scanner.Text())
			n++
		}
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, pr)
		streamed <- n
	}()

	logger.Debugf("running command %q", j.Command)
	start := time.Now()
	runErr := cmd.Run()
	_ = pw.Close()
	lines := <-streamed
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, workflow.NewError(workflow.KindCancelled, "command interrupted", ctx.Err()).WithJob(j.JobID)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, workflow.NewExecutionError(j.JobID,
				fmt.Sprintf("command exited with status %d", exitErr.ExitCode()), runErr).
				WithDetail("exit_code", exitErr.ExitCode()).
				WithDetail("duration", duration.String())
		}
		return nil, workflow.NewExecutionError(j.JobID, "failed to execute command", runErr)
	}

	if err := collectOutputs(outPath, jc); err != nil {
		return nil, err
	}

	return workflow.Succeeded(fmt.Sprintf("command finished in %s (%d lines)", duration.Round(time.Millisecond), lines)), nil
}

func (j *CommandJob) buildCommand(ctx context.Context) *exec.Cmd {
	if len(j.Args) > 0 {
		return exec.CommandContext(ctx, j.Command, j.Args...)
	}
	shell := j.Shell
	if shell == "" {
		shell = DefaultShell
	}
	return exec.CommandContext(ctx, shell, "-c", j.Command)
}

func (j *CommandJob) environment(jc *workflow.JobContext, outPath string) ([]string, error) {
	env := os.Environ()

	id := jc.Identity()
	env = append(env,
		EnvRunID+"="+jc.RunID(),
		EnvJobID+"="+j.JobID,
		EnvOutput+"="+outPath,
		"LAUNCHYARD_DEPLOYMENT_ID="+id.DeploymentID,
		"LAUNCHYARD_PROJECT_ID="+id.ProjectID,
		"LAUNCHYARD_ENVIRONMENT_ID="+id.EnvironmentID,
	)

	for _, ref := range j.Requires {
		raw, ok := jc.RawOutput(ref.Job, ref.Name)
		if !ok {
			return nil, workflow.NewPrerequisiteError(j.JobID, fmt.Sprintf("missing output %s", ref))
		}
		env = append(env, ref.EnvName()+"="+rawString(raw))
	}

	keys := make([]string, 0, len(j.Env))
	for k := range j.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.Expand(j.Env[k], func(name string) string {
			return lookupEnv(env, name)
		}))
	}
	return env, nil
}

// collectOutputs reads key=value lines from the output file.
func collectOutputs(path string, jc *workflow.JobContext) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return workflow.NewExecutionError(jc.JobID(), "failed to read outputs", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return workflow.NewError(workflow.KindSerialization,
				fmt.Sprintf("output line %d is not key=value", lineNo), nil).WithJob(jc.JobID())
		}
		if err := jc.SetOutput(key, value); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return workflow.NewExecutionError(jc.JobID(), "failed to read outputs", err)
	}
	return nil
}

// rawString renders a JSON output for the environment. Strings are unquoted.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func lookupEnv(env []string, name string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == name {
			return v
		}
	}
	return ""
}

func envSafe(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		switch strings.ToLower(t) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	default:
		return true
	}
}
