package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Identity ties a run to the deployment it performs. It is fixed at build time.
type Identity struct {
	DeploymentID  string `json:"deployment_id"`
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
}

// OutputReader is implemented by Context and JobContext.
type OutputReader interface {
	LookupOutput(jobID, name string, dst interface{}) (bool, error)
}

// Context is the data shared by the jobs of one run.
//
// Outputs and artifacts are keyed by (job ID, name). Jobs never write to a
// Context directly: writes are staged on a JobContext and merged by the
// executor once the job succeeds, so every key has exactly one writer.
type Context struct {
	mu sync.RWMutex

	runID    string
	identity Identity
	workDir  string
	vars     map[string]json.RawMessage

	outputs   map[string]map[string]json.RawMessage
	artifacts map[string]map[string]string
}

func newContext(runID string, identity Identity, workDir string, vars map[string]json.RawMessage) *Context {
	v := make(map[string]json.RawMessage, len(vars))
	for k, raw := range vars {
		v[k] = cloneRaw(raw)
	}
	return &Context{
		runID:     runID,
		identity:  identity,
		workDir:   workDir,
		vars:      v,
		outputs:   make(map[string]map[string]json.RawMessage),
		artifacts: make(map[string]map[string]string),
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// Identity returns the deployment identity.
func (c *Context) Identity() Identity { return c.identity }

// WorkDir returns the run's working directory, or "" if none was configured.
func (c *Context) WorkDir() string { return c.workDir }

// Var decodes the named workflow variable into dst.
// It returns false if the variable is not set.
func (c *Context) Var(name string, dst interface{}) (bool, error) {
	raw, ok := c.vars[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, NewError(KindSerialization, fmt.Sprintf("variable %q has unexpected shape", name), err).
			WithDetail("variable", name)
	}
	return true, nil
}

// VarNames returns the names of all workflow variables, sorted.
func (c *Context) VarNames() []string {
	names := make([]string, 0, len(c.vars))
	for name := range c.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupOutput decodes the output name published by jobID into dst.
// An absent output yields false and a nil error; an output that does not
// decode into dst yields a KindSerialization error.
func (c *Context) LookupOutput(jobID, name string, dst interface{}) (bool, error) {
	c.mu.RLock()
	raw, ok := c.outputs[jobID][name]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decodeOutput(jobID, name, raw, dst)
}

// HasOutput reports whether jobID published an output called name.
func (c *Context) HasOutput(jobID, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.outputs[jobID][name]
	return ok
}

// RawOutput returns a copy of the serialized output.
func (c *Context) RawOutput(jobID, name string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, ok := c.outputs[jobID][name]
	if !ok {
		return nil, false
	}
	return cloneRaw(raw), true
}

// Artifact returns the path of the artifact name published by jobID.
func (c *Context) Artifact(jobID, name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.artifacts[jobID][name]
	return path, ok
}

// Snapshot is a point-in-time copy of a Context.
type Snapshot struct {
	RunID     string                                `json:"run_id"`
	Identity  Identity                              `json:"identity"`
	WorkDir   string                                `json:"work_dir,omitempty"`
	Variables map[string]json.RawMessage            `json:"variables"`
	Outputs   map[string]map[string]json.RawMessage `json:"outputs"`
	Artifacts map[string]map[string]string          `json:"artifacts"`
}

// Snapshot returns a deep copy of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		RunID:     c.runID,
		Identity:  c.identity,
		WorkDir:   c.workDir,
		Variables: make(map[string]json.RawMessage, len(c.vars)),
		Outputs:   make(map[string]map[string]json.RawMessage, len(c.outputs)),
		Artifacts: make(map[string]map[string]string, len(c.artifacts)),
	}
	for k, v := range c.vars {
		s.Variables[k] = cloneRaw(v)
	}
	for jobID, outs := range c.outputs {
		m := make(map[string]json.RawMessage, len(outs))
		for k, v := range outs {
			m[k] = cloneRaw(v)
		}
		s.Outputs[jobID] = m
	}
	for jobID, arts := range c.artifacts {
		m := make(map[string]string, len(arts))
		for k, v := range arts {
			m[k] = v
		}
		s.Artifacts[jobID] = m
	}
	return s
}

// merge publishes a job's staged writes. Only the executor calls it.
func (c *Context) merge(jobID string, outputs map[string]json.RawMessage, artifacts map[string]string) {
	if len(outputs) == 0 && len(artifacts) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(outputs) > 0 {
		dst := c.outputs[jobID]
		if dst == nil {
			dst = make(map[string]json.RawMessage, len(outputs))
			c.outputs[jobID] = dst
		}
		for k, v := range outputs {
			dst[k] = v
		}
	}
	if len(artifacts) > 0 {
		dst := c.artifacts[jobID]
		if dst == nil {
			dst = make(map[string]string, len(artifacts))
			c.artifacts[jobID] = dst
		}
		for k, v := range artifacts {
			dst[k] = v
		}
	}
}

// JobContext is the handle a job receives in Execute. It reads the shared
// Context and stages writes under the job's own ID.
type JobContext struct {
	*Context

	jobID     string
	outputs   map[string]json.RawMessage
	artifacts map[string]string
	sink      LogSink
	onLogErr  func(error)
	cancelled func(ctx context.Context) (bool, error)
}

func newJobContext(wc *Context, jobID string, sink LogSink) *JobContext {
	return &JobContext{
		Context:   wc,
		jobID:     jobID,
		outputs:   make(map[string]json.RawMessage),
		artifacts: make(map[string]string),
		sink:      sink,
	}
}

// NewJobContext returns a standalone handle for exercising a job outside an
// executor, typically in tests. Its staged writes are never merged.
func NewJobContext(wc *Context, jobID string, sink LogSink) *JobContext {
	if sink == nil {
		sink = NopLogSink{}
	}
	return newJobContext(wc, jobID, sink)
}

// NewContext returns an empty context, for exercising jobs outside an executor.
func NewContext(runID string, identity Identity, vars map[string]json.RawMessage) *Context {
	return newContext(runID, identity, "", vars)
}

// JobID returns the ID writes are staged under.
func (jc *JobContext) JobID() string { return jc.jobID }

// SetOutput serializes value and stages it as the named output.
// Setting the same name twice keeps the last value.
func (jc *JobContext) SetOutput(name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return NewError(KindSerialization, fmt.Sprintf("output %q cannot be serialized", name), err).
			WithJob(jc.jobID)
	}
	jc.outputs[name] = raw
	return nil
}

// SetArtifact stages the path of a filesystem-backed result.
func (jc *JobContext) SetArtifact(name, path string) {
	jc.artifacts[name] = path
}

// LookupOutput reads staged outputs for the job's own ID before falling back
// to the shared context.
func (jc *JobContext) LookupOutput(jobID, name string, dst interface{}) (bool, error) {
	if jobID == jc.jobID {
		if raw, ok := jc.outputs[name]; ok {
			return true, decodeOutput(jobID, name, raw, dst)
		}
	}
	return jc.Context.LookupOutput(jobID, name, dst)
}

// StagedOutputs returns a copy of the outputs staged so far.
func (jc *JobContext) StagedOutputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(jc.outputs))
	for k, v := range jc.outputs {
		out[k] = cloneRaw(v)
	}
	return out
}

// StagedArtifacts returns a copy of the artifacts staged so far.
func (jc *JobContext) StagedArtifacts() map[string]string {
	out := make(map[string]string, len(jc.artifacts))
	for k, v := range jc.artifacts {
		out[k] = v
	}
	return out
}

// Log writes a line to the run's log sink under the job's stage ID.
// Sink failures never fail the job.
func (jc *JobContext) Log(ctx context.Context, line string) {
	if err := jc.sink.WriteLog(ctx, jc.jobID, line); err != nil && jc.onLogErr != nil {
		jc.onLogErr(err)
	}
}

// Logf formats and writes a line to the log sink.
func (jc *JobContext) Logf(ctx context.Context, format string, args ...interface{}) {
	jc.Log(ctx, fmt.Sprintf(format, args...))
}

// Checkpoint returns a KindCancelled error if the run has been cancelled.
// Long-running jobs call it between steps.
func (jc *JobContext) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, "run cancelled", err).WithJob(jc.jobID)
	}
	if jc.cancelled == nil {
		return nil
	}
	cancelled, err := jc.cancelled(ctx)
	if err != nil {
		// An unreachable provider is not a cancellation.
		return nil
	}
	if cancelled {
		return NewError(KindCancelled, "run cancelled", nil).WithJob(jc.jobID)
	}
	return nil
}

// Output reads a typed output from r.
func Output[T any](r OutputReader, jobID, name string) (T, bool, error) {
	var v T
	ok, err := r.LookupOutput(jobID, name, &v)
	return v, ok, err
}

// Var reads a typed workflow variable.
func Var[T any](c *Context, name string) (T, bool, error) {
	var v T
	ok, err := c.Var(name, &v)
	return v, ok, err
}

// RequireOutput returns a KindPrerequisite error if jobID has not published name.
// It is intended for ValidatePrerequisites implementations.
func RequireOutput(c *Context, consumerID, jobID, name string) error {
	if c.HasOutput(jobID, name) {
		return nil
	}
	return NewPrerequisiteError(consumerID, fmt.Sprintf("missing output %s.%s", jobID, name)).
		WithDetail("producer", jobID).
		WithDetail("output", name)
}

func decodeOutput(jobID, name string, raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewError(KindSerialization, fmt.Sprintf("output %s.%s has unexpected shape", jobID, name), err).
			WithJob(jobID).
			WithDetail("output", name)
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
