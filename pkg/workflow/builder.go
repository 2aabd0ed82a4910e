package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultMaxParallel is the parallelism bound used when none is configured.
const DefaultMaxParallel = 1

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

type jobEntry struct {
	job      Job
	optional bool
}

// Builder assembles a Plan. Methods chain; problems are collected and
// reported together by Build.
type Builder struct {
	runID       string
	identity    Identity
	vars        map[string]json.RawMessage
	jobs        []jobEntry
	policy      FailurePolicy
	maxParallel int
	sink        LogSink
	workDir     string
	errs        []error
}

// NewBuilder starts a plan for the given run ID.
func NewBuilder(runID string) *Builder {
	return &Builder{
		runID:       runID,
		vars:        make(map[string]json.RawMessage),
		policy:      AbortOnFirstFailure,
		maxParallel: DefaultMaxParallel,
	}
}

// WithDeploymentIdentity sets the deployment the run belongs to.
func (b *Builder) WithDeploymentIdentity(deploymentID, projectID, environmentID string) *Builder {
	b.identity = Identity{
		DeploymentID:  deploymentID,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
	}
	return b
}

// WithVar sets a workflow variable. The value is serialized immediately;
// a serialization failure is reported by Build.
func (b *Builder) WithVar(name string, value interface{}) *Builder {
	raw, err := json.Marshal(value)
	if err != nil {
		b.errs = append(b.errs, NewError(KindSerialization,
			fmt.Sprintf("variable %q cannot be serialized", name), err))
		return b
	}
	b.vars[name] = raw
	return b
}

// WithVars sets several workflow variables.
func (b *Builder) WithVars(vars map[string]interface{}) *Builder {
	for name, value := range vars {
		b.WithVar(name, value)
	}
	return b
}

// AddJob adds a required job. Jobs are scheduled in the order they are added
// whenever several are ready at once.
func (b *Builder) AddJob(job Job) *Builder {
	b.jobs = append(b.jobs, jobEntry{job: job})
	return b
}

// AddJobs adds several required jobs.
func (b *Builder) AddJobs(jobs ...Job) *Builder {
	for _, job := range jobs {
		b.AddJob(job)
	}
	return b
}

// AddOptionalJob adds a job whose failure does not abort the run.
// Its dependents are still skipped when it fails.
func (b *Builder) AddOptionalJob(job Job) *Builder {
	b.jobs = append(b.jobs, jobEntry{job: job, optional: true})
	return b
}

// AddJobWithDependencies adds a required job, replacing its declared dependencies.
func (b *Builder) AddJobWithDependencies(job Job, deps ...string) *Builder {
	if job == nil {
		return b.AddJob(nil)
	}
	return b.AddJob(&dependencyOverride{Job: job, deps: deps})
}

// WithFailurePolicy sets how the executor reacts to a failed job.
func (b *Builder) WithFailurePolicy(policy FailurePolicy) *Builder {
	b.policy = policy
	return b
}

// WithMaxParallel bounds how many jobs run at once.
func (b *Builder) WithMaxParallel(n int) *Builder {
	b.maxParallel = n
	return b
}

// WithLogSink sets where job log lines go. Without one, lines are discarded.
func (b *Builder) WithLogSink(sink LogSink) *Builder {
	b.sink = sink
	return b
}

// WithWorkDir sets the run's working directory.
func (b *Builder) WithWorkDir(dir string) *Builder {
	b.workDir = dir
	return b
}

// Build validates the definition and returns an immutable plan. Structural
// problems fail with KindJobValidation and nothing is executed.
func (b *Builder) Build() (*Plan, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.runID == "" {
		return nil, NewValidationError("run ID is required")
	}
	if b.maxParallel < 1 {
		return nil, NewValidationError(fmt.Sprintf("max parallel must be at least 1, got %d", b.maxParallel)).
			WithCode(ErrCodeParallelism)
	}
	if err := b.policy.Validate(); err != nil {
		return nil, NewError(KindJobValidation, "invalid failure policy", err).WithCode(ErrCodeValidation)
	}

	nodes := make([]graphNode, 0, len(b.jobs))
	for i, entry := range b.jobs {
		if entry.job == nil {
			return nil, NewValidationError(fmt.Sprintf("job at position %d is nil", i))
		}
		nodes = append(nodes, graphNode{id: entry.job.ID(), deps: entry.job.DependsOn()})
	}

	graph, err := buildGraph(nodes)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		runID:       b.runID,
		identity:    b.identity,
		vars:        make(map[string]json.RawMessage, len(b.vars)),
		jobs:        make(map[string]Job, len(b.jobs)),
		optional:    make(map[string]bool),
		graph:       graph,
		policy:      b.policy,
		maxParallel: b.maxParallel,
		sink:        b.sink,
		workDir:     b.workDir,
	}
	for k, v := range b.vars {
		plan.vars[k] = cloneRaw(v)
	}
	for _, entry := range b.jobs {
		plan.jobs[entry.job.ID()] = entry.job
		if entry.optional {
			plan.optional[entry.job.ID()] = true
		}
	}
	if plan.sink == nil {
		plan.sink = NopLogSink{}
	}
	return plan, nil
}

// Plan is a validated, immutable workflow definition. It can be executed once.
type Plan struct {
	runID       string
	identity    Identity
	vars        map[string]json.RawMessage
	jobs        map[string]Job
	optional    map[string]bool
	graph       *dependencyGraph
	policy      FailurePolicy
	maxParallel int
	sink        LogSink
	workDir     string

	consumed atomic.Bool
}

// RunID returns the run identifier.
func (p *Plan) RunID() string { return p.runID }

// Identity returns the deployment identity.
func (p *Plan) Identity() Identity { return p.identity }

// JobCount returns the number of jobs in the plan.
func (p *Plan) JobCount() int { return len(p.graph.order) }

// JobIDs returns job IDs in insertion order.
func (p *Plan) JobIDs() []string {
	return append([]string(nil), p.graph.order...)
}

// Job returns the job with the given ID.
func (p *Plan) Job(id string) (Job, bool) {
	j, ok := p.jobs[id]
	return j, ok
}

// Dependencies returns the validated dependencies of a job.
func (p *Plan) Dependencies(id string) []string {
	return append([]string(nil), p.graph.dependencies[id]...)
}

// Levels groups job IDs so that every job's dependencies are in earlier levels.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.graph.levels))
	for i, level := range p.graph.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// IsOptional reports whether the job was added with AddOptionalJob.
func (p *Plan) IsOptional(id string) bool { return p.optional[id] }

// Policy returns the failure policy.
func (p *Plan) Policy() FailurePolicy { return p.policy }

// MaxParallel returns the parallelism bound.
func (p *Plan) MaxParallel() int { return p.maxParallel }

// WorkDir returns the run's working directory.
func (p *Plan) WorkDir() string { return p.workDir }

// ToDOT renders the dependency graph in Graphviz DOT format.
func (p *Plan) ToDOT() string {
	labels := make(map[string]string, len(p.jobs))
	for id, job := range p.jobs {
		labels[id] = job.Name()
	}
	return p.graph.toDOT(p.runID, labels)
}
