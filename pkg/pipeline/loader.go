package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/launchyard/launchyard/pkg/jobs"
	"github.com/launchyard/launchyard/pkg/workflow"
)

// Definition is a pipeline file.
type Definition struct {
	Name          string                 `yaml:"name" validate:"required"`
	Description   string                 `yaml:"description"`
	MaxParallel   int                    `yaml:"max_parallel" validate:"gte=0"`
	FailurePolicy string                 `yaml:"failure_policy" validate:"omitempty,oneof=abort continue"`
	WorkDir       string                 `yaml:"work_dir"`
	Vars          map[string]interface{} `yaml:"vars"`
	Jobs          []JobSpec              `yaml:"jobs" validate:"required,min=1,dive"`

	// baseDir is the directory of the file the definition was loaded from.
	baseDir string
}

// JobSpec describes one command job.
type JobSpec struct {
	ID          string            `yaml:"id" validate:"required,excludesall=."`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Run         string            `yaml:"run" validate:"required"`
	Shell       string            `yaml:"shell"`
	Env         map[string]string `yaml:"env"`
	Dir         string            `yaml:"dir"`
	Timeout     time.Duration     `yaml:"timeout" validate:"gte=0"`
	DependsOn   []string          `yaml:"depends_on"`

	// Requires lists job.output references. Each implies a dependency on
	// the producing job.
	Requires []string `yaml:"requires"`
	Optional bool     `yaml:"optional"`
	When     string   `yaml:"when"`
}

// Defaults supplies engine settings a definition does not set.
type Defaults struct {
	MaxParallel   int
	FailurePolicy workflow.FailurePolicy
	WorkDir       string
}

var validate = validator.New()

// Load reads and validates a pipeline file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}

	def, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline path: %w", err)
	}
	def.baseDir = filepath.Dir(abs)
	return def, nil
}

// Parse decodes and validates a pipeline definition.
func Parse(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("pipeline is empty")
		}
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks field constraints and output references. Graph problems
// such as cycles are reported when the plan is built.
func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}
	for _, spec := range d.Jobs {
		for _, req := range spec.Requires {
			if _, err := jobs.ParseOutputRef(req); err != nil {
				return fmt.Errorf("invalid pipeline: job %s: %w", spec.ID, err)
			}
		}
	}
	return nil
}

// ResolvedWorkDir returns the run's work directory. Relative paths are
// resolved against the pipeline file's directory.
func (d *Definition) ResolvedWorkDir(defaults Defaults) string {
	dir := d.WorkDir
	if dir == "" {
		dir = defaults.WorkDir
	}
	if dir == "" {
		return d.baseDir
	}
	if !filepath.IsAbs(dir) && d.baseDir != "" {
		return filepath.Join(d.baseDir, dir)
	}
	return dir
}

// CommandJobs converts the definition into command jobs in file order.
func (d *Definition) CommandJobs(workDir string) ([]*jobs.CommandJob, error) {
	out := make([]*jobs.CommandJob, 0, len(d.Jobs))
	for _, spec := range d.Jobs {
		job, err := spec.commandJob(workDir)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s JobSpec) commandJob(workDir string) (*jobs.CommandJob, error) {
	deps := append([]string(nil), s.DependsOn...)
	requires := make([]jobs.OutputRef, 0, len(s.Requires))
	for _, req := range s.Requires {
		ref, err := jobs.ParseOutputRef(req)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", s.ID, err)
		}
		requires = append(requires, ref)
		if ref.Job != s.ID {
			deps = append(deps, ref.Job)
		}
	}

	dir := s.Dir
	if dir != "" && !filepath.IsAbs(dir) && workDir != "" {
		dir = filepath.Join(workDir, dir)
	}

	return &jobs.CommandJob{
		BaseJob: workflow.BaseJob{
			JobID:          s.ID,
			JobName:        s.Name,
			JobDescription: s.Description,
			Dependencies:   deps,
		},
		Command:  s.Run,
		Shell:    s.Shell,
		Env:      s.Env,
		Dir:      dir,
		Timeout:  s.Timeout,
		Requires: requires,
		When:     s.When,
	}, nil
}

// NewBuilder returns a builder holding the definition's jobs and settings.
// Settings the definition leaves unset come from defaults; extra vars
// override the file's vars.
func (d *Definition) NewBuilder(runID string, defaults Defaults, extra map[string]interface{}) (*workflow.Builder, error) {
	workDir := d.ResolvedWorkDir(defaults)
	cmds, err := d.CommandJobs(workDir)
	if err != nil {
		return nil, err
	}

	policy := defaults.FailurePolicy
	if d.FailurePolicy != "" {
		if policy, err = workflow.ParseFailurePolicy(d.FailurePolicy); err != nil {
			return nil, err
		}
	}
	if policy == "" {
		policy = workflow.AbortOnFirstFailure
	}

	maxParallel := defaults.MaxParallel
	if d.MaxParallel > 0 {
		maxParallel = d.MaxParallel
	}
	if maxParallel <= 0 {
		maxParallel = workflow.DefaultMaxParallel
	}

	b := workflow.NewBuilder(runID).
		WithFailurePolicy(policy).
		WithMaxParallel(maxParallel).
		WithWorkDir(workDir).
		WithVars(d.Vars).
		WithVars(extra)

	for i, job := range cmds {
		if d.Jobs[i].Optional {
			b.AddOptionalJob(job)
		} else {
			b.AddJob(job)
		}
	}
	return b, nil
}

// ParseVars parses key=value assignments. Values are YAML scalars, so
// "true" becomes a bool and "3" an int.
func ParseVars(assignments []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{}, len(assignments))
	for _, a := range assignments {
		key, raw, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", a)
		}
		vars[key] = scalar(raw)
	}
	return vars, nil
}

func scalar(raw string) interface{} {
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	switch value.(type) {
	case bool, int, float64:
		return value
	default:
		return raw
	}
}

// VarNames returns the file's variable names in sorted order.
func (d *Definition) VarNames() []string {
	names := make([]string, 0, len(d.Vars))
	for name := range d.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
