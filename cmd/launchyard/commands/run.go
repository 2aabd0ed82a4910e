package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/launchyard/launchyard/pkg/bus"
	"github.com/launchyard/launchyard/pkg/config"
	"github.com/launchyard/launchyard/pkg/pipeline"
	"github.com/launchyard/launchyard/pkg/stores"
	"github.com/launchyard/launchyard/pkg/telemetry"
	"github.com/launchyard/launchyard/pkg/workflow"
)

type runOptions struct {
	watch         bool
	maxParallel   int
	policy        string
	vars          []string
	deploymentID  string
	projectID     string
	environmentID string
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline",
		Long: `Run every job of a pipeline file in dependency order.

Job status, outputs, and log lines are recorded in the run database, so
"launchyard runs show" and "launchyard logs" work while the run is in
progress and after it finishes. A run can be cancelled from another
terminal with "launchyard cancel <run-id>".`,
		Example: `  # Run a pipeline
  launchyard run deploy.yaml

  # Run four jobs at a time and keep going past failures
  launchyard run deploy.yaml --max-parallel 4 --policy continue

  # Set variables and tag the run with a deployment
  launchyard run deploy.yaml --var migrate=true --deployment dep-42

  # Re-run whenever the file changes
  launchyard run deploy.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}

			r, err := newRunner(cmd.Context(), cfg, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer r.close()

			path := args[0]
			def, err := pipeline.Load(path)
			if err != nil {
				return err
			}

			_, runErr := r.run(r.ctx, path, def)
			if !opts.watch {
				return runErr
			}
			if runErr != nil {
				log.Warn().Err(runErr).Msg("Run did not complete")
			}

			watcher := pipeline.NewWatcher(r.tel.Logger)
			err = watcher.Watch(r.ctx, path, func(ctx context.Context, def *pipeline.Definition) error {
				_, err := r.run(ctx, path, def)
				var runErr *workflow.RunError
				if errors.As(err, &runErr) {
					return nil
				}
				return err
			})
			if err != nil {
				return err
			}

			log.Info().Str("pipeline", path).Msg("Watching for changes, press Ctrl+C to stop")
			<-r.ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-run the pipeline when the file changes")
	cmd.Flags().IntVarP(&opts.maxParallel, "max-parallel", "p", 0, "maximum jobs running at once")
	cmd.Flags().StringVar(&opts.policy, "policy", "", "failure policy (abort|continue)")
	cmd.Flags().StringSliceVarP(&opts.vars, "var", "e", nil, "workflow variables (key=value)")
	cmd.Flags().StringVar(&opts.deploymentID, "deployment", "", "deployment ID the run belongs to")
	cmd.Flags().StringVar(&opts.projectID, "project", "", "project ID the run belongs to")
	cmd.Flags().StringVar(&opts.environmentID, "environment", "", "environment ID the run belongs to")

	return cmd
}

// apply copies explicitly set flags over the configuration.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("max-parallel") {
		cfg.Engine.MaxParallel = o.maxParallel
	}
	if cmd.Flags().Changed("policy") {
		cfg.Engine.FailurePolicy = o.policy
	}
	return cfg.Validate()
}

// runner holds what every run of one invocation shares.
type runner struct {
	ctx   context.Context
	cfg   *config.Config
	opts  runOptions
	vars  map[string]interface{}
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	bus   *bus.Bus
	out   io.Writer
}

func newRunner(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer) (*runner, error) {
	vars, err := pipeline.ParseVars(opts.vars)
	if err != nil {
		return nil, err
	}

	if cfg.Bus.Enabled {
		cfg.Telemetry.Events.Enabled = true
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)
	tel.Metrics.StartMetricsServer(ctx, tel.Logger)

	r := &runner{ctx: ctx, cfg: cfg, opts: opts, vars: vars, tel: tel, out: out}

	if cfg.Bus.Enabled {
		r.bus, err = bus.Connect(bus.Options{
			URL:            cfg.Bus.URL,
			Subject:        cfg.Bus.Subject,
			ClientName:     cfg.Bus.ClientName,
			ConnectTimeout: cfg.Bus.ConnectTimeout,
		}, tel.Logger)
		if err != nil {
			r.close()
			return nil, err
		}
		r.bus.Attach(tel.Events, nil)
	}

	r.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

// close flushes events before the bus goes away.
func (r *runner) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.tel.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// run executes one pass of the pipeline and records it.
func (r *runner) run(ctx context.Context, path string, def *pipeline.Definition) (*workflow.RunResult, error) {
	runID := workflow.NewRunID()
	defaults := pipeline.Defaults{
		MaxParallel:   r.cfg.Engine.MaxParallel,
		FailurePolicy: r.cfg.Engine.Policy(),
		WorkDir:       r.cfg.Engine.WorkDir,
	}

	b, err := def.NewBuilder(runID, defaults, r.vars)
	if err != nil {
		return nil, err
	}
	// Flags beat the file; config only fills what the file leaves unset.
	if r.opts.maxParallel > 0 {
		b.WithMaxParallel(r.opts.maxParallel)
	}
	if r.opts.policy != "" {
		b.WithFailurePolicy(workflow.FailurePolicy(r.opts.policy))
	}
	b.WithDeploymentIdentity(r.opts.deploymentID, r.opts.projectID, r.opts.environmentID).
		WithLogSink(workflow.MultiLogSink{
			r.store.StageLogSink(runID),
			&consoleSink{w: r.out},
		})

	plan, err := b.Build()
	if err != nil {
		return nil, err
	}

	abs, _ := filepath.Abs(path)
	record := &stores.WorkflowRun{
		ID:            runID,
		DeploymentID:  r.opts.deploymentID,
		ProjectID:     r.opts.projectID,
		EnvironmentID: r.opts.environmentID,
		Pipeline:      abs,
		FailurePolicy: string(plan.Policy()),
		MaxParallel:   plan.MaxParallel(),
		JobCount:      plan.JobCount(),
	}
	if err := r.store.CreateRun(ctx, record); err != nil {
		return nil, err
	}

	log.Info().
		Str("run_id", runID).
		Str("pipeline", def.Name).
		Int("jobs", plan.JobCount()).
		Msg("Starting run")

	executor := workflow.NewExecutor(
		workflow.WithJobTracker(r.store),
		workflow.WithCancellationProvider(r.store),
	)
	result, runErr := executor.Execute(ctx, plan)
	if result == nil {
		return nil, runErr
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := r.store.UpdateRunStatus(context.WithoutCancel(ctx), runID, result.State, errMsg); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to record run status")
	}

	if err := r.report(result); err != nil {
		return result, err
	}
	return result, runErr
}

func (r *runner) report(result *workflow.RunResult) error {
	if jsonOutput {
		return printJSON(r.out, struct {
			RunID    string                 `json:"run_id"`
			State    workflow.RunState      `json:"state"`
			Duration string                 `json:"duration"`
			Summary  workflow.RunSummary    `json:"summary"`
			Jobs     []*workflow.JobOutcome `json:"jobs"`
		}{
			RunID:    result.RunID,
			State:    result.State,
			Duration: result.Duration().Round(time.Millisecond).String(),
			Summary:  result.Summary(),
			Jobs:     result.Outcomes(),
		})
	}

	s := result.Summary()
	fmt.Fprintf(r.out, "\nRun %s %s in %s\n", result.RunID, result.State, result.Duration().Round(time.Millisecond))
	for _, o := range result.Outcomes() {
		line := fmt.Sprintf("  %-10s %s", o.Status, o.JobID)
		if o.Kind != "" {
			line += fmt.Sprintf(" (%s)", o.Kind)
		}
		if o.Message != "" && o.Status != workflow.JobStatusSuccess {
			line += ": " + o.Message
		}
		fmt.Fprintln(r.out, line)
	}
	fmt.Fprintf(r.out, "%d succeeded, %d failed, %d skipped, %d cancelled\n",
		s.Succeeded, s.Failed, s.Skipped, s.Cancelled)
	if failed := result.JobsWithStatus(workflow.JobStatusFailure); len(failed) > 0 {
		fmt.Fprintf(r.out, "failed: %s\n", strings.Join(failed, ", "))
	}
	return nil
}
