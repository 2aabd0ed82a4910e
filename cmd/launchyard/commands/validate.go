package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/launchyard/launchyard/pkg/pipeline"
	"github.com/launchyard/launchyard/pkg/workflow"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "Validate a pipeline file",
		Long: `Validate a pipeline file without running it.

This command checks:
  - YAML syntax and known fields
  - Required fields and allowed values
  - Output references (job.output)
  - Duplicate, missing, and cyclic dependencies`,
		Example: `  # Validate a pipeline
  launchyard validate deploy.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, def, err := buildPlan(args[0])
			if err != nil {
				return err
			}

			log.Debug().Str("pipeline", def.Name).Msg("Pipeline is valid")
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"name":   def.Name,
					"valid":  true,
					"jobs":   plan.JobIDs(),
					"levels": plan.Levels(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs in %d levels, ok\n",
				def.Name, plan.JobCount(), len(plan.Levels()))
			return nil
		},
	}

	return cmd
}

// buildPlan loads a pipeline and builds it against the configured defaults.
func buildPlan(path string) (*workflow.Plan, *pipeline.Definition, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	def, err := pipeline.Load(path)
	if err != nil {
		return nil, nil, err
	}

	b, err := def.NewBuilder(workflow.NewRunID(), pipeline.Defaults{
		MaxParallel:   cfg.Engine.MaxParallel,
		FailurePolicy: cfg.Engine.Policy(),
		WorkDir:       cfg.Engine.WorkDir,
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	plan, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return plan, def, nil
}
