package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline.yaml>",
		Short: "Show the job graph of a pipeline",
		Long: `Print the dependency graph of a pipeline.

The "levels" format lists the jobs that may run together at each step.
The "dot" format is Graphviz input.`,
		Example: `  # Show execution levels
  launchyard graph deploy.yaml

  # Render with Graphviz
  launchyard graph deploy.yaml --format dot | dot -Tsvg > deploy.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, _, err := buildPlan(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "dot":
				_, err = fmt.Fprint(out, plan.ToDOT())
				return err
			case "levels":
				if jsonOutput {
					return printJSON(out, plan.Levels())
				}
				for i, level := range plan.Levels() {
					fmt.Fprintf(out, "%d: %s\n", i, strings.Join(level, ", "))
				}
				return nil
			default:
				return fmt.Errorf("unknown format %q (expected levels or dot)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "levels", "output format (levels|dot)")

	return cmd
}
