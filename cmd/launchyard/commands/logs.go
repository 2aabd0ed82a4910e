package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/launchyard/launchyard/pkg/stores"
)

func newLogsCommand() *cobra.Command {
	var (
		job    string
		follow bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the log lines of a run",
		Example: `  # All output of a run
  launchyard logs 3f2a...

  # Only the build job, following until the run finishes
  launchyard logs 3f2a... --job build --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			runID := args[0]
			if _, err := store.GetRun(ctx, runID); err != nil {
				return err
			}

			filter := stores.LogFilter{Limit: limit}
			if job != "" {
				filter.StageID = &job
			}

			out := cmd.OutOrStdout()
			for {
				lines, err := store.ListLogs(ctx, runID, filter)
				if err != nil {
					return err
				}
				for _, l := range lines {
					if jsonOutput {
						if err := printJSON(out, l); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(out, "%s [%s] %s\n", l.Timestamp.Local().Format(time.TimeOnly), l.StageID, l.Line)
				}
				if len(lines) > 0 {
					filter.AfterID = lines[len(lines)-1].ID
				}

				if !follow {
					return nil
				}
				if len(lines) == 0 {
					run, err := store.GetRun(ctx, runID)
					if err != nil {
						return err
					}
					if run.Status.IsTerminal() {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(500 * time.Millisecond):
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&job, "job", "j", "", "only show lines from this job")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing until the run finishes")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum lines per read (0 for all)")

	return cmd
}
