package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/launchyard/launchyard/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tSTATUS\tJOBS\tSTARTED\tDURATION\tPIPELINE")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					run.ID, run.Status, run.JobCount,
					run.StartedAt.Local().Format(time.DateTime),
					runDuration(run), run.Pipeline)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			jobs, err := store.ListJobExecutions(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, struct {
					*stores.WorkflowRun
					Jobs []*stores.JobExecution `json:"jobs"`
				}{run, jobs})
			}

			fmt.Fprintf(out, "Run:       %s\n", run.ID)
			fmt.Fprintf(out, "Pipeline:  %s\n", run.Pipeline)
			fmt.Fprintf(out, "Status:    %s\n", run.Status)
			if run.DeploymentID != "" {
				fmt.Fprintf(out, "Deployment: %s\n", run.DeploymentID)
			}
			fmt.Fprintf(out, "Policy:    %s (max parallel %d)\n", run.FailurePolicy, run.MaxParallel)
			fmt.Fprintf(out, "Duration:  %s\n", runDuration(run))
			if run.CancelRequested {
				fmt.Fprintln(out, "Cancel requested")
			}
			if run.Error != nil {
				fmt.Fprintf(out, "Error:     %s\n", *run.Error)
			}

			fmt.Fprintln(out)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTATUS\tOUTPUTS\tMESSAGE")
			for _, job := range jobs {
				outputs, _ := job.DecodeOutputs()
				msg := ""
				if job.Message != nil {
					msg = *job.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", job.JobID, job.Status, len(outputs), msg)
			}
			return w.Flush()
		},
	}

	return cmd
}

func runDuration(run *stores.WorkflowRun) string {
	end := time.Now()
	if run.CompletedAt != nil {
		end = *run.CompletedAt
	}
	return end.Sub(run.StartedAt).Round(time.Second).String()
}
