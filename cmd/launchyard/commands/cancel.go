package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a running run",
		Long: `Mark a run as cancelled in the run database.

The process executing the run notices the request before starting its next
job and at checkpoints inside long-running jobs. Jobs that never started
are recorded as cancelled and the run ends Cancelled.`,
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

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run.Status.IsTerminal() {
				return fmt.Errorf("run %s already finished: %s", run.ID, run.Status)
			}

			if err := store.RequestCancel(ctx, run.ID); err != nil {
				return err
			}
			log.Info().Str("run_id", run.ID).Msg("Cancellation requested")
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", run.ID)
			return nil
		},
	}

	return cmd
}
