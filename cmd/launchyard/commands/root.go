package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "launchyard",
		Short: "Launchyard - deployment workflow runner",
		Long: `Launchyard runs deployment pipelines as dependency graphs of jobs.

Features:
  - Jobs run in dependency order with bounded parallelism
  - Abort or continue-independent-branches failure policies
  - Typed outputs passed from one job to its dependents
  - Run history, job status, and logs persisted to SQLite
  - Cross-process cancellation of a running pipeline
  - Events forwarded to NATS, metrics and traces exported`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newCancelCommand())

	return rootCmd
}
