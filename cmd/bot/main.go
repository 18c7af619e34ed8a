package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "plotbot/internal/plot" // registers the render work
	"plotbot/internal/task/runner"
)

var version = "0.1.0-dev"

func main() {
	// A render worker is this binary re-executed by the runner.
	if runner.IsWorker() {
		os.Exit(runner.WorkerMain())
	}

	rootCmd := &cobra.Command{
		Use:   "plotbot",
		Short: "Battery simulation plot bot",
		Long: `plotbot renders battery simulation plots in isolated worker processes
and publishes them, on a schedule or in reply to mentions.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "./config.json", "path to config (json or yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newPostCmd(),
		newReplyCmd(),
		newSyncCursorCmd(),
		newHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				_ = json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"version": version})
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plotbot version %s\n", version)
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}
