// Planbot drives a coding assistant through a queue of tickets: generate a
// plan, collect a human approval over chat or webhook, execute, retry, and
// persist enough state to resume after an interruption.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/planbot-dev/planbot/pkg/version"
)

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	queueFile string
	stateDir  string
	workDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "planbot",
		Short:         "Autonomous ticket-processing engine for a coding assistant",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// .env is optional; existing environment always wins.
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file loaded", "error", err)
			}
		},
	}

	root.PersistentFlags().StringVarP(&flags.queueFile, "queue", "q", "planbot.yaml", "path to the queue file")
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", ".planbot", "directory for persisted run state")
	root.PersistentFlags().StringVar(&flags.workDir, "dir", ".", "working directory handed to the assistant")

	root.AddCommand(
		newStartCmd(flags),
		newResumeCmd(flags),
		newValidateCmd(flags),
		newStatusCmd(flags),
		newLogsCmd(flags),
		newInitCmd(flags),
		newClearCmd(flags),
		newApproveCmd(),
		newRejectCmd(),
		newRespondCmd(),
	)
	return root
}
