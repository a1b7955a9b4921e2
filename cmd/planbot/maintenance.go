package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planbot-dev/planbot/pkg/config"
	"github.com/planbot-dev/planbot/pkg/ticket"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the queue file without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.queueFile)
			if err != nil {
				return err
			}
			q, err := cfg.NewQueue()
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid: %d tickets (%s), %d hook sets\n",
				flags.queueFile, q.Len(), queueSummary(q), len(cfg.Hooks))
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted run state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeStore()

			if !store.Exists() {
				fmt.Println("no persisted state (nothing has run yet)")
				return nil
			}
			st, err := store.Load()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newLogsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <ticket-id>",
		Short: "Print the execution log of a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeStore()

			lines, err := store.ReadLog(args[0])
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
}

const starterQueueFile = `# planbot queue file
config:
  planMode: true
  maxRetries: 2
  maxPlanRevisions: 3

tickets:
  - id: TICKET-1
    title: Example ticket
    description: |
      Describe the change you want the assistant to make, the way you
      would brief a colleague.
    acceptanceCriteria:
      - Tests pass
`

func newInitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter queue file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(flags.queueFile); err == nil {
				return fmt.Errorf("%s already exists", flags.queueFile)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(flags.queueFile, []byte(starterQueueFile), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", flags.queueFile)
			return nil
		},
	}
}

func newClearCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all persisted state, plans, sessions, and logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return errors.New("refusing to clear state without --force")
			}
			store, closeStore, err := openStore(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("state cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	return cmd
}

func queueSummary(q *ticket.Queue) string {
	counts := q.Counts()
	return fmt.Sprintf("%d pending / %d completed / %d failed / %d skipped",
		counts[ticket.StatusPending],
		counts[ticket.StatusCompleted],
		counts[ticket.StatusFailed],
		counts[ticket.StatusSkipped])
}
