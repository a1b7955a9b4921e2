package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/planbot-dev/planbot/pkg/config"
	"github.com/planbot-dev/planbot/pkg/driver"
	"github.com/planbot-dev/planbot/pkg/events"
	"github.com/planbot-dev/planbot/pkg/orchestrator"
	"github.com/planbot-dev/planbot/pkg/provider"
	"github.com/planbot-dev/planbot/pkg/provider/slack"
	"github.com/planbot-dev/planbot/pkg/provider/telegram"
	"github.com/planbot-dev/planbot/pkg/provider/webhook"
	"github.com/planbot-dev/planbot/pkg/state"
)

// runFlags are the process-level overrides for a run. skip-permissions lives
// here, never in the queue file.
type runFlags struct {
	assistant         string
	model             string
	fallbackModel     string
	autoApprove       bool
	continueOnError   bool
	skipPermissions   bool
	ackAutonomousRisk bool
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Process the queue from the top",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), flags, rf, false)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func newResumeCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted run from its persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), flags, rf, true)
		},
	}
	addRunFlags(cmd, rf)
	return cmd
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	cmd.Flags().StringVar(&rf.assistant, "assistant", driver.DefaultCommand, "assistant CLI command")
	cmd.Flags().StringVar(&rf.model, "model", "", "model override")
	cmd.Flags().StringVar(&rf.fallbackModel, "fallback-model", "", "fallback model for rate-limit failures")
	cmd.Flags().BoolVar(&rf.autoApprove, "auto-approve", false, "execute plans without waiting for approval")
	cmd.Flags().BoolVar(&rf.continueOnError, "continue-on-error", false, "keep processing after a ticket fails")
	cmd.Flags().BoolVar(&rf.skipPermissions, "skip-permissions", false, "run the assistant without permission prompts")
	cmd.Flags().BoolVar(&rf.ackAutonomousRisk, "ack-autonomous-risk", false, "acknowledge fully autonomous operation")
}

func runEngine(ctx context.Context, flags *globalFlags, rf *runFlags, resume bool) error {
	cfg, err := config.Load(flags.queueFile)
	if err != nil {
		return err
	}
	applyRunFlags(&cfg.Settings, rf)

	store, closeStore, err := openStore(ctx, flags)
	if err != nil {
		return err
	}
	defer closeStore()

	mux := provider.NewMultiplexer()
	hub := events.NewHub()
	if err := registerProviders(mux, hub); err != nil {
		return err
	}
	if len(mux.Providers()) == 0 && !cfg.Settings.AutoApprove {
		slog.Warn("No providers configured; approvals can only arrive via the CLI control verbs")
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Store:   store,
		Driver:  driver.NewProcessDriver(rf.assistant),
		Mux:     mux,
		WorkDir: flags.workDir,
	})
	if err != nil {
		return err
	}
	orch.Emitter().Subscribe(hub.Listener())
	orch.Emitter().Subscribe(printEvent)

	if err := mux.Connect(ctx); err != nil {
		slog.Warn("Some providers failed to connect", "error", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mux.Disconnect(disconnectCtx); err != nil {
			slog.Warn("Provider disconnect failed", "error", err)
		}
	}()

	// First signal stops gracefully; a second one kills the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		slog.Info("Shutdown signal received", "signal", sig)
		if err := orch.Stop(context.Background()); err != nil {
			slog.Warn("Stop failed", "error", err)
		}
	}()

	if resume {
		return orch.Resume(ctx)
	}
	return orch.Start(ctx)
}

func applyRunFlags(s *config.Settings, rf *runFlags) {
	if rf.model != "" {
		s.Model = rf.model
	}
	if rf.fallbackModel != "" {
		s.FallbackModel = rf.fallbackModel
	}
	if rf.autoApprove {
		s.AutoApprove = true
	}
	if rf.continueOnError {
		s.ContinueOnError = true
	}
	if rf.skipPermissions {
		s.SkipPermissions = true
	}
	if rf.ackAutonomousRisk {
		s.AckAutonomousRisk = true
	}
}

// openStore picks the backend: Postgres when PLANBOT_DATABASE_URL is set,
// the file store under the state directory otherwise.
func openStore(ctx context.Context, flags *globalFlags) (state.Store, func(), error) {
	if dsn := os.Getenv("PLANBOT_DATABASE_URL"); dsn != "" {
		pg, err := state.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres state store: %w", err)
		}
		slog.Info("Using Postgres state store")
		return pg, func() {
			if err := pg.Close(); err != nil {
				slog.Warn("Failed to close postgres store", "error", err)
			}
		}, nil
	}
	return state.NewFileStore(flags.stateDir), func() {}, nil
}

// registerProviders wires every provider the environment configures.
func registerProviders(mux *provider.Multiplexer, hub *events.Hub) error {
	if token := os.Getenv("PLANBOT_TELEGRAM_TOKEN"); token != "" {
		rawChat := os.Getenv("PLANBOT_TELEGRAM_CHAT_ID")
		chatID, err := strconv.ParseInt(rawChat, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PLANBOT_TELEGRAM_CHAT_ID %q: %w", rawChat, err)
		}
		mux.Register(telegram.New(telegram.NewClient(token), chatID, mux))
		slog.Info("Telegram provider configured", "chat_id", chatID)
	}

	if p := slack.New(slack.Config{
		Token:   os.Getenv("PLANBOT_SLACK_TOKEN"),
		Channel: os.Getenv("PLANBOT_SLACK_CHANNEL"),
	}); p != nil {
		mux.Register(p)
		slog.Info("Slack provider configured")
	}

	secret := os.Getenv("PLANBOT_WEBHOOK_SECRET")
	insecure := os.Getenv("PLANBOT_WEBHOOK_INSECURE") == "true"
	if secret != "" || insecure {
		srv, err := webhook.New(webhook.Config{
			Addr:          getEnv("PLANBOT_WEBHOOK_ADDR", ":8321"),
			Secret:        secret,
			AllowInsecure: insecure,
		}, mux, hub)
		if err != nil {
			return err
		}
		mux.Register(srv)
	}
	return nil
}

// printEvent mirrors run progress onto stdout. Raw assistant output is
// already multiline; everything else is one line per event.
func printEvent(ev events.Event) {
	switch ev.Name {
	case events.TicketOutput:
		fmt.Println(ev.Message)
	case events.TicketEvent:
		// Tool-level noise stays out of the console.
	default:
		if ev.TicketID != "" {
			fmt.Printf("[%s] %s %s\n", ev.Name, ev.TicketID, ev.Message)
		} else {
			fmt.Printf("[%s] %s\n", ev.Name, ev.Message)
		}
	}
}
