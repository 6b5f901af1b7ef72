package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dermalink/consult-agent/internal/app"
	"github.com/dermalink/consult-agent/internal/config"
	"github.com/dermalink/consult-agent/internal/log"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	overrides := config.Config{}

	root := &cobra.Command{
		Use:           "consult-agent",
		Short:         "Realtime agent for dermalink consultations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the agent: signal channel, call negotiation, notification sync, control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(overrides.LogLevel)

			cfg, path, err := config.Load(logger, configPath)
			if err != nil {
				return err
			}
			cfg.UpdateFrom(overrides)
			logger = log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Str("version", version).Msg("starting consult-agent")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(&cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Run(ctx); err != nil {
				return err
			}
			logger.Info().Msg("agent stopped")
			return nil
		},
	}
	run.Flags().StringVar(&overrides.SignalURL, "signal-url", "", "WebSocket signaling endpoint")
	run.Flags().StringVar(&overrides.APIBaseURL, "api-base-url", "", "backend REST base URL")
	run.Flags().StringVar(&overrides.LocalAddr, "local-addr", "", "control API listen address")
	run.Flags().StringVar(&overrides.TokenPath, "token-path", "", "path to the persisted bearer token")
	run.Flags().StringVar(&overrides.DatabasePath, "db-path", "", "path to the call history database")
	run.Flags().StringVar(&overrides.SelfID, "self-id", "", "user id stamped into outbound call offers")
	run.Flags().StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	run.Flags().DurationVar(&overrides.RingTimeout, "ring-timeout", 0, "how long an unanswered call rings")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(run, versionCmd)
	return root
}
