// Package main provides the admin CLI for the lesson generation service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lessongen/cmd/adm/commands"
	"lessongen/internal/config"
	"lessongen/internal/observability"
	"lessongen/internal/version"

	"github.com/spf13/cobra"
)

const (
	adminURLEnv   = "LESSONGEN_ADMIN_URL"
	adminTokenEnv = "LESSONGEN_ADMIN_TOKEN"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Disable OpenTelemetry export for the admin CLI to avoid connection errors
	cfg.OpenTelemetry.EnableTracing = false
	cfg.OpenTelemetry.EnableMetrics = false
	cfg.OpenTelemetry.EnableLogging = false

	tp, mp, logger, err := observability.SetupObservability(&cfg.OpenTelemetry, config.ServiceName+"-admin", "error")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize observability: %v\n", err)
		os.Exit(1)
	}
	defer observability.ShutdownObservability(context.Background(), tp, mp, logger)

	rootCmd := newRootCmd(cfg, logger)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, logger *observability.Logger) *cobra.Command {
	var (
		serverURL  string
		token      string
		jsonOutput bool
		timeout    time.Duration
	)

	client := commands.NewAdminClient("", "", 0)

	rootCmd := &cobra.Command{
		Use:   "adm",
		Short: "Lesson generation administration tool",
		Long: `Lesson generation administration tool

Inspects and controls a running server through its admin API, and runs
provider checks and distribution tests locally against the configured providers.`,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			client.Configure(serverURL, token, timeout)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				fmt.Fprintf(os.Stderr, "Error showing help: %v\n", err)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "server", envOr(adminURLEnv, "http://localhost:"+cfg.Server.Port), "Base URL of the running server")
	flags.StringVar(&token, "token", envOr(adminTokenEnv, cfg.Server.AdminToken), "Admin API token")
	flags.BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	flags.DurationVar(&timeout, "timeout", config.GenerationRequestTimeout, "Timeout for each command")

	rootCmd.AddCommand(commands.AdminCommands(client, &jsonOutput)...)
	rootCmd.AddCommand(commands.LocalCommands(commands.NewLocalContainerFactory(cfg, logger), &jsonOutput)...)
	rootCmd.AddCommand(commands.DatabaseCommands(cfg, logger))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the admin tool build",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get(config.ServiceName+"-admin"))
		},
	})

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
