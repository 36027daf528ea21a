package commands

import (
	"fmt"

	"lessongen/internal/config"
	"lessongen/internal/database"
	"lessongen/internal/observability"
	contextutils "lessongen/internal/utils"

	"github.com/spf13/cobra"
)

// DatabaseCommands returns the database management commands
func DatabaseCommands(cfg *config.Config, logger *observability.Logger) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the lesson store.

Available commands:
  migrate   - Apply pending schema migrations
  info      - Show the configured database and connection status`,
	}

	dbCmd.AddCommand(migrateCmd(cfg, logger))
	dbCmd.AddCommand(infoCmd(cfg, logger))

	return dbCmd
}

func migrateCmd(cfg *config.Config, logger *observability.Logger) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Database.URL == "" {
				return contextutils.WrapError(contextutils.ErrInvalidInput, "database url is not configured")
			}
			ctx, cancel := runWithTimeout(cmd.Context(), cmd)
			defer cancel()

			if source == "" {
				source = cfg.Server.MigrationsPath
			}
			if err := database.NewManager(logger).RunMigrations(ctx, cfg.Database.URL, source); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s\n", maskDatabaseURL(cfg.Database.URL))
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "path", "", "Migrations directory (default from config)")
	return cmd
}

func infoCmd(cfg *config.Config, logger *observability.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the configured database and connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if cfg.Database.URL == "" {
				fmt.Fprintln(out, "Database: not configured (lessons are kept in memory)")
				return nil
			}
			fmt.Fprintf(out, "Database: %s\n", maskDatabaseURL(cfg.Database.URL))

			ctx, cancel := runWithTimeout(cmd.Context(), cmd)
			defer cancel()

			db, err := database.NewManager(logger).Open(ctx, cfg.Database)
			if err != nil {
				fmt.Fprintf(out, "Status:   %s\n", getDatabaseInfo(ctx, nil))
				return err
			}
			defer func() {
				if err := db.Close(); err != nil {
					logger.Warn(ctx, "Failed to close database connection", map[string]interface{}{"error": err.Error()})
				}
			}()
			fmt.Fprintf(out, "Status:   %s\n", getDatabaseInfo(ctx, db))
			return nil
		},
	}
}
