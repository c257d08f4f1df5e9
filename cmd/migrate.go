package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/internal/observability"
)

// newMigrateCmd creates the `migrate` command, which applies the embedded
// Postgres schema. The schema is idempotent so the command can run on every
// deploy.
func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			m, err := a.openMigrator(ctx, a.cfg.Database(), logger)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer func() {
				if err := m.Close(); err != nil {
					logger.Warn("Error closing database connection", zap.Error(err))
				}
			}()

			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			logger.Info("Database schema applied.")
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied.")
			return nil
		},
	}
}
