package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/observability"
	"github.com/xkilldash9x/autoapply/internal/orchestrator"
)

// newStatusCmd creates the `status` command, which reads a workflow started
// by another process from Postgres.
func newStatusCmd(a *app) *cobra.Command {
	var workflowID string

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Prints the status snapshot of a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withOrchestrator(cmd.Context(), func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				snapshot, err := orch.GetStatus(ctx, workflowID)
				if err != nil {
					return describeLookupError(workflowID, err)
				}
				return writeJSON(cmd.OutOrStdout(), snapshot)
			})
		},
	}

	statusCmd.Flags().StringVar(&workflowID, "workflow-id", "", "ID of the workflow to inspect.")
	_ = statusCmd.MarkFlagRequired("workflow-id")
	return statusCmd
}

// newCancelCmd creates the `cancel` command.
func newCancelCmd(a *app) *cobra.Command {
	var workflowID string

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancels a running workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withOrchestrator(cmd.Context(), func(ctx context.Context, orch *orchestrator.Orchestrator) error {
				if err := orch.CancelWorkflow(ctx, workflowID); err != nil {
					return describeLookupError(workflowID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s cancelled.\n", workflowID)
				return nil
			})
		},
	}

	cancelCmd.Flags().StringVar(&workflowID, "workflow-id", "", "ID of the workflow to cancel.")
	_ = cancelCmd.MarkFlagRequired("workflow-id")
	return cancelCmd
}

// withOrchestrator opens the durable store, builds an orchestrator without an
// engine behind it and hands it to fn.
func (a *app) withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	logger := observability.GetLogger()

	st, err := a.openPostgresStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Error closing store", zap.Error(err))
		}
	}()

	orch, err := orchestrator.New(a.cfg, logger, st, nopNotifier{})
	if err != nil {
		return err
	}
	return fn(ctx, orch)
}

func describeLookupError(workflowID string, err error) error {
	if errors.Is(err, schemas.ErrNotFound) {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	return err
}
