package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weave/internal/temporal/workflows"
)

func newReconcileCommand() *cobra.Command {
	var (
		dryRun bool
		action string
	)

	cmd := &cobra.Command{
		Use:   "reconcile [project]",
		Short: "Audit mappings against the live trackers",
		Long: `Reconcile walks the mapping store and verifies each row against the live
trackers, repairing stale bindings and handling mapped issues whose source
rows have vanished. With --dry-run it only reports what it would change.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch action {
			case "mark_deleted", "hard_delete":
			default:
				return &exitError{code: exitConfig, err: fmt.Errorf("invalid --action %q: must be mark_deleted or hard_delete", action)}
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			project := ""
			if len(args) == 1 {
				project = args[0]
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.manager.Start(); err != nil {
				return &exitError{code: exitStartup, err: fmt.Errorf("failed to start Temporal worker: %w", err)}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			workflowID, err := a.manager.StartDataReconciliation(ctx, project, action, dryRun)
			if err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("failed to start reconciliation: %w", err)}
			}
			log.Printf("reconciliation running as %s", workflowID)

			var result workflows.DataReconciliationResult
			if err := a.manager.AwaitWorkflow(ctx, workflowID, &result); err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("reconciliation failed: %w", err)}
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without mutating trackers or mappings")
	cmd.Flags().StringVar(&action, "action", "mark_deleted", "What to do with stale mappings: mark_deleted or hard_delete")
	return cmd
}
