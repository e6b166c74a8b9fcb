package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weave/internal/temporal/workflows"
	"github.com/jordanhubbard/weave/pkg/config"
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [project]",
		Short: "Run one sync sweep and wait for the result",
		Long: `Sync runs a single sweep as a durable workflow and prints its result as
JSON. With a project identifier it sweeps that project; without one it runs
a full orchestration across every linked project.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			return runSync(cfg, project)
		},
	}
}

func runSync(cfg *config.Config, project string) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// The worker executes the activities of the workflow we are waiting on.
	if err := a.manager.Start(); err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("failed to start Temporal worker: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if project != "" {
		workflowID, err := a.manager.StartProjectSync(ctx, project)
		if err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("failed to start project sync: %w", err)}
		}
		log.Printf("project sync running as %s", workflowID)

		var result workflows.ProjectSyncResult
		if err := a.manager.AwaitWorkflow(ctx, workflowID, &result); err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("project sync failed: %w", err)}
		}
		return printJSON(result)
	}

	workflowID, err := a.manager.StartFullOrchestration(ctx)
	if err != nil {
		return &exitError{code: exitRuntime, err: fmt.Errorf("failed to start orchestration: %w", err)}
	}
	log.Printf("full sync running as %s", workflowID)

	var result workflows.FullOrchestrationResult
	if err := a.manager.AwaitWorkflow(ctx, workflowID, &result); err != nil {
		return &exitError{code: exitRuntime, err: fmt.Errorf("full sync failed: %w", err)}
	}
	return printJSON(result)
}
