package workflows

import (
	"fmt"

	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/weave/internal/temporal/activities"
)

// DataReconciliationInput scopes an audit run.
type DataReconciliationInput struct {
	// Project narrows the audit to one project; empty audits every mapped
	// project.
	Project string
	// Action is "mark_deleted" (default) or "hard_delete". Hard delete only
	// drops mapping rows whose issue is confirmed gone from all three
	// systems.
	Action string
	DryRun bool
}

// DataReconciliationResult aggregates the audit.
type DataReconciliationResult struct {
	Projects   int      `json:"projects"`
	Checked    int      `json:"checked"`
	StaleVibe  []string `json:"staleVibe,omitempty"`
	StaleBeads []string `json:"staleBeads,omitempty"`
	Removed    []string `json:"removed,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	DryRun     bool     `json:"dryRun,omitempty"`
}

// DataReconciliationWorkflow audits mapping rows against the live trackers:
// bindings whose counterparts vanished are marked stale, and under
// hard_delete rows gone from every system are dropped. Projects with an open
// circuit breaker are skipped rather than audited against a tracker that is
// already misbehaving.
func DataReconciliationWorkflow(ctx workflow.Context, in DataReconciliationInput) (*DataReconciliationResult, error) {
	logger := workflow.GetLogger(ctx)
	start := workflow.Now(ctx)

	action := in.Action
	if action == "" {
		action = "mark_deleted"
	}
	if action != "mark_deleted" && action != "hard_delete" {
		return nil, fmt.Errorf("unknown reconciliation action %q", in.Action)
	}

	cancelled := false
	watchCancel(ctx, &cancelled)

	var progress Progress
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return progress, nil
	}); err != nil {
		return nil, err
	}
	progress.Phase = "listing"

	ctx = withActivityDefaults(ctx)
	// A project audit walks full listings; give it the project budget.
	auditCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: TimeoutProject,
		RetryPolicy:         defaultRetryPolicy(),
	})

	projects := []string{in.Project}
	if in.Project == "" {
		if err := workflow.ExecuteActivity(ctx, "ListMappedProjectsActivity").Get(ctx, &projects); err != nil {
			return nil, fmt.Errorf("list mapped projects: %w", err)
		}
	}
	progress.Total = len(projects)

	result := &DataReconciliationResult{Projects: len(projects), DryRun: in.DryRun}
	scope := in.Project
	if scope == "" {
		scope = "all"
	}
	logger.Info("Reconciliation starting", "scope", scope, "action", action, "projects", len(projects), "dryRun", in.DryRun)

	for _, project := range projects {
		if cancelled {
			break
		}
		progress.Phase = "project:" + project

		var gate activities.BreakerCheckResult
		err := workflow.ExecuteActivity(ctx, "BreakerCheckActivity",
			activities.BreakerCheckInput{Project: project}).Get(ctx, &gate)
		if err != nil {
			return nil, fmt.Errorf("breaker check for %s: %w", project, err)
		}
		if !gate.Allowed {
			logger.Warn("Skipping project, breaker open", "project", project)
			result.Skipped = append(result.Skipped, project)
			progress.Processed++
			continue
		}

		var audit activities.ReconcileProjectResult
		err = workflow.ExecuteActivity(auditCtx, "ReconcileProjectActivity", activities.ReconcileProjectInput{
			Project: project,
			Action:  action,
			DryRun:  in.DryRun,
		}).Get(ctx, &audit)
		progress.Processed++
		if err != nil {
			progress.Failed++
			result.Failed = append(result.Failed, project)
			logger.Error("Project audit failed", "project", project, "error", err)
			continue
		}
		progress.Succeeded++
		result.Checked += audit.Checked
		result.StaleVibe = append(result.StaleVibe, audit.StaleVibe...)
		result.StaleBeads = append(result.StaleBeads, audit.StaleBeads...)
		result.Removed = append(result.Removed, audit.Removed...)
	}

	progress.Phase = "finalizing"
	err := workflow.ExecuteActivity(ctx, "CompleteReconcileActivity", activities.CompleteReconcileInput{
		Scope:          scope,
		StaleVibe:      len(result.StaleVibe),
		StaleBeads:     len(result.StaleBeads),
		Removed:        len(result.Removed),
		DryRun:         in.DryRun,
		ElapsedSeconds: workflow.Now(ctx).Sub(start).Seconds(),
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("Reconciliation bookkeeping failed", "error", err)
	}
	progress.Phase = "done"

	logger.Info("Reconciliation finished",
		"scope", scope,
		"checked", result.Checked,
		"staleVibe", len(result.StaleVibe),
		"staleBeads", len(result.StaleBeads),
		"removed", len(result.Removed),
		"skipped", len(result.Skipped),
		"cancelled", cancelled)
	return result, nil
}
