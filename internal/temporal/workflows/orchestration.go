package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/weave/internal/temporal/activities"
	"github.com/jordanhubbard/weave/pkg/models"
)

// maxRunErrors caps the error strings carried in stats so a bad sweep cannot
// bloat workflow history.
const maxRunErrors = 20

// FullOrchestrationInput starts or resumes an all-projects sweep. RunID,
// Plans, Stats, and StartedAt are continue-as-new baggage the workflow fills
// in itself; callers only set Bucket and Options.
type FullOrchestrationInput struct {
	Bucket  int64
	Options SyncOptions

	RunID     string
	Plans     []activities.ProjectPlan
	Stats     models.SyncStats
	StartedAt time.Time
}

// FullOrchestrationResult summarizes one sweep across every due project.
type FullOrchestrationResult struct {
	RunID     string           `json:"runId"`
	Stats     models.SyncStats `json:"stats"`
	Cancelled bool             `json:"cancelled"`
}

// FullOrchestrationWorkflow discovers the projects due for a sweep and runs a
// ProjectSync child for each, one at a time, gated by the per-project circuit
// breaker. Every few projects it continues as new so history stays bounded no
// matter how many projects the deployment tracks. Cancellation stops new
// sweeps and forwards the signal to the one in flight.
func FullOrchestrationWorkflow(ctx workflow.Context, in FullOrchestrationInput) (*FullOrchestrationResult, error) {
	opts := in.Options.normalized()
	logger := workflow.GetLogger(ctx)
	ctx = withActivityDefaults(ctx)

	cancelled := false
	watchCancel(ctx, &cancelled)

	runID := in.RunID
	plans := in.Plans
	stats := in.Stats
	startedAt := in.StartedAt
	if startedAt.IsZero() {
		startedAt = workflow.Now(ctx)
	}

	var progress Progress
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return progress, nil
	}); err != nil {
		return nil, err
	}

	if runID == "" {
		err := workflow.ExecuteActivity(ctx, "StartSyncRunActivity").Get(ctx, &runID)
		if err != nil {
			return nil, fmt.Errorf("open sync run: %w", err)
		}
		progress.Phase = "discovery"
		var disc activities.DiscoverProjectsResult
		err = workflow.ExecuteActivity(ctx, "DiscoverProjectsActivity", activities.DiscoverProjectsInput{
			CacheExpiryMinutes: opts.CacheExpiryMinutes,
			SkipEmpty:          opts.SkipEmptyProjects,
		}).Get(ctx, &disc)
		if err != nil {
			return nil, fmt.Errorf("discover projects: %w", err)
		}
		plans = disc.Plans
		logger.Info("Orchestration starting", "runId", runID, "projects", len(plans), "dryRun", opts.DryRun)
	} else {
		logger.Info("Orchestration resuming", "runId", runID, "remaining", len(plans))
	}

	syncStats := func() {
		progress.Total = stats.ProjectsProcessed + len(plans)
		progress.Processed = stats.ProjectsProcessed
		progress.Succeeded = stats.ProjectsProcessed - stats.ProjectsFailed
		progress.Failed = stats.ProjectsFailed
	}
	syncStats()

	processedThisRun := 0
	for len(plans) > 0 && !cancelled {
		plan := plans[0]
		plans = plans[1:]
		progress.Phase = "project:" + plan.Identifier

		var gate activities.BreakerCheckResult
		err := workflow.ExecuteActivity(ctx, "BreakerCheckActivity",
			activities.BreakerCheckInput{Project: plan.Identifier}).Get(ctx, &gate)
		if err != nil {
			return nil, fmt.Errorf("breaker check for %s: %w", plan.Identifier, err)
		}
		if !gate.Allowed {
			logger.Warn("Skipping project, breaker open", "project", plan.Identifier)
			syncStats()
			continue
		}

		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:         ProjectSyncID(plan.Identifier, in.Bucket),
			WorkflowRunTimeout: TimeoutProject,
		})
		future := workflow.ExecuteChildWorkflow(cctx, ProjectSyncWorkflow, ProjectSyncInput{
			Project: plan.Identifier,
			Plan:    &plan,
			Options: opts,
		})

		// Wait for the sweep, but pass a cancel on to it the moment one
		// arrives so it can drain instead of running to completion.
		aerr := workflow.Await(ctx, func() bool { return future.IsReady() || cancelled })
		if aerr == nil && cancelled && !future.IsReady() {
			if serr := future.SignalChildWorkflow(ctx, SignalCancel, "orchestrator cancelled").Get(ctx, nil); serr != nil {
				logger.Warn("Cancel forward failed", "project", plan.Identifier, "error", serr)
			}
		}

		var res ProjectSyncResult
		cerr := future.Get(ctx, &res)
		stats.ProjectsProcessed++
		processedThisRun++
		switch {
		case cerr == nil:
			stats.IssuesSynced += res.Succeeded
			if res.Failed > 0 {
				recordError(&stats, fmt.Sprintf("%s: %d issue syncs failed", plan.Identifier, res.Failed))
			}
			recordBreaker(ctx, plan.Identifier, true)
		case isChildAlreadyStarted(cerr):
			logger.Info("Project sweep already running this interval", "project", plan.Identifier)
		default:
			stats.ProjectsFailed++
			recordError(&stats, fmt.Sprintf("%s: %v", plan.Identifier, cerr))
			logger.Error("Project sweep failed", "project", plan.Identifier, "error", cerr)
			recordBreaker(ctx, plan.Identifier, false)
		}
		syncStats()

		if processedThisRun >= orchestratorBatch && len(plans) > 0 && !cancelled {
			logger.Info("Continuing as new", "runId", runID, "remaining", len(plans))
			return nil, workflow.NewContinueAsNewError(ctx, FullOrchestrationWorkflow, FullOrchestrationInput{
				Bucket:    in.Bucket,
				Options:   in.Options,
				RunID:     runID,
				Plans:     plans,
				Stats:     stats,
				StartedAt: startedAt,
			})
		}
	}

	progress.Phase = "finalizing"
	err := workflow.ExecuteActivity(ctx, "CompleteSyncRunActivity", activities.CompleteSyncRunInput{
		RunID:          runID,
		Stats:          stats,
		ElapsedSeconds: workflow.Now(ctx).Sub(startedAt).Seconds(),
	}).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("close sync run %s: %w", runID, err)
	}
	progress.Phase = "done"

	logger.Info("Orchestration finished",
		"runId", runID,
		"projects", stats.ProjectsProcessed,
		"failed", stats.ProjectsFailed,
		"issues", stats.IssuesSynced,
		"cancelled", cancelled)
	return &FullOrchestrationResult{RunID: runID, Stats: stats, Cancelled: cancelled}, nil
}

func recordError(stats *models.SyncStats, msg string) {
	if len(stats.Errors) >= maxRunErrors {
		return
	}
	stats.Errors = append(stats.Errors, msg)
}

// recordBreaker feeds a sweep outcome to the circuit breaker; the gate is
// advisory, so a bookkeeping failure only logs.
func recordBreaker(ctx workflow.Context, project string, success bool) {
	err := workflow.ExecuteActivity(ctx, "BreakerRecordActivity", activities.BreakerRecordInput{
		Project: project,
		Success: success,
	}).Get(ctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("Breaker record failed", "project", project, "error", err)
	}
}
