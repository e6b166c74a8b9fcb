package workflows

import (
	"time"

	"go.temporal.io/sdk/workflow"
)

// ScheduledSyncInput configures the durable sync loop. Iterations is
// continue-as-new baggage.
type ScheduledSyncInput struct {
	IntervalSeconds int
	// MaxIterations stops the loop after that many sweeps; zero runs forever.
	MaxIterations int
	Options       SyncOptions

	Iterations int
}

// ScheduledSyncWorkflow runs a FullOrchestration sweep every interval,
// forever. The child id is derived from the interval bucket, so a sweep the
// scheduler fires and one an operator starts by hand collapse into a single
// execution. The loop continues as new every few iterations to keep history
// flat; the cancel signal ends it.
func ScheduledSyncWorkflow(ctx workflow.Context, in ScheduledSyncInput) error {
	if in.IntervalSeconds <= 0 {
		in.IntervalSeconds = 300
	}
	opts := in.Options.normalized()
	logger := workflow.GetLogger(ctx)

	cancelled := false
	watchCancel(ctx, &cancelled)

	interval := time.Duration(in.IntervalSeconds) * time.Second
	iterations := in.Iterations
	logger.Info("Scheduled sync loop starting", "interval", interval, "iteration", iterations)

	for !cancelled {
		bucket := workflow.Now(ctx).Unix() / int64(in.IntervalSeconds)
		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:         OrchestrationID(bucket),
			WorkflowRunTimeout: TimeoutOrchestration,
		})
		var res FullOrchestrationResult
		err := workflow.ExecuteChildWorkflow(cctx, FullOrchestrationWorkflow, FullOrchestrationInput{
			Bucket:  bucket,
			Options: opts,
		}).Get(ctx, &res)
		switch {
		case err == nil:
			logger.Info("Scheduled sweep finished",
				"runId", res.RunID,
				"projects", res.Stats.ProjectsProcessed,
				"failed", res.Stats.ProjectsFailed,
				"issues", res.Stats.IssuesSynced)
		case isChildAlreadyStarted(err):
			logger.Info("Sweep already running for this interval", "bucket", bucket)
		default:
			logger.Error("Scheduled sweep failed", "error", err)
		}
		iterations++

		if in.MaxIterations > 0 && iterations >= in.MaxIterations {
			logger.Info("Scheduled sync reached its iteration limit", "iterations", iterations)
			return nil
		}
		if iterations-in.Iterations >= scheduledBatch {
			return workflow.NewContinueAsNewError(ctx, ScheduledSyncWorkflow, ScheduledSyncInput{
				IntervalSeconds: in.IntervalSeconds,
				MaxIterations:   in.MaxIterations,
				Options:         in.Options,
				Iterations:      iterations,
			})
		}

		// Sleep out the interval, waking early only for a cancel.
		if ok, _ := workflow.AwaitWithTimeout(ctx, interval, func() bool { return cancelled }); ok {
			break
		}
	}

	logger.Info("Scheduled sync loop stopped", "iterations", iterations)
	return nil
}
