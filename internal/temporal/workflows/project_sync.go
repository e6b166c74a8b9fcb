package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/weave/internal/temporal/activities"
	"github.com/jordanhubbard/weave/pkg/models"
)

// ProjectSyncInput selects the project and optionally narrows the sweep.
type ProjectSyncInput struct {
	Project string
	// Plan is filled by the orchestrator; standalone sweeps load it from the
	// store.
	Plan *activities.ProjectPlan
	// Phases restricts the sweep to a subset of "huly", "vibe", "beads",
	// "backlog". Empty means all four. Beads watcher events start sweeps with
	// just the beads phases.
	Phases  []string
	Options SyncOptions
}

// ProjectSyncResult is the sweep outcome the orchestrator aggregates.
type ProjectSyncResult struct {
	Project        string `json:"project"`
	Total          int    `json:"total"`
	Succeeded      int    `json:"succeeded"`
	Failed         int    `json:"failed"`
	Coalesced      int    `json:"coalesced"`
	Cancelled      bool   `json:"cancelled"`
	CursorAdvanced bool   `json:"cursorAdvanced"`
}

// ProjectSyncWorkflow sweeps one project in four phases: Huly changes since
// the cursor, Vibe changes since the cursor, Beads JSONL changes, and the
// hub backlog of rows whose counterparts lag the canonical content. Each
// changed issue runs as a SingleIssueSync child workflow whose id coalesces
// it with any detector-driven sync of the same issue. The cursor advances
// only when every phase completed with zero failures.
func ProjectSyncWorkflow(ctx workflow.Context, in ProjectSyncInput) (*ProjectSyncResult, error) {
	opts := in.Options.normalized()
	logger := workflow.GetLogger(ctx)
	start := workflow.Now(ctx)
	ctx = withActivityDefaults(ctx)

	cancelled := false
	watchCancel(ctx, &cancelled)

	var progress Progress
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return progress, nil
	}); err != nil {
		return nil, err
	}
	progress.Phase = "starting"

	plan := in.Plan
	if plan == nil {
		plan = &activities.ProjectPlan{}
		err := workflow.ExecuteActivity(ctx, "GetProjectStateActivity",
			activities.GetProjectStateInput{Project: in.Project}).Get(ctx, plan)
		if err != nil {
			return nil, fmt.Errorf("project state for %s: %w", in.Project, err)
		}
	}
	logger.Info("Project sweep starting",
		"project", in.Project, "cursor", plan.Cursor, "hasRepo", plan.HasRepo, "dryRun", opts.DryRun)

	var (
		inflight    int
		coalesced   int
		beadsWrites int
	)

	runRefs := func(source models.Source, refs []activities.IssueRef) {
		for _, ref := range refs {
			aerr := workflow.Await(ctx, func() bool {
				return cancelled || inflight < opts.Parallelism
			})
			if aerr != nil || cancelled {
				return
			}
			inflight++
			ref := ref
			workflow.Go(ctx, func(gctx workflow.Context) {
				defer func() { inflight-- }()
				cctx := workflow.WithChildOptions(gctx, workflow.ChildWorkflowOptions{
					WorkflowID:         IssueSyncID(source, ref.Ref),
					WorkflowRunTimeout: TimeoutSingleIssue,
				})
				var res SingleIssueSyncResult
				cerr := workflow.ExecuteChildWorkflow(cctx, SingleIssueSyncWorkflow, SingleIssueSyncInput{
					Source:  source,
					Project: in.Project,
					Ref:     ref.Ref,
					Kind:    ref.Kind,
					HasRepo: plan.HasRepo,
					Options: opts,
				}).Get(gctx, &res)
				progress.Processed++
				switch {
				case cerr == nil:
					progress.Succeeded++
					if containsString(res.Applied, "beads") {
						beadsWrites++
					}
				case isChildAlreadyStarted(cerr):
					// Another workflow owns this issue right now and will
					// finish the job.
					coalesced++
					progress.Succeeded++
				default:
					progress.Failed++
					logger.Error("Issue sync failed", "source", source, "ref", ref.Ref, "error", cerr)
				}
			})
		}
	}

	drain := func() {
		if cancelled {
			ok, _ := workflow.AwaitWithTimeout(ctx, cancelDrainBudget, func() bool { return inflight == 0 })
			if !ok {
				logger.Warn("Cancelled with syncs still in flight", "inflight", inflight)
			}
			return
		}
		if err := workflow.Await(ctx, func() bool { return inflight == 0 }); err != nil {
			logger.Warn("Drain interrupted", "error", err)
		}
	}

	enabled := func(name string) bool {
		if len(in.Phases) == 0 {
			return true
		}
		for _, p := range in.Phases {
			if p == name {
				return true
			}
		}
		return false
	}

	hulyCursor, vibeCursor := "", ""

	if enabled("huly") && !cancelled {
		progress.Phase = "huly"
		var res activities.ListSourceIssuesResult
		err := workflow.ExecuteActivity(ctx, "ListSourceIssuesActivity", activities.ListSourceIssuesInput{
			Source:  models.SourceHuly,
			Project: in.Project,
			Cursor:  plan.Cursor,
		}).Get(ctx, &res)
		if err != nil {
			return nil, fmt.Errorf("list huly issues for %s: %w", in.Project, err)
		}
		hulyCursor = res.NextCursor
		progress.Total += len(res.Refs)
		runRefs(models.SourceHuly, res.Refs)
		drain()
	}

	if enabled("vibe") && !cancelled {
		progress.Phase = "vibe"
		var res activities.ListSourceIssuesResult
		err := workflow.ExecuteActivity(ctx, "ListSourceIssuesActivity", activities.ListSourceIssuesInput{
			Source:  models.SourceVibe,
			Project: in.Project,
			Cursor:  plan.Cursor,
		}).Get(ctx, &res)
		if err != nil {
			return nil, fmt.Errorf("list vibe issues for %s: %w", in.Project, err)
		}
		vibeCursor = res.NextCursor
		progress.Total += len(res.Refs)
		runRefs(models.SourceVibe, res.Refs)
		drain()
	}

	if enabled("beads") && plan.HasRepo && !cancelled {
		progress.Phase = "beads"
		var res activities.ClassifyBeadsChangesResult
		err := workflow.ExecuteActivity(ctx, "ClassifyBeadsChangesActivity",
			activities.ClassifyBeadsChangesInput{Project: in.Project}).Get(ctx, &res)
		if err != nil {
			// Repos without a bd database are expected; the sweep goes on.
			logger.Warn("Beads classification unavailable, skipping phase", "project", in.Project, "error", err)
		} else {
			progress.Total += len(res.Refs)
			runRefs(models.SourceBeads, res.Refs)
			drain()
		}
	}

	if enabled("backlog") && !cancelled {
		progress.Phase = "backlog"
		var res activities.PendingBeadsPushResult
		err := workflow.ExecuteActivity(ctx, "PendingBeadsPushActivity", activities.PendingBeadsPushInput{
			Project: in.Project,
			HasRepo: plan.HasRepo,
		}).Get(ctx, &res)
		if err != nil {
			logger.Warn("Backlog scan unavailable, skipping phase", "project", in.Project, "error", err)
		} else {
			progress.Total += len(res.Refs)
			runRefs(models.SourceHuly, res.Refs)
			drain()
		}
	}

	progress.Phase = "finalizing"
	nextCursor := minCursor(hulyCursor, vibeCursor)
	advance := nextCursor != "" && progress.Failed == 0 && !cancelled

	err := workflow.ExecuteActivity(ctx, "CompleteProjectSyncActivity", activities.CompleteProjectSyncInput{
		Project:         in.Project,
		Cursor:          nextCursor,
		DescriptionHash: plan.DescriptionHash,
		AdvanceCursor:   advance,
		FlushBeads:      beadsWrites > 0,
		DryRun:          opts.DryRun,
		Failed:          progress.Failed,
		ElapsedSeconds:  workflow.Now(ctx).Sub(start).Seconds(),
	}).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("finalize sweep of %s: %w", in.Project, err)
	}
	progress.Phase = "done"

	result := &ProjectSyncResult{
		Project:        in.Project,
		Total:          progress.Total,
		Succeeded:      progress.Succeeded,
		Failed:         progress.Failed,
		Coalesced:      coalesced,
		Cancelled:      cancelled,
		CursorAdvanced: advance,
	}
	logger.Info("Project sweep finished",
		"project", in.Project,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"coalesced", result.Coalesced,
		"cancelled", result.Cancelled)
	return result, nil
}

// minCursor picks the conservative watermark: the smaller of the two next
// cursors, so neither side can skip past changes the other has not listed
// yet. Zero-padded cursors compare lexically.
func minCursor(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	}
	return a
}

func isChildAlreadyStarted(err error) bool {
	var already *temporal.ChildWorkflowExecutionAlreadyStartedError
	return errors.As(err, &already)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
