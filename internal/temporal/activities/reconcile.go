package activities

import (
	"context"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/pkg/models"
)

// ListMappedProjectsActivity returns the identifiers reconciliation should
// walk when no project was named.
func (a *Activities) ListMappedProjectsActivity(ctx context.Context) ([]string, error) {
	projects, err := a.store.ListProjects(ctx)
	if err != nil {
		return nil, asTemporalError(err)
	}
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.Identifier)
	}
	return ids, nil
}

// ReconcileProjectInput drives one project's verification pass.
type ReconcileProjectInput struct {
	Project string
	Action  string
	DryRun  bool
}

// ReconcileProjectResult reports what verification found and, outside
// dry-run, what the chosen action changed.
type ReconcileProjectResult struct {
	Checked    int
	StaleVibe  []string
	StaleBeads []string
	Marked     int
	Removed    []string
}

// ReconcileProjectActivity verifies every mapping row against the trackers
// that claim to hold its counterparts. Rows whose Vibe task vanished lose
// the binding; rows whose Beads issue vanished are flagged deleted; under
// hard_delete a row confirmed absent everywhere is removed outright.
func (a *Activities) ReconcileProjectActivity(ctx context.Context, in ReconcileProjectInput) (*ReconcileProjectResult, error) {
	rows, err := a.store.ListProjectIssues(ctx, in.Project)
	if err != nil {
		return nil, asTemporalError(err)
	}

	hasRepo := a.repoConfigured(ctx, in.Project)
	vibeRef := a.vibeProjectRef(ctx, in.Project)
	if a.resolver != nil {
		a.resolver.Invalidate(models.SourceHuly, in.Project)
		a.resolver.Invalidate(models.SourceVibe, vibeRef)
		a.resolver.Invalidate(models.SourceBeads, in.Project)
	}

	res := &ReconcileProjectResult{Checked: len(rows)}
	for _, row := range rows {
		vibeGone := row.VibeID == ""
		if row.VibeID != "" {
			if a.counterpartMissing(ctx, models.SourceVibe, vibeRef, row.VibeID) {
				vibeGone = true
				res.StaleVibe = append(res.StaleVibe, row.Identifier)
				if !in.DryRun {
					if err := a.store.ClearVibeBinding(ctx, in.Project, row.Identifier); err != nil {
						return nil, asTemporalError(err)
					}
					res.Marked++
				}
			}
		}

		beadsGone := row.BeadsID == "" || row.DeletedFromBeads
		if row.BeadsID != "" && !row.DeletedFromBeads && hasRepo {
			if a.counterpartMissing(ctx, models.SourceBeads, in.Project, row.BeadsID) {
				beadsGone = true
				res.StaleBeads = append(res.StaleBeads, row.Identifier)
				if !in.DryRun {
					if err := a.store.MarkDeletedFromBeads(ctx, in.Project, row.Identifier); err != nil {
						return nil, asTemporalError(err)
					}
					res.Marked++
				}
			}
		}

		if in.Action != "hard_delete" {
			continue
		}
		hulyGone := row.HulyID == "" || row.DeletedFromHuly
		if !hulyGone {
			hulyGone = a.counterpartMissing(ctx, models.SourceHuly, in.Project, row.HulyID)
		}
		if hulyGone && vibeGone && beadsGone {
			if !in.DryRun {
				if err := a.store.DeleteIssueMapping(ctx, in.Project, row.Identifier); err != nil {
					return nil, asTemporalError(err)
				}
			}
			res.Removed = append(res.Removed, row.Identifier)
		}
	}

	a.logger.Printf("[Reconcile] %s: %d checked, %d stale vibe, %d stale beads, %d removed (dry-run=%v)",
		in.Project, res.Checked, len(res.StaleVibe), len(res.StaleBeads), len(res.Removed), in.DryRun)
	return res, nil
}

// counterpartMissing reports a confirmed absence. Tracker errors other than
// NotFound count as present: reconciliation must never mark rows stale
// because a tracker was briefly unreachable.
func (a *Activities) counterpartMissing(ctx context.Context, src models.Source, projectRef, id string) bool {
	t, err := a.trackerFor(src)
	if err != nil {
		return false
	}
	if err := a.pace(ctx, src); err != nil {
		return false
	}
	issue, err := a.resolver.FindByID(ctx, t, projectRef, id)
	if err != nil {
		return syncerr.IsNotFound(err)
	}
	return issue.Deleted
}

// CompleteReconcileInput summarizes a reconciliation run for the log and
// metrics.
type CompleteReconcileInput struct {
	Scope          string
	StaleVibe      int
	StaleBeads     int
	Removed        int
	DryRun         bool
	ElapsedSeconds float64
}

// CompleteReconcileActivity records the run outcome.
func (a *Activities) CompleteReconcileActivity(ctx context.Context, in CompleteReconcileInput) error {
	if a.metrics != nil {
		a.metrics.RecordWorkflowEnd("DataReconciliationWorkflow", "completed", in.ElapsedSeconds)
	}
	telemetry.WorkflowsCompleted.Add(ctx, 1)
	a.logger.Printf("[Reconcile] %s done: %d stale vibe, %d stale beads, %d removed (dry-run=%v)",
		in.Scope, in.StaleVibe, in.StaleBeads, in.Removed, in.DryRun)
	return nil
}
