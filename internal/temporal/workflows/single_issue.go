package workflows

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/internal/temporal/activities"
	"github.com/jordanhubbard/weave/pkg/models"
)

// SingleIssueSyncInput identifies one changed issue and how it was noticed.
type SingleIssueSyncInput struct {
	Source  models.Source
	Project string
	Ref     string
	Kind    models.ChangeKind
	// LinkedIDs are counterpart ids the detector already knows, keyed by
	// source name. Webhook payloads carry these.
	LinkedIDs map[string]string
	HasRepo   bool
	Options   SyncOptions
}

// SingleIssueSyncResult summarizes what one sync did.
type SingleIssueSyncResult struct {
	Identifier string   `json:"identifier"`
	Action     string   `json:"action"` // synced | skipped | deleted | noop
	Applied    []string `json:"applied,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	DryRun     bool     `json:"dryRun,omitempty"`
}

// SingleIssueSyncWorkflow propagates one issue change: fetch the source copy,
// resolve its counterparts, short-circuit if nothing moved, then write each
// target that is not strictly newer and persist the mapping row. Partial
// failures persist whatever succeeded before the error surfaces, so a retry
// never re-creates counterparts it already made.
func SingleIssueSyncWorkflow(ctx workflow.Context, in SingleIssueSyncInput) (*SingleIssueSyncResult, error) {
	opts := in.Options.normalized()
	logger := workflow.GetLogger(ctx)
	ctx = withActivityDefaults(ctx)

	var fetch activities.FetchSourceIssueResult
	err := workflow.ExecuteActivity(ctx, "FetchSourceIssueActivity", activities.FetchSourceIssueInput{
		Source:  in.Source,
		Project: in.Project,
		Ref:     in.Ref,
	}).Get(ctx, &fetch)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", in.Source, in.Ref, err)
	}
	project := fetch.Project
	if project == "" {
		project = in.Project
	}

	// A missing or tombstoned source issue is a deletion regardless of what
	// kind the detector guessed. The reverse also holds: a "delete" event for
	// an issue the tracker still serves syncs it normally.
	if !fetch.Found || fetch.Deleted {
		return runDeletion(ctx, in, project, fetch.Issue, opts)
	}

	var resolved activities.ResolveIssueResult
	err = workflow.ExecuteActivity(ctx, "ResolveIssueActivity", activities.ResolveIssueInput{
		Source:    in.Source,
		Project:   project,
		Issue:     fetch.Issue,
		HulyRef:   fetch.HulyRef,
		BeadsRef:  fetch.BeadsRef,
		LinkedIDs: in.LinkedIDs,
		HasRepo:   in.HasRepo || in.Source == models.SourceBeads,
	}).Get(ctx, &resolved)
	if err != nil {
		return nil, fmt.Errorf("resolve %s %s: %w", in.Source, in.Ref, err)
	}
	row := resolved.Row
	hasRepo := in.HasRepo || in.Source == models.SourceBeads

	// A soft-deleted issue stays deleted: counterpart edits do not resurrect
	// it unless Huly itself serves the issue again.
	if row.DeletedFromHuly && !resolved.HulyLive {
		logger.Info("Skipping sync of soft-deleted issue", "identifier", row.Identifier)
		return &SingleIssueSyncResult{
			Identifier: row.Identifier,
			Action:     "skipped",
			Skipped:    []string{"deleted-from-huly"},
			DryRun:     opts.DryRun,
		}, nil
	}

	sourceHash := syncpolicy.HashTrackerIssue(fetch.Issue)
	if resolved.Mapped && inSync(row, sourceHash, hasRepo) {
		if !opts.DryRun {
			err = workflow.ExecuteActivity(ctx, "TouchLastSyncActivity", activities.TouchLastSyncInput{
				Project:    project,
				Identifier: row.Identifier,
			}).Get(ctx, nil)
			if err != nil {
				return nil, err
			}
		}
		logger.Debug("Content hash unchanged, skipping", "identifier", row.Identifier)
		return &SingleIssueSyncResult{
			Identifier: row.Identifier,
			Action:     "skipped",
			Skipped:    []string{"content-unchanged"},
			DryRun:     opts.DryRun,
		}, nil
	}

	parentHulyRef, parentBeadsID := parentRefs(resolved.ParentRow)

	applyTo := func(target models.Source, hulyIdentifier string) (*activities.ApplyToTargetResult, error) {
		var res activities.ApplyToTargetResult
		aerr := workflow.ExecuteActivity(ctx, "ApplyToTargetActivity", activities.ApplyToTargetInput{
			Source:         in.Source,
			Target:         target,
			Project:        project,
			Issue:          fetch.Issue,
			Row:            row,
			HulyIdentifier: hulyIdentifier,
			ParentHulyRef:  parentHulyRef,
			ParentBeadsID:  parentBeadsID,
			DryRun:         opts.DryRun,
		}).Get(ctx, &res)
		if aerr != nil {
			return nil, aerr
		}
		return &res, nil
	}

	var (
		applied    []string
		skipped    []string
		applyErr   error
		rebindFrom string
	)
	now := workflow.Now(ctx).UTC()
	sourceMod := fetch.Issue.ModifiedAt
	if sourceMod.IsZero() {
		sourceMod = now
	}

	// Huly first: creating the hub counterpart yields the real identifier the
	// other two targets tag their descriptions with.
	if in.Source != models.SourceHuly {
		hulyModified := targetModified(row.HulyModifiedAt, resolved.HulyIssue)
		switch {
		case row.HulyID != "" && row.HulyContentHash == sourceHash:
			skipped = append(skipped, "huly")
		case syncpolicy.Decide(sourceMod, hulyModified) == syncpolicy.VerdictSkipNewer:
			logger.Info("Huly copy is newer, not propagating", "identifier", row.Identifier)
			skipped = append(skipped, "huly")
		default:
			res, aerr := applyTo(models.SourceHuly, "")
			if aerr != nil {
				applyErr = fmt.Errorf("apply to huly: %w", aerr)
			} else if !opts.DryRun {
				applied = append(applied, "huly")
				row.HulyID = res.ExternalID
				row.HulyContentHash = sourceHash
				row.HulyModifiedAt = timePtr(res.ModifiedAt, now)
				if res.Identifier != "" && res.Identifier != row.Identifier {
					rebindFrom = row.Identifier
					row.Identifier = res.Identifier
				}
			} else {
				applied = append(applied, "huly")
			}
		}
	}

	hulyIdentifier := ""
	if !strings.Contains(row.Identifier, ":") {
		hulyIdentifier = row.Identifier
	}

	if in.Source != models.SourceVibe {
		vibeModified := targetModified(row.VibeModifiedAt, resolved.VibeIssue)
		switch {
		case row.VibeID != "" && row.ContentHash == sourceHash:
			skipped = append(skipped, "vibe")
		case syncpolicy.Decide(sourceMod, vibeModified) == syncpolicy.VerdictSkipNewer:
			logger.Info("Vibe copy is newer, not propagating", "identifier", row.Identifier)
			skipped = append(skipped, "vibe")
		default:
			res, aerr := applyTo(models.SourceVibe, hulyIdentifier)
			if aerr != nil {
				if applyErr == nil {
					applyErr = fmt.Errorf("apply to vibe: %w", aerr)
				}
			} else if !opts.DryRun {
				applied = append(applied, "vibe")
				row.VibeID = res.ExternalID
				row.VibeModifiedAt = timePtr(res.ModifiedAt, now)
			} else {
				applied = append(applied, "vibe")
			}
		}
	}

	if in.Source != models.SourceBeads && hasRepo && !row.DeletedFromBeads {
		beadsModified := targetModified(row.BeadsModifiedAt, resolved.BeadsIssue)
		switch {
		case row.BeadsID != "" && row.BeadsContentHash == sourceHash:
			skipped = append(skipped, "beads")
		case syncpolicy.Decide(sourceMod, beadsModified) == syncpolicy.VerdictSkipNewer:
			logger.Info("Beads copy is newer, not propagating", "identifier", row.Identifier)
			skipped = append(skipped, "beads")
		default:
			res, aerr := applyTo(models.SourceBeads, hulyIdentifier)
			if aerr != nil {
				if applyErr == nil {
					applyErr = fmt.Errorf("apply to beads: %w", aerr)
				}
			} else if !opts.DryRun {
				applied = append(applied, "beads")
				row.BeadsID = res.ExternalID
				row.BeadsContentHash = sourceHash
				row.BeadsModifiedAt = timePtr(res.ModifiedAt, now)
			} else {
				applied = append(applied, "beads")
			}
		}
	}

	// The row records the canonical last-synced content in Huly vocabulary.
	row.Title = fetch.Issue.Title
	row.Description = fetch.Issue.Description
	row.Status = fetch.Issue.Status
	row.Priority = fetch.Issue.Priority
	row.ContentHash = sourceHash
	switch in.Source {
	case models.SourceHuly:
		row.HulyModifiedAt = timePtr(sourceMod, now)
		row.HulyContentHash = sourceHash
	case models.SourceVibe:
		row.VibeModifiedAt = timePtr(sourceMod, now)
	case models.SourceBeads:
		row.BeadsModifiedAt = timePtr(sourceMod, now)
		row.BeadsContentHash = sourceHash
	}

	if !opts.DryRun {
		var persisted activities.PersistSyncResult
		perr := workflow.ExecuteActivity(ctx, "PersistSyncActivity", activities.PersistSyncInput{
			Row:                row,
			RebindFrom:         rebindFrom,
			ClearHulyDeletion:  resolved.HulyLive && row.DeletedFromHuly,
			ClearBeadsDeletion: in.Source == models.SourceBeads && row.DeletedFromBeads,
			ParentIdentifier:   parentIdentifierOf(resolved.ParentRow),
			ParentBeadsID:      parentBeadsID,
		}).Get(ctx, &persisted)
		if perr != nil {
			return nil, fmt.Errorf("persist %s: %w", row.Identifier, perr)
		}
		row.Identifier = persisted.Identifier
	}

	if applyErr != nil {
		return nil, applyErr
	}

	result := &SingleIssueSyncResult{
		Identifier: row.Identifier,
		Action:     "skipped",
		Applied:    applied,
		Skipped:    skipped,
		DryRun:     opts.DryRun,
	}
	if len(applied) > 0 {
		result.Action = "synced"
		if !opts.DryRun {
			nctx := withNotifyOptions(ctx)
			_ = workflow.ExecuteActivity(nctx, "NotifySyncActivity", activities.NotifySyncInput{
				Project:    project,
				Identifier: row.Identifier,
				Source:     in.Source,
				Action:     "synced",
				Title:      fetch.Issue.Title,
				Status:     fetch.Issue.Status,
				Priority:   fetch.Issue.Priority,
			}).Get(ctx, nil)
		}
	}
	logger.Info("Issue sync finished",
		"identifier", row.Identifier,
		"action", result.Action,
		"applied", strings.Join(applied, ","),
		"skipped", strings.Join(skipped, ","))
	return result, nil
}

// runDeletion handles the path where the source no longer serves the issue.
func runDeletion(ctx workflow.Context, in SingleIssueSyncInput, project string, issue *models.TrackerIssue, opts SyncOptions) (*SingleIssueSyncResult, error) {
	externalID := ""
	if issue != nil {
		externalID = issue.ID
	}
	var del activities.MarkDeletionResult
	err := workflow.ExecuteActivity(ctx, "MarkDeletionActivity", activities.MarkDeletionInput{
		Source:     in.Source,
		Project:    project,
		Ref:        in.Ref,
		ExternalID: externalID,
		Policy:     opts.DeletePolicy,
		DryRun:     opts.DryRun,
	}).Get(ctx, &del)
	if err != nil {
		return nil, fmt.Errorf("mark deletion of %s %s: %w", in.Source, in.Ref, err)
	}
	if !del.Found {
		workflow.GetLogger(ctx).Debug("Deleted issue was never mapped", "source", in.Source, "ref", in.Ref)
		return &SingleIssueSyncResult{Action: "noop", DryRun: opts.DryRun}, nil
	}
	if !opts.DryRun {
		nctx := withNotifyOptions(ctx)
		_ = workflow.ExecuteActivity(nctx, "NotifySyncActivity", activities.NotifySyncInput{
			Project:    project,
			Identifier: del.Identifier,
			Source:     in.Source,
			Action:     "deleted",
		}).Get(ctx, nil)
	}
	return &SingleIssueSyncResult{Identifier: del.Identifier, Action: "deleted", DryRun: opts.DryRun}, nil
}

// inSync reports whether every side already carries the canonical content, in
// which case the sweep only needs to stamp lastSyncAt. Vibe has no side hash;
// a matching canonical hash implies its copy was written on the last sync.
func inSync(row *models.Issue, sourceHash string, hasRepo bool) bool {
	if sourceHash != row.ContentHash {
		return false
	}
	if row.HulyContentHash != row.ContentHash {
		return false
	}
	if hasRepo && !row.DeletedFromBeads && row.BeadsID != "" && row.BeadsContentHash != row.ContentHash {
		return false
	}
	return true
}

// targetModified picks the freshest known modification time for a target: the
// live copy the resolver just fetched beats the stored timestamp.
func targetModified(stored *time.Time, live *models.TrackerIssue) *time.Time {
	if live != nil && !live.ModifiedAt.IsZero() {
		t := live.ModifiedAt
		return &t
	}
	return stored
}

func timePtr(t time.Time, fallback time.Time) *time.Time {
	if t.IsZero() {
		t = fallback
	}
	t = t.UTC()
	return &t
}

func parentRefs(parent *models.Issue) (hulyRef, beadsID string) {
	if parent == nil {
		return "", ""
	}
	if !strings.Contains(parent.Identifier, ":") {
		hulyRef = parent.Identifier
	}
	return hulyRef, parent.BeadsID
}

func parentIdentifierOf(parent *models.Issue) string {
	if parent == nil {
		return ""
	}
	return parent.Identifier
}
