package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/jordanhubbard/weave/internal/identity"
	"github.com/jordanhubbard/weave/internal/sinks"
	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/pkg/models"
)

// FetchSourceIssueInput identifies the issue to load from its tracker.
type FetchSourceIssueInput struct {
	Source  models.Source
	Project string
	Ref     string
}

// FetchSourceIssueResult carries the canonicalized issue. Description tags
// are extracted into the hint fields and stripped from the content so hashes
// and writes always see tag-free text. Found is false when the tracker
// reports the issue gone.
type FetchSourceIssueResult struct {
	Issue    *models.TrackerIssue
	Found    bool
	Deleted  bool
	Project  string
	HulyRef  string
	BeadsRef string
}

// FetchSourceIssueActivity loads the current state of an issue from the
// tracker that reported the change.
func (a *Activities) FetchSourceIssueActivity(ctx context.Context, in FetchSourceIssueInput) (*FetchSourceIssueResult, error) {
	t, err := a.trackerFor(in.Source)
	if err != nil {
		return nil, asTemporalError(err)
	}

	project := in.Project
	if project == "" && in.Source == models.SourceHuly {
		project = models.ProjectIdentifierFromRef(in.Ref)
	}
	ref := project
	if in.Source == models.SourceVibe {
		ref = a.vibeProjectRef(ctx, project)
	}

	var issue *models.TrackerIssue
	ferr := a.trackerCall(ctx, in.Source, "get_issue", func() error {
		var e error
		issue, e = t.GetIssue(ctx, ref, in.Ref)
		return e
	})
	if ferr != nil {
		if syncerr.IsNotFound(ferr) {
			return &FetchSourceIssueResult{Found: false, Project: project}, nil
		}
		return nil, asTemporalError(ferr)
	}
	if issue.Deleted || strings.EqualFold(issue.Status, "tombstone") {
		return &FetchSourceIssueResult{Issue: issue, Found: true, Deleted: true, Project: project}, nil
	}

	// Vibe reports its own project id; translate to the shared identifier.
	if in.Source == models.SourceVibe && issue.ProjectID != "" {
		if resolved, rerr := a.store.ResolveProjectIdentifier(ctx, issue.ProjectID); rerr == nil {
			project = resolved
		}
	}

	res := &FetchSourceIssueResult{
		Issue:    issue,
		Found:    true,
		Project:  project,
		HulyRef:  identity.ExtractHulyRef(issue.Description),
		BeadsRef: identity.ExtractBeadsRef(issue.Description),
	}
	issue.Description = identity.StripSyncTags(issue.Description)
	return res, nil
}

// ResolveIssueInput is the fetched issue plus whatever counterpart hints the
// detector supplied.
type ResolveIssueInput struct {
	Source    models.Source
	Project   string
	Issue     *models.TrackerIssue
	HulyRef   string
	BeadsRef  string
	LinkedIDs map[string]string
	HasRepo   bool
}

// ResolveIssueResult is the mapping row extended with any counterparts the
// resolver ladder found. The row is in-memory only; PersistSyncActivity
// writes it after the applies succeed.
type ResolveIssueResult struct {
	Row        *models.Issue
	Mapped     bool
	Synthetic  bool
	HulyIssue  *models.TrackerIssue
	VibeIssue  *models.TrackerIssue
	BeadsIssue *models.TrackerIssue
	ParentRow  *models.Issue
	HulyLive   bool
}

// ResolveIssueActivity runs the counterpart ladder: stored ids, detector
// hints, embedded description tags, then normalized-title match. It never
// creates anything.
func (a *Activities) ResolveIssueActivity(ctx context.Context, in ResolveIssueInput) (*ResolveIssueResult, error) {
	issue := in.Issue
	if issue == nil {
		return nil, asTemporalError(syncerr.New(syncerr.KindValidation, "activities.ResolveIssue", "no issue to resolve"))
	}

	row := a.loadRow(ctx, in.Source, in.Project, issue, in.HulyRef)
	res := &ResolveIssueResult{Mapped: row != nil}

	if row == nil {
		row = &models.Issue{ProjectIdentifier: in.Project}
		switch {
		case in.Source == models.SourceHuly:
			row.Identifier = issue.Identifier
		case in.HulyRef != "":
			row.Identifier = in.HulyRef
		default:
			row.Identifier = fmt.Sprintf("%s:%s", in.Source, issue.ID)
			res.Synthetic = true
		}
	}
	res.Synthetic = res.Synthetic || strings.Contains(row.Identifier, ":")

	// The source side of the row always reflects what was just fetched.
	switch in.Source {
	case models.SourceHuly:
		row.HulyID = issue.ID
		if issue.Identifier != "" {
			row.Identifier = issue.Identifier
		}
	case models.SourceVibe:
		row.VibeID = issue.ID
	case models.SourceBeads:
		row.BeadsID = issue.ID
	}

	a.adoptLinkedIDs(row, in.LinkedIDs)

	// Huly counterpart: the hub side. A live fetch here is the only way an
	// existing deletedFromHuly flag may later be cleared.
	if in.Source != models.SourceHuly {
		hi := a.findHuly(ctx, in.Project, row, issue, in.HulyRef)
		if hi != nil {
			res.HulyIssue = hi
			res.HulyLive = true
			row.HulyID = hi.ID
			if hi.Identifier != "" && res.Synthetic {
				row.Identifier = hi.Identifier
				res.Synthetic = false
			}
		}
	} else {
		res.HulyLive = true
	}

	hulyIdentifier := ""
	if !res.Synthetic {
		hulyIdentifier = row.Identifier
	}

	if in.Source != models.SourceVibe && row.VibeID == "" {
		vibeRef := a.vibeProjectRef(ctx, in.Project)
		if vi, err := a.resolver.FindByHulyRef(ctx, a.vibe, vibeRef, hulyIdentifier, issue.Title); err == nil {
			res.VibeIssue = vi
			row.VibeID = vi.ID
		}
	}

	if in.Source != models.SourceBeads && row.BeadsID == "" && in.HasRepo {
		if bi, err := a.resolver.FindByHulyRef(ctx, a.beads, in.Project, hulyIdentifier, issue.Title); err == nil {
			res.BeadsIssue = bi
			row.BeadsID = bi.ID
		}
	}

	if issue.ParentID != "" {
		if parent, err := a.store.GetIssueByExternalID(ctx, in.Source, issue.ParentID); err == nil {
			res.ParentRow = parent
		}
	}

	res.Row = row
	return res, nil
}

// loadRow looks the mapping row up by external id, identifier, embedded
// Huly ref, then title. Misses return nil.
func (a *Activities) loadRow(ctx context.Context, src models.Source, project string, issue *models.TrackerIssue, hulyRef string) *models.Issue {
	if row, err := a.store.GetIssueByExternalID(ctx, src, issue.ID); err == nil {
		return row
	}
	if src == models.SourceHuly && issue.Identifier != "" {
		if row, err := a.store.GetIssue(ctx, project, issue.Identifier); err == nil {
			return row
		}
	}
	if hulyRef != "" {
		if row, err := a.store.GetIssue(ctx, project, hulyRef); err == nil {
			return row
		}
	}
	if src != models.SourceHuly {
		if row, err := a.store.FindIssueByTitle(ctx, project, issue.Title); err == nil {
			return row
		}
	}
	return nil
}

func (a *Activities) adoptLinkedIDs(row *models.Issue, linked map[string]string) {
	if linked == nil {
		return
	}
	if id := linked[string(models.SourceHuly)]; id != "" && row.HulyID == "" {
		row.HulyID = id
	}
	if id := linked[string(models.SourceVibe)]; id != "" && row.VibeID == "" {
		row.VibeID = id
	}
	if id := linked[string(models.SourceBeads)]; id != "" && row.BeadsID == "" {
		row.BeadsID = id
	}
}

// findHuly confirms or discovers the Huly counterpart of a foreign record.
func (a *Activities) findHuly(ctx context.Context, project string, row *models.Issue, issue *models.TrackerIssue, hulyRef string) *models.TrackerIssue {
	ref := ""
	switch {
	case row.HulyID != "":
		ref = row.HulyID
	case hulyRef != "":
		ref = hulyRef
	case row.Identifier != "" && !strings.Contains(row.Identifier, ":"):
		ref = row.Identifier
	}
	if ref != "" {
		var hi *models.TrackerIssue
		err := a.trackerCall(ctx, models.SourceHuly, "get_issue", func() error {
			var e error
			hi, e = a.huly.GetIssue(ctx, project, ref)
			return e
		})
		if err == nil {
			return hi
		}
		if !syncerr.IsNotFound(err) {
			return nil
		}
	}
	hi, err := a.resolver.FindHulyCounterpart(ctx, a.huly, project, issue)
	if err != nil {
		return nil
	}
	return hi
}

// MarkDeletionInput describes a deletion observed at one source.
type MarkDeletionInput struct {
	Source     models.Source
	Project    string
	Ref        string
	ExternalID string
	Policy     string
	DryRun     bool
}

// MarkDeletionResult reports what the deletion did to the mapping.
type MarkDeletionResult struct {
	Found         bool
	Identifier    string
	Marked        bool
	CascadedVibe  bool
	CascadedBeads bool
}

// MarkDeletionActivity records a source-side deletion. Huly deletions mark
// deletedFromHuly and cascade to the counterparts only under the cascade
// policy; Beads tombstones mark deletedFromBeads and never touch the other
// trackers; a vanished Vibe task just loses its binding so a later sweep can
// rebuild it.
func (a *Activities) MarkDeletionActivity(ctx context.Context, in MarkDeletionInput) (*MarkDeletionResult, error) {
	row := a.deletionRow(ctx, in)
	if row == nil {
		return &MarkDeletionResult{Found: false}, nil
	}
	res := &MarkDeletionResult{Found: true, Identifier: row.Identifier}

	if in.DryRun {
		a.logger.Printf("[Sync] dry-run: would mark %s/%s deleted from %s", in.Project, row.Identifier, in.Source)
		return res, nil
	}

	switch in.Source {
	case models.SourceHuly:
		if err := a.store.MarkDeletedFromHuly(ctx, row.ProjectIdentifier, row.Identifier); err != nil {
			return nil, asTemporalError(err)
		}
		res.Marked = true
		if syncpolicy.DeletePolicy(in.Policy) == syncpolicy.DeleteCascade {
			a.cascadeDelete(ctx, row, res)
		}
	case models.SourceBeads:
		if err := a.store.MarkDeletedFromBeads(ctx, row.ProjectIdentifier, row.Identifier); err != nil {
			return nil, asTemporalError(err)
		}
		res.Marked = true
	case models.SourceVibe:
		if err := a.store.ClearVibeBinding(ctx, row.ProjectIdentifier, row.Identifier); err != nil {
			return nil, asTemporalError(err)
		}
		res.Marked = true
	}

	if a.metrics != nil && res.Marked {
		a.metrics.RecordSoftDelete(string(in.Source))
	}
	a.logger.Printf("[Sync] %s/%s marked deleted from %s", row.ProjectIdentifier, row.Identifier, in.Source)
	return res, nil
}

func (a *Activities) deletionRow(ctx context.Context, in MarkDeletionInput) *models.Issue {
	if in.ExternalID != "" {
		if row, err := a.store.GetIssueByExternalID(ctx, in.Source, in.ExternalID); err == nil {
			return row
		}
	}
	if row, err := a.store.GetIssueByExternalID(ctx, in.Source, in.Ref); err == nil {
		return row
	}
	if row, err := a.store.GetIssue(ctx, in.Project, in.Ref); err == nil {
		return row
	}
	return nil
}

// cascadeDelete removes the Vibe and Beads counterparts of a Huly-deleted
// issue. Counterpart failures are logged, not fatal: the flags stay set and
// reconciliation will retry.
func (a *Activities) cascadeDelete(ctx context.Context, row *models.Issue, res *MarkDeletionResult) {
	project := row.ProjectIdentifier
	if row.VibeID != "" {
		err := a.trackerCall(ctx, models.SourceVibe, "delete_issue", func() error {
			return a.vibe.DeleteIssue(ctx, a.vibeProjectRef(ctx, project), row.VibeID)
		})
		if err != nil {
			a.logger.Printf("[Sync] cascade delete of vibe %s failed: %v", row.VibeID, err)
		} else {
			res.CascadedVibe = true
		}
	}
	if row.BeadsID != "" && a.repoConfigured(ctx, project) {
		err := a.trackerCall(ctx, models.SourceBeads, "delete_issue", func() error {
			return a.beads.DeleteIssue(ctx, project, row.BeadsID)
		})
		if err != nil {
			a.logger.Printf("[Sync] cascade delete of beads %s failed: %v", row.BeadsID, err)
		} else {
			res.CascadedBeads = true
			if ferr := a.beads.Flush(ctx, project); ferr != nil {
				a.logger.Printf("[Sync] beads flush after cascade failed: %v", ferr)
			}
			if merr := a.store.MarkDeletedFromBeads(ctx, project, row.Identifier); merr != nil {
				a.logger.Printf("[Sync] marking beads deletion failed: %v", merr)
			}
		}
	}
}

// ApplyToTargetInput is one propagation: write the canonical content to one
// counterpart tracker.
type ApplyToTargetInput struct {
	Source         models.Source
	Target         models.Source
	Project        string
	Issue          *models.TrackerIssue
	Row            *models.Issue
	HulyIdentifier string
	ParentHulyRef  string
	ParentBeadsID  string
	DryRun         bool
}

// ApplyToTargetResult reports the write.
type ApplyToTargetResult struct {
	ExternalID   string
	Identifier   string
	Created      bool
	Skipped      bool
	LinkedParent bool
	ModifiedAt   time.Time
}

// ApplyToTargetActivity creates or updates the counterpart in one target
// tracker, translating status and priority through the pivot tables.
func (a *Activities) ApplyToTargetActivity(ctx context.Context, in ApplyToTargetInput) (*ApplyToTargetResult, error) {
	if in.Issue == nil || in.Row == nil {
		return nil, asTemporalError(syncerr.New(syncerr.KindValidation, "activities.ApplyToTarget", "issue and row required"))
	}
	if in.DryRun {
		a.logger.Printf("[Sync] dry-run: would apply %s/%s to %s", in.Project, in.Row.Identifier, in.Target)
		return &ApplyToTargetResult{ExternalID: in.Row.ExternalID(in.Target), Skipped: true}, nil
	}

	var (
		res *ApplyToTargetResult
		err error
	)
	switch in.Target {
	case models.SourceHuly:
		res, err = a.applyHuly(ctx, in)
	case models.SourceVibe:
		res, err = a.applyVibe(ctx, in)
	case models.SourceBeads:
		res, err = a.applyBeads(ctx, in)
	default:
		err = syncerr.New(syncerr.KindValidation, "activities.ApplyToTarget", "unknown target %q", in.Target)
	}

	if a.metrics != nil {
		a.metrics.RecordIssueSync(fmt.Sprintf("%s_to_%s", in.Source, in.Target), err == nil)
	}
	if err != nil {
		return nil, asTemporalError(err)
	}
	telemetry.IssuesSynced.Add(ctx, 1)
	return res, nil
}

func (a *Activities) applyHuly(ctx context.Context, in ApplyToTargetInput) (*ApplyToTargetResult, error) {
	fields := &models.IssueFields{
		Title:       models.StringPtr(in.Issue.Title),
		Description: models.StringPtr(in.Issue.Description),
		Status:      models.StringPtr(in.Issue.Status),
		Priority:    models.StringPtr(in.Issue.Priority),
	}
	if in.ParentHulyRef != "" {
		fields.ParentID = models.StringPtr(in.ParentHulyRef)
	}

	var (
		out *models.TrackerIssue
		err error
	)
	if in.Row.HulyID != "" {
		err = a.trackerCall(ctx, models.SourceHuly, "update_issue", func() error {
			var e error
			out, e = a.huly.UpdateIssue(ctx, in.Project, in.Row.HulyID, fields)
			return e
		})
	} else if in.ParentHulyRef != "" {
		err = a.trackerCall(ctx, models.SourceHuly, "create_sub_issue", func() error {
			var e error
			out, e = createSubIssue(ctx, a.huly, in.Project, in.ParentHulyRef, fields)
			return e
		})
	} else {
		err = a.trackerCall(ctx, models.SourceHuly, "create_issue", func() error {
			var e error
			out, e = a.huly.CreateIssue(ctx, in.Project, fields)
			return e
		})
	}
	if err != nil {
		return nil, err
	}
	return &ApplyToTargetResult{
		ExternalID: out.ID,
		Identifier: out.Identifier,
		Created:    in.Row.HulyID == "",
		ModifiedAt: out.ModifiedAt,
	}, nil
}

func (a *Activities) applyVibe(ctx context.Context, in ApplyToTargetInput) (*ApplyToTargetResult, error) {
	desc := in.Issue.Description
	if in.HulyIdentifier != "" {
		desc = identity.EnsureHulyTag(desc, in.HulyIdentifier)
	}
	fields := &models.IssueFields{
		Title:       models.StringPtr(in.Issue.Title),
		Description: models.StringPtr(desc),
		Status:      models.StringPtr(in.Issue.Status),
		Priority:    models.StringPtr(in.Issue.Priority),
	}
	projectRef := a.vibeProjectRef(ctx, in.Project)

	var (
		out *models.TrackerIssue
		err error
	)
	if in.Row.VibeID != "" {
		err = a.trackerCall(ctx, models.SourceVibe, "update_issue", func() error {
			var e error
			out, e = a.vibe.UpdateIssue(ctx, projectRef, in.Row.VibeID, fields)
			return e
		})
	} else {
		err = a.trackerCall(ctx, models.SourceVibe, "create_issue", func() error {
			var e error
			out, e = a.vibe.CreateIssue(ctx, projectRef, fields)
			return e
		})
	}
	if err != nil {
		return nil, err
	}
	return &ApplyToTargetResult{
		ExternalID: out.ID,
		Created:    in.Row.VibeID == "",
		ModifiedAt: out.ModifiedAt,
	}, nil
}

func (a *Activities) applyBeads(ctx context.Context, in ApplyToTargetInput) (*ApplyToTargetResult, error) {
	desc := in.Issue.Description
	if in.HulyIdentifier != "" {
		desc = identity.EnsureHulyTag(desc, in.HulyIdentifier)
	}

	// bd replaces the label set wholesale, so carry the non-workflow labels
	// forward and splice in the one the status translation owns.
	var current []string
	if in.Row.BeadsID != "" {
		var cur *models.TrackerIssue
		err := a.trackerCall(ctx, models.SourceBeads, "get_issue", func() error {
			var e error
			cur, e = a.beads.GetIssue(ctx, in.Project, in.Row.BeadsID)
			return e
		})
		if err == nil {
			current = cur.Labels
		}
	}
	labels := mergeBeadsLabels(current, syncpolicy.StatusToBeads(in.Issue.Status))

	fields := &models.IssueFields{
		Title:       models.StringPtr(in.Issue.Title),
		Description: models.StringPtr(desc),
		Status:      models.StringPtr(in.Issue.Status),
		Priority:    models.StringPtr(in.Issue.Priority),
		Labels:      &labels,
	}

	var (
		out *models.TrackerIssue
		err error
	)
	if in.Row.BeadsID != "" {
		err = a.trackerCall(ctx, models.SourceBeads, "update_issue", func() error {
			var e error
			out, e = a.beads.UpdateIssue(ctx, in.Project, in.Row.BeadsID, fields)
			return e
		})
	} else {
		err = a.trackerCall(ctx, models.SourceBeads, "create_issue", func() error {
			var e error
			out, e = a.beads.CreateIssue(ctx, in.Project, fields)
			return e
		})
	}
	if err != nil {
		return nil, err
	}

	res := &ApplyToTargetResult{
		ExternalID: out.ID,
		Created:    in.Row.BeadsID == "",
		ModifiedAt: out.ModifiedAt,
	}
	if in.ParentBeadsID != "" && in.ParentBeadsID != in.Row.ParentBeadsID {
		err = a.trackerCall(ctx, models.SourceBeads, "dep_add", func() error {
			return a.beads.AddParentDependency(ctx, in.Project, out.ID, in.ParentBeadsID)
		})
		if err != nil {
			a.logger.Printf("[Sync] parent dep %s -> %s failed: %v", out.ID, in.ParentBeadsID, err)
		} else {
			res.LinkedParent = true
		}
	}
	return res, nil
}

func mergeBeadsLabels(current []string, state syncpolicy.BeadsState) []string {
	owned := make(map[string]bool, 3)
	for _, l := range syncpolicy.SyncLabels() {
		owned[l] = true
	}
	merged := make([]string, 0, len(current)+1)
	for _, l := range current {
		if !owned[l] {
			merged = append(merged, l)
		}
	}
	if state.Label != "" {
		merged = append(merged, state.Label)
	}
	return merged
}

// PersistSyncInput is the finished row plus the bookkeeping the applies
// uncovered.
type PersistSyncInput struct {
	Row                *models.Issue
	RebindFrom         string
	ClearHulyDeletion  bool
	ClearBeadsDeletion bool
	ParentIdentifier   string
	ParentBeadsID      string
}

// PersistSyncResult reports the stored identifier (post-rebind).
type PersistSyncResult struct {
	Identifier string
}

// PersistSyncActivity writes the row back: rebinding synthetic identifiers
// once the Huly counterpart exists, stamping lastSyncAt, clearing deletion
// flags a live fetch disproved, and recording parent linkage.
func (a *Activities) PersistSyncActivity(ctx context.Context, in PersistSyncInput) (*PersistSyncResult, error) {
	row := in.Row
	if row == nil {
		return nil, asTemporalError(syncerr.New(syncerr.KindValidation, "activities.PersistSync", "row required"))
	}

	if in.RebindFrom != "" && in.RebindFrom != row.Identifier {
		err := a.store.RebindIssueIdentifier(ctx, row.ProjectIdentifier, in.RebindFrom, row.Identifier)
		if err != nil && !syncerr.IsNotFound(err) {
			return nil, asTemporalError(err)
		}
	}

	now := time.Now().UTC()
	row.LastSyncAt = &now
	if err := a.store.UpsertIssue(ctx, row); err != nil {
		return nil, asTemporalError(err)
	}

	if in.ClearHulyDeletion {
		if err := a.store.ClearDeletedFromHuly(ctx, row.ProjectIdentifier, row.Identifier); err != nil {
			return nil, asTemporalError(err)
		}
	}
	if in.ClearBeadsDeletion {
		if err := a.store.ClearDeletedFromBeads(ctx, row.ProjectIdentifier, row.Identifier); err != nil {
			return nil, asTemporalError(err)
		}
	}

	if in.ParentIdentifier != "" && in.ParentIdentifier != row.Identifier {
		err := a.store.UpdateParentChild(ctx, row.ProjectIdentifier, row.Identifier, in.ParentIdentifier, in.ParentBeadsID)
		if err != nil {
			a.logger.Printf("[Sync] parent link %s -> %s rejected: %v", row.Identifier, in.ParentIdentifier, err)
		} else if err := a.store.UpdateSubIssueCount(ctx, row.ProjectIdentifier, in.ParentIdentifier); err != nil {
			a.logger.Printf("[Sync] sub-issue count for %s: %v", in.ParentIdentifier, err)
		}
	}

	return &PersistSyncResult{Identifier: row.Identifier}, nil
}

// TouchLastSyncInput names the row whose lastSyncAt should advance.
type TouchLastSyncInput struct {
	Project    string
	Identifier string
}

// TouchLastSyncActivity advances lastSyncAt without rewriting content; the
// short-circuit path uses it so an unchanged issue still counts as swept.
func (a *Activities) TouchLastSyncActivity(ctx context.Context, in TouchLastSyncInput) error {
	row, err := a.store.GetIssue(ctx, in.Project, in.Identifier)
	if err != nil {
		if syncerr.IsNotFound(err) {
			return nil
		}
		return asTemporalError(err)
	}
	now := time.Now().UTC()
	row.LastSyncAt = &now
	if err := a.store.UpsertIssue(ctx, row); err != nil {
		return asTemporalError(err)
	}
	if a.metrics != nil {
		a.metrics.RecordSyncSkip("content_hash")
	}
	return nil
}

// NotifySyncInput is the outcome pushed to the external sinks.
type NotifySyncInput struct {
	Project    string
	Identifier string
	Source     models.Source
	Action     string
	Title      string
	Status     string
	Priority   string
}

// NotifySyncActivity fans the outcome out to the configured sinks. Delivery
// is best-effort; this activity never fails the workflow.
func (a *Activities) NotifySyncActivity(ctx context.Context, in NotifySyncInput) error {
	if a.sinks == nil || a.sinks.Len() == 0 {
		return nil
	}
	workflowID := ""
	if activity.IsActivity(ctx) {
		workflowID = activity.GetInfo(ctx).WorkflowExecution.ID
	}
	a.sinks.Publish(ctx, sinks.Notification{
		Project:    in.Project,
		Identifier: in.Identifier,
		Source:     string(in.Source),
		Action:     in.Action,
		Title:      in.Title,
		Status:     in.Status,
		Priority:   in.Priority,
		SyncedAt:   time.Now().UTC(),
		WorkflowID: workflowID,
	})
	return nil
}

// createSubIssue uses the sub-issue endpoint when the client offers one and
// falls back to a plain create with the parent field otherwise.
func createSubIssue(ctx context.Context, t trackers.Tracker, project, parentRef string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	if sc, ok := t.(trackers.SubIssueCreator); ok {
		return sc.CreateSubIssue(ctx, project, parentRef, fields)
	}
	fields.ParentID = models.StringPtr(parentRef)
	return t.CreateIssue(ctx, project, fields)
}
