package activities

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jordanhubbard/weave/internal/ratelimit"
	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/internal/trackers/beads"
	"github.com/jordanhubbard/weave/pkg/models"
)

// ProjectPlan is one project's sweep parameters, computed during discovery.
type ProjectPlan struct {
	Identifier      string
	Cursor          string
	HasRepo         bool
	VibeRef         string
	DescriptionHash string
}

// DiscoverProjectsInput carries the orchestration options discovery needs.
type DiscoverProjectsInput struct {
	CacheExpiryMinutes int
	SkipEmpty          bool
}

// DiscoverProjectsResult is the sweep plan.
type DiscoverProjectsResult struct {
	Plans    []ProjectPlan
	Archived []string
}

// DiscoverProjectsActivity refreshes the project inventory: Huly is listed
// and persisted, Vibe projects are bound by matching identifier or name,
// projects absent from Huly accrue missed sweeps, and the result is the
// filtered list worth sweeping this round.
func (a *Activities) DiscoverProjectsActivity(ctx context.Context, in DiscoverProjectsInput) (*DiscoverProjectsResult, error) {
	var hulyProjects []*models.TrackerProject
	err := a.trackerCall(ctx, models.SourceHuly, "list_projects", func() error {
		var e error
		hulyProjects, e = a.huly.ListProjects(ctx)
		return e
	})
	if err != nil {
		return nil, asTemporalError(err)
	}

	vibeByName := a.vibeProjectIndex(ctx)

	seen := make(map[string]bool, len(hulyProjects))
	descHashes := make(map[string]string, len(hulyProjects))
	for _, hp := range hulyProjects {
		if hp.Archived {
			continue
		}
		identifier := hp.Identifier
		if identifier == "" {
			identifier = hp.ID
		}
		seen[identifier] = true
		descHashes[identifier] = syncpolicy.DescriptionHash(hp.Description)

		p := &models.Project{
			Identifier:      identifier,
			HulyID:          hp.ID,
			VibeID:          vibeByName[strings.ToLower(identifier)],
			IssueCount:      hp.IssueCount,
			Status:          models.ProjectActive,
			DescriptionHash: "", // set by TouchProjectChecked after the sweep
		}
		if p.VibeID == "" {
			p.VibeID = vibeByName[strings.ToLower(hp.Name)]
		}
		if a.cfg != nil {
			p.RepoPath = a.cfg.RepoForProject(identifier)
			if r := a.repoGitURL(identifier); r != "" {
				p.GitURL = r
			}
		}
		if err := a.store.UpsertProject(ctx, p); err != nil {
			return nil, asTemporalError(err)
		}
	}

	archived, err := a.store.MarkProjectsMissing(ctx, seen)
	if err != nil {
		return nil, asTemporalError(err)
	}
	for _, id := range archived {
		a.logger.Printf("[Sync] project %s archived after two missed sweeps", id)
	}

	var due []*models.Project
	if in.SkipEmpty {
		expiry := time.Duration(in.CacheExpiryMinutes) * time.Minute
		if expiry <= 0 {
			expiry = 30 * time.Minute
		}
		due, err = a.store.GetProjectsToSync(ctx, expiry, descHashes)
		if err != nil {
			return nil, asTemporalError(err)
		}
	} else {
		all, lerr := a.store.ListProjects(ctx)
		if lerr != nil {
			return nil, asTemporalError(lerr)
		}
		for _, p := range all {
			if p.Status == models.ProjectActive {
				due = append(due, p)
			}
		}
	}

	plans := make([]ProjectPlan, 0, len(due))
	for _, p := range due {
		plans = append(plans, ProjectPlan{
			Identifier:      p.Identifier,
			Cursor:          p.SyncCursor,
			HasRepo:         p.RepoPath != "" || (a.cfg != nil && a.cfg.RepoForProject(p.Identifier) != ""),
			VibeRef:         p.VibeID,
			DescriptionHash: descHashes[p.Identifier],
		})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Identifier < plans[j].Identifier })

	a.logger.Printf("[Sync] discovery: %d huly projects, %d due for sweep", len(hulyProjects), len(plans))
	return &DiscoverProjectsResult{Plans: plans, Archived: archived}, nil
}

// vibeProjectIndex maps lowercased Vibe project identifiers and names to
// Vibe project ids. Vibe being down never fails discovery.
func (a *Activities) vibeProjectIndex(ctx context.Context) map[string]string {
	index := make(map[string]string)
	var vibeProjects []*models.TrackerProject
	err := a.trackerCall(ctx, models.SourceVibe, "list_projects", func() error {
		var e error
		vibeProjects, e = a.vibe.ListProjects(ctx)
		return e
	})
	if err != nil {
		a.logger.Printf("[Sync] vibe project listing failed, bindings unchanged: %v", err)
		return index
	}
	for _, vp := range vibeProjects {
		if vp.Identifier != "" {
			index[strings.ToLower(vp.Identifier)] = vp.ID
		}
		if vp.Name != "" {
			index[strings.ToLower(vp.Name)] = vp.ID
		}
	}
	return index
}

func (a *Activities) repoGitURL(project string) string {
	if a.cfg == nil {
		return ""
	}
	for _, r := range a.cfg.Repos {
		if r.Project == project {
			return r.GitURL
		}
	}
	return ""
}

// GetProjectStateInput names the project a standalone sweep needs a plan for.
type GetProjectStateInput struct {
	Project string
}

// GetProjectStateActivity builds a ProjectPlan from the stored row; sweeps
// started outside the orchestrator use it.
func (a *Activities) GetProjectStateActivity(ctx context.Context, in GetProjectStateInput) (*ProjectPlan, error) {
	plan := &ProjectPlan{Identifier: in.Project}
	p, err := a.store.GetProject(ctx, in.Project)
	if err == nil {
		plan.Cursor = p.SyncCursor
		plan.VibeRef = p.VibeID
		plan.HasRepo = p.RepoPath != ""
		plan.DescriptionHash = p.DescriptionHash
	} else if !syncerr.IsNotFound(err) {
		return nil, asTemporalError(err)
	}
	if !plan.HasRepo && a.cfg != nil && a.cfg.RepoForProject(in.Project) != "" {
		plan.HasRepo = true
	}
	return plan, nil
}

// IssueRef is one issue a sweep phase wants synced.
type IssueRef struct {
	Ref  string
	Kind models.ChangeKind
}

// ListSourceIssuesInput is one listing call: a tracker, a project, and the
// cursor watermark.
type ListSourceIssuesInput struct {
	Source  models.Source
	Project string
	Cursor  string
}

// ListSourceIssuesResult carries refs only; each child sync re-fetches its
// issue so large sweeps do not drag issue bodies through workflow history.
type ListSourceIssuesResult struct {
	Refs       []IssueRef
	NextCursor string
	Total      int
}

// ListSourceIssuesActivity lists issues modified since the cursor and
// computes the next cursor from the newest modification seen.
func (a *Activities) ListSourceIssuesActivity(ctx context.Context, in ListSourceIssuesInput) (*ListSourceIssuesResult, error) {
	t, err := a.trackerFor(in.Source)
	if err != nil {
		return nil, asTemporalError(err)
	}

	ref := in.Project
	if in.Source == models.SourceVibe {
		ref = a.vibeProjectRef(ctx, in.Project)
	}

	opts := trackers.ListOptions{}
	if since := cursorTime(in.Cursor); since != nil {
		opts.Since = since
	}

	var issues []*models.TrackerIssue
	err = a.trackerCall(ctx, in.Source, "list_issues", func() error {
		var e error
		issues, e = t.ListIssues(ctx, ref, opts)
		return e
	})
	if err != nil {
		return nil, asTemporalError(err)
	}

	res := &ListSourceIssuesResult{Total: len(issues)}
	var newest time.Time
	for _, i := range issues {
		r := i.ID
		if in.Source == models.SourceHuly && i.Identifier != "" {
			r = i.Identifier
		}
		kind := models.ChangeUpdate
		if i.Deleted {
			kind = models.ChangeDelete
		}
		res.Refs = append(res.Refs, IssueRef{Ref: r, Kind: kind})
		if i.ModifiedAt.After(newest) {
			newest = i.ModifiedAt
		}
	}
	if !newest.IsZero() {
		res.NextCursor = FormatCursor(newest)
	}
	return res, nil
}

// ClassifyBeadsChangesInput names the repo-backed project to classify.
type ClassifyBeadsChangesInput struct {
	Project string
}

// ClassifyBeadsChangesResult partitions the JSONL content against the
// mapping store.
type ClassifyBeadsChangesResult struct {
	Refs         []IssueRef
	New          int
	Changed      int
	Deleted      int
	SkippedLines int
}

// ClassifyBeadsChangesActivity reads issues.jsonl and reports which Beads
// issues need a sync pass: unmapped ids, ids whose content hash moved, and
// tombstones not yet marked.
func (a *Activities) ClassifyBeadsChangesActivity(ctx context.Context, in ClassifyBeadsChangesInput) (*ClassifyBeadsChangesResult, error) {
	path, err := a.beads.IssuesFile(in.Project)
	if err != nil {
		return nil, asTemporalError(err)
	}
	issues, skipped, err := beads.ReadIssuesFile(path)
	if err != nil {
		return nil, asTemporalError(err)
	}

	res := &ClassifyBeadsChangesResult{SkippedLines: skipped}
	for _, bi := range issues {
		row, rerr := a.store.GetIssueByExternalID(ctx, models.SourceBeads, bi.ID)

		if bi.Deleted {
			if rerr == nil && !row.DeletedFromBeads {
				res.Refs = append(res.Refs, IssueRef{Ref: bi.ID, Kind: models.ChangeDelete})
				res.Deleted++
			}
			continue
		}
		if rerr != nil {
			if syncerr.IsNotFound(rerr) {
				res.Refs = append(res.Refs, IssueRef{Ref: bi.ID, Kind: models.ChangeCreate})
				res.New++
				continue
			}
			return nil, asTemporalError(rerr)
		}
		reported := syncpolicy.HashTrackerIssue(bi)
		if row.BeadsContentHash != reported && row.ContentHash != reported {
			res.Refs = append(res.Refs, IssueRef{Ref: bi.ID, Kind: models.ChangeUpdate})
			res.Changed++
		}
	}

	a.logger.Printf("[Sync] beads classify %s: %d new, %d changed, %d deleted, %d lines skipped",
		in.Project, res.New, res.Changed, res.Deleted, skipped)
	return res, nil
}

// PendingBeadsPushInput names the project whose backlog to compute.
type PendingBeadsPushInput struct {
	Project string
	HasRepo bool
}

// PendingBeadsPushResult lists Huly identifiers whose counterparts lag the
// canonical content.
type PendingBeadsPushResult struct {
	Refs []IssueRef
}

// PendingBeadsPushActivity finds mapped rows whose Huly side is live but
// whose Beads (or Huly) copy has not caught up with the last-synced content,
// so the sweep can push them from the hub.
func (a *Activities) PendingBeadsPushActivity(ctx context.Context, in PendingBeadsPushInput) (*PendingBeadsPushResult, error) {
	rows, err := a.store.ListProjectIssues(ctx, in.Project)
	if err != nil {
		return nil, asTemporalError(err)
	}

	res := &PendingBeadsPushResult{}
	for _, row := range rows {
		if row.HulyID == "" || row.DeletedFromHuly {
			continue
		}
		if strings.Contains(row.Identifier, ":") {
			continue
		}
		hulyStale := row.HulyContentHash != "" && row.HulyContentHash != row.ContentHash
		beadsStale := in.HasRepo && !row.DeletedFromBeads &&
			(row.BeadsID == "" || row.BeadsContentHash != row.ContentHash)
		if hulyStale || beadsStale {
			res.Refs = append(res.Refs, IssueRef{Ref: row.Identifier, Kind: models.ChangeUpdate})
		}
	}
	return res, nil
}

// CompleteProjectSyncInput finalizes one sweep.
type CompleteProjectSyncInput struct {
	Project         string
	Cursor          string
	DescriptionHash string
	AdvanceCursor   bool
	FlushBeads      bool
	DryRun          bool
	Failed          int
	ElapsedSeconds  float64
}

// CompleteProjectSyncActivity advances the cursor (when the sweep fully
// succeeded), stamps lastCheckedAt, refreshes the cached issue count, and
// flushes Beads once for all the writes the sweep made.
func (a *Activities) CompleteProjectSyncActivity(ctx context.Context, in CompleteProjectSyncInput) error {
	if in.AdvanceCursor && in.Cursor != "" && !in.DryRun {
		if err := a.store.AdvanceSyncCursor(ctx, in.Project, in.Cursor); err != nil {
			return asTemporalError(err)
		}
	}
	if err := a.store.TouchProjectChecked(ctx, in.Project, in.DescriptionHash); err != nil {
		return asTemporalError(err)
	}
	if rows, err := a.store.ListProjectIssues(ctx, in.Project); err == nil {
		if err := a.store.UpdateProjectIssueCount(ctx, in.Project, len(rows)); err != nil {
			a.logger.Printf("[Sync] issue count for %s: %v", in.Project, err)
		}
	}
	if in.FlushBeads && !in.DryRun {
		if err := a.beads.Flush(ctx, in.Project); err != nil {
			a.logger.Printf("[Sync] beads flush for %s failed: %v", in.Project, err)
		}
	}
	if a.resolver != nil {
		a.resolver.Invalidate(models.SourceHuly, in.Project)
		a.resolver.Invalidate(models.SourceVibe, a.vibeProjectRef(ctx, in.Project))
		a.resolver.Invalidate(models.SourceBeads, in.Project)
	}
	if a.metrics != nil {
		status := "completed"
		if in.Failed > 0 {
			status = "partial"
		}
		a.metrics.RecordWorkflowEnd("ProjectSyncWorkflow", status, in.ElapsedSeconds)
	}
	telemetry.WorkflowsCompleted.Add(ctx, 1)
	telemetry.SyncLatency.Record(ctx, in.ElapsedSeconds*1000)
	return nil
}

// BreakerCheckInput asks whether a project may be swept.
type BreakerCheckInput struct {
	Project string
}

// BreakerCheckResult reports the gate decision.
type BreakerCheckResult struct {
	Allowed bool
	State   string
}

// BreakerCheckActivity consults the per-project circuit breaker.
func (a *Activities) BreakerCheckActivity(ctx context.Context, in BreakerCheckInput) (*BreakerCheckResult, error) {
	if a.breaker == nil {
		return &BreakerCheckResult{Allowed: true, State: string(ratelimit.BreakerClosed)}, nil
	}
	allowed := a.breaker.Allow(in.Project)
	state := a.breaker.State(in.Project)
	if a.metrics != nil {
		a.metrics.SetBreakerState(in.Project, breakerGauge(state))
	}
	if !allowed {
		a.logger.Printf("[Sync] breaker open for %s, skipping sweep", in.Project)
	}
	return &BreakerCheckResult{Allowed: allowed, State: string(state)}, nil
}

// BreakerRecordInput reports one sweep outcome to the breaker.
type BreakerRecordInput struct {
	Project string
	Success bool
}

// BreakerRecordActivity feeds a sweep result into the circuit breaker.
func (a *Activities) BreakerRecordActivity(ctx context.Context, in BreakerRecordInput) error {
	if a.breaker == nil {
		return nil
	}
	before := a.breaker.State(in.Project)
	if in.Success {
		a.breaker.RecordSuccess(in.Project)
	} else {
		a.breaker.RecordFailure(in.Project)
	}
	after := a.breaker.State(in.Project)
	if a.metrics != nil {
		a.metrics.SetBreakerState(in.Project, breakerGauge(after))
		if before != ratelimit.BreakerOpen && after == ratelimit.BreakerOpen {
			a.metrics.RecordBreakerTrip(in.Project)
		}
	}
	return nil
}

func breakerGauge(s ratelimit.BreakerState) float64 {
	switch s {
	case ratelimit.BreakerOpen:
		return 1
	case ratelimit.BreakerHalfOpen:
		return 2
	}
	return 0
}

// StartSyncRunActivity opens a sync_history row for an orchestration sweep.
func (a *Activities) StartSyncRunActivity(ctx context.Context) (string, error) {
	id, err := a.store.StartSyncRun(ctx)
	if err != nil {
		return "", asTemporalError(err)
	}
	return id, nil
}

// CompleteSyncRunInput closes out a sync_history row.
type CompleteSyncRunInput struct {
	RunID          string
	Stats          models.SyncStats
	ElapsedSeconds float64
}

// CompleteSyncRunActivity records the orchestration outcome.
func (a *Activities) CompleteSyncRunActivity(ctx context.Context, in CompleteSyncRunInput) error {
	if err := a.store.CompleteSyncRun(ctx, in.RunID, in.Stats); err != nil {
		return asTemporalError(err)
	}
	if a.metrics != nil {
		status := "completed"
		if in.Stats.ProjectsFailed > 0 {
			status = "partial"
		}
		a.metrics.RecordWorkflowEnd("FullOrchestrationWorkflow", status, in.ElapsedSeconds)
	}
	telemetry.WorkflowsCompleted.Add(ctx, 1)
	telemetry.SyncLatency.Record(ctx, in.ElapsedSeconds*1000)
	a.logger.Printf("[Sync] run %s: %d projects, %d failed, %d issues synced",
		in.RunID, in.Stats.ProjectsProcessed, in.Stats.ProjectsFailed, in.Stats.IssuesSynced)
	return nil
}

// FormatCursor renders a modification time as the zero-padded epoch-ms
// cursor the store compares lexically.
func FormatCursor(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%013d", t.UnixMilli())
}

// cursorTime parses a cursor back to a watermark; malformed or empty
// cursors mean a full listing.
func cursorTime(cursor string) *time.Time {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return nil
	}
	var ms int64
	if _, err := fmt.Sscanf(cursor, "%d", &ms); err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
