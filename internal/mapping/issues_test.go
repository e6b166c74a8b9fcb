package mapping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/pkg/models"
)

func seedIssue(t *testing.T, s *Store, i *models.Issue) {
	t.Helper()
	if i.ProjectIdentifier == "" {
		i.ProjectIdentifier = "PROJ"
	}
	require.NoError(t, s.UpsertIssue(context.Background(), i))
}

func TestUpsertIssueCopyOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hulyMod := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	seedIssue(t, s, &models.Issue{
		Identifier:     "PROJ-1",
		HulyID:         "huly-1",
		Title:          "Fix login",
		Status:         "Backlog",
		Priority:       "Medium",
		ContentHash:    "hash-v1",
		HulyModifiedAt: &hulyMod,
	})

	// The Beads sweep sees the same issue: it contributes the Beads id and
	// timestamp, rewrites content, and knows nothing about Huly.
	beadsMod := time.Date(2026, 1, 11, 9, 0, 0, 0, time.UTC)
	seedIssue(t, s, &models.Issue{
		Identifier:      "PROJ-1",
		BeadsID:         "proj-1",
		Title:           "Fix login flow",
		Status:          "In Progress",
		Priority:        "High",
		ContentHash:     "hash-v2",
		BeadsModifiedAt: &beadsMod,
	})

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, "huly-1", got.HulyID)
	assert.Equal(t, "proj-1", got.BeadsID)
	assert.Equal(t, "Fix login flow", got.Title)
	assert.Equal(t, "In Progress", got.Status)
	assert.Equal(t, "High", got.Priority)
	assert.Equal(t, "hash-v2", got.ContentHash)
	require.NotNil(t, got.HulyModifiedAt)
	assert.Equal(t, hulyMod.UnixMilli(), got.HulyModifiedAt.UnixMilli())
	require.NotNil(t, got.BeadsModifiedAt)
	assert.Equal(t, beadsMod.UnixMilli(), got.BeadsModifiedAt.UnixMilli())
	assert.Nil(t, got.VibeModifiedAt)
}

func TestUpsertIssueRequiresIdentifiers(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertIssue(context.Background(), &models.Issue{Identifier: "PROJ-1"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestDeletedFlagsAreMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-2", Title: "t"})
	require.NoError(t, s.MarkDeletedFromHuly(ctx, "PROJ", "PROJ-2"))

	// A sweep that never looked at Huly upserts with the flag unset; the
	// stored flag must survive.
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-2", Title: "t2"})

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-2")
	require.NoError(t, err)
	assert.True(t, got.DeletedFromHuly)
	assert.False(t, got.DeletedFromBeads)

	// A live Huly fetch is the only path back.
	require.NoError(t, s.ClearDeletedFromHuly(ctx, "PROJ", "PROJ-2"))
	got, err = s.GetIssue(ctx, "PROJ", "PROJ-2")
	require.NoError(t, err)
	assert.False(t, got.DeletedFromHuly)
}

func TestGetIssueByExternalID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{
		Identifier: "PROJ-3",
		HulyID:     "huly-3",
		VibeID:     "vibe-3",
		BeadsID:    "proj-3",
		Title:      "searchable",
	})

	for _, src := range []models.Source{models.SourceHuly, models.SourceVibe, models.SourceBeads} {
		id := map[models.Source]string{
			models.SourceHuly:  "huly-3",
			models.SourceVibe:  "vibe-3",
			models.SourceBeads: "proj-3",
		}[src]
		got, err := s.GetIssueByExternalID(ctx, src, id)
		require.NoError(t, err, "source %s", src)
		assert.Equal(t, "PROJ-3", got.Identifier)
	}

	_, err := s.GetIssueByExternalID(ctx, models.SourceHuly, "missing")
	assert.True(t, syncerr.IsNotFound(err))

	_, err = s.GetIssueByExternalID(ctx, models.SourceScheduled, "x")
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestFindIssueByTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-4", Title: "  Implement SSO  "})

	got, err := s.FindIssueByTitle(ctx, "PROJ", "implement sso")
	require.NoError(t, err)
	assert.Equal(t, "PROJ-4", got.Identifier)

	_, err = s.FindIssueByTitle(ctx, "PROJ", "no such thing")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestHasIssueChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reported := &models.TrackerIssue{
		Title:       "Tune cache",
		Description: "expire entries",
		Status:      "Backlog",
		Priority:    "Medium",
	}

	changed, err := s.HasIssueChanged(ctx, "PROJ", "PROJ-5", reported)
	require.NoError(t, err)
	assert.True(t, changed, "unknown issues always count as changed")

	seedIssue(t, s, &models.Issue{
		Identifier:  "PROJ-5",
		Title:       reported.Title,
		Description: reported.Description,
		Status:      reported.Status,
		Priority:    reported.Priority,
		ContentHash: syncpolicy.HashTrackerIssue(reported),
	})

	changed, err = s.HasIssueChanged(ctx, "PROJ", "PROJ-5", reported)
	require.NoError(t, err)
	assert.False(t, changed)

	reported.Status = "Done"
	changed, err = s.HasIssueChanged(ctx, "PROJ", "PROJ-5", reported)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestGetIssuesWithContentMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-6", Title: "a", ContentHash: "h1", HulyContentHash: "h1"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-7", Title: "b", ContentHash: "h2", HulyContentHash: "old"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-8", Title: "c", ContentHash: "h3"})

	got, err := s.GetIssuesWithContentMismatch(ctx, "PROJ")
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, i := range got {
		ids = append(ids, i.Identifier)
	}
	assert.ElementsMatch(t, []string{"PROJ-7", "PROJ-8"}, ids)
}

func TestParentChildLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-10", Title: "epic"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-11", Title: "child one"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-12", Title: "child two"})

	require.NoError(t, s.UpdateParentChild(ctx, "PROJ", "PROJ-11", "PROJ-10", "proj-10"))
	require.NoError(t, s.UpdateParentChild(ctx, "PROJ", "PROJ-12", "PROJ-10", ""))
	require.NoError(t, s.UpdateSubIssueCount(ctx, "PROJ", "PROJ-10"))

	parent, err := s.GetIssue(ctx, "PROJ", "PROJ-10")
	require.NoError(t, err)
	assert.Equal(t, 2, parent.SubIssueCount)

	children, err := s.GetChildIssuesByHulyParent(ctx, "PROJ", "PROJ-10")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "PROJ-10", children[0].ParentIdentifier)
	assert.Equal(t, "proj-10", children[0].ParentBeadsID)

	parents, err := s.GetParentIssues(ctx, "PROJ")
	require.NoError(t, err)
	require.Len(t, parents, 1)
	assert.Equal(t, "PROJ-10", parents[0].Identifier)
}

func TestUpdateParentChildRejectsCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-20", Title: "a"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-21", Title: "b"})
	seedIssue(t, s, &models.Issue{Identifier: "PROJ-22", Title: "c"})

	err := s.UpdateParentChild(ctx, "PROJ", "PROJ-20", "PROJ-20", "")
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))

	require.NoError(t, s.UpdateParentChild(ctx, "PROJ", "PROJ-21", "PROJ-20", ""))
	require.NoError(t, s.UpdateParentChild(ctx, "PROJ", "PROJ-22", "PROJ-21", ""))

	// 20 <- 21 <- 22; making 22 the parent of 20 closes the loop.
	err = s.UpdateParentChild(ctx, "PROJ", "PROJ-20", "PROJ-22", "")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestRebindIssueIdentifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "beads-proj-9", BeadsID: "proj-9", Title: "from beads"})

	require.NoError(t, s.RebindIssueIdentifier(ctx, "PROJ", "beads-proj-9", "PROJ-9"))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-9")
	require.NoError(t, err)
	assert.Equal(t, "proj-9", got.BeadsID)

	_, err = s.GetIssue(ctx, "PROJ", "beads-proj-9")
	assert.True(t, syncerr.IsNotFound(err))

	err = s.RebindIssueIdentifier(ctx, "PROJ", "never-existed", "PROJ-99")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestDeleteIssueMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedIssue(t, s, &models.Issue{Identifier: "PROJ-30", Title: "doomed"})
	require.NoError(t, s.DeleteIssueMapping(ctx, "PROJ", "PROJ-30"))

	_, err := s.GetIssue(ctx, "PROJ", "PROJ-30")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestSyncRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSyncRun(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := s.GetSyncRun(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, run.CompletedAt)

	stats := models.SyncStats{
		ProjectsProcessed: 7,
		ProjectsFailed:    1,
		IssuesSynced:      42,
		Errors:            []string{"PROJ: huly fetch: 502"},
	}
	require.NoError(t, s.CompleteSyncRun(ctx, id, stats))

	run, err = s.GetSyncRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, 7, run.ProjectsProcessed)
	assert.Equal(t, 1, run.ProjectsFailed)
	assert.Equal(t, 42, run.IssuesSynced)
	assert.Equal(t, []string{"PROJ: huly fetch: 502"}, run.Errors)
	assert.GreaterOrEqual(t, run.DurationMs, int64(0))

	err = s.CompleteSyncRun(ctx, "not-a-run", models.SyncStats{})
	assert.True(t, syncerr.IsNotFound(err))
}

func TestListRecentRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.StartSyncRun(ctx)
	require.NoError(t, err)
	// Force distinct start stamps.
	_, err = s.DB().Exec(`UPDATE sync_history SET started_at = started_at - 1000 WHERE id = ?`, first)
	require.NoError(t, err)

	second, err := s.StartSyncRun(ctx)
	require.NoError(t, err)

	runs, err := s.ListRecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)
}

func TestPruneSyncHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldDone, err := s.StartSyncRun(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CompleteSyncRun(ctx, oldDone, models.SyncStats{}))

	oldOpen, err := s.StartSyncRun(ctx)
	require.NoError(t, err)

	recent, err := s.StartSyncRun(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CompleteSyncRun(ctx, recent, models.SyncStats{}))

	// Age the first two runs well past any cutoff.
	aged := time.Now().Add(-48 * time.Hour).UnixMilli()
	for _, id := range []string{oldDone, oldOpen} {
		_, err = s.DB().Exec(`UPDATE sync_history SET started_at = ? WHERE id = ?`, aged, id)
		require.NoError(t, err)
	}

	n, err := s.PruneSyncHistory(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only completed old runs are pruned")

	_, err = s.GetSyncRun(ctx, oldDone)
	assert.True(t, syncerr.IsNotFound(err))

	// The unfinished old run and the recent run survive.
	_, err = s.GetSyncRun(ctx, oldOpen)
	assert.NoError(t, err)
	_, err = s.GetSyncRun(ctx, recent)
	assert.NoError(t, err)
}
