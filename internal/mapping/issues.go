package mapping

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/pkg/models"
)

const issueColumns = `identifier, project_identifier, huly_id, vibe_id, beads_id,
	title, description, status, priority,
	parent_identifier, parent_beads_id, sub_issue_count,
	huly_modified_at, vibe_modified_at, beads_modified_at, last_sync_at,
	content_hash, huly_content_hash, beads_content_hash,
	deleted_from_huly, deleted_from_beads`

// UpsertIssue inserts or updates an issue row. Cross-system ids, parent
// links, per-source timestamps, and hashes only overwrite when the incoming
// value is known; the deletion flags are monotone and only the explicit
// Clear operations reset them.
func (s *Store) UpsertIssue(ctx context.Context, i *models.Issue) error {
	if i == nil || i.Identifier == "" || i.ProjectIdentifier == "" {
		return syncerr.New(syncerr.KindValidation, "mapping.UpsertIssue", "issue and project identifiers required")
	}

	now := nowMS()
	query := `
		INSERT INTO issues (identifier, project_identifier, huly_id, vibe_id, beads_id,
			title, description, status, priority,
			parent_identifier, parent_beads_id, sub_issue_count,
			huly_modified_at, vibe_modified_at, beads_modified_at, last_sync_at,
			content_hash, huly_content_hash, beads_content_hash,
			deleted_from_huly, deleted_from_beads, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_identifier, identifier) DO UPDATE SET
			huly_id = COALESCE(excluded.huly_id, issues.huly_id),
			vibe_id = COALESCE(excluded.vibe_id, issues.vibe_id),
			beads_id = COALESCE(excluded.beads_id, issues.beads_id),
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			parent_identifier = COALESCE(excluded.parent_identifier, issues.parent_identifier),
			parent_beads_id = COALESCE(excluded.parent_beads_id, issues.parent_beads_id),
			sub_issue_count = excluded.sub_issue_count,
			huly_modified_at = COALESCE(excluded.huly_modified_at, issues.huly_modified_at),
			vibe_modified_at = COALESCE(excluded.vibe_modified_at, issues.vibe_modified_at),
			beads_modified_at = COALESCE(excluded.beads_modified_at, issues.beads_modified_at),
			last_sync_at = COALESCE(excluded.last_sync_at, issues.last_sync_at),
			content_hash = excluded.content_hash,
			huly_content_hash = COALESCE(excluded.huly_content_hash, issues.huly_content_hash),
			beads_content_hash = COALESCE(excluded.beads_content_hash, issues.beads_content_hash),
			deleted_from_huly = MAX(issues.deleted_from_huly, excluded.deleted_from_huly),
			deleted_from_beads = MAX(issues.deleted_from_beads, excluded.deleted_from_beads),
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		i.Identifier,
		i.ProjectIdentifier,
		emptyToNil(i.HulyID),
		emptyToNil(i.VibeID),
		emptyToNil(i.BeadsID),
		i.Title,
		i.Description,
		i.Status,
		i.Priority,
		emptyToNil(i.ParentIdentifier),
		emptyToNil(i.ParentBeadsID),
		i.SubIssueCount,
		timeToMS(i.HulyModifiedAt),
		timeToMS(i.VibeModifiedAt),
		timeToMS(i.BeadsModifiedAt),
		timeToMS(i.LastSyncAt),
		i.ContentHash,
		emptyToNil(i.HulyContentHash),
		emptyToNil(i.BeadsContentHash),
		boolToInt(i.DeletedFromHuly),
		boolToInt(i.DeletedFromBeads),
		now,
		now,
	)
	return syncerr.FromDB("mapping.UpsertIssue", err)
}

// GetIssue fetches one issue row by project and identifier.
func (s *Store) GetIssue(ctx context.Context, project, identifier string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.KindNotFound, "mapping.GetIssue", "%s/%s not mapped", project, identifier)
	}
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetIssue", err)
	}
	return i, nil
}

// GetIssueByExternalID locates the mapping row that carries the given
// tracker-native id.
func (s *Store) GetIssueByExternalID(ctx context.Context, src models.Source, externalID string) (*models.Issue, error) {
	col, ok := sourceIDColumn(src)
	if !ok {
		return nil, syncerr.New(syncerr.KindValidation, "mapping.GetIssueByExternalID", "source %s has no id column", src)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE `+col+` = ? LIMIT 1`, externalID)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.KindNotFound, "mapping.GetIssueByExternalID", "no mapping for %s id %s", src, externalID)
	}
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetIssueByExternalID", err)
	}
	return i, nil
}

// FindIssueByTitle matches a normalized title inside one project; the
// resolver's last-resort lookup.
func (s *Store) FindIssueByTitle(ctx context.Context, project, title string) (*models.Issue, error) {
	needle := strings.ToLower(strings.TrimSpace(title))
	if needle == "" {
		return nil, syncerr.New(syncerr.KindValidation, "mapping.FindIssueByTitle", "empty title")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND LOWER(TRIM(title)) = ? LIMIT 1`,
		project, needle)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.KindNotFound, "mapping.FindIssueByTitle", "no issue titled %q in %s", title, project)
	}
	if err != nil {
		return nil, syncerr.FromDB("mapping.FindIssueByTitle", err)
	}
	return i, nil
}

// ListProjectIssues returns all mapped issues for a project.
func (s *Store) ListProjectIssues(ctx context.Context, project string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? ORDER BY identifier`,
		project)
	if err != nil {
		return nil, syncerr.FromDB("mapping.ListProjectIssues", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.ListProjectIssues", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// HasIssueChanged compares a tracker-reported issue against the stored
// content hash. True means a sync has work to do; unknown issues always
// count as changed.
func (s *Store) HasIssueChanged(ctx context.Context, project, identifier string, reported *models.TrackerIssue) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier).Scan(&stored)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, syncerr.FromDB("mapping.HasIssueChanged", err)
	}
	return stored != syncpolicy.HashTrackerIssue(reported), nil
}

// GetIssuesWithContentMismatch returns rows whose Huly side is not known to
// match the last-synced content (contentHash != hulyContentHash).
func (s *Store) GetIssuesWithContentMismatch(ctx context.Context, project string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ?
		   AND (huly_content_hash IS NULL OR content_hash != huly_content_hash)
		 ORDER BY identifier`,
		project)
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetIssuesWithContentMismatch", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.GetIssuesWithContentMismatch", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// UpdateParentChild records a child's parent linkage.
func (s *Store) UpdateParentChild(ctx context.Context, project, child, parentIdentifier, parentBeadsID string) error {
	if child == parentIdentifier {
		return syncerr.New(syncerr.KindValidation, "mapping.UpdateParentChild", "%s cannot parent itself", child)
	}
	// Walk up from the prospective parent; hitting the child means a cycle.
	cur := parentIdentifier
	for depth := 0; cur != "" && depth < 64; depth++ {
		if cur == child {
			return syncerr.New(syncerr.KindValidation, "mapping.UpdateParentChild",
				"%s -> %s would create a parent cycle", child, parentIdentifier)
		}
		var next sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT parent_identifier FROM issues WHERE project_identifier = ? AND identifier = ?`,
			project, cur).Scan(&next)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return syncerr.FromDB("mapping.UpdateParentChild", err)
		}
		cur = next.String
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET parent_identifier = ?,
		    parent_beads_id = COALESCE(NULLIF(?, ''), parent_beads_id),
		    updated_at = ?
		WHERE project_identifier = ? AND identifier = ?
	`, emptyToNil(parentIdentifier), parentBeadsID, nowMS(), project, child)
	return syncerr.FromDB("mapping.UpdateParentChild", err)
}

// UpdateSubIssueCount refreshes the cached child count of a parent.
func (s *Store) UpdateSubIssueCount(ctx context.Context, project, identifier string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET sub_issue_count = (
			SELECT COUNT(*) FROM issues c
			WHERE c.project_identifier = ? AND c.parent_identifier = ?
		),
		updated_at = ?
		WHERE project_identifier = ? AND identifier = ?
	`, project, identifier, nowMS(), project, identifier)
	return syncerr.FromDB("mapping.UpdateSubIssueCount", err)
}

// GetChildIssuesByHulyParent returns the children of a parent identifier.
func (s *Store) GetChildIssuesByHulyParent(ctx context.Context, project, parentIdentifier string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND parent_identifier = ? ORDER BY identifier`,
		project, parentIdentifier)
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetChildIssuesByHulyParent", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.GetChildIssuesByHulyParent", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// GetParentIssues returns the issues that have at least one child.
func (s *Store) GetParentIssues(ctx context.Context, project string) ([]*models.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues p
		 WHERE p.project_identifier = ?
		   AND EXISTS (
			SELECT 1 FROM issues c
			WHERE c.project_identifier = p.project_identifier
			  AND c.parent_identifier = p.identifier
		   )
		 ORDER BY p.identifier`,
		project)
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetParentIssues", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.GetParentIssues", err)
		}
		issues = append(issues, i)
	}
	return issues, rows.Err()
}

// MarkDeletedFromHuly flags the Huly side gone; the row and its Vibe/Beads
// links survive.
func (s *Store) MarkDeletedFromHuly(ctx context.Context, project, identifier string) error {
	return s.setDeleted(ctx, project, identifier, "deleted_from_huly", 1)
}

// MarkDeletedFromBeads flags the Beads side gone (tombstone observed).
func (s *Store) MarkDeletedFromBeads(ctx context.Context, project, identifier string) error {
	return s.setDeleted(ctx, project, identifier, "deleted_from_beads", 1)
}

// ClearDeletedFromHuly resets the flag after a Huly fetch returned a live
// issue with the same id; the only sanctioned way back from soft-deleted.
func (s *Store) ClearDeletedFromHuly(ctx context.Context, project, identifier string) error {
	return s.setDeleted(ctx, project, identifier, "deleted_from_huly", 0)
}

// ClearDeletedFromBeads resets the Beads deletion flag.
func (s *Store) ClearDeletedFromBeads(ctx context.Context, project, identifier string) error {
	return s.setDeleted(ctx, project, identifier, "deleted_from_beads", 0)
}

// ClearVibeBinding forgets a vanished Vibe counterpart. There is no
// deleted-from-vibe flag; dropping the id lets the next sweep rebind or
// recreate the task.
func (s *Store) ClearVibeBinding(ctx context.Context, project, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET vibe_id = NULL, vibe_modified_at = NULL, updated_at = ? WHERE project_identifier = ? AND identifier = ?`,
		nowMS(), project, identifier)
	return syncerr.FromDB("mapping.ClearVibeBinding", err)
}

func (s *Store) setDeleted(ctx context.Context, project, identifier, column string, v int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET `+column+` = ?, updated_at = ? WHERE project_identifier = ? AND identifier = ?`,
		v, nowMS(), project, identifier)
	return syncerr.FromDB("mapping.setDeleted", err)
}

// DeleteIssueMapping removes a row entirely. Reconciliation's hard_delete
// action is the only caller.
func (s *Store) DeleteIssueMapping(ctx context.Context, project, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	return syncerr.FromDB("mapping.DeleteIssueMapping", err)
}

// RebindIssueIdentifier renames a synthetic identifier to the real Huly one
// once the Huly counterpart exists.
func (s *Store) RebindIssueIdentifier(ctx context.Context, project, oldIdentifier, newIdentifier string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET identifier = ?, updated_at = ? WHERE project_identifier = ? AND identifier = ?`,
		newIdentifier, nowMS(), project, oldIdentifier)
	if err != nil {
		return syncerr.FromDB("mapping.RebindIssueIdentifier", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.KindNotFound, "mapping.RebindIssueIdentifier", "%s/%s not mapped", project, oldIdentifier)
	}
	return nil
}

func sourceIDColumn(src models.Source) (string, bool) {
	switch src {
	case models.SourceHuly:
		return "huly_id", true
	case models.SourceVibe:
		return "vibe_id", true
	case models.SourceBeads:
		return "beads_id", true
	}
	return "", false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanIssue(row scannable) (*models.Issue, error) {
	i := &models.Issue{}
	var (
		hulyID, vibeID, beadsID          sql.NullString
		parentID, parentBeadsID          sql.NullString
		hulyMod, vibeMod, beadsMod, sync sql.NullInt64
		hulyHash, beadsHash              sql.NullString
		delHuly, delBeads                int
	)
	err := row.Scan(
		&i.Identifier, &i.ProjectIdentifier, &hulyID, &vibeID, &beadsID,
		&i.Title, &i.Description, &i.Status, &i.Priority,
		&parentID, &parentBeadsID, &i.SubIssueCount,
		&hulyMod, &vibeMod, &beadsMod, &sync,
		&i.ContentHash, &hulyHash, &beadsHash,
		&delHuly, &delBeads,
	)
	if err != nil {
		return nil, err
	}
	i.HulyID = hulyID.String
	i.VibeID = vibeID.String
	i.BeadsID = beadsID.String
	i.ParentIdentifier = parentID.String
	i.ParentBeadsID = parentBeadsID.String
	i.HulyModifiedAt = msToTime(hulyMod)
	i.VibeModifiedAt = msToTime(vibeMod)
	i.BeadsModifiedAt = msToTime(beadsMod)
	i.LastSyncAt = msToTime(sync)
	i.HulyContentHash = hulyHash.String
	i.BeadsContentHash = beadsHash.String
	i.DeletedFromHuly = delHuly != 0
	i.DeletedFromBeads = delBeads != 0
	return i, nil
}
