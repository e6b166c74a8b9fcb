package mapping

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/pkg/models"
)

const projectColumns = `identifier, huly_id, vibe_id, repo_path, git_url, issue_count,
	last_checked_at, last_sync_at, sync_cursor, description_hash, status, missed_sweeps`

// UpsertProject inserts or updates a project row. Cross-system ids, paths,
// and cursors only overwrite when the incoming value is non-empty, so a
// sparse update never erases what an earlier sync learned.
func (s *Store) UpsertProject(ctx context.Context, p *models.Project) error {
	if p == nil || p.Identifier == "" {
		return syncerr.New(syncerr.KindValidation, "mapping.UpsertProject", "project identifier required")
	}
	if p.Status == "" {
		p.Status = models.ProjectActive
	}

	now := nowMS()
	query := `
		INSERT INTO projects (identifier, huly_id, vibe_id, repo_path, git_url, issue_count,
			last_checked_at, last_sync_at, sync_cursor, description_hash, status, missed_sweeps,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			huly_id = COALESCE(excluded.huly_id, projects.huly_id),
			vibe_id = COALESCE(excluded.vibe_id, projects.vibe_id),
			repo_path = COALESCE(excluded.repo_path, projects.repo_path),
			git_url = COALESCE(excluded.git_url, projects.git_url),
			issue_count = excluded.issue_count,
			last_checked_at = COALESCE(excluded.last_checked_at, projects.last_checked_at),
			last_sync_at = COALESCE(excluded.last_sync_at, projects.last_sync_at),
			sync_cursor = COALESCE(excluded.sync_cursor, projects.sync_cursor),
			description_hash = COALESCE(excluded.description_hash, projects.description_hash),
			status = excluded.status,
			missed_sweeps = excluded.missed_sweeps,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.Identifier,
		emptyToNil(p.HulyID),
		emptyToNil(p.VibeID),
		emptyToNil(p.RepoPath),
		emptyToNil(p.GitURL),
		p.IssueCount,
		timeToMS(p.LastCheckedAt),
		timeToMS(p.LastSyncAt),
		emptyToNil(p.SyncCursor),
		emptyToNil(p.DescriptionHash),
		string(p.Status),
		p.MissedSweeps,
		now,
		now,
	)
	return syncerr.FromDB("mapping.UpsertProject", err)
}

// GetProject fetches a project by identifier.
func (s *Store) GetProject(ctx context.Context, identifier string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE identifier = ?`, identifier)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.KindNotFound, "mapping.GetProject", "project %s not mapped", identifier)
	}
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetProject", err)
	}
	return p, nil
}

// ListProjects returns all project rows, active first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY status ASC, identifier ASC`)
	if err != nil {
		return nil, syncerr.FromDB("mapping.ListProjects", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.ListProjects", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ResolveProjectIdentifier resolves a name, repo path, or folder name to a
// project identifier. Matching is case-insensitive against the identifier,
// the stored repo path, and the last path segment of the repo path.
func (s *Store) ResolveProjectIdentifier(ctx context.Context, nameOrFolder string) (string, error) {
	needle := strings.TrimSpace(nameOrFolder)
	if needle == "" {
		return "", syncerr.New(syncerr.KindValidation, "mapping.ResolveProjectIdentifier", "empty name")
	}

	var identifier string
	query := `
		SELECT identifier FROM projects
		WHERE identifier = ? COLLATE NOCASE
		   OR repo_path = ?
		   OR LOWER(repo_path) LIKE '%/' || LOWER(?)
		LIMIT 1
	`
	err := s.db.QueryRowContext(ctx, query, needle, needle, filepath.Base(needle)).Scan(&identifier)
	if err == sql.ErrNoRows {
		return "", syncerr.New(syncerr.KindNotFound, "mapping.ResolveProjectIdentifier", "no project matches %q", nameOrFolder)
	}
	if err != nil {
		return "", syncerr.FromDB("mapping.ResolveProjectIdentifier", err)
	}
	return identifier, nil
}

// GetProjectsToSync returns the active projects worth sweeping: those with
// issues, those whose Huly description hash is new or changed, and those not
// checked within cacheExpiry. descHashes carries the hashes computed from
// the current Huly project list, keyed by identifier.
func (s *Store) GetProjectsToSync(ctx context.Context, cacheExpiry time.Duration, descHashes map[string]string) ([]*models.Project, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-cacheExpiry)
	var out []*models.Project
	for _, p := range projects {
		if p.Status != models.ProjectActive {
			continue
		}
		if p.IssueCount > 0 {
			out = append(out, p)
			continue
		}
		if hash, ok := descHashes[p.Identifier]; ok {
			if p.DescriptionHash == "" || p.DescriptionHash != hash {
				out = append(out, p)
				continue
			}
		}
		if p.LastCheckedAt == nil || p.LastCheckedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// TouchProjectChecked stamps lastCheckedAt and the description hash after a
// sweep looked at the project, whether or not anything synced.
func (s *Store) TouchProjectChecked(ctx context.Context, identifier, descriptionHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET last_checked_at = ?,
		    description_hash = COALESCE(NULLIF(?, ''), description_hash),
		    missed_sweeps = 0,
		    updated_at = ?
		WHERE identifier = ?
	`, nowMS(), descriptionHash, nowMS(), identifier)
	return syncerr.FromDB("mapping.TouchProjectChecked", err)
}

// AdvanceSyncCursor atomically advances the cursor and lastSyncAt after a
// successful project sweep. Cursors only move forward; an older cursor is a
// replayed workflow and is ignored.
func (s *Store) AdvanceSyncCursor(ctx context.Context, identifier, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET sync_cursor = CASE
			WHEN sync_cursor IS NULL OR sync_cursor < ? THEN ?
			ELSE sync_cursor
		END,
		last_sync_at = ?,
		updated_at = ?
		WHERE identifier = ?
	`, cursor, cursor, nowMS(), nowMS(), identifier)
	return syncerr.FromDB("mapping.AdvanceSyncCursor", err)
}

// MarkProjectsMissing increments missed_sweeps for active projects absent
// from the given sighting set and archives any that have now been missing
// for two consecutive sweeps. Returns the archived identifiers.
func (s *Store) MarkProjectsMissing(ctx context.Context, seen map[string]bool) ([]string, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	var archived []string
	for _, p := range projects {
		if p.Status != models.ProjectActive || seen[p.Identifier] {
			continue
		}
		missed := p.MissedSweeps + 1
		status := models.ProjectActive
		if missed >= 2 {
			status = models.ProjectArchived
			archived = append(archived, p.Identifier)
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE projects SET missed_sweeps = ?, status = ?, updated_at = ? WHERE identifier = ?`,
			missed, string(status), nowMS(), p.Identifier)
		if err != nil {
			return archived, syncerr.FromDB("mapping.MarkProjectsMissing", err)
		}
	}
	return archived, nil
}

// UpdateProjectIssueCount refreshes the cached issue count.
func (s *Store) UpdateProjectIssueCount(ctx context.Context, identifier string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET issue_count = ?, updated_at = ? WHERE identifier = ?`,
		count, nowMS(), identifier)
	return syncerr.FromDB("mapping.UpdateProjectIssueCount", err)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scannable) (*models.Project, error) {
	p := &models.Project{}
	var (
		hulyID, vibeID, repoPath, gitURL sql.NullString
		cursor, descHash                 sql.NullString
		lastChecked, lastSync            sql.NullInt64
		status                           string
	)
	err := row.Scan(
		&p.Identifier, &hulyID, &vibeID, &repoPath, &gitURL, &p.IssueCount,
		&lastChecked, &lastSync, &cursor, &descHash, &status, &p.MissedSweeps,
	)
	if err != nil {
		return nil, err
	}
	p.HulyID = hulyID.String
	p.VibeID = vibeID.String
	p.RepoPath = repoPath.String
	p.GitURL = gitURL.String
	p.SyncCursor = cursor.String
	p.DescriptionHash = descHash.String
	p.LastCheckedAt = msToTime(lastChecked)
	p.LastSyncAt = msToTime(lastSync)
	p.Status = models.ProjectStatus(status)
	return p, nil
}
