package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/pkg/models"
)

// StartSyncRun opens a history row and returns its id.
func (s *Store) StartSyncRun(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (id, started_at) VALUES (?, ?)`,
		id, nowMS())
	if err != nil {
		return "", syncerr.FromDB("mapping.StartSyncRun", err)
	}
	return id, nil
}

// CompleteSyncRun stamps completion and the final counters onto a run.
func (s *Store) CompleteSyncRun(ctx context.Context, id string, stats models.SyncStats) error {
	var errorsJSON interface{}
	if len(stats.Errors) > 0 {
		b, err := json.Marshal(stats.Errors)
		if err != nil {
			return syncerr.Wrap(syncerr.KindValidation, "mapping.CompleteSyncRun", err)
		}
		errorsJSON = string(b)
	}
	now := nowMS()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_history
		SET completed_at = ?,
		    duration_ms = ? - started_at,
		    projects_processed = ?,
		    projects_failed = ?,
		    issues_synced = ?,
		    errors_json = ?
		WHERE id = ?
	`, now, now, stats.ProjectsProcessed, stats.ProjectsFailed, stats.IssuesSynced, errorsJSON, id)
	if err != nil {
		return syncerr.FromDB("mapping.CompleteSyncRun", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.KindNotFound, "mapping.CompleteSyncRun", "run %s not found", id)
	}
	return nil
}

// GetSyncRun fetches one run by id.
func (s *Store) GetSyncRun(ctx context.Context, id string) (*models.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, projects_processed, projects_failed, issues_synced, errors_json
		FROM sync_history WHERE id = ?
	`, id)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.KindNotFound, "mapping.GetSyncRun", "run %s not found", id)
	}
	if err != nil {
		return nil, syncerr.FromDB("mapping.GetSyncRun", err)
	}
	return r, nil
}

// ListRecentRuns returns the newest runs first.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, projects_processed, projects_failed, issues_synced, errors_json
		FROM sync_history ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, syncerr.FromDB("mapping.ListRecentRuns", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, syncerr.FromDB("mapping.ListRecentRuns", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PruneSyncHistory drops completed runs older than the cutoff and returns
// how many rows went away.
func (s *Store) PruneSyncHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_history WHERE completed_at IS NOT NULL AND started_at < ?`, cutoff)
	if err != nil {
		return 0, syncerr.FromDB("mapping.PruneSyncHistory", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSyncRun(row scannable) (*models.SyncRun, error) {
	r := &models.SyncRun{}
	var (
		started   int64
		completed sql.NullInt64
		errsJSON  sql.NullString
	)
	err := row.Scan(&r.ID, &started, &completed, &r.ProjectsProcessed, &r.ProjectsFailed, &r.IssuesSynced, &errsJSON)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		r.CompletedAt = &t
		r.DurationMs = completed.Int64 - started
	}
	if errsJSON.Valid && errsJSON.String != "" {
		if err := json.Unmarshal([]byte(errsJSON.String), &r.Errors); err != nil {
			r.Errors = []string{errsJSON.String}
		}
	}
	return r, nil
}
