// Package mapping is the single local store for cross-system identity and
// sync metadata. Every persisted mutation in the engine goes through it; the
// trackers own their issue state, this store owns what we know about the
// links between them.
package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jordanhubbard/weave/internal/syncerr"
)

// Store wraps the SQLite mapping database. The sync process is the single
// writer; external tooling may read the file but never writes it.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the mapping database and initializes the schema.
func Open(dbPath string) (*Store, error) {
	// Single writer plus snapshot readers wants WAL; busy_timeout covers the
	// brief write overlap between activities on different worker threads.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read-only callers (stats, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		identifier TEXT PRIMARY KEY,
		huly_id TEXT,
		vibe_id TEXT,
		repo_path TEXT,
		git_url TEXT,
		issue_count INTEGER NOT NULL DEFAULT 0,
		last_checked_at INTEGER,
		last_sync_at INTEGER,
		sync_cursor TEXT,
		description_hash TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		missed_sweeps INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS issues (
		identifier TEXT NOT NULL,
		project_identifier TEXT NOT NULL,
		huly_id TEXT,
		vibe_id TEXT,
		beads_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'Backlog',
		priority TEXT NOT NULL DEFAULT 'Medium',
		parent_identifier TEXT,
		parent_beads_id TEXT,
		sub_issue_count INTEGER NOT NULL DEFAULT 0,
		huly_modified_at INTEGER,
		vibe_modified_at INTEGER,
		beads_modified_at INTEGER,
		last_sync_at INTEGER,
		content_hash TEXT NOT NULL DEFAULT '',
		huly_content_hash TEXT,
		beads_content_hash TEXT,
		deleted_from_huly INTEGER NOT NULL DEFAULT 0,
		deleted_from_beads INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (project_identifier, identifier)
	);

	CREATE INDEX IF NOT EXISTS idx_issues_huly_id ON issues(huly_id);
	CREATE INDEX IF NOT EXISTS idx_issues_vibe_id ON issues(vibe_id);
	CREATE INDEX IF NOT EXISTS idx_issues_beads_id ON issues(beads_id);
	CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(project_identifier, parent_identifier);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_history (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		projects_processed INTEGER NOT NULL DEFAULT 0,
		projects_failed INTEGER NOT NULL DEFAULT 0,
		issues_synced INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sync_history_started ON sync_history(started_at);

	CREATE TABLE IF NOT EXISTS project_files (
		project_identifier TEXT NOT NULL,
		path TEXT NOT NULL,
		content_hash TEXT,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (project_identifier, path)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Best-effort migrations for existing databases.
	// SQLite doesn't support IF NOT EXISTS on ADD COLUMN.
	_, _ = s.db.Exec("ALTER TABLE projects ADD COLUMN missed_sweeps INTEGER NOT NULL DEFAULT 0")
	_, _ = s.db.Exec("ALTER TABLE issues ADD COLUMN beads_content_hash TEXT")
	_, _ = s.db.Exec("ALTER TABLE issues ADD COLUMN parent_beads_id TEXT")
	_, _ = s.db.Exec("ALTER TABLE project_files ADD COLUMN size_bytes INTEGER NOT NULL DEFAULT 0")

	return nil
}

// Sync metadata KV

// SetConfigValue stores a key/value pair in sync_metadata.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, key, value, nowMS())
	return syncerr.FromDB("mapping.SetConfigValue", err)
}

// GetConfigValue reads a key from sync_metadata; the bool reports presence.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.FromDB("mapping.GetConfigValue", err)
	}
	return value, true, nil
}

// Project files (auxiliary): last-seen state of each watched issues.jsonl so
// a restart can tell whether the file changed while the process was down.

// UpsertProjectFile records the observed state of a repo file.
func (s *Store) UpsertProjectFile(ctx context.Context, project, path, contentHash string, sizeBytes int64) error {
	query := `
		INSERT INTO project_files (project_identifier, path, content_hash, size_bytes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_identifier, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, project, path, contentHash, sizeBytes, nowMS())
	return syncerr.FromDB("mapping.UpsertProjectFile", err)
}

// GetProjectFileHash returns the last recorded hash for a repo file.
func (s *Store) GetProjectFileHash(ctx context.Context, project, path string) (string, bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM project_files WHERE project_identifier = ? AND path = ?`,
		project, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.FromDB("mapping.GetProjectFileHash", err)
	}
	return hash.String, hash.Valid, nil
}

// Time helpers. All timestamps persist as Unix milliseconds; the pure-Go
// driver then never has to guess at text time formats.

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func timeToMS(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func msToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

// emptyToNil turns "" into NULL so COALESCE-style upserts can distinguish
// "unknown" from "explicitly empty".
func emptyToNil(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
