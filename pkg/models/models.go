package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies the tracker (or scheduler) that produced a change.
type Source string

const (
	SourceHuly      Source = "huly"
	SourceVibe      Source = "vibe"
	SourceBeads     Source = "beads"
	SourceScheduled Source = "scheduled"
)

// Valid reports whether s is one of the recognized sources.
func (s Source) Valid() bool {
	switch s {
	case SourceHuly, SourceVibe, SourceBeads, SourceScheduled:
		return true
	}
	return false
}

// ChangeKind classifies what happened to an entity.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDelete  ChangeKind = "delete"
	ChangeUnknown ChangeKind = "unknown"
)

// ProjectStatus represents the lifecycle state of a tracked project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is the mapping-store record for one Huly project. It is keyed by
// the short human identifier (e.g. "PROJ"). Cross-system ids and the repo
// path are filled in as they become known and never cleared by upserts.
type Project struct {
	Identifier      string        `json:"identifier"`
	HulyID          string        `json:"huly_id,omitempty"`
	VibeID          string        `json:"vibe_id,omitempty"`
	RepoPath        string        `json:"repo_path,omitempty"`
	GitURL          string        `json:"git_url,omitempty"`
	IssueCount      int           `json:"issue_count"`
	LastCheckedAt   *time.Time    `json:"last_checked_at,omitempty"`
	LastSyncAt      *time.Time    `json:"last_sync_at,omitempty"`
	SyncCursor      string        `json:"sync_cursor,omitempty"`
	DescriptionHash string        `json:"description_hash,omitempty"`
	Status          ProjectStatus `json:"status"`
	MissedSweeps    int           `json:"missed_sweeps"`
}

// Issue is the mapping-store record for one synchronized issue. Title,
// description, status, and priority hold the last-synced values in Huly
// vocabulary; per-source timestamps and content hashes drive the conflict
// and idempotency decisions.
type Issue struct {
	Identifier        string `json:"identifier"`
	ProjectIdentifier string `json:"project_identifier"`

	HulyID  string `json:"huly_id,omitempty"`
	VibeID  string `json:"vibe_id,omitempty"`
	BeadsID string `json:"beads_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`

	ParentIdentifier string `json:"parent_identifier,omitempty"`
	ParentBeadsID    string `json:"parent_beads_id,omitempty"`
	SubIssueCount    int    `json:"sub_issue_count"`

	HulyModifiedAt  *time.Time `json:"huly_modified_at,omitempty"`
	VibeModifiedAt  *time.Time `json:"vibe_modified_at,omitempty"`
	BeadsModifiedAt *time.Time `json:"beads_modified_at,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`

	ContentHash      string `json:"content_hash"`
	HulyContentHash  string `json:"huly_content_hash,omitempty"`
	BeadsContentHash string `json:"beads_content_hash,omitempty"`

	DeletedFromHuly  bool `json:"deleted_from_huly"`
	DeletedFromBeads bool `json:"deleted_from_beads"`
}

// ModifiedAt returns the stored modification timestamp for the given source,
// or nil when that side has never been observed.
func (i *Issue) ModifiedAt(src Source) *time.Time {
	switch src {
	case SourceHuly:
		return i.HulyModifiedAt
	case SourceVibe:
		return i.VibeModifiedAt
	case SourceBeads:
		return i.BeadsModifiedAt
	}
	return nil
}

// ExternalID returns the stored counterpart id for the given source.
func (i *Issue) ExternalID(src Source) string {
	switch src {
	case SourceHuly:
		return i.HulyID
	case SourceVibe:
		return i.VibeID
	case SourceBeads:
		return i.BeadsID
	}
	return ""
}

// TrackerIssue is an issue as reported by one tracker, normalized to Huly
// vocabulary for status and priority. Raw carries tracker-native fields for
// forensic logging and description-tag scans.
type TrackerIssue struct {
	ID          string            `json:"id"`
	Identifier  string            `json:"identifier,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Status      string            `json:"status"`
	Priority    string            `json:"priority"`
	Labels      []string          `json:"labels,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	ModifiedAt  time.Time         `json:"modified_at"`
	Deleted     bool              `json:"deleted"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// TrackerProject is a project as reported by one tracker.
type TrackerProject struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IssueCount  int       `json:"issue_count"`
	ModifiedAt  time.Time `json:"modified_at"`
	Archived    bool      `json:"archived"`
}

// IssueFields is a partial update. Nil fields are left untouched by
// UpdateIssue; Status and Priority are in the target tracker's vocabulary by
// the time a client sees them.
type IssueFields struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Labels      *[]string
}

// StringPtr is a convenience for building IssueFields literals.
func StringPtr(s string) *string { return &s }

// ChangeEvent is the normalized in-flight representation of a detected
// change. It is never persisted; the dispatcher hands it to the workflow
// runtime and drops it.
type ChangeEvent struct {
	Source        Source          `json:"source"`
	EntityRef     string          `json:"entity_ref"`
	Kind          ChangeKind      `json:"kind"`
	Project       string          `json:"project,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ObservedAt    time.Time       `json:"observed_at"`
	CorrelationID string          `json:"correlation_id"`
}

// NewChangeEvent stamps a change with an observation time and correlation id.
func NewChangeEvent(src Source, entityRef string, kind ChangeKind) ChangeEvent {
	return ChangeEvent{
		Source:        src,
		EntityRef:     entityRef,
		Kind:          kind,
		ObservedAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

// String renders a compact form for logs.
func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s/%s %s", e.Source, e.EntityRef, e.Kind)
}

// SyncRun records one orchestration sweep in sync_history.
type SyncRun struct {
	ID                string     `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ProjectsProcessed int        `json:"projects_processed"`
	ProjectsFailed    int        `json:"projects_failed"`
	IssuesSynced      int        `json:"issues_synced"`
	Errors            []string   `json:"errors,omitempty"`
	DurationMs        int64      `json:"duration_ms"`
}

// SyncStats is the completion summary written back onto a SyncRun.
type SyncStats struct {
	ProjectsProcessed int      `json:"projects_processed"`
	ProjectsFailed    int      `json:"projects_failed"`
	IssuesSynced      int      `json:"issues_synced"`
	Errors            []string `json:"errors,omitempty"`
}

// ProjectIdentifierFromRef extracts the project part of a Huly-style issue
// identifier ("PROJ-42" -> "PROJ"). Refs without a dash are returned as-is.
func ProjectIdentifierFromRef(ref string) string {
	if idx := strings.LastIndex(ref, "-"); idx > 0 {
		return ref[:idx]
	}
	return ref
}
