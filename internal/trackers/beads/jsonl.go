package beads

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/pkg/models"
)

// statusTombstone marks an issue deleted in the JSONL export; the line is
// retained so other clones learn about the deletion.
const statusTombstone = "tombstone"

// maxJSONLLine bounds a single issue record. Descriptions are the only
// unbounded field and 1 MiB is far past anything bd itself will write.
const maxJSONLLine = 1024 * 1024

// wireIssue is one issues.jsonl record, the subset of fields the sync
// consumes. Priority is the bd 0..4 scale.
type wireIssue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	Priority    int       `json:"priority"`
	Labels      []string  `json:"labels,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w *wireIssue) toModel() *models.TrackerIssue {
	return &models.TrackerIssue{
		ID:          w.ID,
		Title:       w.Title,
		Description: w.Description,
		Status:      syncpolicy.StatusFromBeads(w.Status, w.Labels),
		Priority:    syncpolicy.PriorityFromBeads(w.Priority),
		Labels:      w.Labels,
		ModifiedAt:  w.UpdatedAt.UTC(),
		Deleted:     w.Status == statusTombstone,
		Raw: map[string]string{
			"status": w.Status,
		},
	}
}

// ReadIssuesFile parses an issues.jsonl export. Tombstoned issues are
// returned with Deleted set so callers can classify deletions; malformed
// lines are counted and skipped, never fatal. A missing file reads as an
// empty repo.
func ReadIssuesFile(path string) (issues []*models.TrackerIssue, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, syncerr.Wrap(syncerr.KindTransient, "beads.ReadIssuesFile", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireIssue
		if err := json.Unmarshal(line, &w); err != nil || w.ID == "" {
			skipped++
			continue
		}
		issues = append(issues, w.toModel())
	}
	if err := scanner.Err(); err != nil {
		return issues, skipped, syncerr.Wrap(syncerr.KindTransient, "beads.ReadIssuesFile", err)
	}
	return issues, skipped, nil
}
