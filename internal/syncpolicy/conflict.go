package syncpolicy

import (
	"time"

	"github.com/jordanhubbard/weave/pkg/models"
)

// Verdict is the outcome of the per-target conflict decision.
type Verdict int

const (
	// VerdictPropagate means the event source is authoritative for this
	// target: update or create the counterpart.
	VerdictPropagate Verdict = iota
	// VerdictSkipNewer means the target reported a later modification; it
	// will win when its own change event arrives.
	VerdictSkipNewer
)

func (v Verdict) String() string {
	if v == VerdictSkipNewer {
		return "skip-target-newer"
	}
	return "propagate"
}

// Decide applies the most-recent-source-wins rule for one target system.
// targetModified is the stored timestamp for the target side, nil when that
// side has never been observed. Equal timestamps favor the event source.
func Decide(sourceModified time.Time, targetModified *time.Time) Verdict {
	if targetModified == nil {
		return VerdictPropagate
	}
	if targetModified.After(sourceModified) {
		return VerdictSkipNewer
	}
	return VerdictPropagate
}

// DecideForIssue resolves the verdict for a target using the timestamps
// stored on the mapping row.
func DecideForIssue(issue *models.Issue, sourceModified time.Time, target models.Source) Verdict {
	return Decide(sourceModified, issue.ModifiedAt(target))
}

// DeletePolicy controls what a deletion observed in Huly does to the other
// two systems.
type DeletePolicy string

const (
	// DeleteSoft flags the mapping row and leaves counterparts in place.
	DeleteSoft DeletePolicy = "soft"
	// DeleteCascade also removes the counterparts from Vibe and Beads.
	DeleteCascade DeletePolicy = "cascade"
)

// Valid reports whether p is a recognized policy.
func (p DeletePolicy) Valid() bool {
	return p == DeleteSoft || p == DeleteCascade
}
