package syncpolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/jordanhubbard/weave/pkg/models"
)

// hashSep keeps field boundaries unambiguous inside the digest input. Titles
// and descriptions may contain newlines, so a printable separator is not
// enough.
const hashSep = "\x1f"

// ContentHash is the deterministic digest over the synced field subset. Two
// issues with equal hashes need no propagation in either direction.
func ContentHash(title, description, status, priority string) string {
	input := strings.Join([]string{
		title,
		strings.TrimSpace(description),
		NormalizeHulyStatus(status),
		NormalizeHulyPriority(priority),
	}, hashSep)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// HashTrackerIssue digests a tracker-reported issue.
func HashTrackerIssue(i *models.TrackerIssue) string {
	return ContentHash(i.Title, i.Description, i.Status, i.Priority)
}

// HashStoredIssue digests a mapping-store issue row.
func HashStoredIssue(i *models.Issue) string {
	return ContentHash(i.Title, i.Description, i.Status, i.Priority)
}

// DescriptionHash digests a project description for the cheap has-anything-
// changed gate in GetProjectsToSync.
func DescriptionHash(description string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(description)))
	return hex.EncodeToString(sum[:])
}
