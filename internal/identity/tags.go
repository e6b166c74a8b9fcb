// Package identity resolves which records in different trackers are the
// same issue. Cross-system ids in the mapping store are authoritative; when
// a side is missing, resolution falls back to reference tags embedded in
// descriptions, then to normalized title equality.
package identity

import (
	"strings"
)

// Reference tags embedded in Vibe task and Beads issue descriptions. Two
// Huly spellings exist in the wild; both are recognized, only the first is
// written.
const (
	hulyTagPrefix    = "Huly Issue: "
	hulySyncedPrefix = "Synced from Huly: "
	beadsTagPrefix   = "Beads Issue: "
)

// HulyRefTag renders the description tag for a Huly identifier.
func HulyRefTag(identifier string) string { return hulyTagPrefix + identifier }

// BeadsRefTag renders the description tag for a Beads id.
func BeadsRefTag(id string) string { return beadsTagPrefix + id }

// ExtractHulyRef scans text for an embedded Huly identifier tag and returns
// the identifier, or "" when none is present.
func ExtractHulyRef(text string) string {
	for _, prefix := range []string{hulyTagPrefix, hulySyncedPrefix} {
		if ref := extractAfter(text, prefix); ref != "" {
			return ref
		}
	}
	return ""
}

// ExtractBeadsRef scans text for an embedded Beads id tag.
func ExtractBeadsRef(text string) string {
	return extractAfter(text, beadsTagPrefix)
}

func extractAfter(text, prefix string) string {
	idx := strings.Index(text, prefix)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(prefix):]
	if end := strings.IndexAny(rest, " \t\r\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.Trim(rest, ",.:;)")
	if !isIssueRef(rest) {
		return ""
	}
	return rest
}

// isIssueRef accepts "PREFIX-123" shapes, covering both Huly identifiers
// and Beads ids.
func isIssueRef(s string) bool {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return false
	}
	for _, r := range s[i+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// EnsureHulyTag appends the Huly reference tag to a description unless an
// equivalent tag is already present. Safe to call on every propagation.
func EnsureHulyTag(description, identifier string) string {
	if identifier == "" || ExtractHulyRef(description) == identifier {
		return description
	}
	if description == "" {
		return HulyRefTag(identifier)
	}
	return strings.TrimRight(description, "\n") + "\n\n" + HulyRefTag(identifier)
}

// StripSyncTags removes reference tag lines so content hashes compare the
// same text on every side of the sync.
func StripSyncTags(description string) string {
	if description == "" {
		return ""
	}
	lines := strings.Split(description, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, hulyTagPrefix) ||
			strings.HasPrefix(trimmed, hulySyncedPrefix) ||
			strings.HasPrefix(trimmed, beadsTagPrefix) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// NormalizeTitle is the equality form used for last-resort title matching.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
