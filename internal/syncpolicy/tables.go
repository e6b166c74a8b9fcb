// Package syncpolicy holds the cross-tracker translation tables, the content
// hash, and the conflict decision rule. Huly vocabulary is the pivot: the
// mapping store persists Huly statuses and priorities, and every tracker
// client translates at its own edge.
package syncpolicy

import "strings"

// Canonical Huly statuses.
const (
	StatusBacklog    = "Backlog"
	StatusTodo       = "Todo"
	StatusInProgress = "In Progress"
	StatusInReview   = "In Review"
	StatusDone       = "Done"
	StatusCancelled  = "Cancelled"
)

// Canonical Huly priorities.
const (
	PriorityNone   = "No priority"
	PriorityLow    = "Low"
	PriorityMedium = "Medium"
	PriorityHigh   = "High"
	PriorityUrgent = "Urgent"
)

// Per-target defaults for unknown values.
const (
	DefaultHulyStatus    = StatusBacklog
	DefaultVibeStatus    = "todo"
	DefaultBeadsStatus   = "open"
	DefaultHulyPriority  = PriorityMedium
	DefaultVibePriority  = "medium"
	DefaultBeadsPriority = 2
)

// BeadsState is a Beads status plus the workflow label that refines it.
// Beads only distinguishes open/closed, so In Progress, In Review, and
// Cancelled ride along as labels.
type BeadsState struct {
	Status string
	Label  string
}

// Labels attached by status translation.
const (
	LabelInProgress = "in-progress"
	LabelInReview   = "in-review"
	LabelCancelled  = "cancelled"
)

var hulyToVibeStatus = map[string]string{
	StatusBacklog:    "todo",
	StatusTodo:       "todo",
	StatusInProgress: "inprogress",
	StatusInReview:   "inreview",
	StatusDone:       "done",
	StatusCancelled:  "done",
}

// Inverse is written out rather than generated: todo and done are ambiguous
// images and must resolve to the canonical row (Backlog, Done).
var vibeToHulyStatus = map[string]string{
	"todo":       StatusBacklog,
	"inprogress": StatusInProgress,
	"in_progress": StatusInProgress,
	"inreview":   StatusInReview,
	"in_review":  StatusInReview,
	"done":       StatusDone,
}

var hulyToBeadsStatus = map[string]BeadsState{
	StatusBacklog:    {Status: "open"},
	StatusTodo:       {Status: "open"},
	StatusInProgress: {Status: "open", Label: LabelInProgress},
	StatusInReview:   {Status: "open", Label: LabelInReview},
	StatusDone:       {Status: "closed"},
	StatusCancelled:  {Status: "closed", Label: LabelCancelled},
}

var hulyToVibePriority = map[string]string{
	PriorityNone:   "none",
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

var vibeToHulyPriority = map[string]string{
	"none":   PriorityNone,
	"low":    PriorityLow,
	"medium": PriorityMedium,
	"high":   PriorityHigh,
	"urgent": PriorityUrgent,
}

// Huly: No priority..Urgent. Beads: P4..P0 (0 is most urgent).
var hulyToBeadsPriority = map[string]int{
	PriorityNone:   4,
	PriorityLow:    3,
	PriorityMedium: 2,
	PriorityHigh:   1,
	PriorityUrgent: 0,
}

var beadsToHulyPriority = map[int]string{
	4: PriorityNone,
	3: PriorityLow,
	2: PriorityMedium,
	1: PriorityHigh,
	0: PriorityUrgent,
}

var canonicalStatuses = map[string]string{
	"backlog":     StatusBacklog,
	"todo":        StatusTodo,
	"in progress": StatusInProgress,
	"in review":   StatusInReview,
	"done":        StatusDone,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
}

var canonicalPriorities = map[string]string{
	"no priority": PriorityNone,
	"none":        PriorityNone,
	"low":         PriorityLow,
	"medium":      PriorityMedium,
	"high":        PriorityHigh,
	"urgent":      PriorityUrgent,
}

// NormalizeHulyStatus maps a raw status string onto the canonical Huly
// vocabulary; unknown values become the default.
func NormalizeHulyStatus(s string) string {
	if canonical, ok := canonicalStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return canonical
	}
	return DefaultHulyStatus
}

// NormalizeHulyPriority maps a raw priority string onto the canonical Huly
// vocabulary; unknown values become the default.
func NormalizeHulyPriority(s string) string {
	if canonical, ok := canonicalPriorities[strings.ToLower(strings.TrimSpace(s))]; ok {
		return canonical
	}
	return DefaultHulyPriority
}

// StatusToVibe translates a Huly status to Vibe's column vocabulary.
func StatusToVibe(huly string) string {
	if v, ok := hulyToVibeStatus[NormalizeHulyStatus(huly)]; ok {
		return v
	}
	return DefaultVibeStatus
}

// StatusFromVibe translates a Vibe column back to the Huly pivot.
func StatusFromVibe(vibe string) string {
	if h, ok := vibeToHulyStatus[strings.ToLower(strings.TrimSpace(vibe))]; ok {
		return h
	}
	return DefaultHulyStatus
}

// StatusToBeads translates a Huly status to a Beads status plus label.
func StatusToBeads(huly string) BeadsState {
	if b, ok := hulyToBeadsStatus[NormalizeHulyStatus(huly)]; ok {
		return b
	}
	return BeadsState{Status: DefaultBeadsStatus}
}

// StatusFromBeads translates a Beads status and its labels back to Huly.
func StatusFromBeads(status string, labels []string) string {
	has := func(want string) bool {
		for _, l := range labels {
			if strings.EqualFold(strings.TrimSpace(l), want) {
				return true
			}
		}
		return false
	}

	switch strings.ToLower(strings.TrimSpace(status)) {
	case "closed":
		if has(LabelCancelled) {
			return StatusCancelled
		}
		return StatusDone
	case "in_progress":
		// Older Beads exports used a dedicated status instead of a label.
		return StatusInProgress
	default:
		if has(LabelInProgress) {
			return StatusInProgress
		}
		if has(LabelInReview) {
			return StatusInReview
		}
		return DefaultHulyStatus
	}
}

// PriorityToVibe translates a Huly priority to Vibe's string field.
func PriorityToVibe(huly string) string {
	if v, ok := hulyToVibePriority[NormalizeHulyPriority(huly)]; ok {
		return v
	}
	return DefaultVibePriority
}

// PriorityFromVibe translates a Vibe priority string back to Huly.
func PriorityFromVibe(vibe string) string {
	if h, ok := vibeToHulyPriority[strings.ToLower(strings.TrimSpace(vibe))]; ok {
		return h
	}
	return DefaultHulyPriority
}

// PriorityToBeads translates a Huly priority to the Beads P0..P4 scale.
func PriorityToBeads(huly string) int {
	if p, ok := hulyToBeadsPriority[NormalizeHulyPriority(huly)]; ok {
		return p
	}
	return DefaultBeadsPriority
}

// PriorityFromBeads translates a Beads priority back to Huly.
func PriorityFromBeads(p int) string {
	if h, ok := beadsToHulyPriority[p]; ok {
		return h
	}
	return DefaultHulyPriority
}

// SyncLabels returns the workflow labels the status translation owns. Labels
// outside this set pass through untouched when pushing to Beads.
func SyncLabels() []string {
	return []string{LabelInProgress, LabelInReview, LabelCancelled}
}
