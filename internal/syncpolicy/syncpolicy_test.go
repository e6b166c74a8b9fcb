package syncpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/pkg/models"
)

func TestStatusTableComplete(t *testing.T) {
	all := []string{StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCancelled}
	for _, s := range all {
		assert.NotEmpty(t, StatusToVibe(s), "vibe image for %s", s)
		assert.NotEmpty(t, StatusToBeads(s).Status, "beads image for %s", s)
	}
}

func TestStatusRoundTripVibe(t *testing.T) {
	// The distinguishable statuses survive Huly -> Vibe -> Huly. Todo and
	// Cancelled collapse onto todo/done by design and come back as the
	// canonical row.
	for _, s := range []string{StatusBacklog, StatusInProgress, StatusInReview, StatusDone} {
		assert.Equal(t, s, StatusFromVibe(StatusToVibe(s)), s)
	}
	assert.Equal(t, StatusBacklog, StatusFromVibe(StatusToVibe(StatusTodo)))
	assert.Equal(t, StatusDone, StatusFromVibe(StatusToVibe(StatusCancelled)))
}

func TestStatusRoundTripBeads(t *testing.T) {
	for _, s := range []string{StatusBacklog, StatusInProgress, StatusInReview, StatusDone, StatusCancelled} {
		b := StatusToBeads(s)
		var labels []string
		if b.Label != "" {
			labels = []string{b.Label}
		}
		assert.Equal(t, s, StatusFromBeads(b.Status, labels), s)
	}
}

func TestStatusToBeadsLabels(t *testing.T) {
	assert.Equal(t, BeadsState{Status: "open", Label: "in-progress"}, StatusToBeads("In Progress"))
	assert.Equal(t, BeadsState{Status: "open", Label: "in-review"}, StatusToBeads("In Review"))
	assert.Equal(t, BeadsState{Status: "closed", Label: "cancelled"}, StatusToBeads("Cancelled"))
	assert.Equal(t, BeadsState{Status: "closed"}, StatusToBeads("Done"))
}

func TestUnknownValuesMapToDefaults(t *testing.T) {
	assert.Equal(t, "todo", StatusToVibe("Blocked"))
	assert.Equal(t, StatusBacklog, StatusFromVibe("someday"))
	assert.Equal(t, "open", StatusToBeads("???").Status)
	assert.Equal(t, PriorityMedium, PriorityFromVibe("critical"))
	assert.Equal(t, 2, PriorityToBeads("P0"))
	assert.Equal(t, PriorityMedium, PriorityFromBeads(9))
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []string{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent} {
		assert.Equal(t, p, PriorityFromVibe(PriorityToVibe(p)), p)
		assert.Equal(t, p, PriorityFromBeads(PriorityToBeads(p)), p)
	}
}

func TestPriorityScale(t *testing.T) {
	assert.Equal(t, 0, PriorityToBeads(PriorityUrgent))
	assert.Equal(t, 4, PriorityToBeads(PriorityNone))
	assert.Equal(t, PriorityUrgent, PriorityFromBeads(0))
	assert.Equal(t, "urgent", PriorityToVibe(PriorityUrgent))
	assert.Equal(t, "none", PriorityToVibe(PriorityNone))
}

func TestNormalizeCaseInsensitive(t *testing.T) {
	assert.Equal(t, StatusInProgress, NormalizeHulyStatus("in progress"))
	assert.Equal(t, StatusCancelled, NormalizeHulyStatus("CANCELED"))
	assert.Equal(t, PriorityNone, NormalizeHulyPriority("no priority"))
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("Add retry", "body", "Backlog", "Medium")
	b := ContentHash("Add retry", "body", "Backlog", "Medium")
	require.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHashNormalizes(t *testing.T) {
	// Trimmed description and normalized status/priority hash identically.
	a := ContentHash("T", "  body \n", "backlog", "medium")
	b := ContentHash("T", "body", "Backlog", "Medium")
	assert.Equal(t, a, b)

	// Different field content must not collide through the separator.
	c := ContentHash("Tbody", "", "Backlog", "Medium")
	assert.NotEqual(t, a, c)
}

func TestContentHashSensitiveToEachField(t *testing.T) {
	base := ContentHash("T", "d", "Backlog", "Medium")
	assert.NotEqual(t, base, ContentHash("U", "d", "Backlog", "Medium"))
	assert.NotEqual(t, base, ContentHash("T", "e", "Backlog", "Medium"))
	assert.NotEqual(t, base, ContentHash("T", "d", "Done", "Medium"))
	assert.NotEqual(t, base, ContentHash("T", "d", "Backlog", "High"))
}

func TestDecide(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Second)
	newer := now.Add(time.Second)

	assert.Equal(t, VerdictPropagate, Decide(now, nil), "unknown target")
	assert.Equal(t, VerdictPropagate, Decide(now, &older), "source newer")
	assert.Equal(t, VerdictSkipNewer, Decide(now, &newer), "target newer")
	assert.Equal(t, VerdictPropagate, Decide(now, &now), "tie goes to event source")
}

func TestDecideForIssue(t *testing.T) {
	now := time.Now()
	vibeAt := now.Add(time.Second)
	issue := &models.Issue{
		Identifier:     "PROJ-1",
		VibeModifiedAt: &vibeAt,
	}

	assert.Equal(t, VerdictSkipNewer, DecideForIssue(issue, now, models.SourceVibe))
	assert.Equal(t, VerdictPropagate, DecideForIssue(issue, now, models.SourceBeads))
}

func TestDeletePolicy(t *testing.T) {
	assert.True(t, DeleteSoft.Valid())
	assert.True(t, DeleteCascade.Valid())
	assert.False(t, DeletePolicy("purge").Valid())
}
