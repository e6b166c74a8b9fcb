package beads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIssuesFileSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	content := `{"id":"proj-1","title":"good","status":"open","priority":2,"updated_at":"2026-01-10T12:00:00Z"}
not json at all
{"title":"no id","status":"open","priority":2}
{"id":"proj-2","title":"also good","status":"closed","priority":2,"updated_at":"2026-01-11T12:00:00Z"}

`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	issues, skipped, err := ReadIssuesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, issues, 2)
	assert.Equal(t, "proj-1", issues[0].ID)
	assert.Equal(t, "proj-2", issues[1].ID)
}

func TestReadIssuesFileSurfacesTombstones(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	content := `{"id":"proj-1","title":"live","status":"open","priority":2,"updated_at":"2026-01-10T12:00:00Z"}
{"id":"proj-2","title":"dead","status":"tombstone","priority":2,"updated_at":"2026-01-10T13:00:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	issues, skipped, err := ReadIssuesFile(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, issues, 2)

	assert.False(t, issues[0].Deleted)
	assert.True(t, issues[1].Deleted)
	assert.Equal(t, "tombstone", issues[1].Raw["status"])
}

func TestReadIssuesFileMissingIsEmpty(t *testing.T) {
	issues, skipped, err := ReadIssuesFile(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Empty(t, issues)
}

func TestReadIssuesFileStatusLabelTranslation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	content := `{"id":"proj-1","title":"a","status":"open","priority":4,"updated_at":"2026-01-10T12:00:00Z"}
{"id":"proj-2","title":"b","status":"open","priority":0,"labels":["in-review"],"updated_at":"2026-01-10T12:00:00Z"}
{"id":"proj-3","title":"c","status":"closed","priority":2,"labels":["cancelled"],"updated_at":"2026-01-10T12:00:00Z"}
{"id":"proj-4","title":"d","status":"closed","priority":2,"updated_at":"2026-01-10T12:00:00Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	issues, _, err := ReadIssuesFile(path)
	require.NoError(t, err)
	require.Len(t, issues, 4)

	assert.Equal(t, "Backlog", issues[0].Status)
	assert.Equal(t, "No priority", issues[0].Priority)

	assert.Equal(t, "In Review", issues[1].Status)
	assert.Equal(t, "Urgent", issues[1].Priority)

	assert.Equal(t, "Cancelled", issues[2].Status)

	assert.Equal(t, "Done", issues[3].Status)
}
