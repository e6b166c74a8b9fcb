package detect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/metrics"
)

func writeBeadsFile(t *testing.T, repo string, lines string) string {
	t.Helper()
	beadsDir := filepath.Join(repo, ".beads")
	require.NoError(t, os.MkdirAll(beadsDir, 0o755))
	path := filepath.Join(beadsDir, "issues.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestWatcherEnqueuesSweepOnContentChange(t *testing.T) {
	repo := t.TempDir()
	jsonl := writeBeadsFile(t, repo, `{"id":"bd-1","title":"Wire SSE reconnect"}`+"\n")

	st := &fakeStarter{}
	d := newDispatcher(st, metrics.NewMetrics(), map[string]string{"WEAVE": repo}, nil, 16)
	t.Cleanup(d.Close)

	reg := NewWatcherRegistry(map[string]string{"WEAVE": repo}, d, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	t.Cleanup(reg.Close)

	// Content present at startup was seeded, not fired.
	time.Sleep(2 * debounceWindow)
	assert.Empty(t, st.snapshot())

	require.NoError(t, os.WriteFile(jsonl, []byte(`{"id":"bd-1","title":"Wire SSE reconnect"}`+"\n"+`{"id":"bd-2","title":"Throttle webhook retries"}`+"\n"), 0o644))

	require.Eventually(t, func() bool {
		calls := st.snapshot()
		return len(calls) == 1 && calls[0].method == "beads"
	}, 10*time.Second, 25*time.Millisecond)

	call := st.snapshot()[0]
	assert.Equal(t, "WEAVE", call.project)
	assert.Regexp(t, "^[0-9a-f]{16}$", call.changeHash)

	// A rewrite with identical bytes retriggers the debounce but the digest
	// dedupe swallows it.
	require.NoError(t, os.WriteFile(jsonl, []byte(`{"id":"bd-1","title":"Wire SSE reconnect"}`+"\n"+`{"id":"bd-2","title":"Throttle webhook retries"}`+"\n"), 0o644))
	time.Sleep(3 * debounceWindow)
	assert.Len(t, st.snapshot(), 1)
}

func TestWatcherFallsBackToPollingWithoutBeadsDir(t *testing.T) {
	repo := t.TempDir() // no .beads directory

	w := newRepoWatcher("WEAVE", repo, nil, nil)
	assert.Nil(t, w.fsw)
	w.close()
}

func TestPollChangedTracksFileLifecycle(t *testing.T) {
	repo := t.TempDir()
	jsonl := writeBeadsFile(t, repo, "{}\n")

	w := &repoWatcher{jsonlPath: jsonl}

	// First observation of an existing file counts as a change.
	assert.True(t, w.pollChanged())
	assert.False(t, w.pollChanged())

	require.NoError(t, os.WriteFile(jsonl, []byte("{}\n{}\n"), 0o644))
	assert.True(t, w.pollChanged())
	assert.False(t, w.pollChanged())

	require.NoError(t, os.Remove(jsonl))
	assert.True(t, w.pollChanged())
	assert.False(t, w.pollChanged())
}

func TestFileDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("alpha\n"), 0o644))

	d1, err := fileDigest(path)
	require.NoError(t, err)
	assert.Regexp(t, "^[0-9a-f]{16}$", d1)

	d2, err := fileDigest(path)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\n"), 0o644))
	d3, err := fileDigest(path)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	_, err = fileDigest(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
