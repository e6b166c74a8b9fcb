package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/pkg/models"
)

// startCall records one workflow start seen by the fake starter.
type startCall struct {
	method     string
	changeType string
	changeHash string
	project    string
	ref        string
	source     models.Source
	kind       models.ChangeKind
	hasRepo    bool
	linked     map[string]string
}

// fakeStarter records starts. When entered and release are set, every start
// signals entry and then blocks until release closes, which lets a test park
// the drain goroutine while it fills the queue.
type fakeStarter struct {
	mu      sync.Mutex
	calls   []startCall
	entered chan struct{}
	release chan struct{}
}

func (f *fakeStarter) gate() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
}

func (f *fakeStarter) record(c startCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeStarter) snapshot() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.calls...)
}

func (f *fakeStarter) StartIssueSync(ctx context.Context, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error) {
	f.gate()
	f.record(startCall{
		method:  "issue",
		project: event.Project,
		ref:     event.EntityRef,
		source:  event.Source,
		kind:    event.Kind,
		hasRepo: hasRepo,
		linked:  linked,
	})
	return "wf-issue", nil
}

func (f *fakeStarter) StartWebhookIssueSync(ctx context.Context, changeType string, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error) {
	f.gate()
	f.record(startCall{
		method:     "webhook",
		changeType: changeType,
		project:    event.Project,
		ref:        event.EntityRef,
		source:     event.Source,
		kind:       event.Kind,
		hasRepo:    hasRepo,
		linked:     linked,
	})
	return "wf-webhook", nil
}

func (f *fakeStarter) StartBeadsChange(ctx context.Context, project, changeHash string) (string, error) {
	f.gate()
	f.record(startCall{method: "beads", project: project, changeHash: changeHash})
	return "wf-beads", nil
}

func TestDispatcherRoutesByChangeOrigin(t *testing.T) {
	st := &fakeStarter{}
	d := newDispatcher(st, metrics.NewMetrics(), map[string]string{"WEAVE": "/tmp/weave"}, nil, 16)
	t.Cleanup(d.Close)

	vibeEv := models.NewChangeEvent(models.SourceVibe, "t-9", models.ChangeUpdate)
	vibeEv.Project = "vp-1"
	d.OnVibeEvent(vibeEv)

	hulyEv := models.NewChangeEvent(models.SourceHuly, "WEAVE-12", models.ChangeCreate)
	hulyEv.Project = "WEAVE"
	d.EnqueueWebhookChange("issue_created", hulyEv)

	d.EnqueueBeadsSweep("WEAVE", "deadbeefdeadbeef")

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	calls := st.snapshot()

	assert.Equal(t, "issue", calls[0].method)
	assert.Equal(t, models.SourceVibe, calls[0].source)
	assert.Equal(t, "t-9", calls[0].ref)
	// Vibe board ids are not configured projects, so no local repo.
	assert.False(t, calls[0].hasRepo)

	assert.Equal(t, "webhook", calls[1].method)
	assert.Equal(t, "issue_created", calls[1].changeType)
	assert.Equal(t, models.ChangeCreate, calls[1].kind)
	assert.True(t, calls[1].hasRepo)

	assert.Equal(t, "beads", calls[2].method)
	assert.Equal(t, "WEAVE", calls[2].project)
	assert.Equal(t, "deadbeefdeadbeef", calls[2].changeHash)
}

func TestDispatcherBeadsEventsAlwaysHaveRepo(t *testing.T) {
	st := &fakeStarter{}
	d := newDispatcher(st, metrics.NewMetrics(), nil, nil, 16)
	t.Cleanup(d.Close)

	ev := models.NewChangeEvent(models.SourceBeads, "bd-42", models.ChangeUpdate)
	ev.Project = "WEAVE"
	d.EnqueueIssueSync(ev, map[string]string{"huly": "WEAVE-12"})

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	call := st.snapshot()[0]
	assert.Equal(t, "issue", call.method)
	assert.Equal(t, models.SourceBeads, call.source)
	assert.True(t, call.hasRepo)
	assert.Equal(t, map[string]string{"huly": "WEAVE-12"}, call.linked)
}

func TestDispatcherDropsOldestWhenFull(t *testing.T) {
	st := &fakeStarter{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	d := newDispatcher(st, metrics.NewMetrics(), nil, nil, 2)
	t.Cleanup(d.Close)

	enqueue := func(ref string) {
		ev := models.NewChangeEvent(models.SourceHuly, ref, models.ChangeUpdate)
		ev.Project = "WEAVE"
		d.EnqueueIssueSync(ev, nil)
	}

	enqueue("WEAVE-1")
	// The drain goroutine is now parked inside the starter, so the queue
	// fills deterministically.
	<-st.entered

	enqueue("WEAVE-2")
	enqueue("WEAVE-3")
	require.Equal(t, 2, d.QueueDepth())

	// Overflow drops the oldest queued entry, not the newest.
	enqueue("WEAVE-4")
	require.Equal(t, 2, d.QueueDepth())

	close(st.release)

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	var refs []string
	for _, c := range st.snapshot() {
		refs = append(refs, c.ref)
	}
	assert.Equal(t, []string{"WEAVE-1", "WEAVE-3", "WEAVE-4"}, refs)
	assert.Zero(t, d.QueueDepth())
}
