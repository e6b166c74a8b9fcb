package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() Notification {
	return Notification{
		Project:    "PROJ",
		Identifier: "PROJ-42",
		Source:     "huly",
		Action:     "updated",
		Title:      "Add retry",
		Status:     "Done",
		SyncedAt:   time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	mu    sync.Mutex
	name  string
	seen  []Notification
	fail  bool
	block time.Duration
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Notify(ctx context.Context, n Notification) error {
	if r.block > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.block):
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
	if r.fail {
		return errors.New("sink down")
	}
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	results map[string][]bool
}

func (f *fakeRecorder) RecordSinkPublish(sink string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = map[string][]bool{}
	}
	f.results[sink] = append(f.results[sink], success)
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	f := NewFanout([]Notifier{a, b}, time.Second, nil, nil)

	f.Publish(context.Background(), testNotification())

	assert.Len(t, a.seen, 1)
	assert.Len(t, b.seen, 1)
}

func TestFanoutFailureDoesNotStopOthers(t *testing.T) {
	broken := &recordingSink{name: "broken", fail: true}
	healthy := &recordingSink{name: "healthy"}
	rec := &fakeRecorder{}
	f := NewFanout([]Notifier{broken, healthy}, time.Second, rec, nil)

	f.Publish(context.Background(), testNotification())

	assert.Len(t, healthy.seen, 1)
	assert.Equal(t, []bool{false}, rec.results["broken"])
	assert.Equal(t, []bool{true}, rec.results["healthy"])
}

func TestFanoutTimeoutBoundsSlowSink(t *testing.T) {
	slow := &recordingSink{name: "slow", block: 5 * time.Second}
	rec := &fakeRecorder{}
	f := NewFanout([]Notifier{slow}, 50*time.Millisecond, rec, nil)

	start := time.Now()
	f.Publish(context.Background(), testNotification())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []bool{false}, rec.results["slow"])
}

func TestLettaSinkPayload(t *testing.T) {
	var got lettaUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/memory/updates", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewLettaSink(srv.URL, time.Second)
	require.NoError(t, s.Notify(context.Background(), testNotification()))

	assert.Equal(t, "huly-pm-proj", got.Agent)
	assert.Equal(t, "recent_sync_activity", got.Block)
	assert.Contains(t, got.Content, "PROJ-42")
	assert.Contains(t, got.Content, "Done")
}

func TestGraphSinkPayload(t *testing.T) {
	var got graphSummary
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/nodes/issues", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewGraphSink(srv.URL, time.Second)
	require.NoError(t, s.Notify(context.Background(), testNotification()))

	assert.Equal(t, "issue", got.Kind)
	assert.Equal(t, "PROJ-42", got.Key)
	assert.Equal(t, "PROJ", got.Project)
	assert.Equal(t, "updated", got.Action)
}

func TestHTTPSinkNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewGraphSink(srv.URL, time.Second)
	assert.Error(t, s.Notify(context.Background(), testNotification()))
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "PROJ", subjectToken("PROJ"))
	assert.Equal(t, "a_b_c", subjectToken("a.b c"))
	assert.Equal(t, "unknown", subjectToken(""))
}
