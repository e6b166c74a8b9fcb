package detect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/pkg/models"
)

func newTestServer(t *testing.T, repos map[string]string) (*Server, *fakeStarter) {
	t.Helper()
	st := &fakeStarter{}
	d := newDispatcher(st, metrics.NewMetrics(), repos, nil, 16)
	t.Cleanup(d.Close)
	return NewServer(d, metrics.NewMetrics()), st
}

func postJSON(t *testing.T, handler http.Handler, path, body string) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestWebhookProcessesIssueChanges(t *testing.T) {
	srv, st := newTestServer(t, map[string]string{"WEAVE": "/tmp/weave"})

	body := `{
		"type": "issue_updated",
		"changes": [
			{"entity": "tracker:class:Issue", "id": "WEAVE-1", "kind": "updated"},
			{"entity": "tracker:class:Issue", "id": "WEAVE-2", "kind": "created"},
			{"entity": "tracker:class:Project", "id": "WEAVE", "kind": "updated"},
			{"entity": "tracker:class:Issue", "id": "WEAVE-1", "kind": "updated"},
			{"entity": "tracker:class:Issue", "id": "", "kind": "updated"}
		]
	}`
	rec, resp := postJSON(t, srv.Handler(), "/webhook", body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Processed)
	// One non-issue entity, one duplicate id.
	assert.Equal(t, 2, resp.Skipped)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0], "missing id")

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	calls := st.snapshot()
	assert.Equal(t, "webhook", calls[0].method)
	assert.Equal(t, "issue_updated", calls[0].changeType)
	assert.Equal(t, models.SourceHuly, calls[0].source)
	assert.Equal(t, "WEAVE-1", calls[0].ref)
	assert.Equal(t, "WEAVE", calls[0].project)
	assert.True(t, calls[0].hasRepo)

	assert.Equal(t, "WEAVE-2", calls[1].ref)
	assert.Equal(t, models.ChangeCreate, calls[1].kind)
}

func TestWebhookAllChangesInvalidReportsFailure(t *testing.T) {
	srv, st := newTestServer(t, nil)

	rec, resp := postJSON(t, srv.Handler(), "/webhook", `{"type":"issue_updated","changes":[{"entity":"tracker:class:Issue","id":""}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, 0, resp.Processed)
	assert.Len(t, resp.Errors, 1)
	assert.Empty(t, st.snapshot())
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec, resp := postJSON(t, srv.Handler(), "/webhook", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = postJSON(t, srv.Handler(), "/webhook", `{"changes":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBeadsMutationShortCircuit(t *testing.T) {
	srv, st := newTestServer(t, map[string]string{"WEAVE": "/tmp/weave"})

	rec, resp := postJSON(t, srv.Handler(), "/api/beads/mutation", `{"project":"WEAVE","id":"bd-7","kind":"update","issue":{"id":"bd-7","title":"Retry SSE handshake"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Processed)

	require.Eventually(t, func() bool {
		return len(st.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	call := st.snapshot()[0]
	assert.Equal(t, "issue", call.method)
	assert.Equal(t, models.SourceBeads, call.source)
	assert.Equal(t, "bd-7", call.ref)
	assert.Equal(t, "WEAVE", call.project)
	assert.True(t, call.hasRepo)

	rec, resp = postJSON(t, srv.Handler(), "/api/beads/mutation", `{"id":"bd-7"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health, "queued")

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "weave_change_events_dropped_total")
}
