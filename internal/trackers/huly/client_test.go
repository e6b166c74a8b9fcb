package huly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", 5*time.Second)
}

func TestListIssuesNormalizesWire(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects/PROJ/issues", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]wireIssue{
			{
				ID:         "i-1",
				Identifier: "PROJ-1",
				Title:      "Add retry",
				Status:     "in progress",
				Priority:   "urgent",
				ModifiedOn: 1736510400000,
			},
		})
	}))

	issues, err := c.ListIssues(context.Background(), "PROJ", trackers.ListOptions{})
	require.NoError(t, err)
	require.Len(t, issues, 1)

	got := issues[0]
	assert.Equal(t, "PROJ-1", got.Identifier)
	assert.Equal(t, "In Progress", got.Status)
	assert.Equal(t, "Urgent", got.Priority)
	assert.Equal(t, time.UnixMilli(1736510400000).UTC(), got.ModifiedAt)
	assert.Equal(t, "in progress", got.Raw["status"])
}

func TestListIssuesForwardsCursorAndSince(t *testing.T) {
	since := time.UnixMilli(1736510400000).UTC()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cur-123", r.URL.Query().Get("cursor"))
		assert.Equal(t, "1736510400000", r.URL.Query().Get("modifiedSince"))
		json.NewEncoder(w).Encode([]wireIssue{})
	}))

	_, err := c.ListIssues(context.Background(), "PROJ", trackers.ListOptions{Cursor: "cur-123", Since: &since})
	require.NoError(t, err)
}

func TestGetIssueNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such issue"}`, http.StatusNotFound)
	}))

	_, err := c.GetIssue(context.Background(), "PROJ", "PROJ-999")
	require.Error(t, err)
	assert.True(t, syncerr.IsNotFound(err))
	assert.False(t, syncerr.Retryable(err))
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))

	_, err := c.ListProjects(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncerr.KindUnauthorized, syncerr.KindOf(err))
	assert.False(t, syncerr.Retryable(err))
}

func TestServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := c.ListProjects(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.Retryable(err))
}

func TestCreateIssueConflictReturnsExisting(t *testing.T) {
	var posts, gets int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts++
			http.Error(w, "issue already exists", http.StatusConflict)
		case http.MethodGet:
			gets++
			json.NewEncoder(w).Encode([]wireIssue{
				{ID: "i-7", Identifier: "PROJ-7", Title: "Add retry", Status: "Backlog", Priority: "Medium"},
			})
		}
	}))

	got, err := c.CreateIssue(context.Background(), "PROJ", &models.IssueFields{
		Title: models.StringPtr("Add retry"),
	})
	require.NoError(t, err)
	assert.Equal(t, "PROJ-7", got.Identifier)
	assert.Equal(t, 1, posts)
	assert.Equal(t, 1, gets)
}

func TestUpdateIssueSendsOnlySetFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, map[string]interface{}{"status": "Done"}, payload)
		json.NewEncoder(w).Encode(wireIssue{ID: "i-1", Identifier: "PROJ-1", Status: "Done"})
	}))

	got, err := c.UpdateIssue(context.Background(), "PROJ", "PROJ-1", &models.IssueFields{
		Status: models.StringPtr("done"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Done", got.Status)
}

func TestDeleteIssueGoneIsSuccess(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))

	assert.NoError(t, c.DeleteIssue(context.Background(), "PROJ", "PROJ-1"))
}

func TestHealthCheck(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	assert.NoError(t, c.HealthCheck(context.Background()))
}
