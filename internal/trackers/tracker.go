// Package trackers defines the uniform capability surface over the three
// issue systems and the HTTP plumbing their clients share. Each tracker
// normalizes its records into models.TrackerIssue with statuses and
// priorities already translated into Huly vocabulary; callers never see
// tracker-native field encodings.
package trackers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/pkg/models"
)

// ListOptions narrows an issue listing. Cursor is an opaque tracker cursor
// from a previous sweep; Since is the fallback when the tracker has no
// cursor support. Zero value means a full listing.
type ListOptions struct {
	Cursor string
	Since  *time.Time
}

// Tracker is the capability set every integrated issue system provides.
type Tracker interface {
	// Name returns the lowercase source identifier ("huly", "vibe", "beads").
	Name() models.Source

	// HealthCheck verifies the tracker is reachable and configured.
	HealthCheck(ctx context.Context) error

	ListProjects(ctx context.Context) ([]*models.TrackerProject, error)
	GetProject(ctx context.Context, identifier string) (*models.TrackerProject, error)

	ListIssues(ctx context.Context, project string, opts ListOptions) ([]*models.TrackerIssue, error)
	GetIssue(ctx context.Context, project, id string) (*models.TrackerIssue, error)

	CreateIssue(ctx context.Context, project string, fields *models.IssueFields) (*models.TrackerIssue, error)
	UpdateIssue(ctx context.Context, project, id string, fields *models.IssueFields) (*models.TrackerIssue, error)
	DeleteIssue(ctx context.Context, project, id string) error
}

// SubIssueCreator is the optional parent-child capability. Callers probe
// with a type assertion; trackers without native sub-issues fall back to
// CreateIssue plus a dependency edge.
type SubIssueCreator interface {
	CreateSubIssue(ctx context.Context, project, parentRef string, fields *models.IssueFields) (*models.TrackerIssue, error)
}

// NewHTTPClient builds the client shared by the HTTP trackers. Connection
// reuse is bounded so two trackers polled concurrently cannot exhaust file
// descriptors on small deployments.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     60 * time.Second,
		},
	}
}

// DoJSON issues one JSON request and decodes the response into out (out may
// be nil for statuses whose body is irrelevant). Non-2xx statuses are
// classified through syncerr so callers and Temporal retry policies agree on
// retryability.
func DoJSON(ctx context.Context, client *http.Client, op, method, url, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return syncerr.Wrap(syncerr.KindValidation, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return syncerr.Wrap(syncerr.KindTransient, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return syncerr.FromHTTPStatus(op, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return syncerr.Wrap(syncerr.KindTransient, op, err)
		}
	}
	return nil
}
