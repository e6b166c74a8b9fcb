// Package huly implements the tracker client for the Huly project
// management server. Huly is the hub system: its status and priority
// vocabulary is the normalized form the rest of the engine speaks, so this
// client only normalizes casing and never translates.
package huly

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/syncpolicy"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Client talks to the Huly HTTP JSON API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New builds a Huly client. baseURL is the server root without a trailing
// slash; token may be empty for unauthenticated deployments.
func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    trackers.NewHTTPClient(timeout),
	}
}

// WithHTTPClient swaps the underlying HTTP client; tests use this to point
// at an httptest server with short timeouts.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) Name() models.Source { return models.SourceHuly }

// HealthCheck probes the status endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	return trackers.DoJSON(ctx, c.http, "huly.HealthCheck", http.MethodGet, c.baseURL+"/api/health", c.token, nil, nil)
}

// wireProject is the Huly project record as served by the API.
type wireProject struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IssueCount  int    `json:"issueCount"`
	ModifiedOn  int64  `json:"modifiedOn"`
	Archived    bool   `json:"archived"`
}

// wireIssue is the Huly issue record. ModifiedOn is epoch milliseconds.
type wireIssue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	ParentID    string `json:"parentId,omitempty"`
	ModifiedOn  int64  `json:"modifiedOn"`
}

func (w *wireProject) toModel() *models.TrackerProject {
	return &models.TrackerProject{
		ID:          w.ID,
		Identifier:  w.Identifier,
		Name:        w.Name,
		Description: w.Description,
		IssueCount:  w.IssueCount,
		ModifiedAt:  time.UnixMilli(w.ModifiedOn).UTC(),
		Archived:    w.Archived,
	}
}

func (w *wireIssue) toModel() *models.TrackerIssue {
	return &models.TrackerIssue{
		ID:          w.ID,
		Identifier:  w.Identifier,
		Title:       w.Title,
		Description: w.Description,
		Status:      syncpolicy.NormalizeHulyStatus(w.Status),
		Priority:    syncpolicy.NormalizeHulyPriority(w.Priority),
		ParentID:    w.ParentID,
		ModifiedAt:  time.UnixMilli(w.ModifiedOn).UTC(),
		Raw: map[string]string{
			"status":   w.Status,
			"priority": w.Priority,
		},
	}
}

// ListProjects returns all projects, archived ones included; the caller
// decides what archival means.
func (c *Client) ListProjects(ctx context.Context) ([]*models.TrackerProject, error) {
	var wire []wireProject
	err := trackers.DoJSON(ctx, c.http, "huly.ListProjects", http.MethodGet, c.baseURL+"/api/projects", c.token, nil, &wire)
	if err != nil {
		return nil, err
	}
	out := make([]*models.TrackerProject, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toModel())
	}
	return out, nil
}

// GetProject fetches one project by its short identifier.
func (c *Client) GetProject(ctx context.Context, identifier string) (*models.TrackerProject, error) {
	var wire wireProject
	u := fmt.Sprintf("%s/api/projects/%s", c.baseURL, url.PathEscape(identifier))
	if err := trackers.DoJSON(ctx, c.http, "huly.GetProject", http.MethodGet, u, c.token, nil, &wire); err != nil {
		return nil, err
	}
	return wire.toModel(), nil
}

// ListIssues returns a project's issues. An opaque cursor from a previous
// sweep is forwarded when the server supports it; otherwise Since narrows
// the listing by modification time.
func (c *Client) ListIssues(ctx context.Context, project string, opts trackers.ListOptions) ([]*models.TrackerIssue, error) {
	u := fmt.Sprintf("%s/api/projects/%s/issues", c.baseURL, url.PathEscape(project))
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Since != nil {
		q.Set("modifiedSince", fmt.Sprintf("%d", opts.Since.UnixMilli()))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var wire []wireIssue
	if err := trackers.DoJSON(ctx, c.http, "huly.ListIssues", http.MethodGet, u, c.token, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]*models.TrackerIssue, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toModel())
	}
	return out, nil
}

// GetIssue fetches one issue by identifier ("PROJ-42").
func (c *Client) GetIssue(ctx context.Context, project, id string) (*models.TrackerIssue, error) {
	var wire wireIssue
	u := fmt.Sprintf("%s/api/projects/%s/issues/%s", c.baseURL, url.PathEscape(project), url.PathEscape(id))
	if err := trackers.DoJSON(ctx, c.http, "huly.GetIssue", http.MethodGet, u, c.token, nil, &wire); err != nil {
		return nil, err
	}
	return wire.toModel(), nil
}

func fieldsToPayload(fields *models.IssueFields) map[string]interface{} {
	payload := map[string]interface{}{}
	if fields.Title != nil {
		payload["title"] = *fields.Title
	}
	if fields.Description != nil {
		payload["description"] = *fields.Description
	}
	if fields.Status != nil {
		payload["status"] = syncpolicy.NormalizeHulyStatus(*fields.Status)
	}
	if fields.Priority != nil {
		payload["priority"] = syncpolicy.NormalizeHulyPriority(*fields.Priority)
	}
	if fields.ParentID != nil {
		payload["parentId"] = *fields.ParentID
	}
	return payload
}

// CreateIssue creates an issue; the server assigns the PROJ-N identifier.
// A conflict response means another workflow won the race, so the existing
// issue is located by title and returned as success.
func (c *Client) CreateIssue(ctx context.Context, project string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	var wire wireIssue
	u := fmt.Sprintf("%s/api/projects/%s/issues", c.baseURL, url.PathEscape(project))
	err := trackers.DoJSON(ctx, c.http, "huly.CreateIssue", http.MethodPost, u, c.token, fieldsToPayload(fields), &wire)
	if err != nil {
		if syncerr.IsConflict(err) && fields.Title != nil {
			return c.findByTitle(ctx, project, *fields.Title)
		}
		return nil, err
	}
	return wire.toModel(), nil
}

// UpdateIssue applies a partial update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, project, id string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	var wire wireIssue
	u := fmt.Sprintf("%s/api/projects/%s/issues/%s", c.baseURL, url.PathEscape(project), url.PathEscape(id))
	if err := trackers.DoJSON(ctx, c.http, "huly.UpdateIssue", http.MethodPut, u, c.token, fieldsToPayload(fields), &wire); err != nil {
		return nil, err
	}
	return wire.toModel(), nil
}

// DeleteIssue removes an issue; deleting an already-gone issue is success.
func (c *Client) DeleteIssue(ctx context.Context, project, id string) error {
	u := fmt.Sprintf("%s/api/projects/%s/issues/%s", c.baseURL, url.PathEscape(project), url.PathEscape(id))
	err := trackers.DoJSON(ctx, c.http, "huly.DeleteIssue", http.MethodDelete, u, c.token, nil, nil)
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

// CreateSubIssue creates an issue under a parent; Huly is the authority on
// parentage so this is a native endpoint rather than a dependency edge.
func (c *Client) CreateSubIssue(ctx context.Context, project, parentRef string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	var wire wireIssue
	u := fmt.Sprintf("%s/api/projects/%s/issues/%s/subissues",
		c.baseURL, url.PathEscape(project), url.PathEscape(parentRef))
	err := trackers.DoJSON(ctx, c.http, "huly.CreateSubIssue", http.MethodPost, u, c.token, fieldsToPayload(fields), &wire)
	if err != nil {
		if syncerr.IsConflict(err) && fields.Title != nil {
			return c.findByTitle(ctx, project, *fields.Title)
		}
		return nil, err
	}
	return wire.toModel(), nil
}

func (c *Client) findByTitle(ctx context.Context, project, title string) (*models.TrackerIssue, error) {
	issues, err := c.ListIssues(ctx, project, trackers.ListOptions{})
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(title))
	for _, i := range issues {
		if strings.ToLower(strings.TrimSpace(i.Title)) == want {
			return i, nil
		}
	}
	return nil, syncerr.New(syncerr.KindConflict, "huly.CreateIssue",
		"create conflicted but no issue titled %q found in %s", title, project)
}
