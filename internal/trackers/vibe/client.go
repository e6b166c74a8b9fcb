// Package vibe implements the tracker client for the Vibe kanban platform
// and its server-sent event stream. Vibe speaks its own status and priority
// vocabulary; this client translates both directions so callers only ever
// see the normalized form.
package vibe

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

// Client talks to the Vibe HTTP JSON API. The project argument of issue
// operations is the Vibe project id from the mapping row.
type Client struct {
	baseURL    string
	token      string
	streamPath string
	http       *http.Client
}

// New builds a Vibe client rooted at baseURL.
func New(baseURL, token, streamPath string, timeout time.Duration) *Client {
	if streamPath == "" {
		streamPath = "/api/events/stream"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		streamPath: streamPath,
		http:       trackers.NewHTTPClient(timeout),
	}
}

// WithHTTPClient swaps the underlying HTTP client for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) Name() models.Source { return models.SourceVibe }

func (c *Client) HealthCheck(ctx context.Context) error {
	return trackers.DoJSON(ctx, c.http, "vibe.HealthCheck", http.MethodGet, c.baseURL+"/api/health", c.token, nil, nil)
}

// wireTask is the Vibe task record. UpdatedAt is RFC 3339.
type wireTask struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type wireProject struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskCount int       `json:"task_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (w *wireTask) toModel() *models.TrackerIssue {
	return &models.TrackerIssue{
		ID:          w.ID,
		ProjectID:   w.ProjectID,
		Title:       w.Title,
		Description: w.Description,
		Status:      syncpolicy.StatusFromVibe(w.Status),
		Priority:    syncpolicy.PriorityFromVibe(w.Priority),
		ModifiedAt:  w.UpdatedAt.UTC(),
		Raw: map[string]string{
			"status":   w.Status,
			"priority": w.Priority,
		},
	}
}

func (w *wireProject) toModel() *models.TrackerProject {
	return &models.TrackerProject{
		ID:         w.ID,
		Identifier: w.Name,
		Name:       w.Name,
		IssueCount: w.TaskCount,
		ModifiedAt: w.UpdatedAt.UTC(),
	}
}

func (c *Client) ListProjects(ctx context.Context) ([]*models.TrackerProject, error) {
	var wire []wireProject
	if err := trackers.DoJSON(ctx, c.http, "vibe.ListProjects", http.MethodGet, c.baseURL+"/api/projects", c.token, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]*models.TrackerProject, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toModel())
	}
	return out, nil
}

// GetProject accepts either a Vibe project id or a project name; names are
// how Huly identifiers surface on the Vibe side.
func (c *Client) GetProject(ctx context.Context, identifier string) (*models.TrackerProject, error) {
	var wire wireProject
	u := fmt.Sprintf("%s/api/projects/%s", c.baseURL, url.PathEscape(identifier))
	err := trackers.DoJSON(ctx, c.http, "vibe.GetProject", http.MethodGet, u, c.token, nil, &wire)
	if err == nil {
		return wire.toModel(), nil
	}
	if !syncerr.IsNotFound(err) {
		return nil, err
	}

	projects, lerr := c.ListProjects(ctx)
	if lerr != nil {
		return nil, lerr
	}
	for _, p := range projects {
		if strings.EqualFold(p.Name, identifier) {
			return p, nil
		}
	}
	return nil, err
}

func (c *Client) ListIssues(ctx context.Context, project string, opts trackers.ListOptions) ([]*models.TrackerIssue, error) {
	u := fmt.Sprintf("%s/api/projects/%s/tasks", c.baseURL, url.PathEscape(project))
	if opts.Since != nil {
		q := url.Values{}
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
		u += "?" + q.Encode()
	}
	var wire []wireTask
	if err := trackers.DoJSON(ctx, c.http, "vibe.ListIssues", http.MethodGet, u, c.token, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]*models.TrackerIssue, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toModel())
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, project, id string) (*models.TrackerIssue, error) {
	var wire wireTask
	u := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, url.PathEscape(id))
	if err := trackers.DoJSON(ctx, c.http, "vibe.GetIssue", http.MethodGet, u, c.token, nil, &wire); err != nil {
		return nil, err
	}
	return wire.toModel(), nil
}

func fieldsToPayload(project string, fields *models.IssueFields) map[string]interface{} {
	payload := map[string]interface{}{}
	if project != "" {
		payload["project_id"] = project
	}
	if fields.Title != nil {
		payload["title"] = *fields.Title
	}
	if fields.Description != nil {
		payload["description"] = *fields.Description
	}
	if fields.Status != nil {
		payload["status"] = syncpolicy.StatusToVibe(*fields.Status)
	}
	if fields.Priority != nil {
		payload["priority"] = syncpolicy.PriorityToVibe(*fields.Priority)
	}
	return payload
}

// CreateIssue creates a task. On conflict the existing task is located by
// title and returned as success, matching the idempotency contract shared
// by all trackers.
func (c *Client) CreateIssue(ctx context.Context, project string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	var wire wireTask
	u := fmt.Sprintf("%s/api/projects/%s/tasks", c.baseURL, url.PathEscape(project))
	err := trackers.DoJSON(ctx, c.http, "vibe.CreateIssue", http.MethodPost, u, c.token, fieldsToPayload(project, fields), &wire)
	if err != nil {
		if syncerr.IsConflict(err) && fields.Title != nil {
			return c.findByTitle(ctx, project, *fields.Title)
		}
		return nil, err
	}
	return wire.toModel(), nil
}

func (c *Client) UpdateIssue(ctx context.Context, project, id string, fields *models.IssueFields) (*models.TrackerIssue, error) {
	var wire wireTask
	u := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, url.PathEscape(id))
	if err := trackers.DoJSON(ctx, c.http, "vibe.UpdateIssue", http.MethodPatch, u, c.token, fieldsToPayload("", fields), &wire); err != nil {
		return nil, err
	}
	return wire.toModel(), nil
}

func (c *Client) DeleteIssue(ctx context.Context, project, id string) error {
	u := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, url.PathEscape(id))
	err := trackers.DoJSON(ctx, c.http, "vibe.DeleteIssue", http.MethodDelete, u, c.token, nil, nil)
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) findByTitle(ctx context.Context, project, title string) (*models.TrackerIssue, error) {
	tasks, err := c.ListIssues(ctx, project, trackers.ListOptions{})
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(title))
	for _, t := range tasks {
		if strings.ToLower(strings.TrimSpace(t.Title)) == want {
			return t, nil
		}
	}
	return nil, syncerr.New(syncerr.KindConflict, "vibe.CreateIssue",
		"create conflicted but no task titled %q found", title)
}
