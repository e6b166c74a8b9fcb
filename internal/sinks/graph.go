package sinks

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// GraphSink posts issue-sync summaries to the code-perception graph store,
// which correlates issue activity with repository structure.
type GraphSink struct {
	url  string
	http *http.Client
}

// NewGraphSink builds a graph-store sink posting to url.
func NewGraphSink(url string, timeout time.Duration) *GraphSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GraphSink{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (s *GraphSink) Name() string { return "graph" }

// graphSummary is the node-upsert payload: one node per issue keyed by the
// Huly-style identifier, edged to its project.
type graphSummary struct {
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	Project    string `json:"project"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Action     string `json:"action"`
	Source     string `json:"source"`
	ObservedAt string `json:"observed_at"`
}

func (s *GraphSink) Notify(ctx context.Context, n Notification) error {
	summary := graphSummary{
		Kind:       "issue",
		Key:        n.Identifier,
		Project:    n.Project,
		Title:      n.Title,
		Status:     n.Status,
		Priority:   n.Priority,
		Action:     n.Action,
		Source:     n.Source,
		ObservedAt: n.SyncedAt.Format(time.RFC3339),
	}
	return postJSON(ctx, s.http, s.url+"/api/nodes/issues", summary)
}
