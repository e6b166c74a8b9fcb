package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LettaSink pushes a memory update to the per-project PM assistant whenever
// an issue finishes syncing, so the assistant's view of the project does not
// go stale between conversations.
type LettaSink struct {
	url  string
	http *http.Client
}

// NewLettaSink builds a Letta sink posting to url.
func NewLettaSink(url string, timeout time.Duration) *LettaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LettaSink{
		url:  strings.TrimRight(url, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (s *LettaSink) Name() string { return "letta" }

// lettaUpdate is the memory-block update payload. Agent names follow the
// huly-pm-<project> convention established by the assistant provisioning.
type lettaUpdate struct {
	Agent   string `json:"agent"`
	Block   string `json:"block"`
	Content string `json:"content"`
}

func (s *LettaSink) Notify(ctx context.Context, n Notification) error {
	update := lettaUpdate{
		Agent: "huly-pm-" + strings.ToLower(n.Project),
		Block: "recent_sync_activity",
		Content: fmt.Sprintf("%s %s %s (%s, %s) at %s",
			n.Source, n.Action, n.Identifier, n.Title, n.Status, n.SyncedAt.Format(time.RFC3339)),
	}
	return postJSON(ctx, s.http, s.url+"/v1/memory/updates", update)
}

// postJSON is shared by the HTTP sinks. Non-2xx statuses are errors; the
// body is drained so connections get reused.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
