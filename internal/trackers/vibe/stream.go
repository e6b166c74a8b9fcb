package vibe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jordanhubbard/weave/pkg/models"
)

// StreamHandler receives one normalized event per task-change frame.
type StreamHandler func(models.ChangeEvent)

// Stream consumes the Vibe server-sent event feed and turns task-change
// frames into ChangeEvents. One Stream maintains one connection and
// reconnects forever until its context is cancelled.
type Stream struct {
	client  *Client
	handler StreamHandler
	logger  *log.Logger
}

// NewStream builds a stream consumer on top of an existing client.
func NewStream(client *Client, handler StreamHandler, logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.Default()
	}
	return &Stream{client: client, handler: handler, logger: logger}
}

// BackOff implementations are stateful; always return a fresh instance.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// Run blocks consuming the stream until ctx is cancelled. Connection drops
// reconnect with exponential backoff; a connection that survived long enough
// to deliver a frame resets the backoff.
func (s *Stream) Run(ctx context.Context) error {
	bo := newReconnectBackoff()
	for {
		delivered, err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		s.logger.Printf("[VibeStream] connection lost (%v), reconnecting in %s", err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume holds one connection open and dispatches its frames. Returns
// whether at least one frame was delivered.
func (s *Stream) consume(ctx context.Context) (bool, error) {
	url := s.client.baseURL + s.client.streamPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.client.token)
	}

	// The shared client enforces a request timeout, which would kill a
	// long-lived stream; this transport-only client has none.
	streamClient := &http.Client{Transport: s.client.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}

	s.logger.Printf("[VibeStream] connected to %s", url)

	delivered := false
	var eventName string
	var data strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if s.dispatch(eventName, data.String()) {
					delivered = true
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment lines keep idle connections alive.
		}
	}
	return delivered, scanner.Err()
}

// dispatch parses one frame and hands it to the handler. Frames that are
// not task changes are dropped. Reports whether a handler was invoked.
func (s *Stream) dispatch(eventName, data string) bool {
	kind := kindForEvent(eventName)
	if kind == "" {
		return false
	}

	var task wireTask
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		s.logger.Printf("[VibeStream] dropping malformed %s frame: %v", eventName, err)
		return false
	}
	if task.ID == "" {
		return false
	}

	ev := models.NewChangeEvent(models.SourceVibe, task.ID, kind)
	ev.Project = task.ProjectID
	ev.Payload = json.RawMessage(data)
	s.handler(ev)
	return true
}

func kindForEvent(name string) models.ChangeKind {
	switch name {
	case "task.created":
		return models.ChangeCreate
	case "task.updated":
		return models.ChangeUpdate
	case "task.deleted":
		return models.ChangeDelete
	}
	return ""
}
