// Package sinks delivers sync outcomes to external collaborators. Every
// sink is fire-and-forget: a slow or dead collaborator can never fail a
// sync, so errors are logged and counted but never returned to callers.
package sinks

import (
	"context"
	"log"
	"time"
)

// Notification is one completed sync outcome.
type Notification struct {
	Project     string    `json:"project"`
	Identifier  string    `json:"identifier"`
	Source      string    `json:"source"`
	Action      string    `json:"action"`
	Title       string    `json:"title,omitempty"`
	Status      string    `json:"status,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	SyncedAt    time.Time `json:"synced_at"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Notifier is one delivery destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Recorder receives the per-sink outcome; the metrics registry satisfies it.
type Recorder interface {
	RecordSinkPublish(sink string, success bool)
}

// Fanout delivers a notification to every configured sink under one shared
// timeout.
type Fanout struct {
	notifiers []Notifier
	timeout   time.Duration
	recorder  Recorder
	logger    *log.Logger
}

// NewFanout builds a fanout. recorder may be nil; timeout <= 0 defaults to
// 5 seconds.
func NewFanout(notifiers []Notifier, timeout time.Duration, recorder Recorder, logger *log.Logger) *Fanout {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Fanout{notifiers: notifiers, timeout: timeout, recorder: recorder, logger: logger}
}

// Len reports how many sinks are configured.
func (f *Fanout) Len() int { return len(f.notifiers) }

// Publish delivers n to every sink. Failures are logged per sink; Publish
// itself cannot fail.
func (f *Fanout) Publish(ctx context.Context, n Notification) {
	if len(f.notifiers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	for _, sink := range f.notifiers {
		err := sink.Notify(ctx, n)
		if f.recorder != nil {
			f.recorder.RecordSinkPublish(sink.Name(), err == nil)
		}
		if err != nil {
			f.logger.Printf("[Sinks] %s delivery failed for %s/%s: %v", sink.Name(), n.Project, n.Identifier, err)
		}
	}
}
