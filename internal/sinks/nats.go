package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink mirrors every sync outcome onto a JetStream subject so external
// consumers can follow the sync feed without polling the trackers.
type NATSSink struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewNATSSink connects to NATS and ensures the stream exists. The stream
// uses LimitsPolicy so any number of consumers can follow the feed.
func NewNATSSink(url, streamName string, timeout time.Duration) (*NATSSink, error) {
	if streamName == "" {
		streamName = "WEAVE"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	nc, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Sinks] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Sinks] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s := &NATSSink{conn: nc, js: js, streamName: streamName}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[Sinks] connected to NATS at %s with JetStream stream %s", url, streamName)
	return s, nil
}

func (s *NATSSink) Name() string { return "nats" }

// ensureStream creates or updates the sync event stream.
func (s *NATSSink) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      s.streamName,
		Subjects:  []string{"weave.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := s.js.StreamInfo(s.streamName); err != nil {
		if _, err := s.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[Sinks] created JetStream stream %s", s.streamName)
		return nil
	}

	if _, err := s.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Notify publishes the notification to weave.sync.<project>.
func (s *NATSSink) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	subject := "weave.sync." + subjectToken(n.Project)
	_, err = s.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close closes the NATS connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// subjectToken sanitizes a project identifier for use as a subject token;
// NATS reserves '.', '*', and '>'.
func subjectToken(project string) string {
	if project == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return replacer.Replace(project)
}
