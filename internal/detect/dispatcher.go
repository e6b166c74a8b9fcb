// Package detect turns external change signals into workflow starts. The
// webhook receiver, the Vibe event stream, and the per-repo filesystem
// watchers all funnel through one Dispatcher, which owns the backpressure
// policy: a bounded queue that drops the oldest entry when producers outrun
// the workflow runtime.
package detect

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Starter is the slice of the workflow manager the detectors need.
type Starter interface {
	StartIssueSync(ctx context.Context, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error)
	StartWebhookIssueSync(ctx context.Context, changeType string, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error)
	StartBeadsChange(ctx context.Context, project, changeHash string) (string, error)
}

const (
	defaultQueueSize = 1000
	startTimeout     = 10 * time.Second
)

// item is one queued change plus the routing hints that pick its workflow.
type item struct {
	event      models.ChangeEvent
	changeType string // Huly webhook type; selects the webhook workflow id form
	changeHash string // Beads JSONL digest; selects a project-scoped sweep
	linked     map[string]string
	hasRepo    bool
}

// Dispatcher drains detected changes into the workflow runtime. Workflow id
// coalescing makes duplicate deliveries cheap, so detectors enqueue without
// deduplicating beyond their own debounce.
type Dispatcher struct {
	starter Starter
	metrics *metrics.Metrics
	logger  *log.Logger
	repos   map[string]string

	queue  chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher and starts its drain goroutine. The
// repos map (project identifier to checkout path) marks which projects have
// a local Beads repository.
func NewDispatcher(starter Starter, m *metrics.Metrics, repos map[string]string, logger *log.Logger) *Dispatcher {
	return newDispatcher(starter, m, repos, logger, defaultQueueSize)
}

func newDispatcher(starter Starter, m *metrics.Metrics, repos map[string]string, logger *log.Logger, queueSize int) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		starter: starter,
		metrics: m,
		logger:  logger,
		repos:   repos,
		queue:   make(chan item, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	d.wg.Add(1)
	go d.drain()
	return d
}

// OnVibeEvent satisfies vibe.StreamHandler: one queued sync per task frame.
func (d *Dispatcher) OnVibeEvent(ev models.ChangeEvent) {
	d.push(item{event: ev, hasRepo: d.hasRepo(ev.Project)})
}

// EnqueueWebhookChange queues one change from a Huly webhook delivery. The
// change type becomes part of the workflow id so redelivered webhooks
// coalesce instead of double-syncing.
func (d *Dispatcher) EnqueueWebhookChange(changeType string, ev models.ChangeEvent) {
	d.push(item{event: ev, changeType: changeType, hasRepo: d.hasRepo(ev.Project)})
}

// EnqueueIssueSync queues a single-issue sync, used by the Beads mutation
// short-circuit endpoint.
func (d *Dispatcher) EnqueueIssueSync(ev models.ChangeEvent, linked map[string]string) {
	hasRepo := ev.Source == models.SourceBeads || d.hasRepo(ev.Project)
	d.push(item{event: ev, linked: linked, hasRepo: hasRepo})
}

// EnqueueBeadsSweep queues a beads-phase sweep of one project, keyed by the
// JSONL content digest so identical file states coalesce.
func (d *Dispatcher) EnqueueBeadsSweep(project, changeHash string) {
	ev := models.NewChangeEvent(models.SourceBeads, project, models.ChangeUpdate)
	ev.Project = project
	d.push(item{event: ev, changeHash: changeHash, hasRepo: true})
}

// QueueDepth reports how many changes are waiting on the drain goroutine.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Close stops the drain goroutine. Queued items are abandoned; the scheduled
// sweep picks up anything they would have synced.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) hasRepo(project string) bool {
	_, ok := d.repos[project]
	return ok
}

// push enqueues without ever blocking a detector: when the queue is full the
// oldest entry is dropped and counted.
func (d *Dispatcher) push(it item) {
	d.metrics.RecordEvent(string(it.event.Source), string(it.event.Kind))
	for {
		select {
		case d.queue <- it:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			d.metrics.RecordEventDropped()
			d.logger.Printf("[Dispatcher] queue full, dropping oldest event %s", dropped.event)
		default:
		}
	}
}

func (d *Dispatcher) drain() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case it := <-d.queue:
			d.dispatch(it)
		}
	}
}

func (d *Dispatcher) dispatch(it item) {
	ctx, cancel := context.WithTimeout(d.ctx, startTimeout)
	defer cancel()

	var err error
	switch {
	case it.changeHash != "":
		_, err = d.starter.StartBeadsChange(ctx, it.event.Project, it.changeHash)
	case it.changeType != "":
		_, err = d.starter.StartWebhookIssueSync(ctx, it.changeType, it.event, it.linked, it.hasRepo)
	default:
		_, err = d.starter.StartIssueSync(ctx, it.event, it.linked, it.hasRepo)
	}
	if err != nil {
		d.logger.Printf("[Dispatcher] workflow start failed for %s: %v", it.event, err)
	}
}
