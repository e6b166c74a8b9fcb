// Package temporal wires the sync engine into the Temporal runtime: one
// worker hosting the five sync workflows and the activity set, plus typed
// starters the change detectors and the CLI go through. Workflow ids encode
// the work being done, so duplicate detections of the same change coalesce
// into a single execution.
package temporal

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/internal/temporal/activities"
	temporalclient "github.com/jordanhubbard/weave/internal/temporal/client"
	"github.com/jordanhubbard/weave/internal/temporal/workflows"
	"github.com/jordanhubbard/weave/pkg/config"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Manager owns the Temporal client and worker and exposes the workflow
// starters.
type Manager struct {
	client  *temporalclient.Client
	worker  worker.Worker
	config  *config.Config
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager dials Temporal and registers the sync workflows and activities
// on a single task-queue worker.
func NewManager(cfg *config.Config, deps activities.Deps) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	tc, err := temporalclient.New(&cfg.Temporal)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	workerOpts := worker.Options{}
	if cfg.Sync.MaxWorkers > 0 {
		workerOpts.MaxConcurrentActivityExecutionSize = cfg.Sync.MaxWorkers
	}
	w := worker.New(tc.GetClient(), cfg.Temporal.TaskQueue, workerOpts)

	w.RegisterWorkflow(workflows.SingleIssueSyncWorkflow)
	w.RegisterWorkflow(workflows.ProjectSyncWorkflow)
	w.RegisterWorkflow(workflows.FullOrchestrationWorkflow)
	w.RegisterWorkflow(workflows.ScheduledSyncWorkflow)
	w.RegisterWorkflow(workflows.DataReconciliationWorkflow)

	// Registering the struct binds each exported method under its method
	// name, which is how the workflows invoke them.
	w.RegisterActivity(activities.NewActivities(deps))

	log.Printf("[Temporal] worker registered for task queue: %s", cfg.Temporal.TaskQueue)

	return &Manager{
		client:  tc,
		worker:  w,
		config:  cfg,
		metrics: deps.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start starts the Temporal worker.
func (m *Manager) Start() error {
	log.Println("[Temporal] starting worker...")

	go func() {
		if err := m.worker.Run(worker.InterruptCh()); err != nil {
			log.Printf("[Temporal] worker error: %v", err)
		}
	}()

	log.Println("[Temporal] worker started")
	return nil
}

// Stop stops the worker and closes the client.
func (m *Manager) Stop() {
	log.Println("[Temporal] stopping manager...")

	m.cancel()

	if m.worker != nil {
		m.worker.Stop()
	}

	if m.client != nil {
		m.client.Close()
	}

	log.Println("[Temporal] manager stopped")
}

// GetClient returns the Temporal client wrapper.
func (m *Manager) GetClient() *temporalclient.Client {
	return m.client
}

// SyncOptions builds the workflow options from configuration.
func (m *Manager) SyncOptions() workflows.SyncOptions {
	return workflows.SyncOptions{
		DryRun:             m.config.Sync.DryRun,
		DeletePolicy:       m.config.Sync.DeletePolicy,
		Parallelism:        m.config.Sync.IssueParallelism,
		SkipEmptyProjects:  m.config.Sync.SkipEmptyProjects,
		CacheExpiryMinutes: int(m.config.Sync.CacheExpiry / time.Minute),
	}
}

// intervalBucket floors now to the sync interval, so everything started
// within one interval shares a workflow id suffix.
func (m *Manager) intervalBucket() int64 {
	secs := int64(m.config.Sync.Interval / time.Second)
	if secs <= 0 {
		secs = 300
	}
	return time.Now().Unix() / secs
}

// startWorkflow starts one execution under a coalescing id. A concurrent
// start with the same id is not an error: the running execution owns the
// work, and the caller is told nothing new was started.
func (m *Manager) startWorkflow(ctx context.Context, id string, runTimeout time.Duration, wf interface{}, name string, input interface{}) (bool, error) {
	opts := client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                m.config.Temporal.TaskQueue,
		WorkflowTaskTimeout:                      m.config.Temporal.WorkflowTaskTimeout,
		WorkflowRunTimeout:                       runTimeout,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	_, err := m.client.ExecuteWorkflow(ctx, opts, wf, input)
	if err != nil {
		if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
			if m.metrics != nil {
				m.metrics.RecordWorkflowStart(name, true)
			}
			return false, nil
		}
		return false, err
	}
	if m.metrics != nil {
		m.metrics.RecordWorkflowStart(name, false)
	}
	telemetry.WorkflowsStarted.Add(ctx, 1)
	return true, nil
}

// StartIssueSync launches a SingleIssueSync for a detected change. The
// workflow id is derived from the source and ref, so repeated detections of
// the same issue collapse into the running execution.
func (m *Manager) StartIssueSync(ctx context.Context, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error) {
	id := workflows.IssueSyncID(event.Source, event.EntityRef)
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutSingleIssue, workflows.SingleIssueSyncWorkflow, "SingleIssueSyncWorkflow", workflows.SingleIssueSyncInput{
		Source:    event.Source,
		Project:   event.Project,
		Ref:       event.EntityRef,
		Kind:      event.Kind,
		LinkedIDs: linked,
		HasRepo:   hasRepo,
		Options:   m.SyncOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start issue sync: %w", err)
	}
	if started {
		log.Printf("[Temporal] started issue sync %s", id)
	}
	return id, nil
}

// StartWebhookIssueSync launches a SingleIssueSync for one Huly webhook
// change, under the webhook id scheme so redelivered webhooks coalesce.
func (m *Manager) StartWebhookIssueSync(ctx context.Context, changeType string, event models.ChangeEvent, linked map[string]string, hasRepo bool) (string, error) {
	id := workflows.WebhookSyncID(changeType, event.EntityRef)
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutSingleIssue, workflows.SingleIssueSyncWorkflow, "SingleIssueSyncWorkflow", workflows.SingleIssueSyncInput{
		Source:    event.Source,
		Project:   event.Project,
		Ref:       event.EntityRef,
		Kind:      event.Kind,
		LinkedIDs: linked,
		HasRepo:   hasRepo,
		Options:   m.SyncOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start webhook sync: %w", err)
	}
	if started {
		log.Printf("[Temporal] started webhook sync %s", id)
	}
	return id, nil
}

// StartBeadsChange launches the beads phases of a ProjectSync in response to
// a watched issues.jsonl change. The id carries the file's content hash, so
// watcher and webhook firing for the same file state start one sweep.
func (m *Manager) StartBeadsChange(ctx context.Context, project, changeHash string) (string, error) {
	id := workflows.BeadsChangeID(project, changeHash)
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutProject, workflows.ProjectSyncWorkflow, "ProjectSyncWorkflow", workflows.ProjectSyncInput{
		Project: project,
		Phases:  []string{"beads", "backlog"},
		Options: m.SyncOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start beads change sync: %w", err)
	}
	if started {
		log.Printf("[Temporal] started beads change sync %s", id)
	}
	return id, nil
}

// StartProjectSync launches a full sweep of one project.
func (m *Manager) StartProjectSync(ctx context.Context, project string) (string, error) {
	id := workflows.ProjectSyncID(project, m.intervalBucket())
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutProject, workflows.ProjectSyncWorkflow, "ProjectSyncWorkflow", workflows.ProjectSyncInput{
		Project: project,
		Options: m.SyncOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start project sync: %w", err)
	}
	if started {
		log.Printf("[Temporal] started project sync %s", id)
	}
	return id, nil
}

// StartFullOrchestration launches a sweep across every due project.
func (m *Manager) StartFullOrchestration(ctx context.Context) (string, error) {
	bucket := m.intervalBucket()
	id := workflows.OrchestrationID(bucket)
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutOrchestration, workflows.FullOrchestrationWorkflow, "FullOrchestrationWorkflow", workflows.FullOrchestrationInput{
		Bucket:  bucket,
		Options: m.SyncOptions(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to start orchestration: %w", err)
	}
	if started {
		log.Printf("[Temporal] started orchestration %s", id)
	}
	return id, nil
}

// StartScheduledSync starts the durable sync loop if it is not already
// running.
func (m *Manager) StartScheduledSync(ctx context.Context) error {
	interval := m.config.Sync.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	started, err := m.startWorkflow(ctx, workflows.ScheduledSyncID, 0, workflows.ScheduledSyncWorkflow, "ScheduledSyncWorkflow", workflows.ScheduledSyncInput{
		IntervalSeconds: int(interval / time.Second),
		MaxIterations:   m.config.Sync.MaxIterations,
		Options:         m.SyncOptions(),
	})
	if err != nil {
		return fmt.Errorf("failed to start scheduled sync: %w", err)
	}
	if started {
		log.Printf("[Temporal] started scheduled sync loop (interval %v)", interval)
	} else {
		log.Printf("[Temporal] scheduled sync loop already running")
	}
	return nil
}

// StartDataReconciliation launches an audit of the mapping store against the
// live trackers.
func (m *Manager) StartDataReconciliation(ctx context.Context, project, action string, dryRun bool) (string, error) {
	scope := project
	if scope == "" {
		scope = "all"
	}
	id := workflows.ReconcileID(scope, m.intervalBucket())
	started, err := m.startWorkflow(ctx, id, workflows.TimeoutOrchestration, workflows.DataReconciliationWorkflow, "DataReconciliationWorkflow", workflows.DataReconciliationInput{
		Project: project,
		Action:  action,
		DryRun:  dryRun,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start reconciliation: %w", err)
	}
	if started {
		log.Printf("[Temporal] started reconciliation %s", id)
	}
	return id, nil
}

// CancelSync asks a running workflow to drain and stop.
func (m *Manager) CancelSync(ctx context.Context, workflowID, reason string) error {
	return m.client.SignalWorkflow(ctx, workflowID, "", workflows.SignalCancel, reason)
}

// SyncProgress queries a running workflow's progress snapshot.
func (m *Manager) SyncProgress(ctx context.Context, workflowID string) (*workflows.Progress, error) {
	resp, err := m.client.QueryWorkflow(ctx, workflowID, "", workflows.QueryProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	var p workflows.Progress
	if err := resp.Get(&p); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &p, nil
}

// AwaitWorkflow blocks until the workflow completes and decodes its result
// into out, which may be nil to just wait.
func (m *Manager) AwaitWorkflow(ctx context.Context, workflowID string, out interface{}) error {
	run := m.client.GetWorkflow(ctx, workflowID, "")
	return run.Get(ctx, out)
}
