// Package workflows holds the deterministic halves of the sync engine: five
// workflows that orchestrate the activities in internal/temporal/activities.
// Workflow code never touches a tracker, the store, or the clock directly.
package workflows

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/pkg/models"
)

const (
	// SignalCancel asks a running workflow to stop scheduling new work and
	// drain what is in flight.
	SignalCancel = "cancel"
	// QueryProgress returns the workflow's Progress snapshot.
	QueryProgress = "progress"

	// TimeoutSingleIssue bounds one issue's end-to-end sync.
	TimeoutSingleIssue = 90 * time.Second
	// TimeoutProject bounds one project sweep.
	TimeoutProject = 5 * time.Minute
	// TimeoutOrchestration bounds one orchestration segment.
	TimeoutOrchestration = 15 * time.Minute

	// cancelDrainBudget is how long a cancelled sweep waits for in-flight
	// issue syncs before giving up on them.
	cancelDrainBudget = 5 * time.Second

	// orchestratorBatch is how many projects one orchestrator run handles
	// before continue-as-new truncates its history.
	orchestratorBatch = 3
	// scheduledBatch is how many timer iterations one scheduled-sync run
	// handles before continue-as-new.
	scheduledBatch = 10
)

// SyncOptions carries the operator knobs a workflow run was started with.
// Everything is plain data so replays see the same values.
type SyncOptions struct {
	DryRun             bool
	DeletePolicy       string
	Parallelism        int
	SkipEmptyProjects  bool
	CacheExpiryMinutes int
}

// normalized fills defaults so workflow logic never branches on zero values.
func (o SyncOptions) normalized() SyncOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 5
	}
	if o.DeletePolicy == "" {
		o.DeletePolicy = "soft"
	}
	if o.CacheExpiryMinutes <= 0 {
		o.CacheExpiryMinutes = 30
	}
	return o
}

// Progress is the shape served by the progress query.
type Progress struct {
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Phase     string `json:"phase"`
}

// IssueSyncID is the coalescing id for a detector-driven single-issue sync.
func IssueSyncID(source models.Source, ref string) string {
	return fmt.Sprintf("sync-issue-%s-%s", source, sanitizeID(ref))
}

// WebhookSyncID is the coalescing id for one Huly webhook change.
func WebhookSyncID(changeType, entityRef string) string {
	return fmt.Sprintf("huly-webhook-%s-%s", sanitizeID(changeType), sanitizeID(entityRef))
}

// BeadsChangeID coalesces repeated watcher fires for the same file state.
func BeadsChangeID(project, changeHash string) string {
	return fmt.Sprintf("beads-change-%s-%s", sanitizeID(project), sanitizeID(changeHash))
}

// ProjectSyncID buckets a project sweep to the sync interval so overlapping
// starts collapse.
func ProjectSyncID(project string, bucket int64) string {
	return fmt.Sprintf("full-sync-%s-%d", sanitizeID(project), bucket)
}

// OrchestrationID buckets the all-projects sweep.
func OrchestrationID(bucket int64) string {
	return fmt.Sprintf("full-sync-all-%d", bucket)
}

// ReconcileID buckets a reconciliation run; scope is a project identifier or
// "all".
func ReconcileID(scope string, bucket int64) string {
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("reconcile-%s-%d", sanitizeID(scope), bucket)
}

// ScheduledSyncID is the singleton id of the durable sync loop.
const ScheduledSyncID = "scheduled-sync"

func sanitizeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}

// defaultRetryPolicy is shared by every activity invocation: transient
// failures back off 2s→60s for up to five attempts, classified permanent
// failures stop immediately.
func defaultRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        2 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        60 * time.Second,
		MaximumAttempts:        5,
		NonRetryableErrorTypes: syncerr.NonRetryableKinds(),
	}
}

// withActivityDefaults applies the standard activity envelope: 60s covers
// one HTTP call or a couple of store round-trips, and the subprocess bound
// sits inside it.
func withActivityDefaults(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy:         defaultRetryPolicy(),
	})
}

// withNotifyOptions is for the sink fan-out: short and never retried, since
// delivery is best-effort by contract.
func withNotifyOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
}

// watchCancel flips the flag when the cancel signal arrives. The goroutine
// parks on the signal channel and is abandoned when the workflow returns.
func watchCancel(ctx workflow.Context, cancelled *bool) {
	ch := workflow.GetSignalChannel(ctx, SignalCancel)
	workflow.Go(ctx, func(gctx workflow.Context) {
		var reason string
		ch.Receive(gctx, &reason)
		*cancelled = true
		workflow.GetLogger(gctx).Info("Cancel signal received", "reason", reason)
	})
}
