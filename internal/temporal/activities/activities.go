// Package activities implements the Temporal activities behind the sync
// workflows. Every piece of I/O a workflow needs — tracker calls, mapping
// store reads and writes, breaker bookkeeping, sink delivery — lives here;
// the workflows themselves stay deterministic.
package activities

import (
	"context"
	"log"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/jordanhubbard/weave/internal/identity"
	"github.com/jordanhubbard/weave/internal/mapping"
	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/internal/ratelimit"
	"github.com/jordanhubbard/weave/internal/sinks"
	"github.com/jordanhubbard/weave/internal/syncerr"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/internal/trackers/beads"
	"github.com/jordanhubbard/weave/pkg/config"
	"github.com/jordanhubbard/weave/pkg/models"
)

// Deps carries everything the activities touch. The manager builds one of
// these at startup and registers the resulting Activities struct with the
// worker.
type Deps struct {
	Store    *mapping.Store
	Huly     trackers.Tracker
	Vibe     trackers.Tracker
	Beads    *beads.Client
	Resolver *identity.Resolver
	Breaker  *ratelimit.Breaker
	Limiters map[models.Source]*ratelimit.Limiter
	Pacers   map[models.Source]*ratelimit.Pacer
	Sinks    *sinks.Fanout
	Metrics  *metrics.Metrics
	Config   *config.Config
	Logger   *log.Logger
}

// Activities is registered with the Temporal worker; every exported method
// becomes an activity invoked by name.
type Activities struct {
	store    *mapping.Store
	huly     trackers.Tracker
	vibe     trackers.Tracker
	beads    *beads.Client
	resolver *identity.Resolver
	breaker  *ratelimit.Breaker
	limiters map[models.Source]*ratelimit.Limiter
	pacers   map[models.Source]*ratelimit.Pacer
	sinks    *sinks.Fanout
	metrics  *metrics.Metrics
	cfg      *config.Config
	logger   *log.Logger
}

// NewActivities wires the activity set.
func NewActivities(deps Deps) *Activities {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Activities{
		store:    deps.Store,
		huly:     deps.Huly,
		vibe:     deps.Vibe,
		beads:    deps.Beads,
		resolver: deps.Resolver,
		breaker:  deps.Breaker,
		limiters: deps.Limiters,
		pacers:   deps.Pacers,
		sinks:    deps.Sinks,
		metrics:  deps.Metrics,
		cfg:      deps.Config,
		logger:   logger,
	}
}

// trackerFor maps a source to its client.
func (a *Activities) trackerFor(src models.Source) (trackers.Tracker, error) {
	switch src {
	case models.SourceHuly:
		return a.huly, nil
	case models.SourceVibe:
		return a.vibe, nil
	case models.SourceBeads:
		return a.beads, nil
	}
	return nil, syncerr.New(syncerr.KindValidation, "activities.trackerFor", "no tracker for source %q", src)
}

// pace blocks on the per-tracker token bucket and inter-call delay.
// Noticeable waits are counted.
func (a *Activities) pace(ctx context.Context, src models.Source) error {
	start := time.Now()
	if lim := a.limiters[src]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if time.Since(start) > 5*time.Millisecond && a.metrics != nil {
			a.metrics.RecordRateLimitWait(string(src))
		}
	}
	if p := a.pacers[src]; p != nil {
		return p.Pace(ctx)
	}
	return nil
}

// trackerCall runs one tracker operation behind the rate limiter and records
// its latency and outcome.
func (a *Activities) trackerCall(ctx context.Context, src models.Source, op string, fn func() error) error {
	if err := a.pace(ctx, src); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	if a.metrics != nil {
		a.metrics.RecordTrackerRequest(string(src), op, err == nil, time.Since(start).Seconds())
	}
	telemetry.TrackerLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	return err
}

// asTemporalError rebrands a classified error as an ApplicationError whose
// type string is the syncerr kind, so the retry policy can tell retryable
// from non-retryable failures.
func asTemporalError(err error) error {
	if err == nil {
		return nil
	}
	kind := syncerr.KindOf(err)
	if syncerr.Retryable(err) {
		return temporal.NewApplicationErrorWithCause(err.Error(), string(kind), err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), string(kind), err)
}

// repoConfigured reports whether a Beads repo is bound to the project,
// either in config or in the stored project row.
func (a *Activities) repoConfigured(ctx context.Context, project string) bool {
	if a.cfg != nil && a.cfg.RepoForProject(project) != "" {
		return true
	}
	if a.beads != nil {
		if _, err := a.beads.RepoPath(project); err == nil {
			return true
		}
	}
	p, err := a.store.GetProject(ctx, project)
	return err == nil && p.RepoPath != ""
}

// vibeProjectRef prefers the bound Vibe project id over the shared
// identifier when talking to Vibe.
func (a *Activities) vibeProjectRef(ctx context.Context, project string) string {
	p, err := a.store.GetProject(ctx, project)
	if err == nil && p.VibeID != "" {
		return p.VibeID
	}
	return project
}
