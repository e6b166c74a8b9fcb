package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/jordanhubbard/weave/internal/identity"
	"github.com/jordanhubbard/weave/internal/mapping"
	"github.com/jordanhubbard/weave/internal/metrics"
	"github.com/jordanhubbard/weave/internal/ratelimit"
	"github.com/jordanhubbard/weave/internal/sinks"
	"github.com/jordanhubbard/weave/internal/temporal"
	"github.com/jordanhubbard/weave/internal/temporal/activities"
	"github.com/jordanhubbard/weave/internal/trackers/beads"
	"github.com/jordanhubbard/weave/internal/trackers/huly"
	"github.com/jordanhubbard/weave/internal/trackers/vibe"
	"github.com/jordanhubbard/weave/pkg/config"
	"github.com/jordanhubbard/weave/pkg/models"
)

// app is the wired sync engine shared by the daemon and the one-shot
// commands: the mapping store, the tracker clients, and the Temporal
// manager with its worker.
type app struct {
	cfg     *config.Config
	store   *mapping.Store
	metrics *metrics.Metrics
	huly    *huly.Client
	vibe    *vibe.Client
	beads   *beads.Client
	repos   map[string]string
	manager *temporal.Manager
}

// loadConfig reads and validates the configuration file. Validation errors
// carry the config exit code so operators can tell a typo from an outage.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		return nil, &exitError{code: exitStartup, err: fmt.Errorf("failed to load config from %s: %w", path, err)}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitConfig, err: fmt.Errorf("invalid configuration: %w", err)}
	}
	return cfg, nil
}

// buildApp constructs every component up to and including the Temporal
// manager. The worker is registered but not started.
func buildApp(cfg *config.Config) (*app, error) {
	store, err := mapping.Open(cfg.Database.Path)
	if err != nil {
		return nil, &exitError{code: exitStartup, err: fmt.Errorf("failed to open mapping store: %w", err)}
	}

	m := metrics.NewMetrics()

	repos := make(map[string]string, len(cfg.Repos))
	for _, r := range cfg.Repos {
		repos[r.Project] = r.Path
	}

	hulyClient := huly.New(cfg.Huly.BaseURL, cfg.Huly.Token, cfg.Huly.Timeout)
	vibeClient := vibe.New(cfg.Vibe.BaseURL, cfg.Vibe.Token, cfg.Vibe.StreamPath, cfg.Vibe.Timeout)
	beadsClient := beads.New(cfg.Beads.BDPath, repos, int64(cfg.Beads.MaxConcurrent), cfg.Beads.SubprocessTimeout, nil)

	limiters := make(map[models.Source]*ratelimit.Limiter, 3)
	pacers := make(map[models.Source]*ratelimit.Pacer, 3)
	for _, src := range []models.Source{models.SourceHuly, models.SourceVibe, models.SourceBeads} {
		limiters[src] = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.MaxWait)
		pacers[src] = ratelimit.NewPacer(cfg.Sync.APIDelay)
	}

	var notifiers []sinks.Notifier
	if cfg.Sinks.LettaURL != "" {
		notifiers = append(notifiers, sinks.NewLettaSink(cfg.Sinks.LettaURL, cfg.Sinks.Timeout))
	}
	if cfg.Sinks.GraphURL != "" {
		notifiers = append(notifiers, sinks.NewGraphSink(cfg.Sinks.GraphURL, cfg.Sinks.Timeout))
	}
	if cfg.Sinks.NATSURL != "" {
		natsSink, err := sinks.NewNATSSink(cfg.Sinks.NATSURL, cfg.Sinks.NATSStream, cfg.Sinks.Timeout)
		if err != nil {
			log.Printf("Warning: NATS sink unavailable: %v", err)
		} else {
			notifiers = append(notifiers, natsSink)
		}
	}
	fanout := sinks.NewFanout(notifiers, cfg.Sinks.Timeout, m, nil)

	manager, err := temporal.NewManager(cfg, activities.Deps{
		Store:    store,
		Huly:     hulyClient,
		Vibe:     vibeClient,
		Beads:    beadsClient,
		Resolver: identity.NewResolver(cfg.Sync.CacheExpiry),
		Breaker:  ratelimit.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown),
		Limiters: limiters,
		Pacers:   pacers,
		Sinks:    fanout,
		Metrics:  m,
		Config:   cfg,
	})
	if err != nil {
		_ = store.Close()
		return nil, &exitError{code: exitStartup, err: fmt.Errorf("failed to connect to Temporal at %s: %w", cfg.Temporal.Host, err)}
	}

	return &app{
		cfg:     cfg,
		store:   store,
		metrics: m,
		huly:    hulyClient,
		vibe:    vibeClient,
		beads:   beadsClient,
		repos:   repos,
		manager: manager,
	}, nil
}

func (a *app) close() {
	a.manager.Stop()
	if err := a.store.Close(); err != nil {
		log.Printf("Warning: failed to close mapping store: %v", err)
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
