package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/weave/internal/detect"
	"github.com/jordanhubbard/weave/internal/telemetry"
	"github.com/jordanhubbard/weave/internal/trackers"
	"github.com/jordanhubbard/weave/internal/trackers/vibe"
	"github.com/jordanhubbard/weave/pkg/config"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run starts the Temporal worker, the webhook listener, the Vibe event
stream, the Beads repository watchers, and the scheduled sync loop, then
serves until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	log.Printf("weave v%s starting", version)

	if cfg.Telemetry.Enabled {
		endpoint := cfg.Telemetry.OTLPEndpoint
		if env := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); env != "" {
			endpoint = env
		}
		shutdownTelemetry, err := telemetry.InitTelemetry(context.Background(), cfg.Telemetry.ServiceName, endpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracker outages are survivable: syncs retry and the breaker paces
	// them, so failed probes only warn.
	probeCtx, probeCancel := context.WithTimeout(runCtx, 10*time.Second)
	for _, tr := range []trackers.Tracker{a.huly, a.vibe, a.beads} {
		if err := tr.HealthCheck(probeCtx); err != nil {
			log.Printf("Warning: %s health check failed: %v", tr.Name(), err)
		}
	}
	probeCancel()

	if err := a.manager.Start(); err != nil {
		return &exitError{code: exitStartup, err: fmt.Errorf("failed to start Temporal worker: %w", err)}
	}

	dispatcher := detect.NewDispatcher(a.manager, a.metrics, a.repos, nil)
	server := detect.NewServer(dispatcher, a.metrics)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on :%d", cfg.Server.HTTPPort)
		if err := server.Start(cfg.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	watchers := detect.NewWatcherRegistry(a.repos, dispatcher, nil)
	watchers.Start(runCtx)

	stream := vibe.NewStream(a.vibe, dispatcher.OnVibeEvent, nil)
	go func() {
		if err := stream.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[VibeStream] stopped: %v", err)
		}
	}()

	scheduler := detect.NewScheduler(a.manager, nil)
	scheduler.Start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-serverErr:
		runErr = &exitError{code: exitRuntime, err: fmt.Errorf("http server failed: %w", err)}
	}

	// Stop detectors first so nothing enqueues into a stopping engine, then
	// drain the HTTP server and dispatcher, then the worker and store.
	cancel()
	scheduler.Stop()
	watchers.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: http shutdown: %v", err)
	}

	dispatcher.Close()

	return runErr
}
