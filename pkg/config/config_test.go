package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8084 {
		t.Errorf("expected HTTP port 8084, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Database.Path != "./weave.db" {
		t.Errorf("expected ./weave.db, got %q", cfg.Database.Path)
	}
	if cfg.Sync.APIDelay != 10*time.Millisecond {
		t.Errorf("expected 10ms api delay, got %v", cfg.Sync.APIDelay)
	}
	if cfg.Sync.MaxWorkers != 5 {
		t.Errorf("expected 5 workers, got %d", cfg.Sync.MaxWorkers)
	}
	if cfg.Breaker.Threshold != 3 {
		t.Errorf("expected breaker threshold 3, got %d", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.Cooldown != 5*time.Minute {
		t.Errorf("expected 5m cooldown, got %v", cfg.Breaker.Cooldown)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 {
		t.Errorf("expected 20 req/s, got %v", cfg.RateLimit.RequestsPerSecond)
	}
	if cfg.Beads.MaxConcurrent != 4 {
		t.Errorf("expected 4 concurrent subprocesses, got %d", cfg.Beads.MaxConcurrent)
	}
	if cfg.Sync.DeletePolicy != "soft" {
		t.Errorf("expected soft delete policy, got %q", cfg.Sync.DeletePolicy)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"no db path", func(c *Config) { c.Database.Path = "" }},
		{"no huly url", func(c *Config) { c.Huly.BaseURL = "" }},
		{"no vibe url", func(c *Config) { c.Vibe.BaseURL = "" }},
		{"no temporal host", func(c *Config) { c.Temporal.Host = "" }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero workers", func(c *Config) { c.Sync.MaxWorkers = 0 }},
		{"bad delete policy", func(c *Config) { c.Sync.DeletePolicy = "purge" }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.Threshold = 0 }},
		{"repo without path", func(c *Config) { c.Repos = []RepoConfig{{Project: "PROJ"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weave.yaml")

	yaml := `
server:
  http_port: 9090
huly:
  base_url: https://huly.example.com
  token: ${WEAVE_TEST_TOKEN}
sync:
  interval: 2m
  dry_run: true
repos:
  - project: PROJ
    path: /srv/repos/proj
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEAVE_TEST_TOKEN", "sekrit")

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Huly.BaseURL != "https://huly.example.com" {
		t.Errorf("unexpected huly url %q", cfg.Huly.BaseURL)
	}
	if cfg.Huly.Token != "sekrit" {
		t.Errorf("env expansion failed, got %q", cfg.Huly.Token)
	}
	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("expected 2m interval, got %v", cfg.Sync.Interval)
	}
	if !cfg.Sync.DryRun {
		t.Error("expected dry run")
	}
	// Untouched sections keep defaults.
	if cfg.Temporal.Host != "localhost:7233" {
		t.Errorf("expected default temporal host, got %q", cfg.Temporal.Host)
	}
	if got := cfg.RepoForProject("PROJ"); got != "/srv/repos/proj" {
		t.Errorf("unexpected repo path %q", got)
	}
	if got := cfg.RepoForProject("OTHER"); got != "" {
		t.Errorf("expected empty path for unknown project, got %q", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "120000")
	t.Setenv("API_DELAY", "25")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("SKIP_EMPTY_PROJECTS", "false")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("PARALLEL_SYNC", "true")
	t.Setenv("CIRCUIT_BREAKER_THRESHOLD", "5")
	t.Setenv("CIRCUIT_BREAKER_COOLDOWN_MS", "60000")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("SYNC_INTERVAL override failed: %v", cfg.Sync.Interval)
	}
	if cfg.Sync.APIDelay != 25*time.Millisecond {
		t.Errorf("API_DELAY override failed: %v", cfg.Sync.APIDelay)
	}
	if cfg.Sync.MaxWorkers != 8 {
		t.Errorf("MAX_WORKERS override failed: %d", cfg.Sync.MaxWorkers)
	}
	if cfg.Sync.SkipEmptyProjects {
		t.Error("SKIP_EMPTY_PROJECTS override failed")
	}
	if !cfg.Sync.DryRun {
		t.Error("DRY_RUN override failed")
	}
	if !cfg.Sync.ParallelSync {
		t.Error("PARALLEL_SYNC override failed")
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("CIRCUIT_BREAKER_THRESHOLD override failed: %d", cfg.Breaker.Threshold)
	}
	if cfg.Breaker.Cooldown != time.Minute {
		t.Errorf("CIRCUIT_BREAKER_COOLDOWN_MS override failed: %v", cfg.Breaker.Cooldown)
	}
}

func TestApplyEnvOverridesIgnoresGarbage(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "soon")
	t.Setenv("MAX_WORKERS", "-2")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("garbage SYNC_INTERVAL should keep default, got %v", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxWorkers != 5 {
		t.Errorf("negative MAX_WORKERS should keep default, got %d", cfg.Sync.MaxWorkers)
	}
}
