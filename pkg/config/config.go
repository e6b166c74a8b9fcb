package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the weave sync daemon. It is loaded
// from YAML (with ${VAR} expansion) and then overridden by the environment
// variables documented on each field.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server,omitempty"`
	Database  DatabaseConfig  `yaml:"database" json:"database,omitempty"`
	Huly      HulyConfig      `yaml:"huly" json:"huly,omitempty"`
	Vibe      VibeConfig      `yaml:"vibe" json:"vibe,omitempty"`
	Beads     BeadsConfig     `yaml:"beads" json:"beads,omitempty"`
	Temporal  TemporalConfig  `yaml:"temporal" json:"temporal,omitempty"`
	Sync      SyncConfig      `yaml:"sync" json:"sync,omitempty"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit,omitempty"`
	Sinks     SinksConfig     `yaml:"sinks" json:"sinks,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	Repos     []RepoConfig    `yaml:"repos" json:"repos,omitempty"`
}

// ServerConfig configures the HTTP listener that serves the webhook
// receiver, the Beads mutation endpoint, /health, and /metrics.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures the local mapping store.
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite file
}

// HulyConfig configures the Huly HTTP client.
type HulyConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// VibeConfig configures the Vibe HTTP client and its event stream.
type VibeConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	StreamPath string        `yaml:"stream_path"`
}

// BeadsConfig configures the bd CLI adapter.
type BeadsConfig struct {
	BDPath            string        `yaml:"bd_path"` // Path to bd executable
	SubprocessTimeout time.Duration `yaml:"subprocess_timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"` // Process-wide CLI bound
}

// TemporalConfig configures the Temporal workflow engine connection.
type TemporalConfig struct {
	Host                string        `yaml:"host"`
	Namespace           string        `yaml:"namespace"`
	TaskQueue           string        `yaml:"task_queue"`
	WorkflowTaskTimeout time.Duration `yaml:"workflow_task_timeout"`
}

// SyncConfig controls the orchestrator and per-issue sync behavior.
type SyncConfig struct {
	// Interval between scheduled sweeps. Env: SYNC_INTERVAL (milliseconds).
	Interval time.Duration `yaml:"interval"`
	// Delay between consecutive tracker calls. Env: API_DELAY (milliseconds).
	APIDelay time.Duration `yaml:"api_delay"`
	// Activity worker concurrency. Env: MAX_WORKERS.
	MaxWorkers int `yaml:"max_workers"`
	// Parallel SingleIssueSync executions inside one ProjectSync phase.
	IssueParallelism int `yaml:"issue_parallelism"`
	// Skip projects with no issues and unchanged description.
	// Env: SKIP_EMPTY_PROJECTS.
	SkipEmptyProjects bool `yaml:"skip_empty_projects"`
	// Plan only; no tracker mutations. Env: DRY_RUN.
	DryRun bool `yaml:"dry_run"`
	// Allow parallel ProjectSync workflows. Env: PARALLEL_SYNC.
	ParallelSync bool `yaml:"parallel_sync"`
	// Project metadata cache expiry for GetProjectsToSync.
	CacheExpiry time.Duration `yaml:"cache_expiry"`
	// What a Huly deletion does to counterparts: "soft" or "cascade".
	DeletePolicy string `yaml:"delete_policy"`
	// Scheduled loop iterations before continue-as-new. 0 means run forever
	// with the default bound.
	MaxIterations int `yaml:"max_iterations"`
}

// BreakerConfig controls the per-project circuit breaker.
type BreakerConfig struct {
	// Consecutive failures before the breaker opens.
	// Env: CIRCUIT_BREAKER_THRESHOLD.
	Threshold int `yaml:"threshold"`
	// Open duration before a half-open probe.
	// Env: CIRCUIT_BREAKER_COOLDOWN_MS (milliseconds).
	Cooldown time.Duration `yaml:"cooldown"`
}

// RateLimitConfig controls the per-tracker token buckets.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxWait           time.Duration `yaml:"max_wait"`
}

// SinksConfig configures the fire-and-forget change sinks.
type SinksConfig struct {
	LettaURL   string        `yaml:"letta_url"`
	GraphURL   string        `yaml:"graph_url"`
	NATSURL    string        `yaml:"nats_url"`
	NATSStream string        `yaml:"nats_stream"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// RepoConfig binds a project identifier to a local Beads repository.
type RepoConfig struct {
	Project string `yaml:"project"`
	Path    string `yaml:"path"`
	GitURL  string `yaml:"git_url,omitempty"`
}

// LoadConfigFromFile loads configuration from a YAML file. Environment
// references (e.g. ${HULY_TOKEN}) are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8084,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./weave.db",
		},
		Huly: HulyConfig{
			BaseURL: "http://localhost:8087",
			Timeout: 60 * time.Second,
		},
		Vibe: VibeConfig{
			BaseURL:    "http://localhost:3001",
			Timeout:    60 * time.Second,
			StreamPath: "/api/events/stream",
		},
		Beads: BeadsConfig{
			BDPath:            "bd",
			SubprocessTimeout: 30 * time.Second,
			MaxConcurrent:     4,
		},
		Temporal: TemporalConfig{
			Host:                "localhost:7233",
			Namespace:           "default",
			TaskQueue:           "weave-sync",
			WorkflowTaskTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Interval:          5 * time.Minute,
			APIDelay:          10 * time.Millisecond,
			MaxWorkers:        5,
			IssueParallelism:  5,
			SkipEmptyProjects: true,
			CacheExpiry:       30 * time.Minute,
			DeletePolicy:      "soft",
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             20,
			MaxWait:           30 * time.Second,
		},
		Sinks: SinksConfig{
			NATSStream: "WEAVE",
			Timeout:    5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "weave",
		},
	}
}

// ApplyEnvOverrides applies the documented environment variables on top of
// file configuration. Unparseable values are ignored in favor of the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Sync.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("API_DELAY"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			c.Sync.APIDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.MaxWorkers = n
		}
	}
	if v := os.Getenv("SKIP_EMPTY_PROJECTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.SkipEmptyProjects = b
		}
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.DryRun = b
		}
	}
	if v := os.Getenv("PARALLEL_SYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.ParallelSync = b
		}
	}
	if v := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("CIRCUIT_BREAKER_COOLDOWN_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Breaker.Cooldown = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		c.Temporal.Host = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		c.Temporal.Namespace = v
	}
}

// Validate reports configuration errors an operator must fix before start.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Huly.BaseURL == "" {
		return fmt.Errorf("huly.base_url is required")
	}
	if c.Vibe.BaseURL == "" {
		return fmt.Errorf("vibe.base_url is required")
	}
	if c.Temporal.Host == "" {
		return fmt.Errorf("temporal.host is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.MaxWorkers <= 0 {
		return fmt.Errorf("sync.max_workers must be positive")
	}
	if c.Sync.IssueParallelism <= 0 {
		return fmt.Errorf("sync.issue_parallelism must be positive")
	}
	switch c.Sync.DeletePolicy {
	case "soft", "cascade":
	default:
		return fmt.Errorf("sync.delete_policy %q must be soft or cascade", c.Sync.DeletePolicy)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("circuit_breaker.threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("circuit_breaker.cooldown must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	for i, r := range c.Repos {
		if r.Project == "" {
			return fmt.Errorf("repos[%d].project is required", i)
		}
		if r.Path == "" {
			return fmt.Errorf("repos[%d].path is required", i)
		}
	}
	return nil
}

// RepoForProject returns the configured repo path for a project identifier,
// or "" when the project has no local Beads repository.
func (c *Config) RepoForProject(identifier string) string {
	for _, r := range c.Repos {
		if r.Project == identifier {
			return r.Path
		}
	}
	return ""
}
