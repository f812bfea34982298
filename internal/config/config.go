// Package config provides the typed configuration surface for the build pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names recognized by the pipeline
const (
	// EnvArtifactsRoot is the base path for durable per-app artifact storage
	EnvArtifactsRoot = "ARTIFACTS_ROOT"
	// EnvWorkspacesRoot is the base path for per-job scratch working directories
	EnvWorkspacesRoot = "WORKSPACES_ROOT"
	// EnvTemplateDir is the path to the native project template tree
	EnvTemplateDir = "TEMPLATE_DIR"
	// EnvBuildImage is the build-environment image reference
	EnvBuildImage = "BUILD_IMAGE"
	// EnvWorkerPollIntervalMs is the worker poll interval in milliseconds
	EnvWorkerPollIntervalMs = "WORKER_POLL_INTERVAL_MS"
	// EnvBuildTimeoutMs is the hard wall-clock build timeout in milliseconds
	EnvBuildTimeoutMs = "BUILD_TIMEOUT_MS"
	// EnvMaxBuildAttempts is the maximum number of claim attempts per job
	EnvMaxBuildAttempts = "MAX_BUILD_ATTEMPTS"
	// EnvJobLeaseTTLMs is the lease TTL in milliseconds after which a running job is reclaimable
	EnvJobLeaseTTLMs = "JOB_LEASE_TTL_MS"
	// EnvWorkerID overrides the host-derived worker identity
	EnvWorkerID = "WORKER_ID"
	// EnvOpsAddr is the listen address of the operational HTTP surface
	EnvOpsAddr = "OPS_ADDR"
)

// Pipeline defaults
const (
	DefaultArtifactsRoot  = "/var/lib/appforge/artifacts"
	DefaultWorkspacesRoot = "/var/lib/appforge/workspaces"
	DefaultTemplateDir    = "/var/lib/appforge/template"
	DefaultBuildImage     = "appforge/android-build:latest"
	DefaultPollInterval   = 2000 * time.Millisecond
	DefaultBuildTimeout   = 1200000 * time.Millisecond
	DefaultMaxAttempts    = 3
	DefaultLeaseTTL       = 1800000 * time.Millisecond
	DefaultOpsAddr        = ":9090"
)

// Pipeline holds the configuration for one worker process. It is parsed once
// at startup and injected into the components that need it.
type Pipeline struct {
	ArtifactsRoot  string
	WorkspacesRoot string
	TemplateDir    string
	BuildImage     string
	PollInterval   time.Duration
	BuildTimeout   time.Duration
	MaxAttempts    int
	LeaseTTL       time.Duration
	WorkerID       string
	OpsAddr        string
}

// FromEnv builds a Pipeline configuration from environment variables,
// falling back to defaults for anything unset.
func FromEnv() (Pipeline, error) {
	cfg := Pipeline{
		ArtifactsRoot:  getEnv(EnvArtifactsRoot, DefaultArtifactsRoot),
		WorkspacesRoot: getEnv(EnvWorkspacesRoot, DefaultWorkspacesRoot),
		TemplateDir:    getEnv(EnvTemplateDir, DefaultTemplateDir),
		BuildImage:     getEnv(EnvBuildImage, DefaultBuildImage),
		OpsAddr:        getEnv(EnvOpsAddr, DefaultOpsAddr),
	}

	var err error
	if cfg.PollInterval, err = getDurationMs(EnvWorkerPollIntervalMs, DefaultPollInterval); err != nil {
		return Pipeline{}, err
	}
	if cfg.BuildTimeout, err = getDurationMs(EnvBuildTimeoutMs, DefaultBuildTimeout); err != nil {
		return Pipeline{}, err
	}
	if cfg.LeaseTTL, err = getDurationMs(EnvJobLeaseTTLMs, DefaultLeaseTTL); err != nil {
		return Pipeline{}, err
	}
	if cfg.MaxAttempts, err = getInt(EnvMaxBuildAttempts, DefaultMaxAttempts); err != nil {
		return Pipeline{}, err
	}
	if cfg.MaxAttempts < 1 {
		return Pipeline{}, fmt.Errorf("%s must be at least 1", EnvMaxBuildAttempts)
	}

	cfg.WorkerID = os.Getenv(EnvWorkerID)
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return Pipeline{}, fmt.Errorf("failed to derive worker identity from hostname: %w", err)
		}
		cfg.WorkerID = host
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return v, nil
}

func getDurationMs(key string, fallback time.Duration) (time.Duration, error) {
	ms, err := getInt(key, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
