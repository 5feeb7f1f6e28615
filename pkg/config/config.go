// Package config reads process-wide configuration from the environment
// exactly once, at process entry, into a typed struct. Nothing below
// this package reads os.Getenv directly — the redesign note in spec.md
// calls out "implicit environment-variable contracts across sourced
// files" as something to replace with an explicit struct passed into
// every component, and this is that struct.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// QueueConfig configures the durable job queue / progress mirror.
type QueueConfig struct {
	RedisURL string // required
}

// PVEConfig configures access to the Proxmox API.
type PVEConfig struct {
	Host          string // required
	Port          int    // default 8006
	RootPassword  string
	TokenID       string
	TokenSecret   string
}

// SyncConfig configures the Configuration Manager's optional git-sync mode.
type SyncConfig struct {
	RepoURL string
	Branch  string // default "main"
	Path    string
}

// Config is the top-level process configuration for the host
// orchestrator binary (cmd/provisiond).
type Config struct {
	Queue QueueConfig
	PVE   PVEConfig
	Sync  SyncConfig

	// WorkerConcurrency bounds how many provisioning jobs run at once.
	WorkerConcurrency int

	DataDir string
}

// FromEnv reads Config from the process environment, applying the
// defaults documented in spec.md §6 and failing fast on missing
// required values.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Queue: QueueConfig{
			RedisURL: os.Getenv("REDIS_URL"),
		},
		PVE: PVEConfig{
			Host:         os.Getenv("PVE_HOST"),
			Port:         8006,
			RootPassword: os.Getenv("PVE_ROOT_PASSWORD"),
			TokenID:      os.Getenv("PVE_TOKEN_ID"),
			TokenSecret:  os.Getenv("PVE_TOKEN_SECRET"),
		},
		Sync: SyncConfig{
			RepoURL: os.Getenv("CONFIG_REPO_URL"),
			Branch:  "main",
			Path:    os.Getenv("CONFIG_PATH"),
		},
		WorkerConcurrency: 2,
		DataDir:           "/var/lib/provisiond",
	}

	if v := os.Getenv("PVE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PVE_PORT %q: %w", v, err)
		}
		cfg.PVE.Port = port
	}

	if v := os.Getenv("CONFIG_BRANCH"); v != "" {
		cfg.Sync.Branch = v
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY %q: %w", v, err)
		}
		cfg.WorkerConcurrency = n
	}

	if v := os.Getenv("PROVISIOND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the required fields are present.
func (c *Config) Validate() error {
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.PVE.Host == "" {
		return fmt.Errorf("PVE_HOST is required")
	}
	if c.PVE.RootPassword == "" && (c.PVE.TokenID == "" || c.PVE.TokenSecret == "") {
		return fmt.Errorf("either PVE_ROOT_PASSWORD or both PVE_TOKEN_ID and PVE_TOKEN_SECRET are required")
	}
	return nil
}
