// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads site node configuration from an optional YAML
// file and SITENODE_* environment overrides.
//
// Precedence, lowest to highest: built-in defaults, YAML file,
// environment. Paths in the file may be relative; Normalize resolves
// them against the node root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the node process.
type Config struct {
	// NodeID identifies this node in health reports and audit lines.
	NodeID string `yaml:"node_id"`

	// ListenAddr is the HTTP bind address, e.g. ":8350".
	ListenAddr string `yaml:"listen_addr"`

	// Root is the node root directory; all state lives beneath it.
	Root string `yaml:"root"`

	// ManifestPath locates the data manifest. Default: data/manifest.json
	// under Root.
	ManifestPath string `yaml:"manifest_path"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Runner  RunnerConfig  `yaml:"runner"`
	Uploads UploadsConfig `yaml:"uploads"`
	Privacy PrivacyConfig `yaml:"privacy"`
}

// RunnerConfig carries the job execution knobs.
type RunnerConfig struct {
	// Slots is the number of concurrent executor slots.
	Slots int `yaml:"slots"`

	// MaxCPU caps child CPU time.
	MaxCPU time.Duration `yaml:"max_cpu"`

	// MaxWall caps child wall-clock time.
	MaxWall time.Duration `yaml:"max_wall"`

	// MaxMemBytes caps child resident memory.
	MaxMemBytes int64 `yaml:"max_mem_bytes"`

	// MaxOutBytes caps the result artifact size.
	MaxOutBytes int64 `yaml:"max_out_bytes"`

	// WorkspaceRetention is how long terminal workspaces are kept
	// before deletion.
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`

	// PythonBin and RscriptBin are the interpreters launched for
	// analysis scripts.
	PythonBin  string `yaml:"python_bin"`
	RscriptBin string `yaml:"rscript_bin"`

	// Sandbox selects the isolation mechanism: "auto" probes for
	// bwrap and falls back to rlimits, "bwrap" requires it, "rlimit"
	// skips the probe.
	Sandbox string `yaml:"sandbox"`

	// SandboxUser, when set, is the unprivileged account bwrap runs
	// children as.
	SandboxUser string `yaml:"sandbox_user"`
}

// UploadsConfig carries upload store limits.
type UploadsConfig struct {
	// MaxFileBytes is the per-file size cap.
	MaxFileBytes int64 `yaml:"max_file_bytes"`

	// RatePerMinute throttles upload calls per client address.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// PrivacyConfig carries approval and privacy policy knobs.
type PrivacyConfig struct {
	// PendingTTL is how long a request may stay pending before it is
	// treated as expired on next touch.
	PendingTTL time.Duration `yaml:"pending_ttl"`

	// DefaultMinCohort applies to catalogs whose manifest omits
	// min_cohort_size.
	DefaultMinCohort int `yaml:"default_min_cohort"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NodeID:     "sitenode",
		ListenAddr: ":8350",
		Root:       "./nodedata",
		LogLevel:   "info",
		Runner: RunnerConfig{
			Slots:              2,
			MaxCPU:             300 * time.Second,
			MaxWall:            600 * time.Second,
			MaxMemBytes:        2 << 30,   // 2 GiB
			MaxOutBytes:        100 << 20, // 100 MiB
			WorkspaceRetention: 24 * time.Hour,
			PythonBin:          "python3",
			RscriptBin:         "Rscript",
			Sandbox:            "auto",
		},
		Uploads: UploadsConfig{
			MaxFileBytes:  200 << 20, // 200 MiB
			RatePerMinute: 30,
		},
		Privacy: PrivacyConfig{
			PendingTTL:       14 * 24 * time.Hour,
			DefaultMinCohort: 10,
		},
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// environment overrides. A missing file at an explicitly given path is
// an error; an empty path skips file loading.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays SITENODE_* variables onto the config.
func (c *Config) applyEnv() {
	setString(&c.NodeID, "SITENODE_NODE_ID")
	setString(&c.ListenAddr, "SITENODE_LISTEN_ADDR")
	setString(&c.Root, "SITENODE_ROOT")
	setString(&c.ManifestPath, "SITENODE_MANIFEST")
	setString(&c.LogDir, "SITENODE_LOG_DIR")
	setString(&c.LogLevel, "SITENODE_LOG_LEVEL")
	setInt(&c.Runner.Slots, "SITENODE_EXECUTOR_SLOTS")
	setDuration(&c.Runner.MaxCPU, "SITENODE_MAX_CPU")
	setDuration(&c.Runner.MaxWall, "SITENODE_MAX_WALL")
	setInt64(&c.Runner.MaxMemBytes, "SITENODE_MAX_MEM_BYTES")
	setInt64(&c.Runner.MaxOutBytes, "SITENODE_MAX_OUT_BYTES")
	setDuration(&c.Runner.WorkspaceRetention, "SITENODE_WORKSPACE_RETENTION")
	setString(&c.Runner.PythonBin, "SITENODE_PYTHON_BIN")
	setString(&c.Runner.RscriptBin, "SITENODE_RSCRIPT_BIN")
	setString(&c.Runner.Sandbox, "SITENODE_SANDBOX")
	setInt64(&c.Uploads.MaxFileBytes, "SITENODE_UPLOAD_MAX_BYTES")
	setDuration(&c.Privacy.PendingTTL, "SITENODE_PENDING_TTL")
	setInt(&c.Privacy.DefaultMinCohort, "SITENODE_DEFAULT_MIN_COHORT")
}

// Normalize validates ranges and resolves relative paths against Root.
func (c *Config) Normalize() error {
	if c.Runner.Slots < 1 {
		return fmt.Errorf("runner.slots must be >= 1, got %d", c.Runner.Slots)
	}
	if c.Privacy.DefaultMinCohort < 1 {
		return fmt.Errorf("privacy.default_min_cohort must be >= 1, got %d", c.Privacy.DefaultMinCohort)
	}
	if c.Runner.MaxWall <= 0 || c.Runner.MaxCPU <= 0 {
		return fmt.Errorf("runner time limits must be positive")
	}
	switch c.Runner.Sandbox {
	case "", "auto", "bwrap", "rlimit":
	default:
		return fmt.Errorf("unknown sandbox mode %q", c.Runner.Sandbox)
	}

	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	c.Root = abs

	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.Root, "data", "manifest.json")
	} else if !filepath.IsAbs(c.ManifestPath) {
		c.ManifestPath = filepath.Join(c.Root, c.ManifestPath)
	}
	return nil
}

// Path helpers. Everything under the root is derived, never configured
// separately, so the layout stays consistent.

func (c *Config) StateDir() string    { return filepath.Join(c.Root, "state") }
func (c *Config) RequestsDir() string { return filepath.Join(c.Root, "state", "requests") }
func (c *Config) ResultsDir() string  { return filepath.Join(c.Root, "state", "results") }
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.Root, "state", "audit.log")
}
func (c *Config) UploadsDir() string { return filepath.Join(c.Root, "uploads") }
func (c *Config) WorkDir() string    { return filepath.Join(c.Root, "work") }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
