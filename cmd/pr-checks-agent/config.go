package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/plugins"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// Settings holds the process-level agent configuration. Repository
// policies live in their own file (ReposConfig) with schema validation;
// this covers everything else.
// Priority: env vars > settings.json > defaults.
type Settings struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"` // "text" or "json"

	// ReposConfig is the path to the repositories policy file.
	ReposConfig string `json:"repos_config"`

	PollingInterval    int    `json:"polling_interval"` // dispatcher poll, seconds
	PoolSize           int    `json:"pool_size"`        // concurrent item workers
	MaxConcurrentFixes int    `json:"max_concurrent_fixes"`
	MaxDailyFixes      int    `json:"max_daily_fixes"`
	MaxFixAttempts     int    `json:"max_fix_attempts"`
	EscalationCooldown string `json:"escalation_cooldown"` // duration, e.g. "24h"
	WorkflowTimeout    string `json:"workflow_timeout"`    // cap on one fix attempt
	DryRun             bool   `json:"dry_run"`

	// Plugins lists the collaborator subprocesses, one per role.
	Plugins []plugins.PluginConfig `json:"plugins,omitempty"`
}

func defaultSettings() Settings {
	return Settings{
		ListenAddr:         ":8080",
		DBPath:             filepath.Join(agentDir(), "agent.db"),
		LogLevel:           "info",
		LogFormat:          "text",
		ReposConfig:        filepath.Join(agentDir(), "repositories.json"),
		PollingInterval:    300,
		PoolSize:           10,
		MaxConcurrentFixes: schema.DefaultMaxConcurrentFixes,
		MaxDailyFixes:      schema.DefaultMaxDailyFixes,
		MaxFixAttempts:     schema.DefaultMaxAttempts,
		EscalationCooldown: "24h",
		WorkflowTimeout:    "60m",
	}
}

func agentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pr-checks-agent"
	}
	return filepath.Join(home, ".pr-checks-agent")
}

func settingsPath() string {
	return filepath.Join(agentDir(), "settings.json")
}

func loadSettings() Settings {
	s := defaultSettings()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &s)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("AGENT_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("AGENT_DB"); v != "" {
		s.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		s.LogFormat = v
	}
	if v := os.Getenv("REPOS_CONFIG"); v != "" {
		s.ReposConfig = v
	}
	if v := os.Getenv("POLLING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PollingInterval = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_WORKFLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.PoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_FIXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxConcurrentFixes = n
		}
	}
	if v := os.Getenv("MAX_DAILY_FIXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxDailyFixes = n
		}
	}
	if v := os.Getenv("MAX_FIX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxFixAttempts = n
		}
	}
	if v := os.Getenv("ESCALATION_COOLDOWN"); v != "" {
		s.EscalationCooldown = v
	}
	if v := os.Getenv("WORKFLOW_TIMEOUT"); v != "" {
		s.WorkflowTimeout = v
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		s.DryRun = v == "true" || v == "1"
	}

	return s
}

// workflowTimeout parses the fix-attempt cap, falling back to the default.
func (s Settings) workflowTimeout() time.Duration {
	d, err := time.ParseDuration(s.WorkflowTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Minute
	}
	return d
}

// applyPolicyDefaults fills process-level retry and cooldown defaults
// into repository policies that leave them unset, so MAX_FIX_ATTEMPTS
// and ESCALATION_COOLDOWN apply fleet-wide without editing every repo.
func applyPolicyDefaults(cfg *schema.RepositoriesConfig, s Settings) {
	for i := range cfg.Repositories {
		limits := &cfg.Repositories[i].FixLimits
		if limits.MaxAttempts <= 0 {
			limits.MaxAttempts = s.MaxFixAttempts
		}
		if limits.Cooldown == "" {
			limits.Cooldown = s.EscalationCooldown
		}
	}
}

// globalLimits folds the process-level fix caps into the config file's
// global limits. The file wins where it sets a value.
func globalLimits(cfg *schema.RepositoriesConfig, s Settings) *schema.GlobalLimits {
	limits := cfg.Limits
	if limits == nil {
		limits = &schema.GlobalLimits{}
	}
	if limits.MaxDailyFixes <= 0 {
		limits.MaxDailyFixes = s.MaxDailyFixes
	}
	if limits.MaxConcurrentFixes <= 0 {
		limits.MaxConcurrentFixes = s.MaxConcurrentFixes
	}
	return limits
}
