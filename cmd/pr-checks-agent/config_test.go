package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

func TestDefaultSettings(t *testing.T) {
	s := defaultSettings()

	assert.Equal(t, ":8080", s.ListenAddr)
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 300, s.PollingInterval)
	assert.Equal(t, 10, s.PoolSize)
	assert.Equal(t, 5, s.MaxConcurrentFixes)
	assert.Equal(t, 50, s.MaxDailyFixes)
	assert.Equal(t, 3, s.MaxFixAttempts)
	assert.Equal(t, "24h", s.EscalationCooldown)
	assert.False(t, s.DryRun)
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir()) // no settings.json layer
	t.Setenv("AGENT_LISTEN_ADDR", ":9090")
	t.Setenv("POLLING_INTERVAL", "60")
	t.Setenv("MAX_CONCURRENT_WORKFLOWS", "4")
	t.Setenv("MAX_DAILY_FIXES", "not-a-number")
	t.Setenv("DRY_RUN", "1")

	s := loadSettings()

	assert.Equal(t, ":9090", s.ListenAddr)
	assert.Equal(t, 60, s.PollingInterval)
	assert.Equal(t, 4, s.PoolSize)
	assert.Equal(t, 50, s.MaxDailyFixes, "bad numeric env keeps the default")
	assert.True(t, s.DryRun)
}

func TestWorkflowTimeout_BadValueFallsBack(t *testing.T) {
	s := defaultSettings()
	s.WorkflowTimeout = "soon"
	assert.Equal(t, defaultSettings().workflowTimeout(), s.workflowTimeout())
}

func TestApplyPolicyDefaults(t *testing.T) {
	s := defaultSettings()
	s.MaxFixAttempts = 7
	s.EscalationCooldown = "2h"

	cfg := &schema.RepositoriesConfig{
		Repositories: []schema.RepositoryPolicy{
			{Owner: "acme", Name: "api"},
			{Owner: "acme", Name: "web", FixLimits: schema.FixLimits{MaxAttempts: 2, Cooldown: "30m"}},
		},
	}
	applyPolicyDefaults(cfg, s)

	assert.Equal(t, 7, cfg.Repositories[0].FixLimits.MaxAttempts)
	assert.Equal(t, "2h", cfg.Repositories[0].FixLimits.Cooldown)
	assert.Equal(t, 2, cfg.Repositories[1].FixLimits.MaxAttempts, "explicit policy wins")
	assert.Equal(t, "30m", cfg.Repositories[1].FixLimits.Cooldown)
}

func TestGlobalLimits_FileWins(t *testing.T) {
	s := defaultSettings()
	s.MaxDailyFixes = 20

	cfg := &schema.RepositoriesConfig{
		Limits: &schema.GlobalLimits{MaxConcurrentFixes: 2},
	}
	limits := globalLimits(cfg, s)
	require.NotNil(t, limits)

	assert.Equal(t, 2, limits.MaxConcurrentFixes)
	assert.Equal(t, 20, limits.MaxDailyFixes, "settings fill what the file leaves unset")
}
