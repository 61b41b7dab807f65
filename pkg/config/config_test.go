package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultProject, cfg.Run.Project)
	assert.Equal(t, DefaultWorkingDir, cfg.Run.WorkingDir)
	assert.Equal(t, DefaultCommand, cfg.Run.Command)
	assert.Equal(t, DefaultJUnitPath, cfg.Run.JUnitPath)
	assert.Equal(t, DefaultMaxAttempts, cfg.Run.MaxAttempts)
	assert.Equal(t, DefaultPolicy, cfg.Run.Policy)
	assert.Equal(t, DefaultScope, cfg.Run.RetryScope)
	require.NotNil(t, cfg.Run.Approved)
	assert.True(t, *cfg.Run.Approved)

	assert.Equal(t, "sqlite", cfg.Memory.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Memory.SQLite.Path)
	assert.Equal(t, DefaultOutputDir, cfg.Report.OutputDir)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultRequestsPerMinute, cfg.Server.RateLimit.RequestsPerMinute)

	require.NoError(t, cfg.Validate())
}

func TestLoad_ConfigFile(t *testing.T) {
	content := `
global:
  log_level: debug
run:
  project: checkout
  cwd: /srv/app
  command: ["npx", "playwright", "test"]
  junit_path: report/junit.xml
  max_attempts: 3
  policy: always
  env:
    CI: "true"
  timeout: 10m
memory:
  driver: sqlite
  sqlite:
    path: /tmp/history.db
classifier:
  enabled: true
  model: gpt-4o-mini
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "checkout", cfg.Run.Project)
	assert.Equal(t, "/srv/app", cfg.Run.WorkingDir)
	assert.Equal(t, []string{"npx", "playwright", "test"}, cfg.Run.Command)
	assert.Equal(t, "report/junit.xml", cfg.Run.JUnitPath)
	assert.Equal(t, 3, cfg.Run.MaxAttempts)
	assert.Equal(t, PolicyAlways, cfg.Run.Policy)
	assert.Equal(t, "true", cfg.Run.Env["CI"])
	assert.Equal(t, 10*time.Minute, cfg.Run.Timeout)
	assert.Equal(t, "/tmp/history.db", cfg.Memory.SQLite.Path)
	assert.True(t, cfg.Classifier.Enabled)

	// Unset fields still get defaults.
	assert.Equal(t, DefaultScope, cfg.Run.RetryScope)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLAKEGUARD_RUN_MAX_ATTEMPTS", "5")
	t.Setenv("FLAKEGUARD_RUN_POLICY", "none")
	t.Setenv("FLAKEGUARD_MEMORY_SQLITE_PATH", "/tmp/env.db")
	t.Setenv("FLAKEGUARD_GLOBAL_LOG_LEVEL", "trace")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Run.MaxAttempts)
	assert.Equal(t, PolicyNone, cfg.Run.Policy)
	assert.Equal(t, "/tmp/env.db", cfg.Memory.SQLite.Path)
	assert.Equal(t, "trace", cfg.Global.LogLevel)
}

func TestRunConfig_ApplyDefaultsKeepsExplicitValues(t *testing.T) {
	approved := false
	r := RunConfig{
		Project:     "api",
		MaxAttempts: 4,
		Approved:    &approved,
	}

	r.ApplyDefaults()

	assert.Equal(t, "api", r.Project)
	assert.Equal(t, 4, r.MaxAttempts)
	require.NotNil(t, r.Approved)
	assert.False(t, *r.Approved)
	assert.Equal(t, DefaultPolicy, r.Policy)
}

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		errText string
	}{
		{
			name:   "valid defaults",
			mutate: func(r *RunConfig) {},
		},
		{
			name:    "bad policy",
			mutate:  func(r *RunConfig) { r.Policy = "sometimes" },
			errText: "invalid retry policy",
		},
		{
			name:    "bad scope",
			mutate:  func(r *RunConfig) { r.RetryScope = "partial" },
			errText: "invalid retry scope",
		},
		{
			name:    "zero attempts",
			mutate:  func(r *RunConfig) { r.MaxAttempts = 0 },
			errText: "max_attempts must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r RunConfig

			r.ApplyDefaults()
			tt.mutate(&r)

			err := r.Validate()
			if tt.errText == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config

	cfg.ApplyDefaults()
	cfg.Memory.Driver = "mysql"
	require.ErrorContains(t, cfg.Validate(), "unsupported memory driver")

	cfg.Memory.Driver = "postgres"
	require.NoError(t, cfg.Validate())

	cfg.Server.Auth.Basic.Enabled = true
	cfg.Server.Auth.Basic.Users = []BasicUser{{Username: "ops"}}
	require.ErrorContains(t, cfg.Validate(), "password_hash")
}
