package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/autopilot/pkg/database"
	"github.com/Mindburn-Labs/autopilot/pkg/stopdecision"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, database.SQLite, c.Dialect())
	assert.Equal(t, 5*time.Minute, c.Executor.StepTimeout)
	assert.Equal(t, 30*time.Second, c.Stop.PollInterval)
	assert.False(t, c.Telemetry.Enabled)

	th := c.StopThresholds()
	def := stopdecision.DefaultThresholds()
	assert.Equal(t, def.MaxRerunsPerJob, th.MaxRerunsPerJob)
	assert.Equal(t, def.MaxTotalRerunsPerPR, th.MaxTotalRerunsPerPR)
	assert.Equal(t, def.MaxWaitForGreen, th.MaxWaitForGreen)
	assert.Equal(t, def.NonRetriable, th.NonRetriable)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  driver: postgres
  dsn: postgres://localhost/autopilot
stop:
  max_reruns_per_job: 5
  cooldown: 90s
`), 0o600))
	t.Setenv("AUTOPILOT_STOP_MAX_RERUNS_PER_JOB", "7")
	t.Setenv("AUTOPILOT_EXECUTOR_STEP_TIMEOUT", "45s")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, database.Postgres, c.Dialect())
	assert.Equal(t, 7, c.Stop.MaxRerunsPerJob)
	assert.Equal(t, 90*time.Second, c.Stop.Cooldown)
	assert.Equal(t, 45*time.Second, c.Executor.StepTimeout)

	lvl, err := c.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero reruns", func(c *Config) { c.Stop.MaxRerunsPerJob = 0 }},
		{"negative pr reruns", func(c *Config) { c.Stop.MaxTotalRerunsPerPR = -1 }},
		{"zero wait", func(c *Config) { c.Stop.MaxWaitForGreen = 0 }},
		{"zero poll", func(c *Config) { c.Stop.PollInterval = 0 }},
		{"zero step timeout", func(c *Config) { c.Executor.StepTimeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Endpoint = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			require.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestObservability(t *testing.T) {
	c := &Config{Telemetry: Telemetry{Enabled: true, Endpoint: "otel:4317", Insecure: true}}
	oc := c.Observability()
	assert.True(t, oc.Enabled)
	assert.Equal(t, "otel:4317", oc.OTLPEndpoint)
	assert.Equal(t, "autopilot", oc.ServiceName)
}
