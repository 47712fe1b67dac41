package config

import (
	"testing"
	"time"

	"github.com/iksnae/mindmap/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ".", cfg.Workspace)
	assert.Equal(t, ".mindmap", cfg.DataDir)
	assert.Equal(t, "reasoning_trace.json", cfg.TraceFile)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Engine.RetryDelay)
	assert.Equal(t, 150*time.Millisecond, cfg.Ingest.SettleDelay)
	assert.Equal(t, "mindmap", cfg.Git.NotesRef)
}

func TestNewViper_ReadsFileAndEnv(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	file := testutil.WriteFile(t, dir, "mindmap.yaml", `
workspace: /srv/agent
trace_file: trace.json
server:
  addr: ":9000"
engine:
  command: "python engine.py"
  retry_delay: 500ms
`)
	t.Setenv("MINDMAP_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("MINDMAP_GIT_NOTES_REF", "agent")

	v, err := NewViper(file)
	require.NoError(t, err)
	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "/srv/agent", cfg.Workspace)
	assert.Equal(t, "trace.json", cfg.TraceFile)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "python engine.py", cfg.Engine.Command)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.RetryDelay)
	assert.Equal(t, 7, cfg.Engine.MaxAttempts)
	assert.Equal(t, "agent", cfg.Git.NotesRef)
	// untouched keys keep their defaults
	assert.Equal(t, "console", cfg.Logger.Format)
}

func TestNewViper_MissingExplicitFile(t *testing.T) {
	_, err := NewViper(testutil.CreateTempDir(t) + "/nope.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty workspace", func(c *Config) { c.Workspace = "" }, "workspace"},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }, "engine.max_attempts"},
		{"zero rate", func(c *Config) { c.Server.MessagesPerSecond = 0 }, "server.messages_per_second"},
		{"zero git timeout", func(c *Config) { c.Git.Timeout = 0 }, "git.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPaths(t *testing.T) {
	dir := testutil.CreateTempDir(t)
	cfg := Default()
	cfg.Workspace = dir

	paths, err := cfg.Paths()
	require.NoError(t, err)
	assert.Equal(t, dir, paths.Workspace)
	assert.Equal(t, dir+"/.mindmap/mindmap.db", paths.Database)
	assert.Equal(t, dir+"/reasoning_trace.json", paths.TraceFile)
}
