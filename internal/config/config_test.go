package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "/tmp/terminus_workspace", cfg.WorkspaceRoot)
	assert.Equal(t, "./terminus.db", cfg.DBPath)
	assert.Equal(t, 10_000, cfg.Exec.DeadlineMs)
	assert.Equal(t, 1<<20, cfg.Exec.MaxStdoutBytes)
	assert.Equal(t, "/bin/bash", cfg.PTY.Shell)
	assert.Equal(t, []string{"-l"}, cfg.PTY.ShellArgs)
	assert.Equal(t, "terminuside:~# ", cfg.PTY.PromptLiteral)
	assert.Equal(t, 30_000, cfg.Broker.PingIntervalMs)
	assert.Equal(t, 1800, cfg.Registry.IdleSessionTTLSeconds)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
listen: "0.0.0.0:9090"
workspace_root: "/data/workspaces"
exec:
  deadline_ms: 5000
pty:
  shell: "/bin/sh"
registry:
  idle_session_ttl_seconds: 600
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "/data/workspaces", cfg.WorkspaceRoot)
	assert.Equal(t, 5000, cfg.Exec.DeadlineMs)
	assert.Equal(t, "/bin/sh", cfg.PTY.Shell)
	assert.Equal(t, 600, cfg.Registry.IdleSessionTTLSeconds)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestLoadYAMLInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TERMINUS_LISTEN", "0.0.0.0:7777")
	t.Setenv("TERMINUS_WORKSPACE_ROOT", "/srv/ws")
	t.Setenv("TERMINUS_DB_PATH", "/tmp/test.db")
	t.Setenv("TERMINUS_EXEC_DEADLINE_MS", "30000")
	t.Setenv("TERMINUS_PTY_SHELL", "/bin/zsh")
	t.Setenv("TERMINUS_IDLE_SESSION_TTL_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "/srv/ws", cfg.WorkspaceRoot)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, 30000, cfg.Exec.DeadlineMs)
	assert.Equal(t, "/bin/zsh", cfg.PTY.Shell)
	assert.Equal(t, 120, cfg.Registry.IdleSessionTTLSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	yamlContent := `
listen: "127.0.0.1:8080"
workspace_root: "/yaml/ws"
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	t.Setenv("TERMINUS_WORKSPACE_ROOT", "/env/ws")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "/env/ws", cfg.WorkspaceRoot)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
}

func TestEnvOverrideInvalidValues(t *testing.T) {
	t.Setenv("TERMINUS_EXEC_DEADLINE_MS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10_000, cfg.Exec.DeadlineMs)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(10_000), cfg.ExecDeadline().Milliseconds())
	assert.Equal(t, int64(500), cfg.ExecKillGrace().Milliseconds())
	assert.Equal(t, int64(2_000), cfg.PTYKillGrace().Milliseconds())
	assert.Equal(t, int64(3_000), cfg.PTYDrainDeadline().Milliseconds())
	assert.Equal(t, int64(30_000), cfg.PingInterval().Milliseconds())
	assert.Equal(t, int64(1800), cfg.IdleSessionTTL().Seconds())
	assert.Equal(t, int64(60), cfg.ReapInterval().Seconds())
}
