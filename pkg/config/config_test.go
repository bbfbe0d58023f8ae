package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadTest(t *testing.T, opts ...Option) *Config {
	t.Helper()
	base := []Option{
		WithoutEnvFiles(),
		WithUserPath(""),
		WithWorkspacePath(""),
		WithSystemPath(""),
	}
	cfg, err := Load(append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := loadTest(t)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model())
	assert.Equal(t, 8, cfg.MaxTurns())
	assert.False(t, cfg.AutoExecute())
	assert.False(t, cfg.AllowsDangerous())
	assert.InDelta(t, 0.7, cfg.CompressionThreshold(), 1e-9)
	assert.Equal(t, 128000, cfg.ContextWindow())
	assert.Equal(t, 4, cfg.SchedulerFanOut())
	assert.Equal(t, "medium", cfg.ConfirmThreshold())
}

func TestFileLayerOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	ws := writeYAML(t, dir, "dbrheo.yaml", "model: claude-sonnet-4\nmax_turns: 12\ncustom_section:\n  host_key: kept\n")

	cfg := loadTest(t, WithWorkspacePath(ws))
	assert.Equal(t, "claude-sonnet-4", cfg.Model())
	assert.Equal(t, 12, cfg.MaxTurns())
	// Unknown keys survive resolution verbatim.
	assert.Equal(t, "kept", cfg.GetString("custom_section.host_key", ""))
}

func TestEnvironmentBeatsFiles(t *testing.T) {
	dir := t.TempDir()
	ws := writeYAML(t, dir, "dbrheo.yaml", "model: from-file\n")
	t.Setenv("DBRHEO_MODEL", "gpt-5")
	t.Setenv("DBRHEO_MAX_TURNS", "3")

	cfg := loadTest(t, WithWorkspacePath(ws))
	assert.Equal(t, "gpt-5", cfg.Model())
	assert.Equal(t, 3, cfg.MaxTurns())
}

func TestCredentialEnvMapping(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("DATABASE_URL", "sqlite:///app.db")

	cfg := loadTest(t)
	assert.Equal(t, "sk-ant-test", cfg.GetString("credentials.anthropic_api_key", ""))
	assert.Equal(t, "sqlite:///app.db", cfg.GetString("default_connection.url", ""))
}

func TestEnvVarExpansionInValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_HOST", "db.internal")
	ws := writeYAML(t, dir, "dbrheo.yaml", "default_connection:\n  url: postgresql://app@${DB_HOST}:5432/prod\n")

	cfg := loadTest(t, WithWorkspacePath(ws))
	assert.Equal(t, "postgresql://app@db.internal:5432/prod",
		cfg.GetString("default_connection.url", ""))
}

func TestGetDuration(t *testing.T) {
	cfg := loadTest(t)
	assert.Equal(t, 60*time.Second, cfg.GetDuration("tools.default_timeout", time.Second))
	assert.Equal(t, 5*time.Second, cfg.GetDuration("scheduler.grace_period", time.Second))
	assert.Equal(t, 250*time.Millisecond, cfg.GetDuration("missing.key", 250*time.Millisecond))

	require.NoError(t, cfg.Set("tools.default_timeout", "not-a-duration"))
	assert.Equal(t, time.Second, cfg.GetDuration("tools.default_timeout", time.Second),
		"malformed values fall back to the default")
}

func TestCompressionThresholdClamped(t *testing.T) {
	cfg := loadTest(t)
	require.NoError(t, cfg.Set("compression.threshold", 1.5))
	assert.InDelta(t, 0.7, cfg.CompressionThreshold(), 1e-9)
	require.NoError(t, cfg.Set("compression.threshold", 0.4))
	assert.InDelta(t, 0.4, cfg.CompressionThreshold(), 1e-9)
}

func TestSaveRoundTripPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	ws := writeYAML(t, dir, "dbrheo.yaml", "model: gemini-2.5-pro\nplugin:\n  endpoint: http://localhost:9\n")

	cfg := loadTest(t, WithWorkspacePath(ws))
	require.NoError(t, cfg.Set("max_turns", 5))
	require.NoError(t, cfg.Save(ScopeWorkspace))

	reloaded := loadTest(t, WithWorkspacePath(ws))
	assert.Equal(t, 5, reloaded.MaxTurns())
	assert.Equal(t, "http://localhost:9", reloaded.GetString("plugin.endpoint", ""))
}

func TestSavedConnectionsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connections.yaml")
	saved := SavedConnections{
		"prod": {Driver: "postgres", Host: "db.internal", Port: 5432, Database: "prod", Username: "app"},
	}
	require.NoError(t, SaveConnections(path, saved))

	loaded, err := LoadConnections(path)
	require.NoError(t, err)
	require.Contains(t, loaded, "prod")
	assert.Equal(t, "db.internal", loaded["prod"].Host)
	assert.Equal(t, []string{"prod"}, loaded.Aliases())

	// Missing file is an empty map, not an error.
	empty, err := LoadConnections(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
