package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurricanerix/weave-compute/internal/engine"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, engine.BackendPattern, cfg.Engine.Backend)
	assert.Equal(t, "./models/sd3.5_medium.safetensors", cfg.Engine.ModelPath)
	assert.Equal(t, -1, cfg.Engine.Threads)
	assert.True(t, cfg.Engine.KeepClipOnCPU)
	assert.False(t, cfg.Engine.KeepVAEOnCPU)
	assert.True(t, cfg.Engine.FlashAttention)

	assert.Equal(t, 60, cfg.Daemon.ReadTimeoutSeconds)
	assert.Equal(t, 5, cfg.Daemon.WriteTimeoutSeconds)
	assert.Equal(t, "info", cfg.Daemon.LogLevel)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	SetConfigDir(t.TempDir())
	t.Cleanup(func() { SetConfigDir("") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	t.Cleanup(func() { SetConfigDir("") })

	content := `
[engine]
backend = "pattern"
model_path = "/srv/models/sd3.5_medium.safetensors"
threads = 8

[daemon]
read_timeout_seconds = 30
log_level = "debug"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/models/sd3.5_medium.safetensors", cfg.Engine.ModelPath)
	assert.Equal(t, 8, cfg.Engine.Threads)
	assert.Equal(t, 30, cfg.Daemon.ReadTimeoutSeconds)
	assert.Equal(t, "debug", cfg.Daemon.LogLevel)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 5, cfg.Daemon.WriteTimeoutSeconds)
	assert.Equal(t, "./models/clip_l.safetensors", cfg.Engine.ClipLPath)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	t.Cleanup(func() { SetConfigDir("") })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("not [valid"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestHomePrecedence(t *testing.T) {
	SetConfigDir("/explicit/dir")
	assert.Equal(t, "/explicit/dir", Home())
	assert.Equal(t, filepath.Join("/explicit/dir", "config.toml"), Path())
	SetConfigDir("")

	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "weave"), Home())
}
