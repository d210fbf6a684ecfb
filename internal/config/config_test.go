package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldgate.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	// An empty path with no file in the working directory just yields
	// the defaults.
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Port)
	assert.Equal(t, "ws://localhost:9100/runtime", cfg.WorldURL)
	assert.Equal(t, 500, cfg.SpeakMaxLen)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout.Std())
	assert.Equal(t, "http://localhost:9100/assets", cfg.WorldAssetURL)
}

func TestLoadFileWithComments(t *testing.T) {
	path := writeConfig(t, `{
		// the public port
		"port": 9000,
		"worldUrl": "wss://world.example/runtime",
		"idleTimeout": "90s",
		"speakMaxLen": 280,
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout.Std())
	assert.Equal(t, 280, cfg.SpeakMaxLen)
	// Derived asset endpoint follows the world URL's scheme and host.
	assert.Equal(t, "https://world.example/assets", cfg.WorldAssetURL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10000, cfg.MoveMaxMs)
}

func TestDurationFromMilliseconds(t *testing.T) {
	path := writeConfig(t, `{"idleTimeout": 1500}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.IdleTimeout.Std())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"port": 9000, "logLevel": "info"}`)
	t.Setenv("WORLDGATE_PORT", "9001")
	t.Setenv("WORLDGATE_LOG_LEVEL", "debug")
	t.Setenv("WORLDGATE_IDLE_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout.Std())
}

func TestExplicitAssetURLWins(t *testing.T) {
	path := writeConfig(t, `{"worldAssetUrl": "https://cdn.example/assets"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/assets", cfg.WorldAssetURL)
}

func TestAssetURLFromWorld(t *testing.T) {
	assert.Equal(t, "http://localhost:9100/assets", assetURLFromWorld("ws://localhost:9100/runtime"))
	assert.Equal(t, "https://world.example/assets", assetURLFromWorld("wss://world.example/runtime?x=1"))
	assert.Empty(t, assetURLFromWorld("not a url"))
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, `{"port": "not a number"}`)
	_, err := Load(path)
	assert.Error(t, err)
}
