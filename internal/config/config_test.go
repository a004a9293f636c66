package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.StaleDetachGrace)
	assert.Equal(t, 5*time.Second, cfg.YoungSessionGrace)
	assert.Equal(t, 10*time.Second, cfg.AttachTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.ResizeDebounce)
	assert.Equal(t, 5*time.Second, cfg.PendingConfirmTTL)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxBackoff)
	assert.Equal(t, 256*1024, cfg.HistoryTailBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.WindowID)
	assert.Equal(t, "state.db", filepath.Base(cfg.StateDB))
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "termlink.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log_level: debug\nattach_timeout: 3s\nserver_url: ws://file\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TERMLINK_WINDOW_ID=from-dotenv\n"), 0o644))
	t.Setenv("TERMLINK_ATTACH_TIMEOUT", "4s")
	t.Setenv("TERMLINK_WINDOW_ID", "")
	os.Unsetenv("TERMLINK_WINDOW_ID")

	cfg, err := Load(newFlags(t, "--config", file, "--server-url", "ws://flag"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4*time.Second, cfg.AttachTimeout)
	assert.Equal(t, "ws://flag", cfg.ServerURL)
	assert.Equal(t, "from-dotenv", cfg.WindowID)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TERMLINK_STALE_DETACH_GRACE", "0s")

	_, err := Load(nil)
	assert.ErrorContains(t, err, "stale_detach_grace")
}
