package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.BaseURL)
	assert.Equal(t, "file://~/.tvsync/queue.json", cfg.StoreDSN)
	assert.Equal(t, 25, cfg.PageSize)
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Empty(t, cfg.StatusFile)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.ErrorIs(t, cfg.RequireToken(), ErrMissingToken)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TVSYNC_BASE_URL", "https://tv.example.com/api/")
	t.Setenv("TVSYNC_TOKEN", " secret ")
	t.Setenv("TVSYNC_PAGE_SIZE", "50")
	t.Setenv("TVSYNC_PROBE_INTERVAL", "750ms")
	t.Setenv("TVSYNC_STATUS_FILE", "/tmp/net-status")

	cfg, err := Load(NewViper(), LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "https://tv.example.com/api", cfg.BaseURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 750*time.Millisecond, cfg.ProbeInterval)
	assert.Equal(t, "/tmp/net-status", cfg.StatusFile)
	assert.NoError(t, cfg.RequireToken())
}

func TestLoadConfigFileBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tvsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: 10\nlog_level: debug\nstore_dsn: memory://\n"), 0o600))
	t.Setenv("TVSYNC_PAGE_SIZE", "40")

	cfg, err := Load(NewViper(), LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.PageSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory://", cfg.StoreDSN)
}

func TestLoadMissingConfigFileFails(t *testing.T) {
	_, err := Load(NewViper(), LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	require.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TVSYNC_LOG_FORMAT=json\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TVSYNC_LOG_FORMAT") })

	cfg, err := Load(NewViper(), LoadOptions{EnvFile: path})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)

	_, err = Load(NewViper(), LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.NoError(t, err)
}

func TestSetOverridesEnvironment(t *testing.T) {
	t.Setenv("TVSYNC_BASE_URL", "http://from-env:1")
	v := NewViper()
	v.Set(KeyBaseURL, "http://from-flag:2")

	cfg, err := Load(v, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "http://from-flag:2", cfg.BaseURL)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{name: "relative base url", key: KeyBaseURL, val: "/api"},
		{name: "ftp base url", key: KeyBaseURL, val: "ftp://host"},
		{name: "empty store", key: KeyStoreDSN, val: " "},
		{name: "zero page size", key: KeyPageSize, val: 0},
		{name: "huge page size", key: KeyPageSize, val: 501},
		{name: "zero probe interval", key: KeyProbeInterval, val: "0s"},
		{name: "jitter above one", key: KeyProbeJitter, val: 1.5},
		{name: "negative timeout", key: KeyRequestTimeout, val: "-1s"},
		{name: "unknown level", key: KeyLogLevel, val: "loud"},
		{name: "unknown format", key: KeyLogFormat, val: "xml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewViper()
			v.Set(tc.key, tc.val)
			_, err := Load(v, LoadOptions{})
			assert.Error(t, err)
		})
	}
}
