package common_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guarzo/cachesync/common"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cachesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := common.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5*time.Minute, cfg.HTTP.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.Query.StaleTime)
	assert.Equal(t, 10*time.Minute, cfg.Query.CacheTime)
	assert.Equal(t, "memory", cfg.Durable.Backend)
}

func TestLoadConfigLayering(t *testing.T) {
	path := writeConfig(t, `
cache:
  defaultTTL: 90s
durable:
  backend: file
  dir: /var/cache/cachesync
  codec: msgpack
http:
  baseURL: https://api.example.com
logging:
  level: debug
`)
	t.Setenv("CACHESYNC_CACHE_DEFAULT_TTL", "2m")
	t.Setenv("CACHESYNC_DURABLE_MODE", "async")
	t.Setenv("CACHESYNC_CACHE_SESSION_NAMESPACES", "api, user ,resource")

	cfg, err := common.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL, "env beats file")
	assert.Equal(t, "file", cfg.Durable.Backend)
	assert.Equal(t, "msgpack", cfg.Durable.Codec)
	assert.Equal(t, "async", cfg.Durable.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://api.example.com", cfg.HTTP.BaseURL)
	assert.Equal(t, []string{"api", "user", "resource"}, cfg.Cache.SessionNamespaces)
	assert.Equal(t, 10*time.Minute, cfg.Query.CacheTime, "defaults survive")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown backend":   "durable:\n  backend: redis\n",
		"file without dir":  "durable:\n  backend: file\n",
		"dynamo w/o table":  "durable:\n  backend: dynamodb\n",
		"bad level":         "logging:\n  level: loud\n",
		"bad base url":      "http:\n  baseURL: not a url\n",
		"negative cacheTTL": "http:\n  cacheTTL: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := common.LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("CACHESYNC_HTTP_TIMEOUT", "soon")
	_, err := common.LoadConfig("")
	assert.ErrorContains(t, err, "CACHESYNC_HTTP_TIMEOUT")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := common.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := common.NewLogger(common.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = common.NewLogger(common.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
