package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tokend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
env: local
storage:
  type: sqlite
  path: ./test.db
http:
  port: 9090
  timeout: 3s
tokens:
  secret: unit-test-secret
  issuer: tokend-test
  audience: tokend-test-clients
  access_ttl: 1m
  refresh_ttl: 24h
  refresh_pepper: unit-test-pepper
`)

	cfg := config.LoadConfig(path)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "./test.db", cfg.Storage.Path)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 3*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "unit-test-secret", cfg.Tokens.Secret)
	assert.Equal(t, "tokend-test", cfg.Tokens.Issuer)
	assert.Equal(t, time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, "unit-test-pepper", cfg.Tokens.RefreshPepper)
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: ./test.db
`)

	cfg := config.LoadConfig(path)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "tokend", cfg.Tokens.Issuer)
	assert.Equal(t, "tokend-clients", cfg.Tokens.Audience)
	assert.Equal(t, 30*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.Tokens.RefreshTTL)
	// No secret anywhere: jwt.NewManager refuses it at startup.
	assert.Empty(t, cfg.Tokens.Secret)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "secret-from-env")
	t.Setenv("REFRESH_PEPPER", "pepper-from-env")

	path := writeConfig(t, `
storage:
  path: ./test.db
`)

	cfg := config.LoadConfig(path)
	assert.Equal(t, "secret-from-env", cfg.Tokens.Secret)
	assert.Equal(t, "pepper-from-env", cfg.Tokens.RefreshPepper)
}

func TestLoadConfig_MissingFilePanics(t *testing.T) {
	assert.Panics(t, func() {
		config.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
