package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults_SetsExpectedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8430, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "json", cfg.Server.LogFormat)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.Auth.CodeTTL)
	assert.Equal(t, "header", cfg.Session.HeaderSurfaceID)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.True(t, cfg.Notifications.MCP.Enabled)
	assert.Equal(t, "ngrok", cfg.Tunnel.Provider)
}

func TestLoadFromFile_ParsesYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "larder.yaml", `
server:
  port: 9000
  public_url: "https://larder.test.com"
  log_level: "debug"
  log_format: "text"

auth:
  access_token_ttl: 5m
  code_ttl: 2m

session:
  token_file: "/tmp/larder/session.json"
  refresh_margin: 30s
  header_surface_id: "nav"

notifications:
  log:
    enabled: false
  mcp:
    debounce: 1s
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "https://larder.test.com", cfg.Server.PublicURL)
	assert.Equal(t, "text", cfg.Server.LogFormat)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 2*time.Minute, cfg.Auth.CodeTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTokenTTL, "unset field keeps default")
	assert.Equal(t, "/tmp/larder/session.json", cfg.Session.TokenFile)
	assert.Equal(t, 30*time.Second, cfg.Session.RefreshMargin)
	assert.Equal(t, "nav", cfg.Session.HeaderSurfaceID)
	assert.False(t, cfg.Notifications.Log.Enabled)
	assert.Equal(t, time.Second, cfg.Notifications.MCP.Debounce)
}

func TestLoadFromFile_ParsesTOML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "larder.toml", `
[server]
port = 9100
log_level = "warn"

[auth]
refresh_token_ttl = "48h"

[rate_limit]
requests_per_minute = 60
burst = 10

[tunnel]
enabled = true
domain = "larder.ngrok.app"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
	assert.Equal(t, 48*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 60, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.True(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "larder.ngrok.app", cfg.Tunnel.Domain)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "default host should be preserved")
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("LARDER_TEST_SECRET", "0123456789abcdef0123456789abcdef")

	path := writeConfig(t, "larder.yaml", `
auth:
  secret: "${LARDER_TEST_SECRET}"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.Secret)
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	t.Setenv("LARDER_NGROK_AUTHTOKEN", "from-env")
	t.Setenv("LARDER_SERVER_URL", "http://10.0.0.5:8430")

	path := writeConfig(t, "larder.yaml", `
tunnel:
  authtoken: "from-file"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Tunnel.AuthToken)
	assert.Equal(t, "http://10.0.0.5:8430", cfg.Session.ServerURL)
}

func TestLoadFromFile_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"port too high", "server:\n  port: 99999\n", "port"},
		{"port zero", "server:\n  port: 0\n", "port"},
		{"bind all interfaces", "server:\n  host: \"0.0.0.0\"\n", "0.0.0.0"},
		{"unknown log format", "server:\n  log_format: xml\n", "log_format"},
		{"short secret", "auth:\n  secret: short\n", "auth.secret"},
		{"zero code ttl", "auth:\n  code_ttl: 0s\n", "TTL"},
		{"empty event buffer", "session:\n  event_buffer_size: 0\n", "event_buffer_size"},
		{"unknown tunnel", "tunnel:\n  enabled: true\n  provider: frp\n", "tunnel.provider"},
		{"negative rate", "rate_limit:\n  burst: -1\n", "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, "larder.yaml", tt.content)

			_, err := LoadFromFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile_TunnelAllowsBindAllInterfaces(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "larder.yaml", `
server:
  host: "0.0.0.0"
tunnel:
  enabled: true
`)

	_, err := LoadFromFile(path)
	assert.NoError(t, err)
}

func TestLoadFromFile_NonexistentFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromFile("/tmp/larder-nonexistent-config-file.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8430, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadFromFile_InvalidYAML_ReturnsError(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "larder.yaml", "{{invalid yaml:::")

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing YAML")
}

func TestLoadFromFile_InvalidTOML_ReturnsError(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "larder.toml", "[server\nport = ")

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing TOML")
}

func TestLoadFromFile_ExpandsHomeInPaths(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := LoadFromFile("/tmp/larder-nonexistent-config-file.yaml")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".config/larder/larder.db"), cfg.Database.Path)
	assert.Equal(t, filepath.Join(home, ".config/larder/session.json"), cfg.Session.TokenFile)
}

func TestExpandHome_ReplacesLeadingTilde(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	result := ExpandHome("~/some/path")
	assert.Equal(t, filepath.Join(home, "some/path"), result)
}

func TestExpandHome_LeavesAbsolutePathsUnchanged(t *testing.T) {
	t.Parallel()

	result := ExpandHome("/absolute/path")
	assert.Equal(t, "/absolute/path", result)
}
