package config

import "time"

// Config is the root configuration for larder.
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Session       SessionConfig       `yaml:"session" toml:"session"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
	Tunnel        TunnelConfig        `yaml:"tunnel" toml:"tunnel"`
}

type ServerConfig struct {
	Host      string `yaml:"host" toml:"host"`
	Port      int    `yaml:"port" toml:"port"`
	PublicURL string `yaml:"public_url" toml:"public_url"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`
	LogFile   string `yaml:"log_file" toml:"log_file"`
}

type AuthConfig struct {
	// Secret signs access tokens. When empty a secret is generated and kept
	// in SecretDir.
	Secret          string        `yaml:"secret" toml:"secret"`
	SecretDir       string        `yaml:"secret_dir" toml:"secret_dir"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" toml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" toml:"refresh_token_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl" toml:"code_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" toml:"cleanup_interval"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SessionConfig drives the client side: the CLI and any page runtime that
// keeps its tokens on disk.
type SessionConfig struct {
	ServerURL       string        `yaml:"server_url" toml:"server_url"`
	TokenFile       string        `yaml:"token_file" toml:"token_file"`
	RefreshMargin   time.Duration `yaml:"refresh_margin" toml:"refresh_margin"`
	HeaderSurfaceID string        `yaml:"header_surface_id" toml:"header_surface_id"`
	EventBufferSize int           `yaml:"event_buffer_size" toml:"event_buffer_size"`
	InitTimeout     time.Duration `yaml:"init_timeout" toml:"init_timeout"`
}

type NotificationsConfig struct {
	Log LogNotifyConfig `yaml:"log" toml:"log"`
	MCP MCPNotifyConfig `yaml:"mcp" toml:"mcp"`
}

// LogNotifyConfig writes sign-in codes to the log. Meant for development
// where no mail relay exists.
type LogNotifyConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

type MCPNotifyConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Debounce time.Duration `yaml:"debounce" toml:"debounce"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

type TunnelConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Provider  string `yaml:"provider" toml:"provider"`
	AuthToken string `yaml:"authtoken" toml:"authtoken"`
	Domain    string `yaml:"domain" toml:"domain"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      8430,
			LogLevel:  "info",
			LogFormat: "json",
		},
		Auth: AuthConfig{
			SecretDir:       "~/.config/larder",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			CodeTTL:         10 * time.Minute,
			CleanupInterval: 15 * time.Minute,
		},
		Database: DatabaseConfig{
			Path: "~/.config/larder/larder.db",
		},
		Session: SessionConfig{
			ServerURL:       "http://127.0.0.1:8430",
			TokenFile:       "~/.config/larder/session.json",
			RefreshMargin:   time.Minute,
			HeaderSurfaceID: "header",
			EventBufferSize: 16,
			InitTimeout:     10 * time.Second,
		},
		Notifications: NotificationsConfig{
			Log: LogNotifyConfig{Enabled: true},
			MCP: MCPNotifyConfig{Enabled: true, Debounce: 3 * time.Second},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             30,
		},
		Tunnel: TunnelConfig{
			Provider: "ngrok",
		},
	}
}
