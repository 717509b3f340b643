package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/larder/larder.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "larder", "larder.yaml"))
	}

	paths = append(paths, "larder.yaml")

	if envPath := os.Getenv("LARDER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from config files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/larder/larder.yaml < ~/.config/larder/larder.yaml < ./larder.yaml < $LARDER_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than file values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("LARDER_NGROK_AUTHTOKEN"); token != "" {
		cfg.Tunnel.AuthToken = token
	}
	if secret := os.Getenv("LARDER_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if url := os.Getenv("LARDER_SERVER_URL"); url != "" {
		cfg.Session.ServerURL = url
	}
}

// loadFile merges one file into cfg. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing TOML: %w", err)
		}
		return nil
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host == "0.0.0.0" && !cfg.Tunnel.Enabled {
		return fmt.Errorf("server.host must not be 0.0.0.0, expose larder through a reverse proxy or tunnel.enabled")
	}

	switch cfg.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("server.log_format must be json or text, got %q", cfg.Server.LogFormat)
	}

	if cfg.Auth.AccessTokenTTL <= 0 || cfg.Auth.RefreshTokenTTL <= 0 || cfg.Auth.CodeTTL <= 0 {
		return fmt.Errorf("auth token and code TTLs must be positive")
	}
	if cfg.Auth.Secret != "" && len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters")
	}

	if cfg.Session.EventBufferSize < 1 {
		return fmt.Errorf("session.event_buffer_size must be at least 1")
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.Provider != "ngrok" {
		return fmt.Errorf("tunnel.provider %q is not supported", cfg.Tunnel.Provider)
	}

	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)
	cfg.Session.TokenFile = ExpandHome(cfg.Session.TokenFile)
	cfg.Server.LogFile = ExpandHome(cfg.Server.LogFile)

	return nil
}
