package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btouchard/larder/internal/config"
)

const secretFileName = "secret"

// ResolveSecret returns the access token signing key: the configured secret,
// or the one kept in cfg.SecretDir.
func ResolveSecret(cfg config.AuthConfig) ([]byte, error) {
	if cfg.Secret != "" {
		return []byte(cfg.Secret), nil
	}
	secret, err := LoadOrCreateSecret(cfg.SecretDir)
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}

// LoadOrCreateSecret reads the secret from configDir/secret, or generates and
// persists a new 256-bit hex-encoded secret if the file is missing or empty.
func LoadOrCreateSecret(configDir string) (string, error) {
	path := filepath.Join(configDir, secretFileName)

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}

	return RotateSecret(configDir)
}

// RotateSecret generates a new secret, replacing the existing one.
// Every access token signed with the previous secret stops validating;
// refresh tokens are unaffected.
func RotateSecret(configDir string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, secretFileName), []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}

	return secret, nil
}
