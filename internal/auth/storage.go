package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// TokenStorage persists the client's current token pair.
type TokenStorage interface {
	// Load returns nil when nothing is stored.
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
	Clear() error
}

// MemoryStorage keeps the token in memory.
type MemoryStorage struct {
	mu  sync.Mutex
	tok *oauth2.Token
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// NewStaticStorage holds a bearer token received from elsewhere, such as an
// incoming request. It has no refresh token and no known expiry.
func NewStaticStorage(accessToken string) *MemoryStorage {
	return &MemoryStorage{tok: &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}}
}

func (m *MemoryStorage) Load() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return nil, nil
	}
	tok := *m.tok
	return &tok, nil
}

func (m *MemoryStorage) Save(tok *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := *tok
	m.tok = &saved
	return nil
}

func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = nil
	return nil
}

// FileStorage keeps the token as JSON in a 0600 file.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (f *FileStorage) Load() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return &tok, nil
}

func (f *FileStorage) Save(tok *oauth2.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	// Readers see the old file or the new one, never a partial write.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (f *FileStorage) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
