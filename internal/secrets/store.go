// Package secrets persists provider API keys in a private TOML settings file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultProvider is used when a caller names no provider.
	DefaultProvider = "anthropic"
	keyPrefix       = "apiKey_"
)

// Store reads and writes provider secrets.
type Store interface {
	Get(provider string) (string, bool, error)
	Set(provider, value string) error
	Providers() ([]string, error)
}

// KeyName returns the storage key for provider, e.g. "apiKey_anthropic".
func KeyName(provider string) string {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = DefaultProvider
	}
	return keyPrefix + provider
}

// FileStore keeps a flat TOML table of keys in a 0600 file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first Set.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("settings path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the settings file location.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the stored value for provider. A missing file or key reports
// ok=false with a nil error.
func (s *FileStore) Get(provider string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[KeyName(provider)]
	return value, ok, nil
}

// Set stores value for provider, replacing the settings file atomically.
func (s *FileStore) Set(provider, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[KeyName(provider)] = value
	return s.save(values)
}

// Providers lists providers that have a stored key, sorted.
func (s *FileStore) Providers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(values))
	for key := range values {
		if provider, ok := strings.CutPrefix(key, keyPrefix); ok && provider != "" {
			providers = append(providers, provider)
		}
	}
	sort.Strings(providers)
	return providers, nil
}

func (s *FileStore) load() (map[string]string, error) {
	values := map[string]string{}
	if _, err := os.Stat(s.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("stat settings file %q: %w", s.path, err)
	}
	if _, err := toml.DecodeFile(s.path, &values); err != nil {
		return nil, fmt.Errorf("decode settings file %q: %w", s.path, err)
	}
	return values, nil
}

func (s *FileStore) save(values map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp settings file: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(values); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
