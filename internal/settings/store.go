// Package settings persists the viewer's captioning preferences in a small
// YAML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys read at session start and written by configuration flows
const (
	KeySpeechLanguage    = "speechLanguage"
	KeyTranslationTarget = "translationTarget"
	KeyCaptionPosition   = "captionPosition"
	KeyBackend           = "backend"
	KeyBackendEndpoint   = "backendEndpoint"
	KeyAssemblyAPIKey    = "assemblyApiKey"
	KeyDeepgramAPIKey    = "deepgramApiKey"
)

// Store is a key-value settings store backed by a YAML file. A missing file
// is an empty store; every Set rewrites the file.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// Open loads the store at path
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

// Get returns the value for key and whether it is present
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Lookup returns the value for key or def when absent or empty
func (s *Store) Lookup(key, def string) string {
	if v, ok := s.Get(key); ok && v != "" {
		return v
	}
	return def
}

// Set stores value under key and persists the store. An empty value
// removes the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}

	if err := s.save(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Keys lists the stored keys in order
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// save writes through a temp file so a crash never leaves a torn file.
// Caller holds mu.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
