package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store serializes writers of a single YAML config file behind a mutex,
// and always saves through a temp-file-then-rename so a reader never
// observes a half-written file. Readers go through LoadStation or
// LoadStorage, which re-read the file fresh each call rather than
// caching state.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a Store bound to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file this Store guards.
func (s *Store) Path() string {
	return s.path
}

// LoadStation reads and validates the station config this Store guards.
func (s *Store) LoadStation() (Station, error) {
	return LoadStation(s.path)
}

// LoadStorage reads and validates the storage config this Store guards.
func (s *Store) LoadStorage() (Storage, error) {
	return LoadStorage(s.path)
}

// SaveStation validates and atomically persists a station config,
// serialized against any concurrent writer on the same Store.
func (s *Store) SaveStation(st Station) error {
	if err := st.Validate(); err != nil {
		return err
	}
	return s.save(map[string]Station{"station": st})
}

// SaveStorage validates and atomically persists a storage config,
// serialized against any concurrent writer on the same Store.
func (s *Store) SaveStorage(storage Storage) error {
	if err := storage.Validate(); err != nil {
		return err
	}
	return s.save(map[string]Storage{"storage": storage})
}

func (s *Store) save(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("config: creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: renaming %s to %s: %w", tmpPath, s.path, err)
	}
	return nil
}
