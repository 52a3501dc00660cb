package entity

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Store holds the active registry and swaps it atomically on reload.
// Requests keep the registry they started with.
type Store struct {
	path    string
	current atomic.Pointer[Registry]
	mu      sync.Mutex
}

// NewStore loads the schema file at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an already built registry. Reload is a no-op.
func NewStaticStore(reg *Registry) *Store {
	s := &Store{}
	s.current.Store(reg)
	return s
}

// Path returns the schema file the store reloads from, or "" for a static store.
func (s *Store) Path() string {
	return s.path
}

// Registry returns the active registry.
func (s *Store) Registry() *Registry {
	return s.current.Load()
}

// Reload re-reads the schema file. The previous registry stays active on error.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		if s.current.Load() == nil {
			return fmt.Errorf("entity schema file is not configured")
		}
		return nil
	}
	reg, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(reg)
	return nil
}
