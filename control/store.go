// control/store.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe configuration store with hot-reload propagation.

package control

import (
	"sync"
)

// Store holds the active configuration and notifies listeners on change.
type Store struct {
	mu        sync.RWMutex
	config    Config
	listeners []func(Config)
}

// NewStore initializes a store with cfg.
func NewStore(cfg Config) *Store {
	return &Store{config: cfg}
}

// Get returns the active configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Set validates and installs cfg, then dispatches listeners asynchronously.
func (s *Store) Set(cfg Config) error {
	fns, err := s.swap(cfg)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		go fn(cfg)
	}
	return nil
}

// SetSync is Set with listeners invoked before it returns.
func (s *Store) SetSync(cfg Config) error {
	fns, err := s.swap(cfg)
	if err != nil {
		return err
	}
	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

func (s *Store) swap(cfg Config) ([]func(Config), error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return append([]func(Config){}, s.listeners...), nil
}

// OnReload registers a listener hook called on config changes.
func (s *Store) OnReload(fn func(Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
