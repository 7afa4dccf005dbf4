// Package storage provides data storage implementations for the Correlator API.
package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
// Used for the embedded SQLite deployment, which has no persistent,
// multi-instance key store to fall back on.
type InMemoryKeyStore struct {
	keys  map[string]*APIKey
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys: make(map[string]*APIKey),
	}
}

// FindByKey retrieves an API key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key. Used to provision keys ahead of a request
// (deployment bootstrap, test fixtures) since this store has no Add-on-the-fly caller.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Create a copy to prevent external modification
	keyCopy := *apiKey
	s.keys[keyCopy.Key] = &keyCopy

	return nil
}

// HealthCheck always reports healthy: there is no backing connection to fail.
func (s *InMemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op; InMemoryKeyStore holds no external resources.
func (s *InMemoryKeyStore) Close() error {
	return nil
}
