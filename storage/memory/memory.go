// Package memory provides an in-memory implementation of the storage
// interfaces. Suitable for development, tests, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sequentops/integration-oauth/storage"
)

// Store is an in-memory IntegrationStore and ProviderStore. All access is
// mutex-guarded; CompareAndSwapIntegration performs its version check and
// write under the same critical section, which is the store's native
// conditional-update primitive.
type Store struct {
	mu           sync.RWMutex
	integrations map[string]*storage.Integration
	providers    map[string]*storage.Provider
	logger       *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		integrations: make(map[string]*storage.Integration),
		providers:    make(map[string]*storage.Provider),
		logger:       logger,
	}
}

// SaveIntegration creates or replaces an integration unconditionally.
func (s *Store) SaveIntegration(_ context.Context, integ *storage.Integration) error {
	if integ == nil || integ.ID == "" {
		return fmt.Errorf("invalid integration")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := integ.Clone()
	now := time.Now()
	if existing, ok := s.integrations[integ.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		stored.Version = existing.Version
	} else {
		stored.CreatedAt = now
		if stored.Version == 0 {
			stored.Version = 1
		}
	}
	stored.UpdatedAt = now
	s.integrations[integ.ID] = stored

	s.logger.Debug("saved integration", "integration_id", integ.ID, "status", string(stored.Status))
	return nil
}

// GetIntegration returns a copy of the stored integration.
func (s *Store) GetIntegration(_ context.Context, id string) (*storage.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	integ, ok := s.integrations[id]
	if !ok {
		return nil, storage.ErrIntegrationNotFound
	}
	return integ.Clone(), nil
}

// CompareAndSwapIntegration applies integ only when the stored version still
// matches. On conflict the current record is returned alongside
// storage.ErrVersionConflict.
func (s *Store) CompareAndSwapIntegration(_ context.Context, integ *storage.Integration) (*storage.Integration, error) {
	if integ == nil || integ.ID == "" {
		return nil, fmt.Errorf("invalid integration")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.integrations[integ.ID]
	if !ok {
		return nil, storage.ErrIntegrationNotFound
	}
	if current.Version != integ.Version {
		s.logger.Debug("integration CAS conflict",
			"integration_id", integ.ID,
			"expected_version", integ.Version,
			"stored_version", current.Version)
		return current.Clone(), storage.ErrVersionConflict
	}

	stored := integ.Clone()
	stored.Version = current.Version + 1
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now()
	s.integrations[integ.ID] = stored

	return stored.Clone(), nil
}

// DeleteIntegration removes an integration.
func (s *Store) DeleteIntegration(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.integrations[id]; !ok {
		return storage.ErrIntegrationNotFound
	}
	delete(s.integrations, id)
	return nil
}

// SaveProvider creates or replaces a provider configuration.
func (s *Store) SaveProvider(_ context.Context, p *storage.Provider) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid provider")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *p
	clone.Scopes = append([]string(nil), p.Scopes...)
	s.providers[p.ID] = &clone
	return nil
}

// GetProvider returns a copy of the provider configuration.
func (s *Store) GetProvider(_ context.Context, id string) (*storage.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[id]
	if !ok {
		return nil, storage.ErrProviderNotFound
	}
	clone := *p
	clone.Scopes = append([]string(nil), p.Scopes...)
	return &clone, nil
}

// ListProviders returns all provider configurations.
func (s *Store) ListProviders(_ context.Context) ([]*storage.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		clone := *p
		clone.Scopes = append([]string(nil), p.Scopes...)
		out = append(out, &clone)
	}
	return out, nil
}
