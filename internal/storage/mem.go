package storage

import (
	"context"
	"fmt"
	"sync"

	"photoflow/internal/models"
	"photoflow/internal/store"
)

// MemStore is an in-memory ArtifactStore.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	baseURL string
}

// NewMemStore creates an empty store publishing under baseURL.
func NewMemStore(baseURL string) *MemStore {
	if baseURL == "" {
		baseURL = "mem://artifacts"
	}
	return &MemStore{objects: make(map[string][]byte), baseURL: baseURL}
}

func (s *MemStore) Save(ctx context.Context, key string, data []byte, contentType string) (models.Artifact, error) {
	if key == "" {
		return models.Artifact{}, fmt.Errorf("artifact key cannot be empty")
	}
	a := Describe(key, data, contentType)
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return a, nil
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("artifact %s: %w", key, store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemStore) Publish(ctx context.Context, key string) (string, error) {
	ok, _ := s.Exists(ctx, key)
	if !ok {
		return "", fmt.Errorf("artifact %s: %w", key, store.ErrNotFound)
	}
	return s.baseURL + "/" + key, nil
}

// Len reports the number of stored artifacts.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ store.ArtifactStore = (*MemStore)(nil)
