// Package memory provides an in-memory resource store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fidde/cube_planner/pkg/models"
)

type entry struct {
	data      []byte
	timestamp int64
}

// Store keeps resources in a map. Content is copied on the way in and out.
type Store struct {
	mu        sync.RWMutex
	resources map[string]entry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{resources: make(map[string]entry)}
}

func (s *Store) GetResource(ctx context.Context, path string) (*models.Resource, error) {
	if err := models.ValidateResourcePath(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	e, ok := s.resources[path]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ResourceNotFound(path)
	}
	return models.NewResource(path, e.data, e.timestamp), nil
}

func (s *Store) PutResource(ctx context.Context, path string, content []byte, timestamp int64) error {
	if err := models.ValidateResourcePath(path); err != nil {
		return err
	}

	data := append([]byte(nil), content...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[path] = entry{data: data, timestamp: timestamp}
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.resources[path]
	return ok, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	paths := make([]string, 0, len(s.resources))
	for p := range s.resources {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	s.mu.RUnlock()

	sort.Strings(paths)
	return paths, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, path)
	return nil
}

// Clear removes every resource.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = make(map[string]entry)
	return nil
}

func (s *Store) Close() error {
	return nil
}
