package settings

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	entries map[string]PurgerSettings
}

// NewMemory returns a process-local repository.
func NewMemory() Repository {
	return &memoryRepository{entries: make(map[string]PurgerSettings)}
}

func (r *memoryRepository) Load(_ context.Context, id string) (PurgerSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	if !ok {
		return PurgerSettings{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (r *memoryRepository) Save(_ context.Context, id string, s PurgerSettings) error {
	if id == "" {
		return fmt.Errorf("settings: purger id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = s.Clone()
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)
	return nil
}

func (r *memoryRepository) List(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memoryRepository) Close(context.Context) error {
	return nil
}
