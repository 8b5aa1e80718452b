package patterns

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, patterns []models.ActionPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, patterns []models.ActionPattern) error {
	return f(ctx, patterns)
}

// Memory holds the most recently mined patterns. The zero value is ready to use.
type Memory struct {
	mu       sync.RWMutex
	patterns []models.ActionPattern
}

// StorePatterns replaces the held patterns.
func (m *Memory) StorePatterns(_ context.Context, patterns []models.ActionPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append([]models.ActionPattern(nil), patterns...)
	return nil
}

// Patterns returns a copy of the held patterns.
func (m *Memory) Patterns() []models.ActionPattern {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ActionPattern(nil), m.patterns...)
}
