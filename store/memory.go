package store

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used in tests and when no database is wanted.
type Memory[T Record] struct {
	mu      sync.RWMutex
	records map[string]T
}

// NewMemory returns an empty in-memory store.
func NewMemory[T Record]() *Memory[T] {
	return &Memory[T]{records: make(map[string]T)}
}

func (m *Memory[T]) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *Memory[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return zero, ErrNotFound
	}
	return rec, nil
}

func (m *Memory[T]) Insert(ctx context.Context, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return ErrConflict
	}
	m.records[rec.Key()] = rec
	return nil
}

func (m *Memory[T]) Remove(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return zero, ErrNotFound
	}
	delete(m.records, id)
	return rec, nil
}

func (m *Memory[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]T, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}
