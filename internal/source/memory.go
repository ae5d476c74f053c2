package source

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

const (
	DefaultMemoryName     = "memory"
	DefaultMemoryPriority = 100
)

// MemorySource is a mutable in-process store, typically used for local
// overrides on top of file-backed definitions.
type MemorySource struct {
	name     string
	priority int

	mu    sync.RWMutex
	flags map[string]domain.FlagRecord
}

// NewMemory creates an empty memory source.
func NewMemory(opts ...Option) *MemorySource {
	o := applyOptions(options{name: DefaultMemoryName, priority: DefaultMemoryPriority}, opts)
	return &MemorySource{
		name:     o.name,
		priority: o.priority,
		flags:    make(map[string]domain.FlagRecord),
	}
}

func (m *MemorySource) Name() string  { return m.name }
func (m *MemorySource) Priority() int { return m.priority }

func (m *MemorySource) Get(ctx context.Context, key string) (*domain.FlagRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.flags[key]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// GetAll returns every stored record ordered by key.
func (m *MemorySource) GetAll(ctx context.Context) ([]domain.FlagRecord, error) {
	m.mu.RLock()
	records := make([]domain.FlagRecord, 0, len(m.flags))
	for _, record := range m.flags {
		records = append(records, record)
	}
	m.mu.RUnlock()

	slices.SortFunc(records, func(a, b domain.FlagRecord) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return records, nil
}

// Set stores record under its key, replacing any previous value.
func (m *MemorySource) Set(record domain.FlagRecord) error {
	if record.IsZero() {
		return domain.NewValidationError("cannot store an unconstructed flag record")
	}

	m.mu.Lock()
	m.flags[record.Key()] = record
	m.mu.Unlock()
	return nil
}

// SetEnabled flips an existing record, or creates one tagged with this
// source's name.
func (m *MemorySource) SetEnabled(key string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.flags[key]; ok {
		m.flags[key] = existing.WithEnabled(enabled)
		return nil
	}

	record, err := domain.NewFlagRecord(key, enabled, m.name, nil)
	if err != nil {
		return err
	}
	m.flags[key] = record
	return nil
}

// Delete removes key and reports whether it was present.
func (m *MemorySource) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.flags[key]
	delete(m.flags, key)
	return ok
}

func (m *MemorySource) Clear() {
	m.mu.Lock()
	clear(m.flags)
	m.mu.Unlock()
}

func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.flags)
}

// Refresh is a no-op: the store is always current.
func (m *MemorySource) Refresh(ctx context.Context) error {
	return nil
}

func (m *MemorySource) Close() error {
	m.Clear()
	return nil
}
