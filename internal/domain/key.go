package domain

import (
	"slices"
	"strings"
	"sync"
)

// FeatureKey is a validated, non-blank flag identifier.
type FeatureKey struct {
	name string
}

func (k FeatureKey) String() string { return k.name }

// Registry records every FeatureKey created through it. It is an explicit
// object rather than a package singleton so that engines and tests can hold
// independent registries.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]FeatureKey
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]FeatureKey)}
}

// ValidateKey reports a blank name as a ValidationError without recording it.
func ValidateKey(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("feature key cannot be blank")
	}
	return nil
}

// Key validates name and records it. Registering the same name twice is a no-op.
func (r *Registry) Key(name string) (FeatureKey, error) {
	if err := ValidateKey(name); err != nil {
		return FeatureKey{}, err
	}

	r.mu.RLock()
	key, ok := r.keys[name]
	r.mu.RUnlock()
	if ok {
		return key, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.keys[name]; ok {
		return key, nil
	}
	key = FeatureKey{name: name}
	r.keys[name] = key
	return key, nil
}

// MustKey is Key for compile-time constant names.
func (r *Registry) MustKey(name string) FeatureKey {
	key, err := r.Key(name)
	if err != nil {
		panic(err)
	}
	return key
}

func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[name]
	return ok
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.keys))
	for name := range r.keys {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.keys, name)
	r.mu.Unlock()
}

func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.keys)
	r.mu.Unlock()
}
