package observe

import (
	"maps"
	"slices"
	"sync/atomic"
)

// snapshot is one committed view of every tracked flag. It is never
// mutated after it is stored; next is closed when a newer snapshot
// replaces it.
type snapshot struct {
	values map[string]bool
	next   chan struct{}
}

func newSnapshot(values map[string]bool) *snapshot {
	return &snapshot{values: values, next: make(chan struct{})}
}

// state is a last-value container. Readers load the current snapshot
// without locking; writers must be serialized by the caller.
type state struct {
	current atomic.Pointer[snapshot]
}

func newState(values map[string]bool) *state {
	s := &state{}
	s.current.Store(newSnapshot(values))
	return s
}

func (s *state) load() *snapshot {
	return s.current.Load()
}

func (s *state) commit(values map[string]bool) {
	prev := s.current.Swap(newSnapshot(values))
	close(prev.next)
}

// diff compares two feature maps over the union of their keys, treating an
// absent key as disabled. Keys are returned sorted.
func diff(old, next map[string]bool) []string {
	var changed []string
	for key, v := range next {
		if old[key] != v {
			changed = append(changed, key)
		}
	}
	for key, v := range old {
		if _, ok := next[key]; !ok && v {
			changed = append(changed, key)
		}
	}
	slices.Sort(changed)
	return changed
}

func withValue(values map[string]bool, key string, v bool) map[string]bool {
	out := maps.Clone(values)
	if out == nil {
		out = make(map[string]bool, 1)
	}
	out[key] = v
	return out
}
