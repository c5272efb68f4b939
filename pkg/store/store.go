package store

import (
	"cmp"
	"slices"
	"sync"
)

// Set is an append-only, deduplicating set of values. Merge is idempotent,
// commutative and associative, so two sets built from any delivery order of
// the same values are equal. Values are never removed.
type Set[T cmp.Ordered] struct {
	mu   sync.RWMutex
	data map[T]struct{}
}

func New[T cmp.Ordered]() *Set[T] {
	return &Set[T]{data: make(map[T]struct{})}
}

// Merge adds values and returns the ones that were not present before, in
// input order and without duplicates.
func (s *Set[T]) Merge(values ...T) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []T
	for _, v := range values {
		if _, ok := s.data[v]; ok {
			continue
		}
		s.data[v] = struct{}{}
		added = append(added, v)
	}
	return added
}

// Snapshot returns a sorted copy of every value. It never returns nil.
func (s *Set[T]) Snapshot() []T {
	s.mu.RLock()
	out := make([]T, 0, len(s.data))
	for v := range s.data {
		out = append(out, v)
	}
	s.mu.RUnlock()

	slices.Sort(out)
	return out
}

func (s *Set[T]) Contains(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[v]
	return ok
}

func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

