package prefetch

import (
	"sort"
	"sync"
)

// Set records feed indices whose prefetch succeeded. Add is idempotent and
// safe to call from concurrent fetch tasks.
type Set struct {
	mu sync.RWMutex
	m  map[int]struct{}
}

// NewSet creates an empty set.
func NewSet() *Set {
	return &Set{m: make(map[int]struct{})}
}

// Add marks i. Returns true if i was not already present.
func (s *Set) Add(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[i]; ok {
		return false
	}
	s.m[i] = struct{}{}
	return true
}

// Has reports whether i is marked.
func (s *Set) Has(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[i]
	return ok
}

// Len returns the number of marked indices.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Indices returns the marked indices in ascending order.
func (s *Set) Indices() []int {
	s.mu.RLock()
	out := make([]int, 0, len(s.m))
	for i := range s.m {
		out = append(out, i)
	}
	s.mu.RUnlock()
	sort.Ints(out)
	return out
}

// removeBelow drops every index < limit and returns how many were removed.
func (s *Set) removeBelow(limit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.m {
		if i < limit {
			delete(s.m, i)
			n++
		}
	}
	return n
}
