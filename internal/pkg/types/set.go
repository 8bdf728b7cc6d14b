package types

import (
	"iter"
	"maps"
	"slices"
)

// Set is a mutable hash set over comparable element types, backed by a
// map[T]struct{}. Add and Delete modify the set in place.
type Set[T comparable] map[T]struct{}

// NewSet builds a Set seeded with the given elements.
func NewSet[T comparable](elems ...T) Set[T] {
	set := make(Set[T], len(elems))
	set.Add(elems...)
	return set
}

// Add inserts the given elements.
func (s Set[T]) Add(elems ...T) {
	for _, e := range elems {
		s[e] = struct{}{}
	}
}

// Delete removes the given elements.
func (s Set[T]) Delete(elems ...T) {
	for _, e := range elems {
		delete(s, e)
	}
}

// Contains reports whether e is a member of the set.
func (s Set[T]) Contains(e T) bool {
	_, ok := s[e]
	return ok
}

// ToIter returns an iterator over the elements, in no particular order.
func (s Set[T]) ToIter() iter.Seq[T] {
	return maps.Keys(s)
}

// ToSlice returns the elements as a slice, in no particular order.
func (s Set[T]) ToSlice() []T {
	return slices.Collect(s.ToIter())
}
