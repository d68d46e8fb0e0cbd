// Package idset is a generic set adapted from the consensus engine's
// utils/set package, minus its golang.org/x/exp/maps dependency. No
// package in this module imports it.
package idset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const minSetSize = 16

var _ json.Marshaler = (*Set[int])(nil)

// Set is a set of elements.
type Set[T comparable] map[T]struct{}

// Of returns a Set initialized with elts.
func Of[T comparable](elts ...T) Set[T] {
	s := New[T](len(elts))
	s.Add(elts...)
	return s
}

// New returns a new set with initial capacity size.
func New[T comparable](size int) Set[T] {
	if size < 0 {
		return Set[T]{}
	}
	return make(map[T]struct{}, size)
}

func (s *Set[T]) resize(size int) {
	if *s == nil {
		if minSetSize > size {
			size = minSetSize
		}
		*s = make(map[T]struct{}, size)
	}
}

// Add inserts elts into the set.
func (s *Set[T]) Add(elts ...T) {
	s.resize(2 * len(elts))
	for _, elt := range elts {
		(*s)[elt] = struct{}{}
	}
}

// Union adds all elements of set into s.
func (s *Set[T]) Union(set Set[T]) {
	s.resize(2 * set.Len())
	for elt := range set {
		(*s)[elt] = struct{}{}
	}
}

// Difference removes every element of set from s.
func (s *Set[T]) Difference(set Set[T]) {
	for elt := range set {
		delete(*s, elt)
	}
}

// Contains returns true iff elt is a member of the set.
func (s Set[T]) Contains(elt T) bool {
	_, ok := s[elt]
	return ok
}

// Overlaps returns true if the intersection of s and big is non-empty.
func (s Set[T]) Overlaps(big Set[T]) bool {
	small := s
	if small.Len() > big.Len() {
		small, big = big, small
	}
	for elt := range small {
		if _, ok := big[elt]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of elements in the set.
func (s Set[_]) Len() int {
	return len(s)
}

// Clear empties the set.
func (s *Set[_]) Clear() {
	clear(*s)
}

// List returns the set's elements in unspecified order.
func (s Set[T]) List() []T {
	list := make([]T, 0, len(s))
	for elt := range s {
		list = append(list, elt)
	}
	return list
}

// Remove deletes elts from the set.
func (s *Set[T]) Remove(elts ...T) {
	for _, elt := range elts {
		delete(*s, elt)
	}
}

// Peek returns an arbitrary element, or false if the set is empty.
func (s Set[T]) Peek() (T, bool) {
	for elt := range s {
		return elt, true
	}
	var zero T
	return zero, false
}

// Equals reports whether s and other contain exactly the same elements.
func (s Set[T]) Equals(other Set[T]) bool {
	if len(s) != len(other) {
		return false
	}
	for elt := range s {
		if _, ok := other[elt]; !ok {
			return false
		}
	}
	return true
}

func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

func (s *Set[T]) UnmarshalJSON(b []byte) error {
	var slc []T
	if err := json.Unmarshal(b, &slc); err != nil {
		return err
	}
	*s = make(map[T]struct{}, minSetSize)
	for _, elt := range slc {
		(*s)[elt] = struct{}{}
	}
	return nil
}

func (s Set[T]) String() string {
	sb := strings.Builder{}
	sb.WriteString("{")
	strs := make([]string, 0, len(s))
	for elt := range s {
		strs = append(strs, fmt.Sprintf("%v", elt))
	}
	sort.Strings(strs)
	sb.WriteString(strings.Join(strs, ", "))
	sb.WriteString("}")
	return sb.String()
}
