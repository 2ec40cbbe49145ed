// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package conns contains a small set type used to track the connections
// that are currently leased.
package conns

// Set is a set of connections. Since connections are map keys in the
// underlying type, they are unique. Standard map iteration is used to
// enumerate the contents of the set.
type Set[T comparable] map[T]struct{}

// Add adds c to the set.
func (s Set[T]) Add(c T) {
	s[c] = struct{}{}
}

// Remove removes c from the set and reports whether it was present.
func (s Set[T]) Remove(c T) bool {
	_, ok := s[c]
	delete(s, c)
	return ok
}

// Contains returns true if the set contains the given connection.
func (s Set[T]) Contains(c T) bool {
	_, ok := s[c]
	return ok
}

// Equals returns true if s has the same connections as other.
func (s Set[T]) Equals(other Set[T]) bool {
	if len(s) != len(other) {
		return false
	}
	for c := range s {
		if _, ok := other[c]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the contents of the set in no particular order.
func (s Set[T]) Slice() []T {
	sl := make([]T, 0, len(s))
	for c := range s {
		sl = append(sl, c)
	}
	return sl
}

// FromSlice converts a slice into a Set.
func FromSlice[T comparable](items []T) Set[T] {
	set := make(Set[T], len(items))
	for _, c := range items {
		set[c] = struct{}{}
	}
	return set
}
