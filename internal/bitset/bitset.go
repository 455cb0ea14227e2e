// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package bitset provides the dirty masks used for state tracking.
package bitset

import (
	"math/bits"
	"sync/atomic"
)

// Set is a fixed-size set of small integers backed by an atomic bitmap.
// All methods are safe for concurrent use without external synchronization.
//
// Bit index = i. Word index = i / 64. Bit position = i % 64.
type Set struct {
	words []atomic.Uint64
	n     int
}

// New creates an empty set that can hold 0 <= i < n.
// Returns nil if n is not positive.
func New(n int) *Set {
	if n <= 0 {
		return nil
	}
	return &Set{
		words: make([]atomic.Uint64, (n+63)/64),
		n:     n,
	}
}

// Len returns the capacity of the set.
func (s *Set) Len() int { return s.n }

// Mark adds i. Does nothing if i is out of range.
func (s *Set) Mark(i int) {
	if i < 0 || i >= s.n {
		return
	}
	s.words[i/64].Or(1 << (i & 63))
}

// Unmark removes i.
func (s *Set) Unmark(i int) {
	if i < 0 || i >= s.n {
		return
	}
	s.words[i/64].And(^(uint64(1) << (i & 63)))
}

// MarkRange adds every i in [lo, hi).
func (s *Set) MarkRange(lo, hi int) {
	lo = max(lo, 0)
	hi = min(hi, s.n)
	for i := lo; i < hi; i++ {
		s.Mark(i)
	}
}

// MarkAll adds every index.
func (s *Set) MarkAll() {
	full := s.n / 64
	for i := 0; i < full; i++ {
		s.words[i].Store(^uint64(0))
	}
	if rem := s.n % 64; rem > 0 {
		s.words[full].Store((uint64(1) << rem) - 1)
	}
}

// Clear removes every index.
func (s *Set) Clear() {
	for i := range s.words {
		s.words[i].Store(0)
	}
}

// Has reports whether i is in the set.
func (s *Set) Has(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.words[i/64].Load()&(1<<(i&63)) != 0
}

// IsEmpty reports whether the set is empty.
func (s *Set) IsEmpty() bool {
	for i := range s.words {
		if s.words[i].Load() != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of members.
func (s *Set) Count() int {
	count := 0
	for i := range s.words {
		count += bits.OnesCount64(s.words[i].Load())
	}
	return count
}

// GetAndClear atomically removes and returns every member in ascending order.
func (s *Set) GetAndClear() []int {
	var out []int
	for wi := range s.words {
		word := s.words[wi].Swap(0)
		for word != 0 {
			b := bits.TrailingZeros64(word)
			out = append(out, wi*64+b)
			word &^= 1 << b
		}
	}
	return out
}

// ForEach calls fn for each member in ascending order without removing it.
func (s *Set) ForEach(fn func(i int)) {
	if fn == nil {
		return
	}
	for wi := range s.words {
		word := s.words[wi].Load()
		for word != 0 {
			b := bits.TrailingZeros64(word)
			fn(wi*64 + b)
			word &^= 1 << b
		}
	}
}

// Ranges calls fn for each maximal run [lo, hi) of consecutive members.
func (s *Set) Ranges(fn func(lo, hi int)) {
	start := -1
	prev := -1
	s.ForEach(func(i int) {
		if start >= 0 && i == prev+1 {
			prev = i
			return
		}
		if start >= 0 {
			fn(start, prev+1)
		}
		start, prev = i, i
	})
	if start >= 0 {
		fn(start, prev+1)
	}
}
