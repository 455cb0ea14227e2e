// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package bitset

import (
	"reflect"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		wantOK bool
	}{
		{"one", 1, true},
		{"word", 64, true},
		{"word plus one", 65, true},
		{"large", 1024, true},
		{"zero", 0, false},
		{"negative", -3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.n)
			if got := s != nil; got != tt.wantOK {
				t.Fatalf("New(%d) != nil = %v, want %v", tt.n, got, tt.wantOK)
			}
			if s == nil {
				return
			}
			if s.Len() != tt.n {
				t.Errorf("Len() = %d, want %d", s.Len(), tt.n)
			}
			if !s.IsEmpty() {
				t.Error("new set should be empty")
			}
		})
	}
}

func TestMarkUnmark(t *testing.T) {
	s := New(130)
	for _, i := range []int{0, 63, 64, 129} {
		s.Mark(i)
		if !s.Has(i) {
			t.Errorf("Has(%d) = false after Mark", i)
		}
	}
	if s.Count() != 4 {
		t.Errorf("Count() = %d, want 4", s.Count())
	}

	// Out of range indices are ignored.
	s.Mark(-1)
	s.Mark(130)
	if s.Count() != 4 {
		t.Errorf("Count() after out of range Mark = %d, want 4", s.Count())
	}
	if s.Has(130) {
		t.Error("Has(130) = true for out of range index")
	}

	s.Unmark(63)
	if s.Has(63) {
		t.Error("Has(63) = true after Unmark")
	}
	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
}

func TestMarkAll(t *testing.T) {
	for _, n := range []int{1, 63, 64, 65, 128, 200} {
		s := New(n)
		s.MarkAll()
		if s.Count() != n {
			t.Errorf("n=%d: Count() after MarkAll = %d, want %d", n, s.Count(), n)
		}
		s.Clear()
		if !s.IsEmpty() {
			t.Errorf("n=%d: set not empty after Clear", n)
		}
	}
}

func TestMarkRange(t *testing.T) {
	s := New(10)
	s.MarkRange(-5, 3)
	s.MarkRange(8, 20)
	want := []int{0, 1, 2, 8, 9}
	var got []int
	s.ForEach(func(i int) { got = append(got, i) })
	if !reflect.DeepEqual(got, want) {
		t.Errorf("members = %v, want %v", got, want)
	}
}

func TestGetAndClear(t *testing.T) {
	s := New(100)
	for _, i := range []int{70, 3, 64, 5} {
		s.Mark(i)
	}
	got := s.GetAndClear()
	want := []int{3, 5, 64, 70}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetAndClear() = %v, want %v", got, want)
	}
	if !s.IsEmpty() {
		t.Error("set not empty after GetAndClear")
	}
	if got := s.GetAndClear(); got != nil {
		t.Errorf("GetAndClear() on empty set = %v, want nil", got)
	}
}

func TestRanges(t *testing.T) {
	tests := []struct {
		name    string
		members []int
		want    [][2]int
	}{
		{"empty", nil, nil},
		{"single", []int{4}, [][2]int{{4, 5}}},
		{"one run", []int{2, 3, 4}, [][2]int{{2, 5}}},
		{"two runs", []int{0, 1, 5, 6, 7}, [][2]int{{0, 2}, {5, 8}}},
		{"across words", []int{62, 63, 64, 65}, [][2]int{{62, 66}}},
		{"isolated", []int{1, 3, 5}, [][2]int{{1, 2}, {3, 4}, {5, 6}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(128)
			for _, i := range tt.members {
				s.Mark(i)
			}
			var got [][2]int
			s.Ranges(func(lo, hi int) { got = append(got, [2]int{lo, hi}) })
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Ranges() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConcurrentMark(t *testing.T) {
	s := New(256)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := g; i < 256; i += 8 {
				s.Mark(i)
			}
		}(g)
	}
	wg.Wait()
	if s.Count() != 256 {
		t.Errorf("Count() = %d, want 256", s.Count())
	}
}

func BenchmarkGetAndClear(b *testing.B) {
	s := New(64)
	for i := 0; i < b.N; i++ {
		s.Mark(3)
		s.Mark(17)
		s.Mark(40)
		_ = s.GetAndClear()
	}
}
