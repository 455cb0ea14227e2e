// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package winsys

import (
	"fmt"
	"sort"
)

// AddressMap resolves GPU addresses against the buffer list of one
// submission. Backends use it to give the command processor exactly the
// memory the stream declared.
type AddressMap struct {
	refs []BufferRef // sorted by GPU address
}

// NewAddressMap builds a map over refs. Entries for the same buffer are
// merged.
func NewAddressMap(refs []BufferRef) *AddressMap {
	merged := make(map[*Buffer]Usage, len(refs))
	for _, ref := range refs {
		if ref.Buffer != nil {
			merged[ref.Buffer] |= ref.Usage
		}
	}
	m := &AddressMap{refs: make([]BufferRef, 0, len(merged))}
	for b, u := range merged {
		m.refs = append(m.refs, BufferRef{Buffer: b, Usage: u})
	}
	sort.Slice(m.refs, func(i, j int) bool {
		return m.refs[i].Buffer.va < m.refs[j].Buffer.va
	})
	return m
}

// Len returns the number of distinct buffers.
func (m *AddressMap) Len() int { return len(m.refs) }

// Resolve returns the buffer holding [va, va+n) and the offset of va in it.
// It returns an error wrapping ErrFault when no listed buffer contains the
// whole range or the buffer is not listed for access.
func (m *AddressMap) Resolve(va, n uint64, access Usage) (*Buffer, uint64, error) {
	i := sort.Search(len(m.refs), func(i int) bool {
		b := m.refs[i].Buffer
		return b.va+b.size > va
	})
	if i < len(m.refs) {
		ref := m.refs[i]
		if ref.Buffer.Contains(va, n) {
			if ref.Usage&access != access {
				return nil, 0, fmt.Errorf("%w: %s of %d bytes at 0x%x, buffer %q listed for %s",
					ErrFault, access, n, va, ref.Buffer.label, ref.Usage)
			}
			return ref.Buffer, va - ref.Buffer.va, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %s of %d bytes at 0x%x is outside the buffer list", ErrFault, access, n, va)
}
