// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package winsys

import (
	"sync"
	"time"

	"github.com/gogpu/gputypes"
)

// Buffer is a GPU-visible allocation.
//
// The busy state records, per ring, the last submitted stream that read and
// the last that wrote the buffer. References held by streams that are still
// being recorded are tracked by the command stream itself, not here.
type Buffer struct {
	mu sync.Mutex

	id     uint64
	label  string
	va     uint64
	size   uint64
	domain Domain
	usage  gputypes.BufferUsage

	// backing is the backend's storage for this buffer.
	backing any

	lastRead  [NumRings]Fence
	lastWrite [NumRings]Fence

	released bool
}

// ID returns a unique buffer identifier.
func (b *Buffer) ID() uint64 { return b.id }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// GPUAddress returns the GPU virtual address of the first byte.
func (b *Buffer) GPUAddress() uint64 { return b.va }

// Size returns the allocation size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Domain returns the memory placement.
func (b *Buffer) Domain() Domain { return b.domain }

// Usage returns the GPU usage flags the buffer was created with.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// Backing returns the backend-private storage.
func (b *Buffer) Backing() any { return b.backing }

// Contains reports whether the GPU address range [va, va+n) lies inside b.
func (b *Buffer) Contains(va, n uint64) bool {
	return va >= b.va && n <= b.size && va-b.va <= b.size-n
}

// Released reports whether DestroyBuffer was called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// markUsed records that a submission on ring uses the buffer.
func (b *Buffer) markUsed(ring RingType, usage Usage, f Fence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if usage&UsageRead != 0 {
		b.lastRead[ring] = f
	}
	if usage&UsageWrite != 0 {
		b.lastWrite[ring] = f
	}
}

// PendingFences returns the unsignalled fences a CPU access of the given
// kind must wait for on ring. A write access conflicts with reads and
// writes, a read access only with writes.
func (b *Buffer) PendingFences(ring RingType, access Usage) []Fence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked(ring, access)
}

func (b *Buffer) pendingLocked(ring RingType, access Usage) []Fence {
	var out []Fence
	if w := b.lastWrite[ring]; w != nil && !w.Signalled() {
		out = append(out, w)
	}
	if access&UsageWrite != 0 {
		if r := b.lastRead[ring]; r != nil && !r.Signalled() && r != b.lastWrite[ring] {
			out = append(out, r)
		}
	}
	return out
}

// IsBusy reports whether a submission on ring conflicts with an access of
// the given kind.
func (b *Buffer) IsBusy(ring RingType, access Usage) bool {
	return len(b.PendingFences(ring, access)) > 0
}

// IsIdle reports whether no submission on any ring still uses the buffer.
func (b *Buffer) IsIdle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for r := RingType(0); r < NumRings; r++ {
		if len(b.pendingLocked(r, UsageReadWrite)) > 0 {
			return false
		}
	}
	return true
}

// Wait blocks until no submission on ring conflicts with an access of the
// given kind. It returns false if timeout expired first.
func (b *Buffer) Wait(ring RingType, access Usage, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, f := range b.PendingFences(ring, access) {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false
			}
		}
		if !f.Wait(remaining) {
			return false
		}
	}
	return true
}

// resetTracking clears the busy state. Called when a buffer is reused from
// the cache after all its fences have signalled.
func (b *Buffer) resetTracking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRead = [NumRings]Fence{}
	b.lastWrite = [NumRings]Fence{}
	b.released = false
}
