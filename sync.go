// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gpudrv/internal/cs"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// MapFlags describe a CPU access.
type MapFlags uint32

const (
	// MapRead maps for reading.
	MapRead MapFlags = 1 << iota

	// MapWrite maps for writing.
	MapWrite

	// MapUnsynchronized maps without flushing or waiting.
	MapUnsynchronized

	// MapDontBlock fails with ErrWouldBlock instead of waiting. Unflushed
	// work on the resource is still submitted, so a later retry can succeed.
	MapDontBlock

	// MapDiscardRange allows the mapped range to be replaced as a whole.
	MapDiscardRange

	// MapDiscardWholeResource allows the whole buffer to be replaced.
	MapDiscardWholeResource
)

// SyncMap maps a resource for CPU access once the GPU is done with it.
//
// A write access waits for every queue that reads or writes the resource,
// a read access only for queues that write it. For each such queue the
// unflushed stream is flushed if it references the resource, then the CPU
// waits for that queue's submissions that use it. With MapUnsynchronized
// nothing is flushed or waited for. With MapDontBlock the referencing
// stream is submitted and the call fails with ErrWouldBlock rather than
// waiting.
//
// A write map of a resource never written before needs no synchronization.
// Call Unmap when done writing.
func (c *DriverContext) SyncMap(r *Resource, flags MapFlags) ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if flags&MapWrite != 0 && flags&MapUnsynchronized == 0 && !r.validIntersects(0, r.desc.Size) {
		flags |= MapUnsynchronized
		c.stats.UnsyncMaps++
	}
	data, err := c.mapBuffer(r.buf, flags)
	if err != nil {
		return nil, err
	}
	if flags&MapWrite != 0 {
		r.extendValid(0, r.desc.Size)
	}
	return data[:r.desc.Size], nil
}

// Unmap ends a CPU write to [offset, offset+size) of r.
func (c *DriverContext) Unmap(r *Resource, offset, size uint64) {
	r.checkRange(offset, size)
	c.dev.Unmap(r.buf, offset, size)
}

// mapBuffer synchronizes b for the access and maps it.
func (c *DriverContext) mapBuffer(b *winsys.Buffer, flags MapFlags) ([]byte, error) {
	if flags&MapUnsynchronized == 0 {
		if err := c.syncBuffer(b, flags); err != nil {
			return nil, err
		}
	}
	data, err := c.dev.Map(b)
	if err != nil {
		return nil, fmt.Errorf("gpudrv: map %q: %w", b.Label(), err)
	}
	return data, nil
}

// syncBuffer flushes and waits for the queues that conflict with a CPU
// access of b.
func (c *DriverContext) syncBuffer(b *winsys.Buffer, flags MapFlags) error {
	access := winsys.UsageRead
	conflict := winsys.UsageWrite
	if flags&MapWrite != 0 {
		access = winsys.UsageWrite
		conflict = winsys.UsageReadWrite
	}
	dontBlock := flags&MapDontBlock != 0

	flushed := false
	for _, s := range c.streams() {
		if !s.IsBufferReferenced(b, conflict) {
			continue
		}
		if _, err := s.Flush(cs.FlushAsync); err != nil {
			return err
		}
		flushed = true
	}
	// Freshly submitted work counts as busy.
	if dontBlock && flushed {
		c.stats.WouldBlock++
		return ErrWouldBlock
	}

	for ring := winsys.RingType(0); ring < winsys.NumRings; ring++ {
		if !b.IsBusy(ring, access) {
			continue
		}
		if dontBlock {
			c.stats.WouldBlock++
			return ErrWouldBlock
		}
		b.Wait(ring, access, winsys.Infinite)
		c.stats.SyncWaits++
	}
	return nil
}

// busy reports whether any stream or submission still uses b.
func (c *DriverContext) busy(b *winsys.Buffer) bool {
	return c.referenced(b, winsys.UsageReadWrite) || !b.IsIdle()
}
