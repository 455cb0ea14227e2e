// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/cs"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// Transfer is a mapped range of a resource, possibly backed by a staging
// buffer that is copied into place at unmap.
type Transfer struct {
	res     *Resource
	offset  uint64
	size    uint64
	flags   MapFlags
	data    []byte
	staging *winsys.Buffer
}

// Data returns the mapped bytes.
func (t *Transfer) Data() []byte { return t.data }

// Staged reports whether the transfer writes through a staging buffer.
func (t *Transfer) Staged() bool { return t.staging != nil }

// TransferMap maps [offset, offset+size) of r.
//
// When the resource is busy, MapDiscardWholeResource gives it fresh storage
// and MapDiscardRange returns a staging buffer instead of waiting; so does
// a MapDontBlock write that would otherwise fail. Everything else behaves
// like SyncMap. Call TransferUnmap when done.
func (c *DriverContext) TransferMap(r *Resource, offset, size uint64, flags MapFlags) (*Transfer, error) {
	if c.closed {
		return nil, ErrClosed
	}
	r.checkRange(offset, size)
	write := flags&MapWrite != 0

	if write && flags&MapUnsynchronized == 0 && !r.validIntersects(offset, offset+size) {
		flags |= MapUnsynchronized
		c.stats.UnsyncMaps++
	}

	if write && flags&MapUnsynchronized == 0 {
		switch {
		case flags&MapDiscardWholeResource != 0:
			if c.busy(r.buf) {
				if err := c.invalidate(r); err != nil {
					return nil, err
				}
			}
			flags |= MapUnsynchronized
		case flags&(MapDiscardRange|MapDontBlock) != 0 && offset%4 == 0 && size%4 == 0 && size > 0:
			if c.busy(r.buf) {
				return c.stagingTransfer(r, offset, size, flags)
			}
		}
	}

	data, err := c.mapBuffer(r.buf, flags)
	if err != nil {
		return nil, err
	}
	if write {
		r.extendValid(offset, offset+size)
	}
	return &Transfer{res: r, offset: offset, size: size, flags: flags, data: data[offset : offset+size]}, nil
}

func (c *DriverContext) stagingTransfer(r *Resource, offset, size uint64, flags MapFlags) (*Transfer, error) {
	st, err := c.dev.CreateBuffer(winsys.BufferDesc{
		Label:  "staging",
		Size:   size,
		Domain: winsys.DomainGTT,
		Usage:  gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gpudrv: staging buffer: %w", err)
	}
	data, err := c.dev.Map(st)
	if err != nil {
		c.dev.DestroyBuffer(st)
		return nil, fmt.Errorf("gpudrv: staging buffer: %w", err)
	}
	return &Transfer{res: r, offset: offset, size: size, flags: flags, data: data[:size], staging: st}, nil
}

// TransferUnmap ends a transfer. A staged transfer is copied into place by
// the copy queue when there is one, otherwise by the graphics queue.
func (c *DriverContext) TransferUnmap(t *Transfer) {
	if t.staging != nil {
		c.dev.Unmap(t.staging, 0, t.size)
		c.copyBuffer(t.res.buf, t.offset, t.staging, 0, t.size)
		c.release(t.staging)
		t.res.extendValid(t.offset, t.offset+t.size)
		c.stats.StagingUploads++
		t.staging = nil
		return
	}
	if t.flags&MapWrite != 0 {
		c.dev.Unmap(t.res.buf, t.offset, t.size)
	}
}

// BufferSubData writes data at offset in r without stalling when the range
// can be staged.
func (c *DriverContext) BufferSubData(r *Resource, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	t, err := c.TransferMap(r, offset, uint64(len(data)), MapWrite|MapDiscardRange)
	if err != nil {
		return err
	}
	copy(t.Data(), data)
	c.TransferUnmap(t)
	return nil
}

// CopyBuffer copies size bytes from src at srcOffset to dst at dstOffset.
// Offsets and size must be multiples of 4.
func (c *DriverContext) CopyBuffer(dst *Resource, dstOffset uint64, src *Resource, srcOffset, size uint64) {
	dst.checkRange(dstOffset, size)
	src.checkRange(srcOffset, size)
	c.copyBuffer(dst.buf, dstOffset, src.buf, srcOffset, size)
	dst.extendValid(dstOffset, dstOffset+size)
}

// copyBuffer records a buffer copy on the copy queue, or on the graphics
// queue without one.
func (c *DriverContext) copyBuffer(dst *winsys.Buffer, dstOffset uint64, src *winsys.Buffer, srcOffset, size uint64) {
	if size == 0 {
		return
	}
	if dstOffset%4 != 0 || srcOffset%4 != 0 || size%4 != 0 {
		panic(fmt.Sprintf("gpudrv: unaligned copy dst+%d src+%d size %d", dstOffset, srcOffset, size))
	}
	chunks := int((size + packet.MaxCopySize - 1) / packet.MaxCopySize) //nolint:gosec // bounded by buffer size
	words := chunks * packet.CopyDataWords

	var s *cs.CS
	if c.dma != nil {
		c.Reserve(winsys.RingDMA, words)
		// The copy queue must not overtake graphics work recorded earlier.
		if c.gfx.IsBufferReferenced(dst, winsys.UsageReadWrite) || c.gfx.IsBufferReferenced(src, winsys.UsageWrite) {
			f, err := c.Flush(winsys.RingGFX, cs.FlushWantFence)
			if err != nil {
				Logger().Warn("gpudrv: graphics flush before copy failed", "err", err)
			} else if f != nil {
				c.dmaDeps = append(c.dmaDeps, f)
			}
		}
		s = c.dma
	} else {
		c.Reserve(winsys.RingGFX, words)
		s = c.gfx
	}

	s.AddBuffer(src, winsys.UsageRead)
	s.AddBuffer(dst, winsys.UsageWrite)
	for off := uint64(0); off < size; off += packet.MaxCopySize {
		n := min(size-off, packet.MaxCopySize)
		packet.EmitCopyData(s, dst.GPUAddress()+dstOffset+off, src.GPUAddress()+srcOffset+off, n)
	}
	if s == c.gfx {
		c.addBarrier(packet.SyncInvalidateReadCaches)
	}

	c.stats.Copies++
	c.stats.BytesCopied += size
}
