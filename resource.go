// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gpudrv/internal/winsys"
)

// Resource is a buffer owned by the application.
//
// Its storage may be replaced behind the application's back when a
// discarding map finds it busy; descriptors are re-pointed automatically.
// The valid range is the part of the buffer that was ever written by the
// CPU or the GPU. Writes outside it need no synchronization.
type Resource struct {
	buf  *winsys.Buffer
	desc winsys.BufferDesc

	// [validStart, validEnd) is empty when validStart >= validEnd.
	validStart uint64
	validEnd   uint64

	// targets are the stream-output targets created on r.
	targets []*StreamoutTarget
}

// Label returns the debug label.
func (r *Resource) Label() string { return r.desc.Label }

// Size returns the requested size in bytes.
func (r *Resource) Size() uint64 { return r.desc.Size }

// Domain returns the memory placement of the current storage.
func (r *Resource) Domain() Domain { return r.buf.Domain() }

// GPUAddress returns the GPU address of the current storage.
func (r *Resource) GPUAddress() uint64 { return r.buf.GPUAddress() }

// ValidRange returns the range ever written. start >= end means empty.
func (r *Resource) ValidRange() (start, end uint64) { return r.validStart, r.validEnd }

func (r *Resource) validIntersects(start, end uint64) bool {
	return r.validStart < r.validEnd && start < r.validEnd && r.validStart < end
}

func (r *Resource) extendValid(start, end uint64) {
	if start >= end {
		return
	}
	if r.validStart >= r.validEnd {
		r.validStart, r.validEnd = start, end
		return
	}
	r.validStart = min(r.validStart, start)
	r.validEnd = max(r.validEnd, end)
}

func (r *Resource) resetValid() { r.validStart, r.validEnd = 0, 0 }

// checkRange panics unless [offset, offset+size) lies inside r.
func (r *Resource) checkRange(offset, size uint64) {
	if offset > r.desc.Size || size > r.desc.Size-offset {
		panic(fmt.Sprintf("gpudrv: range [%d,+%d) outside %q of %d bytes", offset, size, r.desc.Label, r.desc.Size))
	}
}

// CreateBuffer allocates a buffer. Allocation failures wrap ErrOutOfMemory.
func (c *DriverContext) CreateBuffer(d BufferDesc) (*Resource, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if d.Size == 0 {
		panic(fmt.Sprintf("gpudrv: buffer %q of size 0", d.Label))
	}
	buf, err := c.dev.CreateBuffer(d)
	if err != nil {
		return nil, fmt.Errorf("gpudrv: create buffer %q: %w", d.Label, err)
	}
	return &Resource{buf: buf, desc: d}, nil
}

// DestroyBuffer releases a buffer. Descriptors still pointing at it are
// unbound. The storage outlives every command that uses it.
func (c *DriverContext) DestroyBuffer(r *Resource) {
	if r == nil || r.buf == nil {
		return
	}
	for _, t := range c.tables {
		for i := 0; i < t.Count(); i++ {
			if t.Resource(i) == r.buf {
				t.SetElement(i, nil, nil)
			}
		}
	}
	c.release(r.buf)
	r.buf = nil
}

// invalidate gives r fresh storage so that the CPU can write it while the
// GPU still uses the old one. Descriptors and stream-output targets
// referencing the old storage are re-pointed at the new one.
func (c *DriverContext) invalidate(r *Resource) error {
	nb, err := c.dev.CreateBuffer(r.desc)
	if err != nil {
		return fmt.Errorf("gpudrv: reallocate %q: %w", r.desc.Label, err)
	}
	old := r.buf
	r.buf = nb
	r.resetValid()

	rebound := 0
	for _, t := range c.tables {
		rebound += t.Relocate(old, nb)
	}
	rebound += c.relocateTargets(r, nb)
	c.release(old)
	c.stats.Invalidations++
	Logger().Debug("gpudrv: buffer storage replaced", "buffer", r.desc.Label, "rebound", rebound)
	return nil
}
