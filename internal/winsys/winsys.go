// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package winsys is the kernel-facing half of the driver: buffer allocation,
// CPU mappings, command stream submission and completion fences.
//
// A Device is one GPU with one or more independent execution queues
// ("rings"). Two implementations exist: softws executes command streams on
// the CPU with a command processor model, halws runs them on a
// github.com/gogpu/wgpu/hal device.
//
// Buffers carry per-queue busy tracking keyed by the last submission that
// read or wrote them. Destroying a buffer is deferred until every such
// submission has retired.
package winsys

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
)

// Winsys errors.
var (
	// ErrOutOfMemory is returned when a buffer cannot be allocated, either
	// because the memory budget is exhausted or the backend refused.
	ErrOutOfMemory = errors.New("winsys: out of memory")

	// ErrDeviceClosed is returned when operating on a closed device.
	ErrDeviceClosed = errors.New("winsys: device closed")

	// ErrNoRing is returned when submitting to a queue the device lacks.
	ErrNoRing = errors.New("winsys: ring not available")

	// ErrInvalidBuffer is returned for nil or released buffers.
	ErrInvalidBuffer = errors.New("winsys: invalid buffer")

	// ErrFenceTimeout is returned when a wait exceeds its timeout.
	ErrFenceTimeout = errors.New("winsys: fence wait timed out")

	// ErrFault is a GPU access outside the submission's buffer list or
	// against the usage the list declares.
	ErrFault = errors.New("winsys: GPU memory fault")
)

// Infinite is a wait timeout that never expires.
const Infinite time.Duration = -1

// RingType identifies an independent execution queue.
type RingType uint8

const (
	// RingGFX is the graphics/compute queue. Every device has one.
	RingGFX RingType = iota

	// RingDMA is the copy queue. It only understands data movement packets.
	RingDMA

	// NumRings is the number of ring types.
	NumRings
)

// String returns the ring name.
func (r RingType) String() string {
	switch r {
	case RingGFX:
		return "gfx"
	case RingDMA:
		return "dma"
	default:
		return fmt.Sprintf("ring(%d)", uint8(r))
	}
}

// Domain is the memory placement of a buffer.
type Domain uint8

const (
	// DomainVRAM is fast device-local memory.
	DomainVRAM Domain = 1 << iota

	// DomainGTT is CPU-visible system memory.
	DomainGTT
)

// String returns the domain name.
func (d Domain) String() string {
	switch d {
	case DomainVRAM:
		return "vram"
	case DomainGTT:
		return "gtt"
	case DomainVRAM | DomainGTT:
		return "vram|gtt"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Usage is how a command stream uses a buffer.
type Usage uint8

const (
	// UsageRead means the stream reads the buffer.
	UsageRead Usage = 1 << iota

	// UsageWrite means the stream writes the buffer.
	UsageWrite

	// UsageReadWrite is the union of both.
	UsageReadWrite = UsageRead | UsageWrite
)

// String returns a short usage description.
func (u Usage) String() string {
	switch u {
	case 0:
		return "none"
	case UsageRead:
		return "read"
	case UsageWrite:
		return "write"
	case UsageReadWrite:
		return "readwrite"
	default:
		return fmt.Sprintf("usage(%d)", uint8(u))
	}
}

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the size in bytes. Rounded up to Alignment.
	Size uint64

	// Domain is the preferred placement. Defaults to DomainGTT.
	Domain Domain

	// Usage lists the ways the GPU will use the buffer.
	// CopySrc and CopyDst are always added.
	Usage gputypes.BufferUsage
}

// Alignment is the size and GPU address alignment of every buffer.
const Alignment = 256

// BufferRef is one entry of a command stream's buffer list.
type BufferRef struct {
	Buffer *Buffer
	Usage  Usage
}

// Fence signals completion of one submitted command stream.
type Fence interface {
	// Ring returns the queue the submission ran on.
	Ring() RingType

	// Seq returns the submission sequence number on its ring.
	Seq() uint64

	// Signalled reports whether the submission has completed.
	Signalled() bool

	// Wait blocks until the submission completes or timeout expires.
	// A negative timeout waits forever, zero only polls.
	// It returns true if the fence signalled.
	Wait(timeout time.Duration) bool

	// Err returns the GPU-side execution error of the submission, if any.
	// Only meaningful once Signalled returns true.
	Err() error
}

// Device is a GPU as seen by the driver.
//
// Device implementations are safe for concurrent use, but a single command
// stream (and therefore a single driver context) issues work from one
// goroutine.
type Device interface {
	// Name returns the backend name.
	Name() string

	// HasRing reports whether the device exposes the given queue.
	HasRing(ring RingType) bool

	// CreateBuffer allocates a buffer. It returns an error wrapping
	// ErrOutOfMemory when the allocation cannot be satisfied.
	CreateBuffer(desc BufferDesc) (*Buffer, error)

	// DestroyBuffer releases a buffer. The backing storage is reclaimed once
	// every submission that uses it has retired.
	DestroyBuffer(b *Buffer)

	// Map returns a CPU view of the whole buffer. Map performs no
	// synchronization with the GPU: callers wait on the buffer first.
	Map(b *Buffer) ([]byte, error)

	// Unmap ends a CPU access started by Map. The range [offset, offset+size)
	// is what the CPU may have written.
	Unmap(b *Buffer, offset, size uint64)

	// Submit queues a command stream for execution. The words are copied.
	// The submission starts only after every fence in deps has signalled.
	Submit(ring RingType, words []uint32, buffers []BufferRef, deps []Fence) (Fence, error)

	// Stats returns memory statistics.
	Stats() Stats

	// Close waits for outstanding work and releases all resources.
	Close() error
}
