// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cs implements the command stream of one execution queue.
package cs

import (
	"fmt"

	"github.com/gogpu/gpudrv/internal/winsys"
)

// FlushFlags control a flush.
type FlushFlags uint32

const (
	// FlushAsync submits without waiting for anything. It is the default.
	FlushAsync FlushFlags = 0

	// FlushWantFence asks for a completion fence. Without it an empty stream
	// is not submitted at all.
	FlushWantFence FlushFlags = 1
)

// FlushFunc submits a stream. It is bound by the owner of the stream and
// must leave the stream reset.
type FlushFunc func(flags FlushFlags) (winsys.Fence, error)

// CS is a fixed-capacity command stream plus the list of buffers its
// commands reference.
//
// Lifecycle:
//
//	Recording -> Flush() -> (flush callback submits, stream reset) -> Recording
//
// CS is NOT safe for concurrent use.
type CS struct {
	ring     winsys.RingType
	words    []uint32
	capacity int

	// list is the buffer list in first-reference order.
	list  []winsys.BufferRef
	index map[*winsys.Buffer]int

	flushing bool
	flush    FlushFunc
}

// New creates an empty stream of capacity words for ring.
func New(ring winsys.RingType, capacity int) *CS {
	if capacity <= 0 {
		panic(fmt.Sprintf("cs: capacity %d", capacity))
	}
	return &CS{
		ring:     ring,
		words:    make([]uint32, 0, capacity),
		capacity: capacity,
		index:    make(map[*winsys.Buffer]int),
	}
}

// Ring returns the queue the stream belongs to.
func (c *CS) Ring() winsys.RingType { return c.ring }

// Capacity returns the maximum number of words.
func (c *CS) Capacity() int { return c.capacity }

// Len returns the write cursor: the number of words emitted so far.
func (c *CS) Len() int { return len(c.words) }

// Remaining returns how many more words fit.
func (c *CS) Remaining() int { return c.capacity - len(c.words) }

// Empty reports whether nothing was emitted since the last reset.
func (c *CS) Empty() bool { return len(c.words) == 0 }

// Emit appends words. It panics if they do not fit: callers reserve
// capacity before emitting, so an overflow is a programming error.
func (c *CS) Emit(words ...uint32) {
	if len(c.words)+len(words) > c.capacity {
		panic(fmt.Sprintf("cs: %s stream overflow: cursor %d + %d words > capacity %d",
			c.ring, len(c.words), len(words), c.capacity))
	}
	c.words = append(c.words, words...)
}

// Words returns the emitted words. The slice aliases the stream.
func (c *CS) Words() []uint32 { return c.words }

// AddBuffer adds b to the buffer list, merging usage with earlier entries.
func (c *CS) AddBuffer(b *winsys.Buffer, usage winsys.Usage) {
	if b == nil || usage == 0 {
		return
	}
	if i, ok := c.index[b]; ok {
		c.list[i].Usage |= usage
		return
	}
	c.index[b] = len(c.list)
	c.list = append(c.list, winsys.BufferRef{Buffer: b, Usage: usage})
}

// IsBufferReferenced reports whether the stream references b with any of
// the usage bits.
func (c *CS) IsBufferReferenced(b *winsys.Buffer, usage winsys.Usage) bool {
	i, ok := c.index[b]
	return ok && c.list[i].Usage&usage != 0
}

// Buffers returns the buffer list. The slice aliases the stream.
func (c *CS) Buffers() []winsys.BufferRef { return c.list }

// Reset empties the stream and its buffer list.
func (c *CS) Reset() {
	c.words = c.words[:0]
	for i := range c.list {
		c.list[i] = winsys.BufferRef{}
	}
	c.list = c.list[:0]
	clear(c.index)
}

// SetFlushFunc binds the flush callback.
func (c *CS) SetFlushFunc(fn FlushFunc) { c.flush = fn }

// Flushing reports whether a flush of this stream is in progress.
func (c *CS) Flushing() bool { return c.flushing }

// Flush runs the bound flush callback. A request made while this stream is
// already flushing returns immediately with no fence.
func (c *CS) Flush(flags FlushFlags) (winsys.Fence, error) {
	if c.flushing || c.flush == nil {
		return nil, nil
	}
	c.flushing = true
	defer func() { c.flushing = false }()
	return c.flush(flags)
}
