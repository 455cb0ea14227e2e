// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gpudrv/internal/winsys"
)

// MemoryStats is the memory usage of a device.
type MemoryStats = winsys.Stats

// Stats counts what a DriverContext did.
type Stats struct {
	GfxFlushes      uint64
	DMAFlushes      uint64
	ImplicitFlushes uint64
	FailedFlushes   uint64
	WordsSubmitted  uint64

	Draws      uint64
	Dispatches uint64

	Copies         uint64
	BytesCopied    uint64
	StagingUploads uint64
	Invalidations  uint64

	SyncWaits  uint64
	WouldBlock uint64
	UnsyncMaps uint64

	DescriptorFlushes uint64
	DescriptorWraps   uint64

	QueryBuffers      uint64
	StreamoutSessions uint64
	StreamoutSuspends uint64

	Memory MemoryStats
}

// String returns a one-line summary.
func (s Stats) String() string {
	return fmt.Sprintf("Stats[flushes gfx=%d dma=%d implicit=%d, draws=%d dispatches=%d, copies=%d (%d B), waits=%d, descriptor slots=%d wraps=%d]",
		s.GfxFlushes, s.DMAFlushes, s.ImplicitFlushes,
		s.Draws, s.Dispatches,
		s.Copies, s.BytesCopied,
		s.SyncWaits,
		s.DescriptorFlushes, s.DescriptorWraps)
}

// Stats returns the context's counters and the device's memory usage.
func (c *DriverContext) Stats() Stats {
	s := c.stats
	for _, t := range c.tables {
		f, w := t.Stats()
		s.DescriptorFlushes += f
		s.DescriptorWraps += w
	}
	s.QueryBuffers = c.queries.BuffersAllocated()
	s.StreamoutSessions, s.StreamoutSuspends = c.streamout.Stats()
	s.Memory = c.dev.Stats()
	return s
}
