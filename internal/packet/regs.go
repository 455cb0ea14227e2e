// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package packet

import "fmt"

// Register addresses. Values are word indices in the register file.
const (
	// Viewport transform: scale x/y/z, offset x/y/z as float bits.
	RegViewport uint32 = 0x0200

	// RegViewportSize is the number of viewport registers.
	RegViewportSize = 6

	// Scissor rectangle: top-left and bottom-right packed as x | y<<16.
	RegScissorTL uint32 = 0x0210
	RegScissorBR uint32 = 0x0211

	// Blend constant colour, RGBA float bits.
	RegBlendColor uint32 = 0x0220

	// RegBlendColorSize is the number of blend colour registers.
	RegBlendColorSize = 4

	// RegDBCountControl bit 0 enables occlusion (z-pass) counting.
	RegDBCountControl uint32 = 0x0230

	// State object registers (blend, depth/stencil, rasterizer) are opaque
	// address/value pairs inside this window.
	RegStateObjectBase uint32 = 0x0300
	RegStateObjectEnd  uint32 = 0x03FF

	// Per-stage shader registers. Add the stage base.
	RegShaderPgmLo     uint32 = 0x00 // Program address, low bits
	RegShaderPgmHi     uint32 = 0x01 // Program address, high bits
	RegShaderPgmSize   uint32 = 0x02 // Program size in words
	RegShaderRsrc1     uint32 = 0x03 // Compiler resource word 1
	RegShaderRsrc2     uint32 = 0x04 // Compiler resource word 2
	RegShaderTableLo   uint32 = 0x08 // Descriptor table address, low bits
	RegShaderTableHi   uint32 = 0x09 // Descriptor table address, high bits
	RegShaderStageSize uint32 = 0x10

	RegShaderVSBase uint32 = 0x0400
	RegShaderPSBase uint32 = 0x0410
	RegShaderCSBase uint32 = 0x0420

	// Stream-output buffer i: base lo/hi, size in bytes, stride in bytes.
	// Add i*RegStrmoutBufferStride.
	RegStrmoutBufferBase   uint32 = 0x0500
	RegStrmoutBufferStride uint32 = 4
	RegStrmoutBaseLo       uint32 = 0
	RegStrmoutBaseHi       uint32 = 1
	RegStrmoutSize         uint32 = 2
	RegStrmoutVtxStride    uint32 = 3

	// RegStrmoutEnable holds the mask of enabled stream-output buffers.
	RegStrmoutEnable uint32 = 0x0510

	// RegFileSize is the number of registers in the file.
	RegFileSize = 0x0600
)

// MaxStrmoutBuffers is the number of stream-output buffer slots.
const MaxStrmoutBuffers = 4

// StrmoutReg returns the address of register r of stream-output buffer i.
func StrmoutReg(i int, r uint32) uint32 {
	return RegStrmoutBufferBase + uint32(i)*RegStrmoutBufferStride + r //nolint:gosec // i < MaxStrmoutBuffers
}

// Event codes for EVENT_WRITE.
type Event uint32

const (
	// EventZPassDone writes the 64-bit occlusion counter.
	EventZPassDone Event = 0x15

	// EventTimestamp writes the 64-bit GPU clock.
	EventTimestamp Event = 0x16

	// EventPipelineStat writes PipelineStatCount 64-bit counters.
	EventPipelineStat Event = 0x1E

	// EventSOStats writes primitives written then primitives needed (2×64).
	EventSOStats Event = 0x1F

	// EventCacheFlush flushes and invalidates every cache. No memory write.
	EventCacheFlush Event = 0x26

	// EventStrmoutFlush drains stream-output writes. No memory write.
	EventStrmoutFlush Event = 0x1C
)

// PipelineStatCount is the number of counters EventPipelineStat writes.
const PipelineStatCount = 11

// EventSize returns the number of bytes an event writes to memory.
func (e Event) EventSize() int {
	switch e {
	case EventZPassDone, EventTimestamp:
		return 8
	case EventPipelineStat:
		return 8 * PipelineStatCount
	case EventSOStats:
		return 16
	default:
		return 0
	}
}

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventZPassDone:
		return "ZPASS_DONE"
	case EventTimestamp:
		return "TIMESTAMP"
	case EventPipelineStat:
		return "PIPELINESTAT"
	case EventSOStats:
		return "SO_STATS"
	case EventCacheFlush:
		return "CACHE_FLUSH"
	case EventStrmoutFlush:
		return "STRMOUT_FLUSH"
	default:
		return fmt.Sprintf("Event(0x%x)", uint32(e))
	}
}

// SyncFlags select the caches a SURFACE_SYNC flushes or invalidates.
type SyncFlags uint32

const (
	SyncFlushCB        SyncFlags = 1 << iota // Flush colour buffer cache
	SyncFlushDB                              // Flush depth buffer cache
	SyncInvalidateTC                         // Invalidate texture cache
	SyncInvalidateSH                         // Invalidate shader constant cache
	SyncInvalidateIC                         // Invalidate instruction cache
	SyncFlushStrmout                         // Wait for stream-output writes
	SyncWaitIdle                             // Wait for the pipeline to drain

	// SyncInvalidateReadCaches invalidates every read-only cache.
	SyncInvalidateReadCaches = SyncInvalidateTC | SyncInvalidateSH | SyncInvalidateIC
)

// Primitive topologies for DRAW.
type Prim uint32

const (
	PrimPointList Prim = iota + 1
	PrimLineList
	PrimLineStrip
	PrimTriangleList
	PrimTriangleStrip
)

// Valid reports whether p is a known topology.
func (p Prim) Valid() bool {
	return p >= PrimPointList && p <= PrimTriangleStrip
}

// Primitives returns the number of primitives n vertices form.
// It panics for unknown topologies.
func (p Prim) Primitives(n uint32) uint32 {
	switch p {
	case PrimPointList:
		return n
	case PrimLineList:
		return n / 2
	case PrimLineStrip:
		if n < 2 {
			return 0
		}
		return n - 1
	case PrimTriangleList:
		return n / 3
	case PrimTriangleStrip:
		if n < 3 {
			return 0
		}
		return n - 2
	default:
		panic(fmt.Sprintf("packet: unknown primitive topology %d", uint32(p)))
	}
}

// VerticesPerPrim returns the vertices written to stream-output per primitive.
func (p Prim) VerticesPerPrim() uint32 {
	switch p {
	case PrimPointList:
		return 1
	case PrimLineList, PrimLineStrip:
		return 2
	case PrimTriangleList, PrimTriangleStrip:
		return 3
	default:
		panic(fmt.Sprintf("packet: unknown primitive topology %d", uint32(p)))
	}
}

// Stream-output filled size update modes.
type StrmoutMode uint32

const (
	// StrmoutReset sets the filled size to the packet's offset.
	StrmoutReset StrmoutMode = iota

	// StrmoutLoad sets the filled size from the 32-bit word at the address.
	StrmoutLoad

	// StrmoutStore writes the filled size to the address.
	StrmoutStore
)

// RegPair is one register write.
type RegPair struct {
	Addr  uint32
	Value uint32
}
