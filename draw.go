// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// primitive maps a topology to its hardware code. It panics for topologies
// the hardware cannot draw.
func primitive(t gputypes.PrimitiveTopology) packet.Prim {
	switch t {
	case gputypes.PrimitiveTopologyPointList:
		return packet.PrimPointList
	case gputypes.PrimitiveTopologyLineList:
		return packet.PrimLineList
	case gputypes.PrimitiveTopologyLineStrip:
		return packet.PrimLineStrip
	case gputypes.PrimitiveTopologyTriangleList:
		return packet.PrimTriangleList
	case gputypes.PrimitiveTopologyTriangleStrip:
		return packet.PrimTriangleStrip
	default:
		panic(fmt.Sprintf("gpudrv: unsupported primitive topology %d", uint32(t)))
	}
}

// Draw draws vertices×instances vertices starting at first. The vertex and
// fragment shaders must be bound. Empty draws record nothing.
func (c *DriverContext) Draw(topology gputypes.PrimitiveTopology, vertices, instances, first uint32) {
	prim := primitive(topology)
	if c.shaders[StageVertex].Code() == nil || c.shaders[StageFragment].Code() == nil {
		panic("gpudrv: draw without vertex and fragment shaders")
	}
	if vertices == 0 || instances == 0 {
		return
	}
	c.prepare(packet.DrawWords, StageVertex, StageFragment)
	packet.EmitDraw(c.gfx, prim, vertices, instances, first)
	c.stats.Draws++
}

// Dispatch launches an x×y×z grid of compute work groups. The compute
// shader must be bound.
func (c *DriverContext) Dispatch(x, y, z uint32) {
	if c.shaders[StageCompute].Code() == nil {
		panic("gpudrv: dispatch without compute shader")
	}
	if x == 0 || y == 0 || z == 0 {
		return
	}
	c.prepare(packet.DispatchWords, StageCompute)
	packet.EmitDispatch(c.gfx, x, y, z)
	c.stats.Dispatches++
}

// prepare makes room for the pending state plus extra words and emits the
// state: descriptor tables of the given stages, then dirty atoms in table
// order with the barrier last.
func (c *DriverContext) prepare(extra int, stages ...ShaderStage) {
	// A flush marks everything dirty, so size again after one.
	for range 2 {
		epoch := c.epoch
		words := extra + c.registry.DirtyWords() + packet.SurfaceSyncWords
		for _, st := range stages {
			words += c.tables[st].EmitWords()
		}
		c.Reserve(winsys.RingGFX, words)
		if c.epoch == epoch {
			break
		}
	}

	for _, st := range stages {
		t := c.tables[st]
		if !t.Dirty() {
			continue
		}
		before, _ := t.Stats()
		t.Flush(c.gfx)
		if after, _ := t.Stats(); after != before {
			c.addBarrier(packet.SyncInvalidateSH)
		}
	}
	c.registry.EmitDirty(c.gfx)
}
