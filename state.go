// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/atom"
	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/packet"
)

// SetViewport sets the viewport transform.
func (c *DriverContext) SetViewport(x, y, width, height, minDepth, maxDepth float32) {
	hw, hh := width/2, height/2
	c.viewport.SetRange(packet.RegViewport,
		math.Float32bits(hw),
		math.Float32bits(hh),
		math.Float32bits(maxDepth-minDepth),
		math.Float32bits(x+hw),
		math.Float32bits(y+hh),
		math.Float32bits(minDepth))
	c.registry.MarkDirty(c.ids.viewport)
}

// SetScissor sets the scissor rectangle [x0,x1) × [y0,y1).
func (c *DriverContext) SetScissor(x0, y0, x1, y1 uint16) {
	c.scissor.SetRange(packet.RegScissorTL, uint32(x0)|uint32(y0)<<16, uint32(x1)|uint32(y1)<<16)
	c.registry.MarkDirty(c.ids.scissor)
}

// SetBlendColor sets the constant blend colour.
func (c *DriverContext) SetBlendColor(r, g, b, a float32) {
	c.blendColor.SetRange(packet.RegBlendColor,
		math.Float32bits(r), math.Float32bits(g), math.Float32bits(b), math.Float32bits(a))
	c.registry.MarkDirty(c.ids.blendColor)
}

// SetBlendState binds a blend state object. The pairs are register writes
// in the state object window, applied verbatim.
func (c *DriverContext) SetBlendState(pairs []RegPair) {
	c.setStateObject(c.blend, c.ids.blend, pairs)
}

// SetDepthStencilState binds a depth/stencil state object. Occlusion
// counting stays under the control of active queries.
func (c *DriverContext) SetDepthStencilState(pairs []RegPair) {
	c.setStateObject(c.dsa, c.ids.dsa, pairs)
	v := uint32(0)
	if c.occlusion {
		v = 1
	}
	c.dsa.SetRange(packet.RegDBCountControl, v)
}

// SetRasterizerState binds a rasterizer state object.
func (c *DriverContext) SetRasterizerState(pairs []RegPair) {
	c.setStateObject(c.rasterizer, c.ids.rasterizer, pairs)
}

func (c *DriverContext) setStateObject(a *atom.RegisterState, id atom.ID, pairs []RegPair) {
	for _, p := range pairs {
		if p.Addr < packet.RegStateObjectBase || p.Addr > packet.RegStateObjectEnd {
			panic(fmt.Sprintf("gpudrv: %s register 0x%x outside the state object window", a.Name(), p.Addr))
		}
	}
	a.SetPairs(pairs)
	c.registry.MarkDirty(id)
}

// TextureView describes how a shader samples a resource.
type TextureView struct {
	Offset    uint64
	Width     uint32
	Height    uint32
	Depth     uint32
	MipLevels uint32
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
}

// table returns the descriptor table of a stage. It panics for unknown
// stages.
func (c *DriverContext) table(stage ShaderStage) *desc.Table {
	if stage >= numStages {
		panic(fmt.Sprintf("gpudrv: unknown shader stage %d", uint8(stage)))
	}
	return c.tables[stage]
}

// SetBufferDescriptor binds size bytes of r at offset as element index of
// stage's descriptor table.
func (c *DriverContext) SetBufferDescriptor(stage ShaderStage, index int, r *Resource, offset uint64, size, stride uint32, format gputypes.VertexFormat) {
	r.checkRange(offset, uint64(size))
	d := desc.BufferDescriptor{
		Address: r.buf.GPUAddress() + offset,
		Size:    size,
		Stride:  stride,
		Format:  format,
	}
	c.table(stage).SetElement(index, d.Encode(), r.buf)
}

// SetTextureDescriptor binds a texture view of r as element index of
// stage's descriptor table.
func (c *DriverContext) SetTextureDescriptor(stage ShaderStage, index int, r *Resource, view TextureView) {
	r.checkRange(view.Offset, 0)
	d := desc.TextureDescriptor{
		Address:   r.buf.GPUAddress() + view.Offset,
		Width:     view.Width,
		Height:    view.Height,
		Depth:     max(view.Depth, 1),
		MipLevels: max(view.MipLevels, 1),
		Format:    view.Format,
		Dimension: view.Dimension,
	}
	c.table(stage).SetElement(index, d.Encode(), r.buf)
}

// SetSamplerDescriptor stores a sampler as element index of stage's
// descriptor table.
func (c *DriverContext) SetSamplerDescriptor(stage ShaderStage, index int, s SamplerDescriptor) {
	c.table(stage).SetElement(index, s.Encode(), nil)
}

// ClearDescriptor unbinds element index of stage's descriptor table.
func (c *DriverContext) ClearDescriptor(stage ShaderStage, index int) {
	c.table(stage).SetElement(index, nil, nil)
}

// DescriptorSlot returns the table slot the GPU reads for stage after the
// last draw or dispatch.
func (c *DriverContext) DescriptorSlot(stage ShaderStage) int {
	return c.table(stage).CurrentSlot()
}
