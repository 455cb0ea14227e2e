// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package desc

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
)

// Stride is the size in bytes of one descriptor.
const Stride = 32

// Kind tags stored in the last word of every descriptor.
const (
	kindNull uint32 = iota
	kindBuffer
	kindTexture
	kindSampler
)

// Descriptors that reference memory store its GPU address in their first
// 8 bytes. Relocate depends on it.
const addressOffset = 0

// BufferDescriptor describes a vertex, uniform or storage buffer view.
type BufferDescriptor struct {
	Address uint64
	Size    uint32
	Stride  uint32
	Format  gputypes.VertexFormat
}

// Encode returns the descriptor bytes.
//
// Layout: address(8) size(4) stride(4) format(4) reserved(8) kind(4).
func (d BufferDescriptor) Encode() []byte {
	b := make([]byte, Stride)
	binary.LittleEndian.PutUint64(b[0:], d.Address)
	binary.LittleEndian.PutUint32(b[8:], d.Size)
	binary.LittleEndian.PutUint32(b[12:], d.Stride)
	binary.LittleEndian.PutUint32(b[16:], uint32(d.Format))
	binary.LittleEndian.PutUint32(b[28:], kindBuffer)
	return b
}

// TextureDescriptor describes a sampled texture view.
type TextureDescriptor struct {
	Address   uint64
	Width     uint32
	Height    uint32
	Depth     uint32
	MipLevels uint32
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
}

// Encode returns the descriptor bytes.
//
// Layout: address(8) width(2) height(2) depth(2) mips(2) format(4)
// dimension(4) reserved(4) kind(4).
func (d TextureDescriptor) Encode() []byte {
	b := make([]byte, Stride)
	binary.LittleEndian.PutUint64(b[0:], d.Address)
	binary.LittleEndian.PutUint16(b[8:], uint16(d.Width))      //nolint:gosec // extents fit 16 bits
	binary.LittleEndian.PutUint16(b[10:], uint16(d.Height))    //nolint:gosec // extents fit 16 bits
	binary.LittleEndian.PutUint16(b[12:], uint16(d.Depth))     //nolint:gosec // extents fit 16 bits
	binary.LittleEndian.PutUint16(b[14:], uint16(d.MipLevels)) //nolint:gosec // mip counts fit 16 bits
	binary.LittleEndian.PutUint32(b[16:], uint32(d.Format))
	binary.LittleEndian.PutUint32(b[20:], uint32(d.Dimension))
	binary.LittleEndian.PutUint32(b[28:], kindTexture)
	return b
}

// SamplerDescriptor describes texture filtering and addressing.
type SamplerDescriptor struct {
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
	AddressU     gputypes.AddressMode
	AddressV     gputypes.AddressMode
	AddressW     gputypes.AddressMode
	Compare      gputypes.CompareFunction
	LodMinClamp  float32
	LodMaxClamp  float32
}

// Encode returns the descriptor bytes.
//
// Layout: filters(4: mag, min, mip, 0) address(4: u, v, w, 0) compare(4)
// lodMin(4) lodMax(4) reserved(8) kind(4).
func (d SamplerDescriptor) Encode() []byte {
	b := make([]byte, Stride)
	b[0] = byte(d.MagFilter)
	b[1] = byte(d.MinFilter)
	b[2] = byte(d.MipmapFilter)
	b[4] = byte(d.AddressU)
	b[5] = byte(d.AddressV)
	b[6] = byte(d.AddressW)
	binary.LittleEndian.PutUint32(b[8:], uint32(d.Compare))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(d.LodMinClamp))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(d.LodMaxClamp))
	binary.LittleEndian.PutUint32(b[28:], kindSampler)
	return b
}

// DefaultSampler returns a linear clamp-to-edge sampler.
func DefaultSampler() SamplerDescriptor {
	return SamplerDescriptor{
		MagFilter:    gputypes.FilterModeLinear,
		MinFilter:    gputypes.FilterModeLinear,
		MipmapFilter: gputypes.FilterModeLinear,
		AddressU:     gputypes.AddressModeClampToEdge,
		AddressV:     gputypes.AddressModeClampToEdge,
		AddressW:     gputypes.AddressModeClampToEdge,
		Compare:      gputypes.CompareFunctionAlways,
		LodMaxClamp:  32,
	}
}

// Address returns the GPU address stored in a memory descriptor.
func Address(d []byte) uint64 {
	if len(d) < addressOffset+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(d[addressOffset:])
}
