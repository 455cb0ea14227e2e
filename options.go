// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/query"
	"github.com/gogpu/gpudrv/internal/shader"
)

// Default configuration values.
const (
	// DefaultGfxCapacity is the default graphics stream size in words.
	DefaultGfxCapacity = 16384

	// DefaultDMACapacity is the default copy stream size in words.
	DefaultDMACapacity = 4096

	// MinCapacity is the smallest stream size. Smaller values are raised.
	MinCapacity = 1024

	// DefaultDescriptorCount is the default number of elements per
	// descriptor table.
	DefaultDescriptorCount = 32
)

// Config holds the configuration of a DriverContext.
type Config struct {
	// GfxCapacity is the graphics stream size in words.
	// Defaults to DefaultGfxCapacity if <= 0, raised to MinCapacity.
	GfxCapacity int

	// DMA enables the copy stream when the device has a copy queue.
	DMA bool

	// DMACapacity is the copy stream size in words.
	// Defaults to DefaultDMACapacity if <= 0, raised to MinCapacity.
	DMACapacity int

	// DescriptorSlots is the number of copies of each descriptor table.
	// Defaults to 16 if < 2.
	DescriptorSlots int

	// DescriptorCount is the number of elements per descriptor table.
	// Defaults to DefaultDescriptorCount if <= 0. At most 1024.
	DescriptorCount int

	// QueryBufferSize is the size of each query result buffer in bytes.
	// Defaults to 4096 if too small for one record.
	QueryBufferSize int

	// Compiler compiles shader source. Defaults to the naga WGSL compiler.
	Compiler shader.Compiler
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		GfxCapacity:     DefaultGfxCapacity,
		DMA:             true,
		DMACapacity:     DefaultDMACapacity,
		DescriptorSlots: desc.DefaultSlots,
		DescriptorCount: DefaultDescriptorCount,
		QueryBufferSize: query.DefaultBufferSize,
		Compiler:        shader.NagaCompiler{},
	}
}

// normalized applies defaults and bounds.
func (c Config) normalized() Config {
	if c.GfxCapacity <= 0 {
		c.GfxCapacity = DefaultGfxCapacity
	}
	c.GfxCapacity = max(c.GfxCapacity, MinCapacity)
	if c.DMACapacity <= 0 {
		c.DMACapacity = DefaultDMACapacity
	}
	c.DMACapacity = max(c.DMACapacity, MinCapacity)
	if c.DescriptorSlots < 2 {
		c.DescriptorSlots = desc.DefaultSlots
	}
	if c.DescriptorCount <= 0 {
		c.DescriptorCount = DefaultDescriptorCount
	}
	c.DescriptorCount = min(c.DescriptorCount, desc.MaxElements)
	if c.Compiler == nil {
		c.Compiler = shader.NagaCompiler{}
	}
	return c
}

// Option configures a DriverContext during creation.
//
// Example:
//
//	dc, err := gpudrv.New(dev,
//		gpudrv.WithGfxCapacity(8192),
//		gpudrv.WithDescriptorSlots(4),
//	)
type Option func(*Config)

// WithGfxCapacity sets the graphics stream size in words.
func WithGfxCapacity(words int) Option {
	return func(c *Config) {
		c.GfxCapacity = words
	}
}

// WithDMA enables or disables the copy stream. Copies then run on the
// graphics queue.
func WithDMA(enabled bool) Option {
	return func(c *Config) {
		c.DMA = enabled
	}
}

// WithDMACapacity sets the copy stream size in words.
func WithDMACapacity(words int) Option {
	return func(c *Config) {
		c.DMACapacity = words
	}
}

// WithDescriptorSlots sets the number of copies of each descriptor table.
func WithDescriptorSlots(n int) Option {
	return func(c *Config) {
		c.DescriptorSlots = n
	}
}

// WithDescriptorCount sets the number of elements per descriptor table.
func WithDescriptorCount(n int) Option {
	return func(c *Config) {
		c.DescriptorCount = n
	}
}

// WithQueryBufferSize sets the size of query result buffers.
func WithQueryBufferSize(bytes int) Option {
	return func(c *Config) {
		c.QueryBufferSize = bytes
	}
}

// WithShaderCompiler replaces the shader compiler.
func WithShaderCompiler(comp shader.Compiler) Option {
	return func(c *Config) {
		c.Compiler = comp
	}
}
