// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"testing"

	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/query"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/winsys/softws"
)

// stubCompiler records the stage it was asked to compile.
type stubCompiler struct {
	stage ShaderStage
}

func (s *stubCompiler) Compile(stage ShaderStage, _ string) (*ShaderBinary, error) {
	s.stage = stage
	return &shader.Binary{Stage: stage, Code: make([]byte, 8)}, nil
}

func TestDefaultConfig(t *testing.T) {
	c := newContext(t, newDevice(t))
	cfg := c.Config()
	if cfg.GfxCapacity != DefaultGfxCapacity || cfg.DMACapacity != DefaultDMACapacity {
		t.Errorf("capacities = %d, %d", cfg.GfxCapacity, cfg.DMACapacity)
	}
	if cfg.DescriptorSlots != desc.DefaultSlots || cfg.DescriptorCount != DefaultDescriptorCount {
		t.Errorf("descriptors = %d slots of %d", cfg.DescriptorSlots, cfg.DescriptorCount)
	}
	if cfg.QueryBufferSize != query.DefaultBufferSize {
		t.Errorf("QueryBufferSize = %d", cfg.QueryBufferSize)
	}
	if _, ok := cfg.Compiler.(shader.NagaCompiler); !ok {
		t.Errorf("Compiler = %T, want NagaCompiler", cfg.Compiler)
	}
	if !c.HasDMA() {
		t.Error("HasDMA() = false with a copy queue")
	}
}

func TestOptionsNormalized(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		check func(Config) bool
	}{
		{"small gfx raised", []Option{WithGfxCapacity(10)}, func(c Config) bool { return c.GfxCapacity == MinCapacity }},
		{"zero gfx defaulted", []Option{WithGfxCapacity(0)}, func(c Config) bool { return c.GfxCapacity == DefaultGfxCapacity }},
		{"small dma raised", []Option{WithDMACapacity(1)}, func(c Config) bool { return c.DMACapacity == MinCapacity }},
		{"one slot defaulted", []Option{WithDescriptorSlots(1)}, func(c Config) bool { return c.DescriptorSlots == desc.DefaultSlots }},
		{"slots kept", []Option{WithDescriptorSlots(4)}, func(c Config) bool { return c.DescriptorSlots == 4 }},
		{"count capped", []Option{WithDescriptorCount(5000)}, func(c Config) bool { return c.DescriptorCount == desc.MaxElements }},
		{"nil compiler defaulted", []Option{WithShaderCompiler(nil)}, func(c Config) bool { return c.Compiler != nil }},
		{"later option wins", []Option{WithGfxCapacity(2048), WithGfxCapacity(4096)}, func(c Config) bool { return c.GfxCapacity == 4096 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newContext(t, newDevice(t), tt.opts...).Config()
			if !tt.check(cfg) {
				t.Errorf("Config() = %+v", cfg)
			}
		})
	}
}

func TestWithDMA(t *testing.T) {
	c := newContext(t, newDevice(t), WithDMA(false))
	if c.HasDMA() {
		t.Error("HasDMA() = true with WithDMA(false)")
	}
	a := mustBuffer(t, c, "a", 64)
	b := mustBuffer(t, c, "b", 64)
	c.CopyBuffer(b, 0, a, 0, 64)
	if c.StreamLen(RingGFX) == 0 {
		t.Error("copy not recorded on the graphics stream")
	}

	c = newContext(t, newDevice(t, softws.WithoutDMA()), WithDMA(true))
	if c.HasDMA() {
		t.Error("HasDMA() = true on a device without copy queue")
	}
}

func TestWithShaderCompiler(t *testing.T) {
	comp := &stubCompiler{}
	c := newContext(t, newDevice(t), WithShaderCompiler(comp))
	s, err := c.CreateShader(StageFragment, "anything")
	if err != nil {
		t.Fatalf("CreateShader() error = %v", err)
	}
	if comp.stage != StageFragment || s.Words() != 2 {
		t.Errorf("compiled stage = %s, words = %d", comp.stage, s.Words())
	}
}
