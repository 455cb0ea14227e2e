// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// Shader is machine code resident in GPU memory plus the register writes
// that configure its stage.
type Shader struct {
	stage  ShaderStage
	code   *winsys.Buffer
	words  uint32
	config []packet.RegPair
}

// Stage returns the stage the shader was built for.
func (s *Shader) Stage() ShaderStage { return s.stage }

// Words returns the code size in words.
func (s *Shader) Words() uint32 { return s.words }

// CreateShader compiles source with the configured compiler and uploads
// the result. Compiler failures wrap ErrCompile.
func (c *DriverContext) CreateShader(stage ShaderStage, source string) (*Shader, error) {
	bin, err := c.compiler().Compile(stage, source)
	if err != nil {
		return nil, fmt.Errorf("gpudrv: %w", err)
	}
	return c.uploadShader(bin)
}

// CreateShaderBinary uploads precompiled machine code. config is the
// compiler's register blob: little-endian (address, value) word pairs.
func (c *DriverContext) CreateShaderBinary(stage ShaderStage, code, config []byte) (*Shader, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s code", ErrInvalidShader, len(code), stage)
	}
	pairs, err := shader.DecodeConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidShader, err)
	}
	return c.uploadShader(&shader.Binary{Stage: stage, Code: code, Config: pairs})
}

func (c *DriverContext) uploadShader(bin *shader.Binary) (*Shader, error) {
	if c.closed {
		return nil, ErrClosed
	}
	size := uint64(len(bin.Code))
	buf, err := c.dev.CreateBuffer(winsys.BufferDesc{
		Label:  bin.Stage.String() + "_code",
		Size:   size,
		Domain: winsys.DomainVRAM,
		Usage:  gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("gpudrv: upload %s shader: %w", bin.Stage, err)
	}
	// Fresh storage: no submission uses it yet.
	mem, err := c.dev.Map(buf)
	if err != nil {
		c.dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("gpudrv: upload %s shader: %w", bin.Stage, err)
	}
	copy(mem, bin.Code)
	c.dev.Unmap(buf, 0, size)

	return &Shader{
		stage:  bin.Stage,
		code:   buf,
		words:  bin.Words(),
		config: append([]packet.RegPair(nil), bin.Config...),
	}, nil
}

// BindShader makes s the program of its stage. A nil shader unbinds stage.
// It panics if s was built for another stage.
func (c *DriverContext) BindShader(stage ShaderStage, s *Shader) {
	a := c.shaders[stage]
	if s == nil {
		a.Bind(nil, 0, nil)
	} else {
		if s.stage != stage {
			panic(fmt.Sprintf("gpudrv: %s shader bound to the %s stage", s.stage, stage))
		}
		a.Bind(s.code, s.words, s.config)
	}
	c.registry.MarkDirty(c.ids.shaders[stage])
	c.addBarrier(packet.SyncInvalidateIC)
}

// DestroyShader unbinds s where bound and releases its code.
func (c *DriverContext) DestroyShader(s *Shader) {
	if s == nil || s.code == nil {
		return
	}
	if c.shaders[s.stage].Code() == s.code {
		c.BindShader(s.stage, nil)
	}
	c.release(s.code)
	s.code = nil
}
