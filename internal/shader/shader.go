// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shader defines the shader compiler collaborator: something that
// turns source into machine code plus the register pairs that configure a
// stage to run it.
package shader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/gpudrv/internal/packet"
)

// Shader errors.
var (
	// ErrCompile is returned when the compiler rejects a shader.
	ErrCompile = errors.New("shader: compilation failed")

	// ErrConfigBlob is returned for malformed register blobs.
	ErrConfigBlob = errors.New("shader: malformed config blob")
)

// Stage is a programmable pipeline stage.
type Stage uint8

const (
	StageVertex Stage = iota
	StageFragment
	StageCompute
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Base returns the first register of the stage.
// It panics for unknown stages.
func (s Stage) Base() uint32 {
	switch s {
	case StageVertex:
		return packet.RegShaderVSBase
	case StageFragment:
		return packet.RegShaderPSBase
	case StageCompute:
		return packet.RegShaderCSBase
	default:
		panic(fmt.Sprintf("shader: unknown stage %d", uint8(s)))
	}
}

// Binary is compiled machine code plus its stage configuration.
type Binary struct {
	Stage Stage

	// Code is the machine code. Its length is a multiple of 4.
	Code []byte

	// Config lists the register writes the stage needs, applied verbatim.
	Config []packet.RegPair
}

// Words returns the size of the code in words.
func (b *Binary) Words() uint32 { return uint32(len(b.Code) / 4) } //nolint:gosec // code is small

// Compiler compiles shader source for a stage.
type Compiler interface {
	Compile(stage Stage, source string) (*Binary, error)
}

// NagaCompiler compiles WGSL with naga. The SPIR-V output stands in for
// machine code.
type NagaCompiler struct{}

// Compile implements Compiler.
func (NagaCompiler) Compile(stage Stage, source string) (*Binary, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompile, stage, err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("%w: %s: %d bytes of code", ErrCompile, stage, len(spirv))
	}

	base := stage.Base()
	words := uint32(len(spirv) / 4) //nolint:gosec // code is small
	return &Binary{
		Stage: stage,
		Code:  spirv,
		Config: []packet.RegPair{
			{Addr: base + packet.RegShaderRsrc1, Value: words},
			{Addr: base + packet.RegShaderRsrc2, Value: uint32(stage)<<16 | 1},
		},
	}, nil
}

// EncodeConfig serializes register pairs as little-endian (addr, value)
// words.
func EncodeConfig(pairs []packet.RegPair) []byte {
	b := make([]byte, 8*len(pairs))
	for i, p := range pairs {
		binary.LittleEndian.PutUint32(b[i*8:], p.Addr)
		binary.LittleEndian.PutUint32(b[i*8+4:], p.Value)
	}
	return b
}

// DecodeConfig parses a blob written by EncodeConfig.
func DecodeConfig(blob []byte) ([]packet.RegPair, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrConfigBlob, len(blob))
	}
	pairs := make([]packet.RegPair, len(blob)/8)
	for i := range pairs {
		pairs[i] = packet.RegPair{
			Addr:  binary.LittleEndian.Uint32(blob[i*8:]),
			Value: binary.LittleEndian.Uint32(blob[i*8+4:]),
		}
	}
	return pairs, nil
}
