// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"errors"
	"reflect"
	"testing"

	"github.com/gogpu/gpudrv/internal/packet"
)

const vertexWGSL = `
@vertex
fn main(@builtin(vertex_index) idx: u32) -> @builtin(position) vec4<f32> {
    return vec4<f32>(f32(idx), 0.0, 0.0, 1.0);
}
`

func TestNagaCompiler(t *testing.T) {
	bin, err := NagaCompiler{}.Compile(StageVertex, vertexWGSL)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if bin.Stage != StageVertex {
		t.Errorf("Stage = %s", bin.Stage)
	}
	if len(bin.Code) == 0 || len(bin.Code)%4 != 0 {
		t.Fatalf("code length %d", len(bin.Code))
	}
	if len(bin.Config) != 2 {
		t.Fatalf("len(Config) = %d, want 2", len(bin.Config))
	}
	if bin.Config[0].Addr != packet.RegShaderVSBase+packet.RegShaderRsrc1 || bin.Config[0].Value != bin.Words() {
		t.Errorf("Config[0] = %+v, want size word %d", bin.Config[0], bin.Words())
	}
}

func TestNagaCompilerRejectsBadSource(t *testing.T) {
	_, err := NagaCompiler{}.Compile(StageFragment, "fn broken( {")
	if !errors.Is(err, ErrCompile) {
		t.Errorf("Compile() error = %v, want ErrCompile", err)
	}
}

func TestConfigBlob(t *testing.T) {
	tests := []struct {
		name  string
		pairs []packet.RegPair
	}{
		{"empty", []packet.RegPair{}},
		{"one", []packet.RegPair{{Addr: 0x403, Value: 7}}},
		{"several", []packet.RegPair{{Addr: 0x413, Value: 1}, {Addr: 0x414, Value: 0xFFFF_FFFF}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := EncodeConfig(tt.pairs)
			if len(blob) != 8*len(tt.pairs) {
				t.Errorf("len(blob) = %d", len(blob))
			}
			got, err := DecodeConfig(blob)
			if err != nil {
				t.Fatalf("DecodeConfig() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.pairs) {
				t.Errorf("DecodeConfig() = %v, want %v", got, tt.pairs)
			}
		})
	}

	if _, err := DecodeConfig(make([]byte, 12)); !errors.Is(err, ErrConfigBlob) {
		t.Errorf("DecodeConfig(12 bytes) error = %v, want ErrConfigBlob", err)
	}
}

func TestStageBase(t *testing.T) {
	tests := []struct {
		stage Stage
		want  uint32
	}{
		{StageVertex, packet.RegShaderVSBase},
		{StageFragment, packet.RegShaderPSBase},
		{StageCompute, packet.RegShaderCSBase},
	}
	for _, tt := range tests {
		if got := tt.stage.Base(); got != tt.want {
			t.Errorf("%s.Base() = 0x%x, want 0x%x", tt.stage, got, tt.want)
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("Base() of unknown stage did not panic")
		}
	}()
	Stage(9).Base()
}
