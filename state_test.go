// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/winsys"
	"github.com/gogpu/gpudrv/internal/winsys/softws"
)

func TestDescriptorSlotsCycleWithinOneStream(t *testing.T) {
	dev := newDevice(t)
	c := newContext(t, dev)
	bindDrawShaders(t, c)
	vb := mustBuffer(t, c, "vertices", 4096)

	for i := 0; i < 200; i++ {
		c.SetBufferDescriptor(StageVertex, i%4, vb, uint64(i*16), 16, 16, gputypes.VertexFormatFloat32x2) //nolint:gosec // small
		points(c, 1, 0)
	}
	if got := c.Stats().GfxFlushes; got != 0 {
		t.Fatalf("GfxFlushes = %d, want 0", got)
	}

	s := c.Stats()
	if s.DescriptorFlushes != 200 || s.DescriptorWraps != 12 {
		t.Errorf("descriptor flushes = %d, wraps = %d, want 200, 12", s.DescriptorFlushes, s.DescriptorWraps)
	}
	if got := c.DescriptorSlot(StageVertex); got != 200%desc.DefaultSlots {
		t.Errorf("DescriptorSlot() = %d, want %d", got, 200%desc.DefaultSlots)
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if got := dev.ProcessorStats(RingGFX).Draws; got != 200 {
		t.Errorf("executed draws = %d, want 200", got)
	}

	tbl := c.tables[StageVertex]
	mem, err := dev.Map(tbl.Buffer())
	if err != nil {
		t.Fatal(err)
	}
	off := tbl.SlotOffset(tbl.CurrentSlot())
	if !bytes.Equal(mem[off:off+tbl.SlotSize()], tbl.Shadow()) {
		t.Error("current slot differs from the CPU copy")
	}
	if got := desc.Address(tbl.Element(3)); got != vb.GPUAddress()+199*16 {
		t.Errorf("element 3 address = 0x%x, want 0x%x", got, vb.GPUAddress()+199*16)
	}
}

func TestDescriptorsAfterFlush(t *testing.T) {
	dev := newDevice(t)
	c := newContext(t, dev)
	bindDrawShaders(t, c)
	vb := mustBuffer(t, c, "vertices", 256)

	c.SetBufferDescriptor(StageVertex, 0, vb, 0, 64, 16, gputypes.VertexFormatFloat32x2)
	points(c, 1, 0)
	slot := c.DescriptorSlot(StageVertex)
	if _, err := c.Flush(RingGFX, FlushAsync); err != nil {
		t.Fatal(err)
	}

	// Only the pointer is emitted again; the slot stays.
	points(c, 1, 0)
	if got := c.DescriptorSlot(StageVertex); got != slot {
		t.Errorf("DescriptorSlot() = %d after a flush, want %d", got, slot)
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if got := dev.ProcessorStats(RingGFX).Draws; got != 2 {
		t.Errorf("executed draws = %d, want 2", got)
	}

	// Destroying the buffer unbinds it.
	c.DestroyBuffer(vb)
	if c.tables[StageVertex].Enabled(0) {
		t.Error("descriptor still bound to a destroyed buffer")
	}
}

func TestDrawEmitsOnlyDirtyState(t *testing.T) {
	c := newContext(t, newDevice(t))
	bindDrawShaders(t, c)

	points(c, 3, 0)
	before := c.StreamLen(RingGFX)
	points(c, 3, 0)
	if got := c.StreamLen(RingGFX) - before; got != packet.DrawWords {
		t.Errorf("clean draw emitted %d words, want %d", got, packet.DrawWords)
	}

	before = c.StreamLen(RingGFX)
	c.SetScissor(0, 0, 64, 64)
	points(c, 3, 0)
	if got := c.StreamLen(RingGFX) - before; got != packet.DrawWords+packet.SetRegWords(2) {
		t.Errorf("draw after SetScissor emitted %d words, want %d", got, packet.DrawWords+packet.SetRegWords(2))
	}

	before = c.StreamLen(RingGFX)
	c.Draw(gputypes.PrimitiveTopologyTriangleList, 0, 1, 0)
	c.Draw(gputypes.PrimitiveTopologyTriangleList, 3, 0, 0)
	if c.StreamLen(RingGFX) != before {
		t.Error("empty draws recorded commands")
	}
	if got := c.Stats().Draws; got != 3 {
		t.Errorf("Draws = %d, want 3", got)
	}
}

func TestStateObjects(t *testing.T) {
	c := newContext(t, newDevice(t))
	bindDrawShaders(t, c)

	c.SetBlendState([]RegPair{{Addr: packet.RegStateObjectBase, Value: 1}})
	c.SetRasterizerState([]RegPair{{Addr: packet.RegStateObjectBase + 4, Value: 2}})
	c.SetDepthStencilState([]RegPair{{Addr: packet.RegStateObjectBase + 8, Value: 3}})
	points(c, 1, 0)
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}

	// Binding a depth/stencil state keeps occlusion counting on.
	q := c.CreateQuery(QueryOcclusionCounter)
	if err := c.BeginQuery(q); err != nil {
		t.Fatal(err)
	}
	c.SetDepthStencilState(nil)
	points(c, 7, 0)
	if err := c.EndQuery(q); err != nil {
		t.Fatal(err)
	}
	if got := mustResult(t, c, q).Value; got != 7 {
		t.Errorf("samples = %d, want 7", got)
	}
}

func TestStatePanics(t *testing.T) {
	c := newContext(t, newDevice(t))
	vs, err := c.CreateShaderBinary(StageVertex, make([]byte, 16), nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func()
	}{
		{"register outside window", func() { c.SetBlendState([]RegPair{{Addr: packet.RegStateObjectEnd + 4}}) }},
		{"shader for another stage", func() { c.BindShader(StageFragment, vs) }},
		{"draw without shaders", func() { points(c, 3, 0) }},
		{"dispatch without shader", func() { c.Dispatch(1, 1, 1) }},
		{"unknown stage", func() { c.ClearDescriptor(ShaderStage(7), 0) }},
		{"unsupported topology", func() { c.Draw(gputypes.PrimitiveTopology(99), 3, 1, 0) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("did not panic")
				}
			}()
			tt.fn()
		})
	}
}

func TestShaders(t *testing.T) {
	dev := newDevice(t)
	c := newContext(t, dev)

	const src = `
@vertex
fn main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    return vec4<f32>(f32(i), 0.0, 0.0, 1.0);
}
`
	s, err := c.CreateShader(StageVertex, src)
	if err != nil {
		t.Fatalf("CreateShader() error = %v", err)
	}
	if s.Stage() != StageVertex || s.Words() == 0 {
		t.Errorf("shader stage = %s, words = %d", s.Stage(), s.Words())
	}
	if _, err := c.CreateShader(StageVertex, "fn broken("); !errors.Is(err, ErrCompile) {
		t.Errorf("CreateShader(bad) error = %v, want ErrCompile", err)
	}

	tests := []struct {
		name   string
		code   []byte
		config []byte
	}{
		{"empty code", nil, nil},
		{"unaligned code", make([]byte, 6), nil},
		{"truncated config", make([]byte, 8), make([]byte, 5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.CreateShaderBinary(StageFragment, tt.code, tt.config); !errors.Is(err, ErrInvalidShader) {
				t.Errorf("error = %v, want ErrInvalidShader", err)
			}
		})
	}

	config := shader.EncodeConfig([]RegPair{{Addr: packet.RegShaderPSBase + 8, Value: 42}})
	cs, err := c.CreateShaderBinary(StageCompute, make([]byte, 32), config)
	if err != nil {
		t.Fatal(err)
	}
	c.BindShader(StageCompute, cs)
	c.Dispatch(2, 2, 1)
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if got := dev.ProcessorStats(RingGFX).Dispatches; got != 1 {
		t.Errorf("executed dispatches = %d, want 1", got)
	}

	live := dev.Stats().LiveBuffers
	c.DestroyShader(cs)
	c.DestroyShader(cs)
	if got := dev.Stats().LiveBuffers; got != live-1 {
		t.Errorf("LiveBuffers = %d, want %d", got, live-1)
	}
}

func BenchmarkDrawWithDescriptorUpdate(b *testing.B) {
	dev := softws.New(winsys.BudgetConfig{})
	b.Cleanup(func() { _ = dev.Close() })
	c, err := New(dev)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = c.Close() })
	for _, st := range []ShaderStage{StageVertex, StageFragment} {
		s, err := c.CreateShaderBinary(st, make([]byte, 16), nil)
		if err != nil {
			b.Fatal(err)
		}
		c.BindShader(st, s)
	}
	vb, err := c.CreateBuffer(BufferDesc{Label: "vertices", Size: 4096})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	i := 0
	for b.Loop() {
		c.SetBufferDescriptor(StageVertex, i%4, vb, uint64(i%64)*16, 16, 16, gputypes.VertexFormatFloat32x2) //nolint:gosec // small
		points(c, 3, 0)
		i++
	}
}
