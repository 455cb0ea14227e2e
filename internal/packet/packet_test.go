// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"errors"
	"strings"
	"testing"
)

// words collects emitted words.
type words []uint32

func (w *words) Emit(v ...uint32) { *w = append(*w, v...) }

func TestHeaderRoundTrip(t *testing.T) {
	for _, op := range []Opcode{OpNop, OpSetReg, OpWriteData, OpCopyData, OpDraw, OpStrmoutUpdate} {
		for _, n := range []int{0, 1, 5, MaxPayload} {
			gotOp, gotN := DecodeHeader(Header(op, n))
			if gotOp != op || gotN != n {
				t.Errorf("DecodeHeader(Header(%s, %d)) = %s, %d", op, n, gotOp, gotN)
			}
		}
	}
}

func TestHeaderPanicsOnOversizedPayload(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Header with oversized payload did not panic")
		}
	}()
	Header(OpNop, MaxPayload+1)
}

func TestOpcodeString(t *testing.T) {
	if got := OpCopyData.String(); got != "COPY_DATA" {
		t.Errorf("OpCopyData.String() = %q", got)
	}
	if got := Opcode(0xEE).String(); !strings.Contains(got, "0xee") {
		t.Errorf("unknown opcode String() = %q", got)
	}
}

func TestOpcodeDMA(t *testing.T) {
	tests := []struct {
		op   Opcode
		want bool
	}{
		{OpNop, true},
		{OpWriteData, true},
		{OpCopyData, true},
		{OpFill, true},
		{OpSetReg, false},
		{OpDraw, false},
		{OpEventWrite, false},
		{OpStrmoutUpdate, false},
	}
	for _, tt := range tests {
		if got := tt.op.DMA(); got != tt.want {
			t.Errorf("%s.DMA() = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestEmitSizes(t *testing.T) {
	tests := []struct {
		name string
		emit func(w Writer)
		want int
	}{
		{"set reg", func(w Writer) { EmitSetReg(w, RegViewport, 1, 2, 3) }, SetRegWords(3)},
		{"set reg empty", func(w Writer) { EmitSetReg(w, RegViewport) }, 0},
		{"write data", func(w Writer) { EmitWriteData(w, 0x1000, []uint32{1, 2}) }, WriteDataWords(2)},
		{"write bytes", func(w Writer) { EmitWriteBytes(w, 0x1000, make([]byte, 12)) }, WriteDataWords(3)},
		{"copy", func(w Writer) { EmitCopyData(w, 0x2000, 0x1000, 64) }, CopyDataWords},
		{"fill", func(w Writer) { EmitFill(w, 0x2000, 7, 64) }, FillWords},
		{"draw", func(w Writer) { EmitDraw(w, PrimTriangleList, 3, 1, 0) }, DrawWords},
		{"dispatch", func(w Writer) { EmitDispatch(w, 1, 1, 1) }, DispatchWords},
		{"event", func(w Writer) { EmitEventWrite(w, EventZPassDone, 0x3000) }, EventWriteWords},
		{"sync", func(w Writer) { EmitSurfaceSync(w, SyncFlushCB) }, SurfaceSyncWords},
		{"strmout", func(w Writer) { EmitStrmoutUpdate(w, 1, StrmoutStore, 0x4000, 0) }, StrmoutUpdateWords},
		{"nop", func(w Writer) { EmitNop(w, 9) }, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w words
			tt.emit(&w)
			if len(w) != tt.want {
				t.Errorf("emitted %d words, want %d", len(w), tt.want)
			}
			if _, err := Parse(w); err != nil {
				t.Errorf("Parse() error = %v", err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	var w words
	EmitSetReg(&w, RegScissorTL, 0x10, 0x20)
	EmitCopyData(&w, 0x2000, 0x1000, 256)
	EmitEventWrite(&w, EventTimestamp, 0xABCD_0000_1234)

	pkts, err := Parse(w)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}

	if pkts[0].Op != OpSetReg || pkts[0].Payload[0] != RegScissorTL || pkts[0].Payload[2] != 0x20 {
		t.Errorf("packet 0 = %v %v", pkts[0], pkts[0].Payload)
	}
	p := pkts[1].Payload
	if got := Addr(p[0], p[1]); got != 0x2000 {
		t.Errorf("copy dst = 0x%x, want 0x2000", got)
	}
	if got := Addr(p[2], p[3]); got != 0x1000 {
		t.Errorf("copy src = 0x%x, want 0x1000", got)
	}
	if p[4] != 256 {
		t.Errorf("copy size = %d, want 256", p[4])
	}
	p = pkts[2].Payload
	if Event(p[0]) != EventTimestamp || Addr(p[1], p[2]) != 0xABCD_0000_1234 {
		t.Errorf("event payload = %v", p)
	}
}

func TestParseTruncated(t *testing.T) {
	var w words
	EmitDraw(&w, PrimPointList, 1, 1, 0)
	_, err := Parse(w[:len(w)-1])
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Parse(truncated) error = %v, want ErrTruncated", err)
	}
}

func TestEmitPanicsOnMisalignment(t *testing.T) {
	tests := []struct {
		name string
		emit func(w Writer)
	}{
		{"copy size", func(w Writer) { EmitCopyData(w, 0, 0, 3) }},
		{"copy dst", func(w Writer) { EmitCopyData(w, 2, 0, 4) }},
		{"copy too large", func(w Writer) { EmitCopyData(w, 0, 0, MaxCopySize+4) }},
		{"fill size", func(w Writer) { EmitFill(w, 0, 0, 6) }},
		{"write bytes", func(w Writer) { EmitWriteBytes(w, 0, make([]byte, 5)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("did not panic")
				}
			}()
			var w words
			tt.emit(&w)
		})
	}
}

func TestPrimPrimitives(t *testing.T) {
	tests := []struct {
		prim     Prim
		vertices uint32
		want     uint32
	}{
		{PrimPointList, 5, 5},
		{PrimLineList, 5, 2},
		{PrimLineStrip, 5, 4},
		{PrimLineStrip, 1, 0},
		{PrimTriangleList, 7, 2},
		{PrimTriangleStrip, 5, 3},
		{PrimTriangleStrip, 2, 0},
	}
	for _, tt := range tests {
		if got := tt.prim.Primitives(tt.vertices); got != tt.want {
			t.Errorf("Prim(%d).Primitives(%d) = %d, want %d", tt.prim, tt.vertices, got, tt.want)
		}
	}
	if Prim(0).Valid() || Prim(99).Valid() {
		t.Error("invalid topologies reported valid")
	}
}

func TestEventSize(t *testing.T) {
	tests := []struct {
		ev   Event
		want int
	}{
		{EventZPassDone, 8},
		{EventTimestamp, 8},
		{EventPipelineStat, 8 * PipelineStatCount},
		{EventSOStats, 16},
		{EventCacheFlush, 0},
		{EventStrmoutFlush, 0},
	}
	for _, tt := range tests {
		if got := tt.ev.EventSize(); got != tt.want {
			t.Errorf("%s.EventSize() = %d, want %d", tt.ev, got, tt.want)
		}
	}
}

func TestStrmoutReg(t *testing.T) {
	if got := StrmoutReg(0, RegStrmoutBaseLo); got != RegStrmoutBufferBase {
		t.Errorf("StrmoutReg(0, base) = 0x%x", got)
	}
	if got := StrmoutReg(3, RegStrmoutVtxStride); got != RegStrmoutBufferBase+3*RegStrmoutBufferStride+3 {
		t.Errorf("StrmoutReg(3, stride) = 0x%x", got)
	}
	if StrmoutReg(MaxStrmoutBuffers-1, RegStrmoutVtxStride) >= RegStrmoutEnable {
		t.Error("stream-output buffer registers overlap the enable register")
	}
}
