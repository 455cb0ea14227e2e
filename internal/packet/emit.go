// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"encoding/binary"
	"fmt"
)

// Writer receives encoded words. The command stream implements it.
type Writer interface {
	Emit(words ...uint32)
}

// EmitSetReg sets len(values) consecutive registers starting at reg.
func EmitSetReg(w Writer, reg uint32, values ...uint32) {
	if len(values) == 0 {
		return
	}
	w.Emit(Header(OpSetReg, 1+len(values)), reg)
	w.Emit(values...)
}

// EmitWriteData stores words at the GPU address va.
func EmitWriteData(w Writer, va uint64, data []uint32) {
	w.Emit(Header(OpWriteData, 2+len(data)), Lo(va), Hi(va))
	w.Emit(data...)
}

// EmitWriteBytes stores b at va. len(b) must be a multiple of 4.
func EmitWriteBytes(w Writer, va uint64, b []byte) {
	if len(b)%4 != 0 {
		panic(fmt.Sprintf("packet: WRITE_DATA of %d bytes is not word aligned", len(b)))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	EmitWriteData(w, va, words)
}

// EmitCopyData copies size bytes from src to dst.
// Both addresses and size must be 4-byte aligned and size <= MaxCopySize.
func EmitCopyData(w Writer, dst, src uint64, size uint64) {
	if size > MaxCopySize || size%4 != 0 || dst%4 != 0 || src%4 != 0 {
		panic(fmt.Sprintf("packet: invalid COPY_DATA dst=0x%x src=0x%x size=%d", dst, src, size))
	}
	w.Emit(Header(OpCopyData, CopyDataPayload),
		Lo(dst), Hi(dst), Lo(src), Hi(src), uint32(size)) //nolint:gosec // bounded by MaxCopySize
}

// EmitFill fills size bytes at dst with value.
func EmitFill(w Writer, dst uint64, value uint32, size uint64) {
	if size > MaxCopySize || size%4 != 0 || dst%4 != 0 {
		panic(fmt.Sprintf("packet: invalid FILL dst=0x%x size=%d", dst, size))
	}
	w.Emit(Header(OpFill, FillPayload), Lo(dst), Hi(dst), value, uint32(size)) //nolint:gosec // bounded by MaxCopySize
}

// EmitDraw draws vertices×instances vertices of topology prim.
func EmitDraw(w Writer, prim Prim, vertices, instances, first uint32) {
	w.Emit(Header(OpDraw, DrawPayload), uint32(prim), vertices, instances, first)
}

// EmitDispatch launches an x×y×z grid of work groups.
func EmitDispatch(w Writer, x, y, z uint32) {
	w.Emit(Header(OpDispatch, DispatchPayload), x, y, z)
}

// EmitEventWrite emits a pipeline event that writes to va, or only
// signals when the event writes no memory.
func EmitEventWrite(w Writer, ev Event, va uint64) {
	w.Emit(Header(OpEventWrite, EventWritePayload), uint32(ev), Lo(va), Hi(va))
}

// EmitSurfaceSync flushes and invalidates the selected caches.
func EmitSurfaceSync(w Writer, flags SyncFlags) {
	w.Emit(Header(OpSurfaceSync, SurfaceSyncPayload), uint32(flags))
}

// EmitStrmoutUpdate manages the filled size of stream-output buffer i.
func EmitStrmoutUpdate(w Writer, i int, mode StrmoutMode, va uint64, offset uint32) {
	w.Emit(Header(OpStrmoutUpdate, StrmoutUpdatePayload),
		uint32(i), uint32(mode), Lo(va), Hi(va), offset) //nolint:gosec // i < MaxStrmoutBuffers
}

// EmitNop pads the stream with n payload words.
func EmitNop(w Writer, n int) {
	w.Emit(Header(OpNop, n))
	for i := 0; i < n; i++ {
		w.Emit(0)
	}
}
