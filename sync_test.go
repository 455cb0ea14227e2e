// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"errors"
	"testing"

	"github.com/gogpu/gpudrv/internal/winsys"
	"github.com/gogpu/gpudrv/internal/winsys/softws"
)

func TestSyncMapFlushesCopyQueue(t *testing.T) {
	dev := newDevice(t)
	c := newContext(t, dev)
	if !c.HasDMA() {
		t.Fatal("HasDMA() = false")
	}
	src := mustBuffer(t, c, "src", 256)
	dst := mustBuffer(t, c, "dst", 256)

	fill(t, c, src, 100)
	c.CopyBuffer(dst, 16, src, 0, 64)
	if c.StreamLen(RingDMA) == 0 || c.StreamLen(RingGFX) != 0 {
		t.Fatalf("copy recorded on the wrong queue: gfx=%d dma=%d", c.StreamLen(RingGFX), c.StreamLen(RingDMA))
	}

	if got := readWord(t, c, dst, 20); got != 101 {
		t.Errorf("copied word = %d, want 101", got)
	}
	s := c.Stats()
	if s.DMAFlushes != 1 || s.GfxFlushes != 0 {
		t.Errorf("flushes gfx=%d dma=%d, want 0, 1", s.GfxFlushes, s.DMAFlushes)
	}
	if s.Copies != 1 || s.BytesCopied != 64 {
		t.Errorf("Copies = %d, BytesCopied = %d", s.Copies, s.BytesCopied)
	}
	if start, end := dst.ValidRange(); start != 16 || end != 80 {
		t.Errorf("ValidRange() = [%d,%d), want [16,80)", start, end)
	}
}

func TestSyncMapDontBlock(t *testing.T) {
	dev := newDevice(t, softws.WithoutDMA())
	c := newContext(t, dev)
	src := mustBuffer(t, c, "src", 256)
	dst := mustBuffer(t, c, "dst", 256)
	fill(t, c, src, 7)

	release := hold(t, dev, RingGFX)
	c.CopyBuffer(dst, 0, src, 0, 256)

	// Unflushed: the stream references dst and is submitted.
	if _, err := c.SyncMap(dst, MapRead|MapDontBlock); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("SyncMap(unflushed) error = %v, want ErrWouldBlock", err)
	}
	if got := c.StreamLen(RingGFX); got != 0 {
		t.Errorf("StreamLen() = %d after a non-blocking map, want 0", got)
	}
	if got := c.Stats().GfxFlushes; got != 1 {
		t.Errorf("GfxFlushes = %d, want 1", got)
	}

	// Submitted but not executed.
	if _, err := c.SyncMap(dst, MapRead|MapDontBlock); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("SyncMap(busy) error = %v, want ErrWouldBlock", err)
	}
	// The GPU only reads src, so reading it does not conflict.
	if _, err := c.SyncMap(src, MapRead|MapDontBlock); err != nil {
		t.Errorf("SyncMap(src, read) error = %v", err)
	}
	// Writing it does.
	if _, err := c.SyncMap(src, MapWrite|MapDontBlock); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("SyncMap(src, write) error = %v, want ErrWouldBlock", err)
	}
	if got := c.Stats().WouldBlock; got != 3 {
		t.Errorf("WouldBlock = %d, want 3", got)
	}

	release()
	dev.Idle()
	mem, err := c.SyncMap(dst, MapRead|MapDontBlock)
	if err != nil {
		t.Fatalf("SyncMap(idle) error = %v", err)
	}
	if len(mem) != 256 {
		t.Errorf("len = %d, want 256", len(mem))
	}
	if got := readWord(t, c, dst, 12); got != 10 {
		t.Errorf("word 3 = %d, want 10", got)
	}
}

func TestSyncMapWaits(t *testing.T) {
	dev := newDevice(t, softws.WithoutDMA())
	c := newContext(t, dev)
	src := mustBuffer(t, c, "src", 256)
	dst := mustBuffer(t, c, "dst", 256)
	fill(t, c, src, 0)
	c.CopyBuffer(dst, 0, src, 0, 256)
	if _, err := c.Flush(RingGFX, FlushAsync); err != nil {
		t.Fatal(err)
	}

	// A blocking write map waits for the copy reading src.
	if _, err := c.SyncMap(src, MapWrite); err != nil {
		t.Fatal(err)
	}
	if src.buf.IsBusy(RingGFX, winsys.UsageReadWrite) {
		t.Error("src still busy after a synchronized write map")
	}
	if got := readWord(t, c, dst, 252); got != 63 {
		t.Errorf("last word = %d, want 63", got)
	}
}

func TestWriteMapOfUnwrittenBufferIsUnsynchronized(t *testing.T) {
	dev := newDevice(t, softws.WithoutDMA())
	c := newContext(t, dev)
	r := mustBuffer(t, c, "r", 256)

	if start, end := r.ValidRange(); start < end {
		t.Fatalf("fresh buffer has valid range [%d,%d)", start, end)
	}
	hold(t, dev, RingGFX)
	if _, err := c.SyncMap(r, MapWrite|MapDontBlock); err != nil {
		t.Fatalf("SyncMap() error = %v", err)
	}
	if got := c.Stats().UnsyncMaps; got != 1 {
		t.Errorf("UnsyncMaps = %d, want 1", got)
	}
	if start, end := r.ValidRange(); start != 0 || end != 256 {
		t.Errorf("ValidRange() = [%d,%d), want [0,256)", start, end)
	}
}
