// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package softws

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gpudrv/internal/cp"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

type words []uint32

func (w *words) Emit(v ...uint32) { *w = append(*w, v...) }

func newDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d := New(winsys.BudgetConfig{}, opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newBuffer(t *testing.T, d *Device, label string, size uint64) *winsys.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(winsys.BufferDesc{Label: label, Size: size})
	if err != nil {
		t.Fatalf("CreateBuffer(%s) error = %v", label, err)
	}
	return b
}

func mustSubmit(t *testing.T, d *Device, ring winsys.RingType, w words, refs []winsys.BufferRef, deps ...winsys.Fence) winsys.Fence {
	t.Helper()
	f, err := d.Submit(ring, w, refs, deps)
	if err != nil {
		t.Fatalf("Submit(%s) error = %v", ring, err)
	}
	return f
}

func wait(t *testing.T, f winsys.Fence) {
	t.Helper()
	if !f.Wait(5 * time.Second) {
		t.Fatalf("%s fence %d did not signal", f.Ring(), f.Seq())
	}
	if err := f.Err(); err != nil {
		t.Fatalf("%s submission %d failed: %v", f.Ring(), f.Seq(), err)
	}
}

func word(t *testing.T, d *Device, b *winsys.Buffer, off int) uint32 {
	t.Helper()
	mem, err := d.Map(b)
	if err != nil {
		t.Fatal(err)
	}
	return binary.LittleEndian.Uint32(mem[off:])
}

func TestSubmitExecutes(t *testing.T) {
	d := newDevice(t)
	b := newBuffer(t, d, "b", 256)

	var w words
	packet.EmitWriteData(&w, b.GPUAddress()+8, []uint32{0xCAFE, 0xBEEF})
	packet.EmitFill(&w, b.GPUAddress()+64, 7, 16)
	f := mustSubmit(t, d, winsys.RingGFX, w, []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}})
	wait(t, f)

	if got := word(t, d, b, 12); got != 0xBEEF {
		t.Errorf("word 3 = 0x%x, want 0xBEEF", got)
	}
	if got := word(t, d, b, 76); got != 7 {
		t.Errorf("filled word = %d, want 7", got)
	}
	if b.IsBusy(winsys.RingGFX, winsys.UsageReadWrite) {
		t.Error("buffer busy after its fence signalled")
	}
	if got := d.ProcessorStats(winsys.RingGFX).Submissions; got != 1 {
		t.Errorf("Submissions = %d, want 1", got)
	}
}

func TestSubmissionsRunInOrder(t *testing.T) {
	d := newDevice(t)
	b := newBuffer(t, d, "b", 256)
	refs := []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}}

	release := d.Hold(winsys.RingGFX)
	var fences []winsys.Fence
	for i := uint32(1); i <= 20; i++ {
		var w words
		packet.EmitWriteData(&w, b.GPUAddress(), []uint32{i})
		fences = append(fences, mustSubmit(t, d, winsys.RingGFX, w, refs))
	}
	if fences[0].Signalled() {
		t.Error("submission ran while the ring was held")
	}
	if !b.IsBusy(winsys.RingGFX, winsys.UsageRead) {
		t.Error("buffer not busy while its write is queued")
	}
	release()

	wait(t, fences[len(fences)-1])
	for i, f := range fences {
		if !f.Signalled() {
			t.Errorf("fence %d not signalled after a later one", i)
		}
		if f.Seq() != uint64(i+1) {
			t.Errorf("fence %d has seq %d", i, f.Seq())
		}
	}
	if got := word(t, d, b, 0); got != 20 {
		t.Errorf("last write = %d, want 20", got)
	}
}

func TestCrossRingDependencies(t *testing.T) {
	d := newDevice(t)
	src := newBuffer(t, d, "src", 256)
	dst := newBuffer(t, d, "dst", 256)

	// The GFX write is held; the DMA copy reading it must not overtake it.
	release := d.Hold(winsys.RingGFX)
	var w words
	packet.EmitWriteData(&w, src.GPUAddress(), []uint32{42})
	gfx := mustSubmit(t, d, winsys.RingGFX, w, []winsys.BufferRef{{Buffer: src, Usage: winsys.UsageWrite}})

	w = nil
	packet.EmitCopyData(&w, dst.GPUAddress(), src.GPUAddress(), 4)
	dma := mustSubmit(t, d, winsys.RingDMA, w, []winsys.BufferRef{
		{Buffer: src, Usage: winsys.UsageRead},
		{Buffer: dst, Usage: winsys.UsageWrite},
	})

	if dma.Wait(20 * time.Millisecond) {
		t.Fatal("DMA copy finished before the GFX write it depends on")
	}
	release()
	wait(t, dma)
	if !gfx.Signalled() {
		t.Error("GFX fence not signalled")
	}
	if got := word(t, d, dst, 0); got != 42 {
		t.Errorf("copied word = %d, want 42", got)
	}
}

func TestExplicitDependency(t *testing.T) {
	d := newDevice(t)
	a := newBuffer(t, d, "a", 256)
	b := newBuffer(t, d, "b", 256)

	release := d.Hold(winsys.RingDMA)
	var w words
	packet.EmitFill(&w, a.GPUAddress(), 1, 4)
	first := mustSubmit(t, d, winsys.RingDMA, w, []winsys.BufferRef{{Buffer: a, Usage: winsys.UsageWrite}})

	w = nil
	packet.EmitFill(&w, b.GPUAddress(), 2, 4)
	second := mustSubmit(t, d, winsys.RingGFX, w, []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}}, first)
	if second.Wait(20 * time.Millisecond) {
		t.Fatal("submission ran before its explicit dependency")
	}
	release()
	wait(t, second)
}

func TestSubmitErrors(t *testing.T) {
	t.Run("no dma ring", func(t *testing.T) {
		d := newDevice(t, WithoutDMA())
		if d.HasRing(winsys.RingDMA) {
			t.Fatal("HasRing(dma) = true")
		}
		_, err := d.Submit(winsys.RingDMA, nil, nil, nil)
		if !errors.Is(err, winsys.ErrNoRing) {
			t.Errorf("error = %v, want ErrNoRing", err)
		}
	})
	t.Run("released buffer", func(t *testing.T) {
		d := newDevice(t)
		b := newBuffer(t, d, "b", 256)
		d.DestroyBuffer(b)
		_, err := d.Submit(winsys.RingGFX, nil, []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageRead}}, nil)
		if !errors.Is(err, winsys.ErrInvalidBuffer) {
			t.Errorf("error = %v, want ErrInvalidBuffer", err)
		}
		if _, err := d.Map(b); !errors.Is(err, winsys.ErrInvalidBuffer) {
			t.Errorf("Map() error = %v, want ErrInvalidBuffer", err)
		}
	})
	t.Run("closed", func(t *testing.T) {
		d := New(winsys.BudgetConfig{})
		if err := d.Close(); err != nil {
			t.Fatal(err)
		}
		_ = d.Close()
		_, err := d.Submit(winsys.RingGFX, nil, nil, nil)
		if !errors.Is(err, winsys.ErrDeviceClosed) {
			t.Errorf("error = %v, want ErrDeviceClosed", err)
		}
	})
}

func TestExecutionFault(t *testing.T) {
	d := newDevice(t)
	b := newBuffer(t, d, "b", 256)
	other := newBuffer(t, d, "other", 256)

	var w words
	packet.EmitWriteData(&w, other.GPUAddress(), []uint32{1})
	f := mustSubmit(t, d, winsys.RingGFX, w, []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}})
	f.Wait(winsys.Infinite)
	if !errors.Is(f.Err(), winsys.ErrFault) {
		t.Errorf("Err() = %v, want ErrFault", f.Err())
	}

	// The DMA ring rejects graphics packets.
	w = nil
	packet.EmitDraw(&w, packet.PrimPointList, 1, 1, 0)
	f = mustSubmit(t, d, winsys.RingDMA, w, nil)
	f.Wait(winsys.Infinite)
	if !errors.Is(f.Err(), cp.ErrInvalidPacket) {
		t.Errorf("Err() = %v, want ErrInvalidPacket", f.Err())
	}
}

func TestDestroyDeferredUntilIdle(t *testing.T) {
	d := newDevice(t)
	b := newBuffer(t, d, "b", 4096)

	release := d.Hold(winsys.RingGFX)
	var w words
	packet.EmitFill(&w, b.GPUAddress(), 9, 64)
	f := mustSubmit(t, d, winsys.RingGFX, w, []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}})
	d.DestroyBuffer(b)
	if s := d.Stats(); s.PendingBuffers != 1 {
		t.Errorf("PendingBuffers = %d, want 1", s.PendingBuffers)
	}
	release()
	wait(t, f)
	if s := d.Stats(); s.PendingBuffers != 0 || s.CachedBuffers != 1 {
		t.Errorf("after retire: %s", s)
	}
}

func TestIdle(t *testing.T) {
	d := newDevice(t)
	b := newBuffer(t, d, "b", 256)
	refs := []winsys.BufferRef{{Buffer: b, Usage: winsys.UsageWrite}}

	var wg sync.WaitGroup
	var fences [2][]winsys.Fence
	for r := winsys.RingGFX; r < winsys.NumRings; r++ {
		wg.Add(1)
		go func(r winsys.RingType) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				var w words
				packet.EmitFill(&w, b.GPUAddress(), uint32(i), 4) //nolint:gosec // small
				f, err := d.Submit(r, w, refs, nil)
				if err != nil {
					t.Errorf("Submit(%s) error = %v", r, err)
					return
				}
				fences[r] = append(fences[r], f)
			}
		}(r)
	}
	wg.Wait()
	d.Idle()
	for r := range fences {
		for _, f := range fences[r] {
			if !f.Signalled() {
				t.Errorf("%s fence %d pending after Idle", f.Ring(), f.Seq())
			}
		}
	}
}

func TestRegistered(t *testing.T) {
	dev, err := winsys.Open(winsys.BackendSoft, winsys.BudgetConfig{})
	if err != nil {
		t.Fatalf("Open(soft) error = %v", err)
	}
	defer dev.Close()
	if dev.Name() != winsys.BackendSoft || !dev.HasRing(winsys.RingDMA) {
		t.Errorf("Name() = %s, HasRing(dma) = %v", dev.Name(), dev.HasRing(winsys.RingDMA))
	}
}

func TestRingQueueDrainsOnClose(t *testing.T) {
	q := newRingQueue(1)
	var mu sync.Mutex
	ran := 0
	q.exec.Lock()
	for i := 0; i < 5; i++ {
		if !q.submit(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		}) {
			t.Fatal("submit refused")
		}
	}
	if q.queued() == 0 {
		t.Error("queued() = 0 while the worker is held")
	}
	q.exec.Unlock()
	q.close()
	q.close()
	if ran != 5 {
		t.Errorf("ran %d jobs, want 5", ran)
	}
	if q.submit(func() {}) {
		t.Error("submit accepted after close")
	}
}
