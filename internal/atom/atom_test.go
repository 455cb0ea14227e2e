// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package atom

import (
	"testing"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// recorder is a Stream that keeps words and buffers.
type recorder struct {
	words   []uint32
	buffers []*winsys.Buffer
}

func (r *recorder) Emit(w ...uint32) { r.words = append(r.words, w...) }

func (r *recorder) AddBuffer(b *winsys.Buffer, _ winsys.Usage) {
	r.buffers = append(r.buffers, b)
}

func (r *recorder) packets(t *testing.T) []packet.Packet {
	t.Helper()
	pkts, err := packet.Parse(r.words)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return pkts
}

// setRegTargets returns the first register of every SET_REG.
func setRegTargets(pkts []packet.Packet) []uint32 {
	var regs []uint32
	for _, p := range pkts {
		if p.Op == packet.OpSetReg {
			regs = append(regs, p.Payload[0])
		}
	}
	return regs
}

func newTestRegistry() (*Registry, []*RegisterState, *Barrier) {
	r := NewRegistry()
	var atoms []*RegisterState
	for i, reg := range []uint32{0x100, 0x200, 0x300} {
		a := NewRegisterState("reg" + string(rune('a'+i)))
		a.SetRange(reg, uint32(i))
		atoms = append(atoms, a)
		r.Add(a)
	}
	b := &Barrier{}
	r.Add(NewBarrierState(b))
	return r, atoms, b
}

func TestEmitDirtyOncePerCall(t *testing.T) {
	r, _, _ := newTestRegistry()

	var rec recorder
	if n := r.EmitDirty(&rec); n != 4 {
		t.Errorf("first EmitDirty emitted %d atoms, want 4", n)
	}
	for id := ID(0); id < ID(r.Len()); id++ {
		if r.IsDirty(id) {
			t.Errorf("atom %d dirty right after emission", id)
		}
	}
	if got := setRegTargets(rec.packets(t)); len(got) != 3 || got[0] != 0x100 || got[2] != 0x300 {
		t.Errorf("emitted registers = %x, want table order", got)
	}

	rec = recorder{}
	if n := r.EmitDirty(&rec); n != 0 || len(rec.words) != 0 {
		t.Errorf("clean EmitDirty emitted %d atoms, %d words", n, len(rec.words))
	}

	// Marking twice still emits once, in table order.
	r.MarkDirty(2)
	r.MarkDirty(0)
	r.MarkDirty(2)
	if r.DirtyCount() != 2 {
		t.Errorf("DirtyCount() = %d, want 2", r.DirtyCount())
	}
	rec = recorder{}
	r.EmitDirty(&rec)
	if got := setRegTargets(rec.packets(t)); len(got) != 2 || got[0] != 0x100 || got[1] != 0x300 {
		t.Errorf("emitted registers = %x, want [100 300]", got)
	}
}

func TestDirtyWordsBoundsEmission(t *testing.T) {
	r, atoms, b := newTestRegistry()
	atoms[1].SetRange(0x210, 1, 2, 3, 4)
	b.Add(packet.SyncInvalidateTC)
	r.MarkAllDirty()

	bound := r.DirtyWords()
	var rec recorder
	r.EmitDirty(&rec)
	if len(rec.words) > bound {
		t.Errorf("emitted %d words, DirtyWords() = %d", len(rec.words), bound)
	}
}

func TestBarrierAccumulatesAndClears(t *testing.T) {
	r, _, b := newTestRegistry()
	var rec recorder
	r.EmitDirty(&rec)

	b.Add(packet.SyncInvalidateTC)
	b.Add(packet.SyncInvalidateIC)
	if got := b.Pending(); got != packet.SyncInvalidateTC|packet.SyncInvalidateIC {
		t.Errorf("Pending() = %b", got)
	}
	r.MarkDirty(3)

	rec = recorder{}
	r.EmitDirty(&rec)
	pkts := rec.packets(t)
	if len(pkts) != 1 || pkts[0].Op != packet.OpSurfaceSync {
		t.Fatalf("packets = %v, want one SURFACE_SYNC", pkts)
	}
	if got := packet.SyncFlags(pkts[0].Payload[0]); got != packet.SyncInvalidateTC|packet.SyncInvalidateIC {
		t.Errorf("sync flags = %b", got)
	}
	if b.Pending() != 0 {
		t.Error("barrier not cleared by emission")
	}

	// An empty barrier emits nothing.
	r.MarkDirty(3)
	rec = recorder{}
	r.EmitDirty(&rec)
	if len(rec.words) != 0 {
		t.Errorf("empty barrier emitted %d words", len(rec.words))
	}
}

func TestRegistryOrdering(t *testing.T) {
	t.Run("add after barrier", func(t *testing.T) {
		r, _, _ := newTestRegistry()
		defer func() {
			if recover() == nil {
				t.Error("Add after the barrier did not panic")
			}
		}()
		r.Add(NewRegisterState("late"))
	})
	t.Run("emit without barrier", func(t *testing.T) {
		r := NewRegistry()
		r.Add(NewRegisterState("only"))
		defer func() {
			if recover() == nil {
				t.Error("EmitDirty without barrier did not panic")
			}
		}()
		r.EmitDirty(&recorder{})
	})
	t.Run("unknown id", func(t *testing.T) {
		r, _, _ := newTestRegistry()
		defer func() {
			if recover() == nil {
				t.Error("MarkDirty of unknown atom did not panic")
			}
		}()
		r.MarkDirty(ID(r.Len()))
	})
}

func TestRegisterState(t *testing.T) {
	a := NewRegisterState("state")
	a.SetRange(0x300, 1, 2)
	a.SetRange(0x300, 7, 8, 9)
	a.SetRange(0x310, 5)

	if got, ok := a.Value(0x302); !ok || got != 9 {
		t.Errorf("Value(0x302) = %d, %v, want 9", got, ok)
	}
	if _, ok := a.Value(0x303); ok {
		t.Error("Value(0x303) found")
	}
	if got := a.Words(); got != packet.SetRegWords(3)+packet.SetRegWords(1) {
		t.Errorf("Words() = %d", got)
	}

	a.SetPairs([]packet.RegPair{{Addr: 0x320, Value: 3}})
	if _, ok := a.Value(0x300); ok {
		t.Error("SetPairs kept an old range")
	}
	if got, _ := a.Value(0x320); got != 3 {
		t.Errorf("Value(0x320) = %d, want 3", got)
	}
}

func TestShaderState(t *testing.T) {
	a := NewShaderState("vs", packet.RegShaderVSBase)

	var rec recorder
	a.Emit(&rec)
	pkts := rec.packets(t)
	if len(pkts) != 1 || pkts[0].Payload[1] != 0 || pkts[0].Payload[3] != 0 {
		t.Errorf("unbound shader packets = %v", pkts)
	}
	if len(rec.buffers) != 0 {
		t.Error("unbound shader added a buffer")
	}

	mgr := winsys.NewManager(nullAlloc{}, winsys.BudgetConfig{})
	code, err := mgr.Create(winsys.BufferDesc{Label: "code", Size: 64})
	if err != nil {
		t.Fatal(err)
	}
	config := []packet.RegPair{{Addr: packet.RegShaderVSBase + packet.RegShaderRsrc1, Value: 0x42}}
	a.Bind(code, 16, config)

	rec = recorder{}
	a.Emit(&rec)
	if len(rec.words) > a.Words() {
		t.Errorf("emitted %d words, Words() = %d", len(rec.words), a.Words())
	}
	pkts = rec.packets(t)
	if len(pkts) != 2 {
		t.Fatalf("got %d packets, want 2", len(pkts))
	}
	pl := pkts[0].Payload
	if packet.Addr(pl[1], pl[2]) != code.GPUAddress() || pl[3] != 16 {
		t.Errorf("program registers = %v", pl)
	}
	if pkts[1].Payload[0] != config[0].Addr || pkts[1].Payload[1] != 0x42 {
		t.Errorf("config packet = %v", pkts[1].Payload)
	}
	if len(rec.buffers) != 1 || rec.buffers[0] != code {
		t.Error("code buffer not added to the stream")
	}
}

type nullAlloc struct{}

func (nullAlloc) AllocBacking(winsys.BufferDesc, uint64) (any, error) { return struct{}{}, nil }
func (nullAlloc) FreeBacking(any)                                     {}
