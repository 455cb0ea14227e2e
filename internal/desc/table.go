// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package desc implements GPU descriptor tables.
//
// A Table is a GPU buffer holding N copies ("slots") of an array of
// fixed-size descriptors. The GPU reads the current slot. Updates never
// touch it: Flush queues a copy of the current slot into the next one,
// patches the changed descriptors there, points the shader registers at the
// new slot and only then makes it current. Because all of this goes through
// the command stream, the GPU sees every slot either before or after an
// update, never in between, however often the slots wrap around within one
// stream.
package desc

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpudrv/internal/bitset"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
	"github.com/gogpu/gputypes"
)

// DefaultSlots is the default number of slots.
const DefaultSlots = 16

// MaxElements bounds the number of elements so that a whole slot fits one
// copy and one write packet.
const MaxElements = 1024

// ErrTableAlloc is returned when the backing buffer cannot be allocated.
var ErrTableAlloc = errors.New("desc: descriptor table allocation failed")

// Stream is where a table emits. The command stream implements it.
type Stream interface {
	packet.Writer
	AddBuffer(b *winsys.Buffer, usage winsys.Usage)
}

// Table is a multi-buffered descriptor table.
//
// Table is NOT safe for concurrent use.
type Table struct {
	name  string
	buf   *winsys.Buffer
	count int
	slots int

	// shadow holds the latest bytes of every element.
	shadow    []byte
	dirty     *bitset.Set
	enabled   *bitset.Set
	resources []*winsys.Buffer

	// stageBases are the shader stages whose table pointer this table sets.
	stageBases []uint32

	current      int
	pointerDirty bool

	flushes uint64
	wraps   uint64
}

// NewTable allocates a table of count elements and slots slots on dev.
// stageBases lists the shader register bases that point at the table.
func NewTable(dev winsys.Device, name string, count, slots int, stageBases ...uint32) (*Table, error) {
	if count <= 0 {
		panic(fmt.Sprintf("desc: table %s with %d elements", name, count))
	}
	if slots < 2 {
		slots = DefaultSlots
	}
	if count > MaxElements {
		return nil, fmt.Errorf("%w: %s has %d elements, limit %d", ErrTableAlloc, name, count, MaxElements)
	}

	size := uint64(slots) * uint64(count) * Stride //nolint:gosec // both positive
	buf, err := dev.CreateBuffer(winsys.BufferDesc{
		Label:  name,
		Size:   size,
		Domain: winsys.DomainVRAM,
		Usage:  gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrTableAlloc, name, err)
	}

	return &Table{
		name:         name,
		buf:          buf,
		count:        count,
		slots:        slots,
		shadow:       make([]byte, count*Stride),
		dirty:        bitset.New(count),
		enabled:      bitset.New(count),
		resources:    make([]*winsys.Buffer, count),
		stageBases:   append([]uint32(nil), stageBases...),
		pointerDirty: true,
	}, nil
}

// Name returns the debug name.
func (t *Table) Name() string { return t.name }

// Buffer returns the backing buffer.
func (t *Table) Buffer() *winsys.Buffer { return t.buf }

// Count returns the number of elements.
func (t *Table) Count() int { return t.count }

// Slots returns the number of slots.
func (t *Table) Slots() int { return t.slots }

// CurrentSlot returns the slot the GPU reads after the last Flush.
func (t *Table) CurrentSlot() int { return t.current }

// SlotSize returns the size of one slot in bytes.
func (t *Table) SlotSize() uint64 { return uint64(t.count) * Stride } //nolint:gosec // positive

// SlotAddress returns the GPU address of slot i.
func (t *Table) SlotAddress(i int) uint64 {
	return t.buf.GPUAddress() + uint64(i)*t.SlotSize() //nolint:gosec // i < slots
}

// SlotOffset returns the byte offset of slot i in the backing buffer.
func (t *Table) SlotOffset(i int) uint64 {
	return uint64(i) * t.SlotSize() //nolint:gosec // i < slots
}

// Shadow returns the CPU copy of the latest element bytes.
func (t *Table) Shadow() []byte { return t.shadow }

// Element returns the latest bytes of element i.
func (t *Table) Element(i int) []byte {
	return t.shadow[i*Stride : (i+1)*Stride]
}

// Enabled reports whether element i has a bound resource.
func (t *Table) Enabled(i int) bool { return t.enabled.Has(i) }

// Resource returns the buffer referenced by element i.
func (t *Table) Resource(i int) *winsys.Buffer { return t.resources[i] }

// Dirty reports whether a Flush would write anything.
func (t *Table) Dirty() bool { return !t.dirty.IsEmpty() || t.pointerDirty }

// SetElement stores descriptor as element index. res is the memory the
// descriptor references, nil for samplers. A nil descriptor unbinds the
// element and writes a null descriptor.
func (t *Table) SetElement(index int, descriptor []byte, res *winsys.Buffer) {
	if index < 0 || index >= t.count {
		panic(fmt.Sprintf("desc: %s element %d out of range [0,%d)", t.name, index, t.count))
	}
	if len(descriptor) > Stride {
		panic(fmt.Sprintf("desc: %s descriptor of %d bytes exceeds stride %d", t.name, len(descriptor), Stride))
	}

	dst := t.shadow[index*Stride : (index+1)*Stride]
	n := copy(dst, descriptor)
	clear(dst[n:])
	t.dirty.Mark(index)

	if descriptor == nil {
		t.enabled.Unmark(index)
		t.resources[index] = nil
		return
	}
	t.enabled.Mark(index)
	t.resources[index] = res
}

// Relocate points every element that references old at the same offset
// inside replacement.
func (t *Table) Relocate(old, replacement *winsys.Buffer) int {
	n := 0
	for i, r := range t.resources {
		if r != old || !t.enabled.Has(i) {
			continue
		}
		d := t.Element(i)
		addr := Address(d)
		if addr >= old.GPUAddress() {
			addr = addr - old.GPUAddress() + replacement.GPUAddress()
		}
		patched := append([]byte(nil), d...)
		putAddress(patched, addr)
		t.SetElement(i, patched, replacement)
		n++
	}
	return n
}

func putAddress(d []byte, addr uint64) {
	for i := 0; i < 8; i++ {
		d[addressOffset+i] = byte(addr >> (8 * i))
	}
}

// MarkPointerDirty forces the next Flush to re-emit the table pointer.
// The context calls it after every flush of the stream.
func (t *Table) MarkPointerDirty() { t.pointerDirty = true }

// EmitWords returns a worst-case bound on what Flush writes.
func (t *Table) EmitWords() int {
	n := len(t.stageBases) * packet.SetRegWords(2)
	if !t.dirty.IsEmpty() {
		n += packet.CopyDataWords
		// Every dirty run costs its payload plus a WRITE_DATA header.
		dirty := t.dirty.Count()
		runs := 0
		t.dirty.Ranges(func(int, int) { runs++ })
		n += dirty*Stride/4 + runs*packet.WriteDataWords(0)
	}
	return n
}

// Flush makes the latest element bytes visible to the GPU.
//
// When elements changed it queues, in order, a copy of the current slot
// into the next one, one write per run of adjacent dirty elements into the
// new slot, and the table pointer update; then the new slot becomes current.
// When only the pointer must be re-emitted it writes just the pointer.
// The backing buffer and every bound resource are added to s.
func (t *Table) Flush(s Stream) {
	if !t.Dirty() {
		return
	}

	if !t.dirty.IsEmpty() {
		next := (t.current + 1) % t.slots
		src := t.SlotAddress(t.current)
		dst := t.SlotAddress(next)

		s.AddBuffer(t.buf, winsys.UsageReadWrite)
		packet.EmitCopyData(s, dst, src, t.SlotSize())
		t.dirty.Ranges(func(lo, hi int) {
			packet.EmitWriteBytes(s, dst+uint64(lo*Stride), t.shadow[lo*Stride:hi*Stride]) //nolint:gosec // lo >= 0
		})
		t.dirty.Clear()

		t.current = next
		t.flushes++
		if next == 0 {
			t.wraps++
			winsys.Logger().Debug("desc: table slots wrapped", "table", t.name, "wraps", t.wraps)
		}
	} else {
		s.AddBuffer(t.buf, winsys.UsageRead)
	}

	va := t.SlotAddress(t.current)
	for _, base := range t.stageBases {
		packet.EmitSetReg(s, base+packet.RegShaderTableLo, packet.Lo(va), packet.Hi(va))
	}
	t.enabled.ForEach(func(i int) {
		if r := t.resources[i]; r != nil {
			s.AddBuffer(r, winsys.UsageRead)
		}
	})
	t.pointerDirty = false
}

// Stats returns the number of slot advances and wrap-arounds.
func (t *Table) Stats() (flushes, wraps uint64) { return t.flushes, t.wraps }

// Destroy releases the backing buffer.
func (t *Table) Destroy(dev winsys.Device) {
	if t.buf != nil {
		dev.DestroyBuffer(t.buf)
		t.buf = nil
	}
}
