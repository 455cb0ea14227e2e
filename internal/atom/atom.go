// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package atom implements dirty-tracked fragments of hardware state.
//
// Hardware state persists within one command stream but not across
// submissions. Atoms let the context re-emit only what changed between
// draws, and everything after a flush.
package atom

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpudrv/internal/bitset"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// Stream is where atoms emit. The command stream implements it.
type Stream interface {
	packet.Writer
	AddBuffer(b *winsys.Buffer, usage winsys.Usage)
}

// Atom is one piece of state. The set of atom kinds is closed:
// RegisterState, ShaderState, StreamoutEnableState and BarrierState.
type Atom interface {
	// Name returns a debug name.
	Name() string

	// Words returns a worst-case bound on the words Emit writes.
	Words() int

	// Emit writes the state to s.
	Emit(s Stream)

	isAtom()
}

// RegisterState is a list of opaque register ranges: viewport, scissor,
// blend colour, state objects.
type RegisterState struct {
	name   string
	ranges []regRange
}

type regRange struct {
	reg    uint32
	values []uint32
}

// NewRegisterState creates an empty register atom.
func NewRegisterState(name string) *RegisterState {
	return &RegisterState{name: name}
}

func (*RegisterState) isAtom() {}

// Name implements Atom.
func (a *RegisterState) Name() string { return a.name }

// SetRange sets consecutive registers starting at reg, replacing an earlier
// range with the same start.
func (a *RegisterState) SetRange(reg uint32, values ...uint32) {
	v := append([]uint32(nil), values...)
	for i := range a.ranges {
		if a.ranges[i].reg == reg {
			a.ranges[i].values = v
			return
		}
	}
	a.ranges = append(a.ranges, regRange{reg: reg, values: v})
}

// SetPairs replaces the whole atom with single-register writes.
func (a *RegisterState) SetPairs(pairs []packet.RegPair) {
	a.ranges = a.ranges[:0]
	for _, p := range pairs {
		a.SetRange(p.Addr, p.Value)
	}
}

// Value returns the value set for reg, if any.
func (a *RegisterState) Value(reg uint32) (uint32, bool) {
	for _, r := range a.ranges {
		if reg >= r.reg && reg < r.reg+uint32(len(r.values)) { //nolint:gosec // ranges are short
			return r.values[reg-r.reg], true
		}
	}
	return 0, false
}

// Words implements Atom.
func (a *RegisterState) Words() int {
	n := 0
	for _, r := range a.ranges {
		if len(r.values) > 0 {
			n += packet.SetRegWords(len(r.values))
		}
	}
	return n
}

// Emit implements Atom.
func (a *RegisterState) Emit(s Stream) {
	for _, r := range a.ranges {
		packet.EmitSetReg(s, r.reg, r.values...)
	}
}

// ShaderState binds an uploaded shader program to a stage: its address and
// the register pairs the compiler produced.
type ShaderState struct {
	name   string
	base   uint32
	code   *winsys.Buffer
	words  uint32
	config []packet.RegPair
}

// NewShaderState creates a shader atom for the stage whose registers start
// at base.
func NewShaderState(name string, base uint32) *ShaderState {
	return &ShaderState{name: name, base: base}
}

func (*ShaderState) isAtom() {}

// Name implements Atom.
func (a *ShaderState) Name() string { return a.name }

// Bind sets the program. code holds the machine code; size is in words.
// A nil code buffer unbinds the stage.
func (a *ShaderState) Bind(code *winsys.Buffer, size uint32, config []packet.RegPair) {
	a.code = code
	a.words = size
	a.config = append(a.config[:0], config...)
}

// Code returns the bound program buffer.
func (a *ShaderState) Code() *winsys.Buffer { return a.code }

// Words implements Atom.
func (a *ShaderState) Words() int {
	return packet.SetRegWords(3) + len(a.config)*packet.SetRegWords(1)
}

// Emit implements Atom.
func (a *ShaderState) Emit(s Stream) {
	var va uint64
	size := uint32(0)
	if a.code != nil {
		va = a.code.GPUAddress()
		size = a.words
		s.AddBuffer(a.code, winsys.UsageRead)
	}
	packet.EmitSetReg(s, a.base+packet.RegShaderPgmLo, packet.Lo(va), packet.Hi(va), size)
	for _, p := range a.config {
		packet.EmitSetReg(s, p.Addr, p.Value)
	}
}

// StreamoutEnableState holds the mask of enabled stream-output buffers.
type StreamoutEnableState struct {
	mask uint32
}

func (*StreamoutEnableState) isAtom() {}

// Name implements Atom.
func (*StreamoutEnableState) Name() string { return "streamout_enable" }

// SetMask sets the enabled buffer mask.
func (a *StreamoutEnableState) SetMask(mask uint32) { a.mask = mask }

// Mask returns the enabled buffer mask.
func (a *StreamoutEnableState) Mask() uint32 { return a.mask }

// Words implements Atom.
func (*StreamoutEnableState) Words() int { return packet.SetRegWords(1) }

// Emit implements Atom.
func (a *StreamoutEnableState) Emit(s Stream) {
	packet.EmitSetReg(s, packet.RegStrmoutEnable, a.mask)
}

// Barrier accumulates cache flush and invalidate flags requested by
// unrelated code paths until the barrier atom emits them.
//
// Barrier is safe for concurrent use.
type Barrier struct {
	flags atomic.Uint32
}

// Add requests flags.
func (b *Barrier) Add(flags packet.SyncFlags) {
	b.flags.Or(uint32(flags))
}

// Pending returns the accumulated flags.
func (b *Barrier) Pending() packet.SyncFlags {
	return packet.SyncFlags(b.flags.Load())
}

// Take returns the accumulated flags and clears them.
func (b *Barrier) Take() packet.SyncFlags {
	return packet.SyncFlags(b.flags.Swap(0))
}

// BarrierState emits the pending barrier. It must be the last atom.
type BarrierState struct {
	barrier *Barrier
}

// NewBarrierState creates the barrier atom for b.
func NewBarrierState(b *Barrier) *BarrierState {
	return &BarrierState{barrier: b}
}

func (*BarrierState) isAtom() {}

// Name implements Atom.
func (*BarrierState) Name() string { return "barrier" }

// Words implements Atom.
func (*BarrierState) Words() int { return packet.SurfaceSyncWords }

// Emit implements Atom.
func (a *BarrierState) Emit(s Stream) {
	if flags := a.barrier.Take(); flags != 0 {
		packet.EmitSurfaceSync(s, flags)
	}
}

// ID identifies an atom within a Registry.
type ID int

// MaxAtoms bounds the size of a Registry.
const MaxAtoms = 64

// Registry is the dependency-ordered atom table. Atoms emit in the order
// they were added; the barrier atom is last.
//
// Registry is NOT safe for concurrent use.
type Registry struct {
	atoms  []Atom
	dirty  *bitset.Set
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{dirty: bitset.New(MaxAtoms)}
}

// Add appends an atom and returns its ID. New atoms are dirty. Adding after
// the barrier atom panics.
func (r *Registry) Add(a Atom) ID {
	if r.sealed {
		panic(fmt.Sprintf("atom: %s added after the barrier atom", a.Name()))
	}
	if len(r.atoms) == MaxAtoms {
		panic("atom: too many atoms")
	}
	id := ID(len(r.atoms))
	r.atoms = append(r.atoms, a)
	r.dirty.Mark(int(id))
	if _, ok := a.(*BarrierState); ok {
		r.sealed = true
	}
	return id
}

// Len returns the number of atoms.
func (r *Registry) Len() int { return len(r.atoms) }

// Atom returns the atom with the given ID.
func (r *Registry) Atom(id ID) Atom { return r.atoms[id] }

// MarkDirty schedules an atom for emission.
func (r *Registry) MarkDirty(id ID) {
	if int(id) >= len(r.atoms) {
		panic(fmt.Sprintf("atom: unknown atom %d", id))
	}
	r.dirty.Mark(int(id))
}

// MarkAllDirty schedules every atom.
func (r *Registry) MarkAllDirty() {
	r.dirty.MarkRange(0, len(r.atoms))
}

// IsDirty reports whether an atom is scheduled.
func (r *Registry) IsDirty(id ID) bool { return r.dirty.Has(int(id)) }

// DirtyCount returns the number of scheduled atoms.
func (r *Registry) DirtyCount() int { return r.dirty.Count() }

// DirtyWords returns a worst-case bound on what EmitDirty writes.
func (r *Registry) DirtyWords() int {
	n := 0
	r.dirty.ForEach(func(i int) {
		n += r.atoms[i].Words()
	})
	return n
}

// EmitDirty emits every dirty atom once, in table order, and clears the
// dirty flags. It returns the number of atoms emitted.
func (r *Registry) EmitDirty(s Stream) int {
	if len(r.atoms) > 0 && !r.sealed {
		panic("atom: registry has no barrier atom")
	}
	ids := r.dirty.GetAndClear()
	for _, i := range ids {
		r.atoms[i].Emit(s)
	}
	return len(ids)
}
