// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cp models the GPU command processor that consumes command
// streams.
//
// A Processor executes one submission at a time. Hardware state (the
// register file, the occlusion and pipeline counters, stream-output filled
// sizes) starts from zero at every submission, as it does on hardware that
// does not preserve context across independent command buffers. Only the
// GPU clock survives. Memory is reached through a Bus, which the winsys
// builds from the submission's buffer list so that accesses outside listed
// buffers fault.
package cp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gpudrv/internal/packet"
)

// Execution errors.
var (
	// ErrInvalidPacket is returned for unknown or malformed packets.
	ErrInvalidPacket = errors.New("cp: invalid packet")

	// ErrNoShader is returned when a draw or dispatch runs without a program.
	ErrNoShader = errors.New("cp: no shader program bound")
)

// Bus is the memory interface of a submission. Its methods return an error
// for addresses the submission may not access.
type Bus interface {
	Read(va uint64, dst []byte) error
	Write(va uint64, src []byte) error
	Copy(dst, src, size uint64) error
	Fill(dst uint64, value uint32, size uint64) error
}

// Clock is the GPU timestamp counter shared by every queue of a device.
type Clock struct {
	ticks atomic.Uint64
}

// Advance moves the clock forward by n ticks and returns the new value.
func (c *Clock) Advance(n uint64) uint64 { return c.ticks.Add(n) }

// Now returns the current value.
func (c *Clock) Now() uint64 { return c.ticks.Load() }

// Stats counts work executed by a processor across submissions.
type Stats struct {
	Submissions  uint64
	Packets      uint64
	Draws        uint64
	Dispatches   uint64
	Events       uint64
	Syncs        uint64
	BytesWritten uint64
	BytesCopied  uint64
}

// Pipeline statistics counter indices.
const (
	StatIAVertices = iota
	StatIAPrimitives
	StatVSInvocations
	StatGSInvocations
	StatGSPrimitives
	StatCInvocations
	StatCPrimitives
	StatPSInvocations
	StatHSInvocations
	StatDSInvocations
	StatCSInvocations
)

// CSGroupSize is the number of invocations in one compute work group.
const CSGroupSize = 64

// Processor executes command streams.
//
// Processor is NOT safe for concurrent use; each queue owns one and runs
// submissions in order.
type Processor struct {
	clock   *Clock
	dmaOnly bool

	// Per-submission hardware state.
	regs       [packet.RegFileSize]uint32
	zpass      uint64
	pipeline   [packet.PipelineStatCount]uint64
	soWritten  uint64
	soNeeded   uint64
	soFilled   [packet.MaxStrmoutBuffers]uint32
	soOverflow bool

	stats Stats
}

// New creates a processor. A dmaOnly processor accepts only data movement
// packets, like a copy engine.
func New(clock *Clock, dmaOnly bool) *Processor {
	if clock == nil {
		clock = &Clock{}
	}
	return &Processor{clock: clock, dmaOnly: dmaOnly}
}

// Stats returns cumulative counters.
func (p *Processor) Stats() Stats { return p.stats }

// Register returns the value of a register as left by the last submission.
func (p *Processor) Register(reg uint32) uint32 {
	if reg >= packet.RegFileSize {
		return 0
	}
	return p.regs[reg]
}

// reset clears the per-submission hardware state.
func (p *Processor) reset() {
	p.regs = [packet.RegFileSize]uint32{}
	p.zpass = 0
	p.pipeline = [packet.PipelineStatCount]uint64{}
	p.soWritten = 0
	p.soNeeded = 0
	p.soFilled = [packet.MaxStrmoutBuffers]uint32{}
	p.soOverflow = false
}

// Execute runs one submission. Execution stops at the first error; the
// effects of packets before it remain.
func (p *Processor) Execute(words []uint32, bus Bus) error {
	p.reset()
	p.stats.Submissions++

	r := packet.NewReader(words)
	for {
		off := r.Offset()
		pkt, ok, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPacket, err)
		}
		if !ok {
			return nil
		}
		p.stats.Packets++
		p.clock.Advance(1)

		if p.dmaOnly && !pkt.Op.DMA() {
			return fmt.Errorf("%w: %s at word %d on copy queue", ErrInvalidPacket, pkt.Op, off)
		}
		if err := p.exec(pkt, bus); err != nil {
			return fmt.Errorf("%s at word %d: %w", pkt.Op, off, err)
		}
	}
}

func (p *Processor) exec(pkt packet.Packet, bus Bus) error {
	pl := pkt.Payload
	switch pkt.Op {
	case packet.OpNop:
		return nil
	case packet.OpSetReg:
		return p.setReg(pl)
	case packet.OpWriteData:
		if len(pl) < 2 {
			return ErrInvalidPacket
		}
		return p.writeData(bus, packet.Addr(pl[0], pl[1]), pl[2:])
	case packet.OpCopyData:
		if len(pl) != packet.CopyDataPayload {
			return ErrInvalidPacket
		}
		size := uint64(pl[4])
		p.stats.BytesCopied += size
		return bus.Copy(packet.Addr(pl[0], pl[1]), packet.Addr(pl[2], pl[3]), size)
	case packet.OpFill:
		if len(pl) != packet.FillPayload {
			return ErrInvalidPacket
		}
		size := uint64(pl[3])
		p.stats.BytesWritten += size
		return bus.Fill(packet.Addr(pl[0], pl[1]), pl[2], size)
	case packet.OpDraw:
		if len(pl) != packet.DrawPayload {
			return ErrInvalidPacket
		}
		return p.draw(bus, packet.Prim(pl[0]), pl[1], pl[2], pl[3])
	case packet.OpDispatch:
		if len(pl) != packet.DispatchPayload {
			return ErrInvalidPacket
		}
		return p.dispatch(bus, pl[0], pl[1], pl[2])
	case packet.OpEventWrite:
		if len(pl) != packet.EventWritePayload {
			return ErrInvalidPacket
		}
		return p.eventWrite(bus, packet.Event(pl[0]), packet.Addr(pl[1], pl[2]))
	case packet.OpSurfaceSync:
		if len(pl) != packet.SurfaceSyncPayload {
			return ErrInvalidPacket
		}
		p.stats.Syncs++
		return nil
	case packet.OpStrmoutUpdate:
		if len(pl) != packet.StrmoutUpdatePayload {
			return ErrInvalidPacket
		}
		return p.strmoutUpdate(bus, int(pl[0]), packet.StrmoutMode(pl[1]), packet.Addr(pl[2], pl[3]), pl[4])
	default:
		return ErrInvalidPacket
	}
}

func (p *Processor) setReg(pl []uint32) error {
	if len(pl) < 2 {
		return ErrInvalidPacket
	}
	reg := pl[0]
	n := uint32(len(pl) - 1) //nolint:gosec // payload is at most 0xFFFF words
	if reg >= packet.RegFileSize || n > packet.RegFileSize-reg {
		return fmt.Errorf("%w: registers 0x%x+%d out of range", ErrInvalidPacket, reg, n)
	}
	copy(p.regs[reg:], pl[1:])
	return nil
}

func (p *Processor) writeData(bus Bus, va uint64, data []uint32) error {
	b := make([]byte, 4*len(data))
	for i, w := range data {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	p.stats.BytesWritten += uint64(len(b))
	return bus.Write(va, b)
}

// program returns the program address and size for a shader stage.
func (p *Processor) program(base uint32) (uint64, uint32) {
	va := packet.Addr(p.regs[base+packet.RegShaderPgmLo], p.regs[base+packet.RegShaderPgmHi])
	return va, p.regs[base+packet.RegShaderPgmSize]
}

// checkProgram verifies that a stage has a program resident in memory.
func (p *Processor) checkProgram(bus Bus, base uint32) error {
	va, size := p.program(base)
	if va == 0 || size == 0 {
		return ErrNoShader
	}
	var word [4]byte
	return bus.Read(va, word[:])
}

// checkTable verifies that a stage's descriptor table pointer, when set,
// points at resident memory.
func (p *Processor) checkTable(bus Bus, base uint32) error {
	va := packet.Addr(p.regs[base+packet.RegShaderTableLo], p.regs[base+packet.RegShaderTableHi])
	if va == 0 {
		return nil
	}
	var word [4]byte
	return bus.Read(va, word[:])
}

func (p *Processor) draw(bus Bus, prim packet.Prim, vertices, instances, first uint32) error {
	if !prim.Valid() {
		return fmt.Errorf("%w: primitive topology %d", ErrInvalidPacket, uint32(prim))
	}
	for _, base := range [...]uint32{packet.RegShaderVSBase, packet.RegShaderPSBase} {
		if err := p.checkProgram(bus, base); err != nil {
			return err
		}
		if err := p.checkTable(bus, base); err != nil {
			return err
		}
	}
	p.stats.Draws++

	verts := uint64(vertices) * uint64(instances)
	prims := uint64(prim.Primitives(vertices)) * uint64(instances)
	p.clock.Advance(verts)

	p.pipeline[StatIAVertices] += verts
	p.pipeline[StatIAPrimitives] += prims
	p.pipeline[StatVSInvocations] += verts
	p.pipeline[StatCInvocations] += prims
	p.pipeline[StatCPrimitives] += prims
	p.pipeline[StatPSInvocations] += verts

	if p.regs[packet.RegDBCountControl]&1 != 0 {
		p.zpass += verts
	}

	if mask := p.regs[packet.RegStrmoutEnable]; mask != 0 {
		return p.streamOut(bus, mask, prim, vertices, instances, first)
	}
	return nil
}

// streamOut appends one record per vertex of every primitive to each enabled
// buffer. Each word of a record holds the vertex index. A primitive is
// written only if it fits every enabled buffer.
func (p *Processor) streamOut(bus Bus, mask uint32, prim packet.Prim, vertices, instances, first uint32) error {
	vpp := prim.VerticesPerPrim()
	primsPerInstance := prim.Primitives(vertices)

	for inst := uint32(0); inst < instances; inst++ {
		for pr := uint32(0); pr < primsPerInstance; pr++ {
			p.soNeeded++
			if p.soOverflow || !p.soFits(mask, vpp) {
				p.soOverflow = true
				continue
			}
			for i := 0; i < packet.MaxStrmoutBuffers; i++ {
				if mask&(1<<i) == 0 {
					continue
				}
				if err := p.soWritePrim(bus, i, prim, pr, vpp, first); err != nil {
					return err
				}
			}
			p.soWritten++
		}
	}
	return nil
}

func (p *Processor) soFits(mask, vpp uint32) bool {
	for i := 0; i < packet.MaxStrmoutBuffers; i++ {
		if mask&(1<<i) == 0 {
			continue
		}
		size := p.regs[packet.StrmoutReg(i, packet.RegStrmoutSize)]
		stride := p.regs[packet.StrmoutReg(i, packet.RegStrmoutVtxStride)]
		if uint64(p.soFilled[i])+uint64(vpp)*uint64(stride) > uint64(size) {
			return false
		}
	}
	return true
}

func (p *Processor) soWritePrim(bus Bus, i int, prim packet.Prim, pr, vpp, first uint32) error {
	base := packet.Addr(p.regs[packet.StrmoutReg(i, packet.RegStrmoutBaseLo)],
		p.regs[packet.StrmoutReg(i, packet.RegStrmoutBaseHi)])
	stride := p.regs[packet.StrmoutReg(i, packet.RegStrmoutVtxStride)]
	if stride == 0 {
		return nil
	}
	rec := make([]byte, stride)
	for v := uint32(0); v < vpp; v++ {
		idx := first + primVertex(prim, pr, v)
		for w := 0; w+4 <= len(rec); w += 4 {
			binary.LittleEndian.PutUint32(rec[w:], idx)
		}
		if err := bus.Write(base+uint64(p.soFilled[i]), rec); err != nil {
			return err
		}
		p.soFilled[i] += stride
		p.stats.BytesWritten += uint64(stride)
	}
	return nil
}

// primVertex returns the index of vertex v of primitive pr.
func primVertex(prim packet.Prim, pr, v uint32) uint32 {
	switch prim {
	case packet.PrimLineStrip, packet.PrimTriangleStrip:
		return pr + v
	default:
		return pr*prim.VerticesPerPrim() + v
	}
}

func (p *Processor) dispatch(bus Bus, x, y, z uint32) error {
	if err := p.checkProgram(bus, packet.RegShaderCSBase); err != nil {
		return err
	}
	if err := p.checkTable(bus, packet.RegShaderCSBase); err != nil {
		return err
	}
	p.stats.Dispatches++
	groups := uint64(x) * uint64(y) * uint64(z)
	p.clock.Advance(groups)
	p.pipeline[StatCSInvocations] += groups * CSGroupSize
	return nil
}

func (p *Processor) eventWrite(bus Bus, ev packet.Event, va uint64) error {
	p.stats.Events++
	var values []uint64
	switch ev {
	case packet.EventZPassDone:
		values = []uint64{p.zpass}
	case packet.EventTimestamp:
		values = []uint64{p.clock.Advance(1)}
	case packet.EventPipelineStat:
		values = p.pipeline[:]
	case packet.EventSOStats:
		values = []uint64{p.soWritten, p.soNeeded}
	case packet.EventCacheFlush, packet.EventStrmoutFlush:
		return nil
	default:
		return fmt.Errorf("%w: event %s", ErrInvalidPacket, ev)
	}
	b := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(b[i*8:], v)
	}
	p.stats.BytesWritten += uint64(len(b))
	return bus.Write(va, b)
}

func (p *Processor) strmoutUpdate(bus Bus, i int, mode packet.StrmoutMode, va uint64, offset uint32) error {
	if i < 0 || i >= packet.MaxStrmoutBuffers {
		return fmt.Errorf("%w: stream-output buffer %d", ErrInvalidPacket, i)
	}
	switch mode {
	case packet.StrmoutReset:
		p.soFilled[i] = offset
		return nil
	case packet.StrmoutLoad:
		var b [4]byte
		if err := bus.Read(va, b[:]); err != nil {
			return err
		}
		p.soFilled[i] = binary.LittleEndian.Uint32(b[:])
		return nil
	case packet.StrmoutStore:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], p.soFilled[i])
		p.stats.BytesWritten += 4
		return bus.Write(va, b[:])
	default:
		return fmt.Errorf("%w: stream-output mode %d", ErrInvalidPacket, uint32(mode))
	}
}
