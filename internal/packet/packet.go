// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package packet defines the command encoding consumed by the command
// processor.
//
// A command stream is a sequence of 32-bit words. Each packet starts with a
// header word holding the opcode in bits 31..24 and the number of payload
// words in bits 15..0. The payload layouts are:
//
//	NOP            [n words ignored]
//	SET_REG        [reg, v0, v1, ...]                 consecutive registers
//	WRITE_DATA     [addrLo, addrHi, d0, d1, ...]      store words to memory
//	COPY_DATA      [dstLo, dstHi, srcLo, srcHi, size] memory to memory, bytes
//	FILL           [dstLo, dstHi, value, size]        memset with a word
//	DRAW           [prim, vertices, instances, first]
//	DISPATCH       [x, y, z]
//	EVENT_WRITE    [event, addrLo, addrHi]            address 0 if unused
//	SURFACE_SYNC   [flags]
//	STRMOUT_UPDATE [buffer, mode, addrLo, addrHi, offset]
//
// Register addresses and event codes are opaque to everything except the
// emit helpers in this package and the command processor.
package packet

import (
	"errors"
	"fmt"
)

// Opcode identifies a packet type.
type Opcode uint8

const (
	OpNop           Opcode = 0x10 // Padding
	OpSetReg        Opcode = 0x11 // Set consecutive registers
	OpWriteData     Opcode = 0x12 // Write inline data to memory
	OpCopyData      Opcode = 0x13 // Copy memory to memory
	OpFill          Opcode = 0x14 // Fill memory with a word
	OpDraw          Opcode = 0x20 // Draw primitives
	OpDispatch      Opcode = 0x21 // Dispatch compute work groups
	OpEventWrite    Opcode = 0x30 // Pipeline event, optionally writing memory
	OpSurfaceSync   Opcode = 0x31 // Cache flush/invalidate
	OpStrmoutUpdate Opcode = 0x32 // Stream-output filled size management
)

// opcodeNames maps Opcode values to their string representation.
var opcodeNames = map[Opcode]string{
	OpNop:           "NOP",
	OpSetReg:        "SET_REG",
	OpWriteData:     "WRITE_DATA",
	OpCopyData:      "COPY_DATA",
	OpFill:          "FILL",
	OpDraw:          "DRAW",
	OpDispatch:      "DISPATCH",
	OpEventWrite:    "EVENT_WRITE",
	OpSurfaceSync:   "SURFACE_SYNC",
	OpStrmoutUpdate: "STRMOUT_UPDATE",
}

// String returns the packet mnemonic.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(op))
}

// DMA reports whether the copy queue understands the opcode.
func (op Opcode) DMA() bool {
	switch op {
	case OpNop, OpWriteData, OpCopyData, OpFill:
		return true
	default:
		return false
	}
}

// MaxPayload is the largest payload a single packet can carry.
const MaxPayload = 0xFFFF

// Header encodes a packet header.
// It panics if count exceeds MaxPayload.
func Header(op Opcode, count int) uint32 {
	if count < 0 || count > MaxPayload {
		panic(fmt.Sprintf("packet: payload of %d words for %s", count, op))
	}
	return uint32(op)<<24 | uint32(count) //nolint:gosec // bounded above
}

// DecodeHeader splits a header word.
func DecodeHeader(h uint32) (Opcode, int) {
	return Opcode(h >> 24), int(h & 0xFFFF)
}

// Payload sizes of fixed-size packets, not counting the header.
const (
	CopyDataPayload      = 5
	FillPayload          = 4
	DrawPayload          = 4
	DispatchPayload      = 3
	EventWritePayload    = 3
	SurfaceSyncPayload   = 1
	StrmoutUpdatePayload = 5
)

// Total sizes in words, header included.
const (
	CopyDataWords      = 1 + CopyDataPayload
	FillWords          = 1 + FillPayload
	DrawWords          = 1 + DrawPayload
	DispatchWords      = 1 + DispatchPayload
	EventWriteWords    = 1 + EventWritePayload
	SurfaceSyncWords   = 1 + SurfaceSyncPayload
	StrmoutUpdateWords = 1 + StrmoutUpdatePayload
)

// SetRegWords returns the size of a SET_REG packet setting n registers.
func SetRegWords(n int) int { return 2 + n }

// WriteDataWords returns the size of a WRITE_DATA packet carrying n words.
func WriteDataWords(n int) int { return 3 + n }

// MaxCopySize is the largest COPY_DATA or FILL a single packet can move.
const MaxCopySize = 1 << 21

// Packet is a decoded packet.
type Packet struct {
	Op      Opcode
	Payload []uint32
}

// String returns a short description.
func (p Packet) String() string {
	return fmt.Sprintf("%s[%d]", p.Op, len(p.Payload))
}

// ErrTruncated is returned when a packet's payload runs past the stream end.
var ErrTruncated = errors.New("packet: truncated packet")

// Reader walks the packets of a command stream.
type Reader struct {
	words []uint32
	pos   int
}

// NewReader returns a reader over words.
func NewReader(words []uint32) *Reader {
	return &Reader{words: words}
}

// Next returns the next packet. It returns false at the end of the stream.
// The returned payload aliases the stream.
func (r *Reader) Next() (Packet, bool, error) {
	if r.pos >= len(r.words) {
		return Packet{}, false, nil
	}
	op, n := DecodeHeader(r.words[r.pos])
	start := r.pos + 1
	if start+n > len(r.words) {
		return Packet{}, false, fmt.Errorf("%w: %s at word %d needs %d words, %d left",
			ErrTruncated, op, r.pos, n, len(r.words)-start)
	}
	r.pos = start + n
	return Packet{Op: op, Payload: r.words[start : start+n]}, true, nil
}

// Offset returns the word offset of the next packet.
func (r *Reader) Offset() int { return r.pos }

// Parse decodes a whole stream.
func Parse(words []uint32) ([]Packet, error) {
	var out []Packet
	r := NewReader(words)
	for {
		p, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, p)
	}
}

// Lo returns the low 32 bits of a GPU address.
func Lo(va uint64) uint32 { return uint32(va) } //nolint:gosec // truncation intended

// Hi returns the high 32 bits of a GPU address.
func Hi(va uint64) uint32 { return uint32(va >> 32) }

// Addr joins an address split by Lo and Hi.
func Addr(lo, hi uint32) uint64 { return uint64(hi)<<32 | uint64(lo) }
