// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package streamout manages stream-output targets and the session that
// writes vertices into them.
//
// The GPU keeps a "filled size" counter per stream-output buffer. Like every
// other hardware register it is lost at a submission boundary, so the
// session stores the counters into each target's filled-size buffer before a
// flush and reloads them afterwards. Appending to a target works the same
// way across sessions.
package streamout

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// MaxTargets is the number of target slots.
const MaxTargets = packet.MaxStrmoutBuffers

// FilledSizeBytes is the size of the counter a target stores.
const FilledSizeBytes = 4

// Stream is the graphics command stream.
type Stream interface {
	packet.Writer
	AddBuffer(b *winsys.Buffer, usage winsys.Usage)
}

// Host is the driver context as seen by the stream-output session.
type Host interface {
	// Stream returns the graphics command stream.
	Stream() Stream

	// Reserve makes room for words in the graphics stream, flushing it if
	// needed.
	Reserve(words int)

	// SetEnableMask updates the stream-output enable state.
	SetEnableMask(mask uint32)
}

// Target is a range of a buffer receiving stream-output vertices.
type Target struct {
	buf    *winsys.Buffer
	offset uint64
	size   uint64
	stride uint32

	// filled holds the byte count written so far, relative to offset.
	filled *winsys.Buffer
}

// NewTarget creates a target writing vertices of stride bytes into
// [offset, offset+size) of buf.
func NewTarget(dev winsys.Device, buf *winsys.Buffer, offset, size uint64, stride uint32) (*Target, error) {
	if buf == nil {
		return nil, fmt.Errorf("streamout: target: %w", winsys.ErrInvalidBuffer)
	}
	if offset%4 != 0 || stride%4 != 0 || offset+size > buf.Size() || size > 1<<32-1 {
		panic(fmt.Sprintf("streamout: invalid target offset=%d size=%d stride=%d in %d byte buffer",
			offset, size, stride, buf.Size()))
	}

	filled, err := dev.CreateBuffer(winsys.BufferDesc{
		Label:  "streamout_filled",
		Size:   FilledSizeBytes,
		Domain: winsys.DomainGTT,
		Usage:  gputypes.BufferUsageStorage | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		return nil, fmt.Errorf("streamout: filled size buffer: %w", err)
	}
	mem, err := dev.Map(filled)
	if err != nil {
		dev.DestroyBuffer(filled)
		return nil, fmt.Errorf("streamout: filled size buffer: %w", err)
	}
	clear(mem[:FilledSizeBytes])
	dev.Unmap(filled, 0, FilledSizeBytes)

	return &Target{buf: buf, offset: offset, size: size, stride: stride, filled: filled}, nil
}

// Buffer returns the destination buffer.
func (t *Target) Buffer() *winsys.Buffer { return t.buf }

// Relocate points the target at buf, the replacement storage of its
// buffer. A bound target only writes to buf once its session is
// programmed again. It panics if the target range does not fit buf.
func (t *Target) Relocate(buf *winsys.Buffer) {
	if buf == nil || t.offset+t.size > buf.Size() {
		panic(fmt.Sprintf("streamout: relocating a %d byte target range into a smaller buffer", t.offset+t.size))
	}
	t.buf = buf
}

// Offset returns the byte offset of the target range.
func (t *Target) Offset() uint64 { return t.offset }

// Size returns the byte size of the target range.
func (t *Target) Size() uint64 { return t.size }

// Stride returns the vertex stride in bytes.
func (t *Target) Stride() uint32 { return t.stride }

// FilledBuffer returns the buffer holding the stored filled size.
func (t *Target) FilledBuffer() *winsys.Buffer { return t.filled }

// DecodeFilled decodes the contents of a filled-size buffer.
func DecodeFilled(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

type state uint8

const (
	stateStopped state = iota
	stateActive
	stateSuspended
)

// Session is the stream-output state of one driver context.
//
// Session is NOT safe for concurrent use.
type Session struct {
	host    Host
	targets [MaxTargets]*Target
	mask    uint32
	append  uint32
	state   state

	begins   uint64
	suspends uint64
}

// NewSession creates a stopped session.
func NewSession(host Host) *Session {
	return &Session{host: host}
}

// Active reports whether the session is writing, suspended included.
func (s *Session) Active() bool { return s.state != stateStopped }

// Suspended reports whether the session is suspended across a flush.
func (s *Session) Suspended() bool { return s.state == stateSuspended }

// Mask returns the mask of bound targets.
func (s *Session) Mask() uint32 { return s.mask }

// Target returns the target bound to slot i, or nil.
func (s *Session) Target(i int) *Target { return s.targets[i] }

// Stats returns the number of sessions begun and suspensions.
func (s *Session) Stats() (begins, suspends uint64) { return s.begins, s.suspends }

// SetTargets ends the current session and begins a new one writing to
// targets. Bit i of appendMask makes target i continue from its stored
// filled size instead of starting at zero. An empty list only ends the
// session. It panics for more than MaxTargets targets.
func (s *Session) SetTargets(targets []*Target, appendMask uint32) {
	if len(targets) > MaxTargets {
		panic(fmt.Sprintf("streamout: %d targets, limit %d", len(targets), MaxTargets))
	}

	s.End()

	s.targets = [MaxTargets]*Target{}
	s.mask = 0
	for i, t := range targets {
		if t == nil {
			continue
		}
		s.targets[i] = t
		s.mask |= 1 << i
	}
	s.append = appendMask & s.mask
	if s.mask == 0 {
		return
	}
	s.begin()
}

// End stores the filled size of every target and disables stream output.
func (s *Session) End() {
	switch s.state {
	case stateStopped:
		return
	case stateActive:
		s.host.Reserve(s.SuspendWords())
		s.store()
	}
	s.host.SetEnableMask(0)
	s.state = stateStopped
	s.targets = [MaxTargets]*Target{}
	s.mask = 0
	s.append = 0
}

// SuspendWords returns the words Suspend emits.
func (s *Session) SuspendWords() int {
	if s.state != stateActive {
		return 0
	}
	return packet.EventWriteWords + s.count()*packet.StrmoutUpdateWords
}

// Suspend stores the filled sizes ahead of a flush of the graphics stream.
func (s *Session) Suspend() {
	if s.state != stateActive {
		return
	}
	s.store()
	s.state = stateSuspended
	s.suspends++
}

// Resume programs the targets again and reloads their filled sizes after
// the new stream started.
func (s *Session) Resume() {
	if s.state != stateSuspended {
		return
	}
	s.host.Reserve(s.beginWords())
	s.program(s.mask)
	s.host.SetEnableMask(s.mask)
	s.state = stateActive
}

func (s *Session) begin() {
	s.host.Reserve(s.beginWords())
	s.program(s.append)
	s.host.SetEnableMask(s.mask)
	s.state = stateActive
	s.begins++
}

func (s *Session) count() int {
	n := 0
	for _, t := range s.targets {
		if t != nil {
			n++
		}
	}
	return n
}

func (s *Session) beginWords() int {
	return s.count() * (packet.SetRegWords(4) + packet.StrmoutUpdateWords)
}

// program writes the buffer registers of every target and loads the filled
// size of the targets in load, resetting the others to zero.
func (s *Session) program(load uint32) {
	cs := s.host.Stream()
	for i, t := range s.targets {
		if t == nil {
			continue
		}
		va := t.buf.GPUAddress() + t.offset
		cs.AddBuffer(t.buf, winsys.UsageWrite)
		packet.EmitSetReg(cs, packet.StrmoutReg(i, packet.RegStrmoutBaseLo),
			packet.Lo(va), packet.Hi(va), uint32(t.size), t.stride) //nolint:gosec // size checked in NewTarget

		if load&(1<<i) != 0 {
			cs.AddBuffer(t.filled, winsys.UsageRead)
			packet.EmitStrmoutUpdate(cs, i, packet.StrmoutLoad, t.filled.GPUAddress(), 0)
		} else {
			packet.EmitStrmoutUpdate(cs, i, packet.StrmoutReset, 0, 0)
		}
	}
}

func (s *Session) store() {
	cs := s.host.Stream()
	packet.EmitEventWrite(cs, packet.EventStrmoutFlush, 0)
	for i, t := range s.targets {
		if t == nil {
			continue
		}
		cs.AddBuffer(t.filled, winsys.UsageWrite)
		packet.EmitStrmoutUpdate(cs, i, packet.StrmoutStore, t.filled.GPUAddress(), 0)
	}
}
