// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package query implements GPU queries whose lifetime spans command stream
// flushes.
//
// The GPU counters a query samples start from zero in every submission. A
// query therefore writes one record per stream it is active in: the begin
// half when it begins or resumes, the end half when it ends or is suspended
// before a flush. The result is the sum of the records. Records live in a
// chain of result buffers, a new buffer being appended when the current one
// is full.
package query

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// Query errors.
var (
	// ErrActive is returned when reading the result of an active query.
	ErrActive = errors.New("query: query is active")

	// ErrNotEnded is returned when reading a query that never ended.
	ErrNotEnded = errors.New("query: query has no result")

	// ErrDestroyed is returned when using a destroyed query.
	ErrDestroyed = errors.New("query: query destroyed")
)

// Type is a query type.
type Type uint8

const (
	OcclusionCounter Type = iota + 1
	OcclusionPredicate
	TimeElapsed
	Timestamp
	PrimitivesGenerated
	PrimitivesEmitted
	SOStatistics
	SOOverflowPredicate
	PipelineStatistics
	GPUFinished
)

var typeNames = map[Type]string{
	OcclusionCounter:    "occlusion_counter",
	OcclusionPredicate:  "occlusion_predicate",
	TimeElapsed:         "time_elapsed",
	Timestamp:           "timestamp",
	PrimitivesGenerated: "primitives_generated",
	PrimitivesEmitted:   "primitives_emitted",
	SOStatistics:        "so_statistics",
	SOOverflowPredicate: "so_overflow_predicate",
	PipelineStatistics:  "pipeline_statistics",
	GPUFinished:         "gpu_finished",
}

// String returns the type name.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Timer reports whether the query measures time. Timer queries read a
// clock that survives flushes and are never suspended.
func (t Type) Timer() bool {
	return t == TimeElapsed || t == Timestamp
}

// EndOnly reports whether the query has no begin.
func (t Type) EndOnly() bool {
	return t == Timestamp || t == GPUFinished
}

// Occlusion reports whether the query needs occlusion counting enabled.
func (t Type) Occlusion() bool {
	return t == OcclusionCounter || t == OcclusionPredicate
}

// event returns the event a query samples. It panics for unknown types.
func (t Type) event() packet.Event {
	switch t {
	case OcclusionCounter, OcclusionPredicate:
		return packet.EventZPassDone
	case TimeElapsed, Timestamp:
		return packet.EventTimestamp
	case PrimitivesGenerated, PrimitivesEmitted, SOStatistics, SOOverflowPredicate:
		return packet.EventSOStats
	case PipelineStatistics:
		return packet.EventPipelineStat
	default:
		panic(fmt.Sprintf("query: unknown query type %d", uint8(t)))
	}
}

// halfSize returns the bytes one sample writes, 0 for GPUFinished.
func (t Type) halfSize() uint64 {
	if t == GPUFinished {
		return 0
	}
	return uint64(t.event().EventSize()) //nolint:gosec // positive
}

// RecordSize returns the size of one record in a result buffer.
func (t Type) RecordSize() uint64 {
	if t.EndOnly() {
		return t.halfSize()
	}
	return 2 * t.halfSize()
}

// HalfWords returns the words to emit one begin or end half.
func (t Type) HalfWords() int {
	if t == GPUFinished {
		return 0
	}
	return packet.EventWriteWords
}

// Pipeline statistics counters.
type PipelineStats struct {
	IAVertices    uint64
	IAPrimitives  uint64
	VSInvocations uint64
	GSInvocations uint64
	GSPrimitives  uint64
	CInvocations  uint64
	CPrimitives   uint64
	PSInvocations uint64
	HSInvocations uint64
	DSInvocations uint64
	CSInvocations uint64
}

func (p *PipelineStats) add(v [packet.PipelineStatCount]uint64) {
	p.IAVertices += v[0]
	p.IAPrimitives += v[1]
	p.VSInvocations += v[2]
	p.GSInvocations += v[3]
	p.GSPrimitives += v[4]
	p.CInvocations += v[5]
	p.CPrimitives += v[6]
	p.PSInvocations += v[7]
	p.HSInvocations += v[8]
	p.DSInvocations += v[9]
	p.CSInvocations += v[10]
}

// Result is the value of a query. Which fields are set depends on the type.
type Result struct {
	// Value is the counter for occlusion counters, primitive counts,
	// elapsed time and timestamps.
	Value uint64

	// Predicate is set for predicates: any sample passed, stream output
	// overflowed, the GPU finished.
	Predicate bool

	// Written and Generated are the stream-output statistics.
	Written   uint64
	Generated uint64

	// Pipeline holds pipeline statistics.
	Pipeline PipelineStats
}

// Host is the driver context as seen by queries.
type Host interface {
	// Device allocates result buffers.
	Device() winsys.Device

	// Stream returns the graphics command stream.
	Stream() Stream

	// Reserve makes room for words in the graphics stream, flushing it if
	// needed.
	Reserve(words int)

	// MapForRead maps a buffer for reading. When wait is false and the GPU
	// may still write the buffer it returns ok == false instead of flushing
	// or waiting.
	MapForRead(b *winsys.Buffer, wait bool) (data []byte, ok bool, err error)

	// Release destroys a buffer once no stream references it.
	Release(b *winsys.Buffer)

	// FlushFence flushes the graphics stream and returns a fence covering
	// everything emitted so far.
	FlushFence() (winsys.Fence, error)

	// SetOcclusionCounting enables or disables occlusion counting.
	SetOcclusionCounting(enabled bool)
}

// Stream is the graphics command stream.
type Stream interface {
	packet.Writer
	AddBuffer(b *winsys.Buffer, usage winsys.Usage)
}

type state uint8

const (
	stateIdle state = iota
	stateActive
	stateEnded
	stateResolved
)

// resultBuffer is one link of a result chain.
type resultBuffer struct {
	buf *winsys.Buffer

	// records is the number of complete records.
	records int
}

// Query is one query object.
type Query struct {
	typ   Type
	state state

	chain []*resultBuffer

	// open is the offset of the record being written, valid while a begin
	// half was emitted without its end half.
	open      uint64
	recording bool

	suspended bool
	destroyed bool

	fence  winsys.Fence
	result Result
}

// Type returns the query type.
func (q *Query) Type() Type { return q.typ }

// Active reports whether the query is between Begin and End.
func (q *Query) Active() bool { return q.state == stateActive }

// Buffers returns the number of result buffers in the chain.
func (q *Query) Buffers() int { return len(q.chain) }

// Records returns the number of complete records in the chain.
func (q *Query) Records() int {
	n := 0
	for _, rb := range q.chain {
		n += rb.records
	}
	return n
}
