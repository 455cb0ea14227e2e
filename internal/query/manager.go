// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package query

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// DefaultBufferSize is the default size of one result buffer.
const DefaultBufferSize = 4096

// Manager owns the queries of one driver context and the list of active
// non-timer queries that must be suspended around flushes.
//
// Manager is NOT safe for concurrent use.
type Manager struct {
	host    Host
	bufSize uint64

	// active lists active non-timer queries in begin order.
	active    []*Query
	occlusion int

	buffersAllocated uint64
}

// NewManager creates a manager. bufSize is the size of each result buffer;
// values smaller than the largest record fall back to DefaultBufferSize.
func NewManager(host Host, bufSize int) *Manager {
	size := uint64(DefaultBufferSize)
	if bufSize > 0 && uint64(bufSize) >= PipelineStatistics.RecordSize() {
		size = uint64(bufSize)
	}
	return &Manager{host: host, bufSize: size}
}

// BufferSize returns the size of each result buffer.
func (m *Manager) BufferSize() uint64 { return m.bufSize }

// BuffersAllocated returns the number of result buffers created so far.
func (m *Manager) BuffersAllocated() uint64 { return m.buffersAllocated }

// Create returns a new idle query. It panics for unknown types.
func (m *Manager) Create(t Type) *Query {
	if !t.Valid() {
		panic(fmt.Sprintf("query: unknown query type %d", uint8(t)))
	}
	return &Query{typ: t}
}

// ActiveCount returns the number of active non-timer queries.
func (m *Manager) ActiveCount() int { return len(m.active) }

// SuspendWords returns the words SuspendAll emits.
func (m *Manager) SuspendWords() int {
	n := 0
	for _, q := range m.active {
		if q.recording {
			n += q.typ.HalfWords()
		}
	}
	return n
}

// Begin starts a query. Beginning an end-only query does nothing.
// It panics if the query is already active.
func (m *Manager) Begin(q *Query) error {
	if q.destroyed {
		return ErrDestroyed
	}
	if q.typ.EndOnly() {
		return nil
	}
	if q.state == stateActive {
		panic(fmt.Sprintf("query: begin of active %s query", q.typ))
	}

	m.releaseChain(q)
	q.result = Result{}
	q.fence = nil

	// Room for the begin half and for suspending it again.
	m.host.Reserve(2 * q.typ.HalfWords())

	if err := m.open(q); err != nil {
		return err
	}
	q.state = stateActive

	if !q.typ.Timer() {
		m.active = append(m.active, q)
	}
	if q.typ.Occlusion() {
		m.occlusion++
		if m.occlusion == 1 {
			m.host.SetOcclusionCounting(true)
		}
	}
	return nil
}

// End stops a query. Ending a query that was not begun panics, except for
// end-only types.
func (m *Manager) End(q *Query) error {
	if q.destroyed {
		return ErrDestroyed
	}

	switch q.typ {
	case GPUFinished:
		q.fence = nil
		q.state = stateEnded
		return nil
	case Timestamp:
		m.releaseChain(q)
		q.result = Result{}
		m.host.Reserve(q.typ.HalfWords())
		rb, off, err := m.slot(q)
		if err != nil {
			return err
		}
		m.emit(rb.buf, off, q.typ)
		rb.records++
		q.state = stateEnded
		return nil
	}

	if q.state != stateActive {
		panic(fmt.Sprintf("query: end of inactive %s query", q.typ))
	}

	m.host.Reserve(q.typ.HalfWords())
	m.close(q)
	q.state = stateEnded
	m.detach(q)
	return nil
}

// Destroy detaches a query and releases its result buffers once no stream
// references them.
func (m *Manager) Destroy(q *Query) {
	if q.destroyed {
		return
	}
	m.detach(q)
	m.releaseChain(q)
	q.destroyed = true
}

// SuspendAll closes the open record of every active non-timer query.
// The context calls it right before flushing the graphics stream.
func (m *Manager) SuspendAll() {
	for _, q := range m.active {
		if q.recording {
			m.close(q)
			q.suspended = true
		}
	}
}

// ResumeAll opens a new record for every suspended query.
// The context calls it right after the new stream started.
func (m *Manager) ResumeAll() {
	for _, q := range m.active {
		if !q.suspended {
			continue
		}
		if err := m.open(q); err != nil {
			winsys.Logger().Warn("query: resume failed, result will be partial", "type", q.typ.String(), "err", err)
			continue
		}
		q.suspended = false
	}
}

// GetResult returns the result of an ended query. When wait is false and
// the result is not yet available it returns ok == false.
func (m *Manager) GetResult(q *Query, wait bool) (Result, bool, error) {
	switch {
	case q.destroyed:
		return Result{}, false, ErrDestroyed
	case q.state == stateActive:
		return Result{}, false, ErrActive
	case q.state == stateIdle:
		return Result{}, false, ErrNotEnded
	case q.state == stateResolved:
		return q.result, true, nil
	}

	if q.typ == GPUFinished {
		return m.gpuFinished(q, wait)
	}

	var r Result
	for _, rb := range q.chain {
		data, ok, err := m.host.MapForRead(rb.buf, wait)
		if err != nil {
			return Result{}, false, err
		}
		if !ok {
			return Result{}, false, nil
		}
		accumulate(q.typ, data, rb.records, &r)
	}
	finish(q.typ, &r)

	q.result = r
	q.state = stateResolved
	return r, true, nil
}

func (m *Manager) gpuFinished(q *Query, wait bool) (Result, bool, error) {
	if q.fence == nil {
		f, err := m.host.FlushFence()
		if err != nil {
			return Result{}, false, err
		}
		q.fence = f
	}
	if q.fence != nil {
		if wait {
			q.fence.Wait(winsys.Infinite)
		} else if !q.fence.Signalled() {
			return Result{}, false, nil
		}
	}
	q.result = Result{Predicate: true}
	q.state = stateResolved
	return q.result, true, nil
}

// open allocates a record and emits its begin half.
func (m *Manager) open(q *Query) error {
	rb, off, err := m.slot(q)
	if err != nil {
		return err
	}
	m.emit(rb.buf, off, q.typ)
	q.open = off
	q.recording = true
	return nil
}

// close emits the end half of the open record and completes it.
func (m *Manager) close(q *Query) {
	if !q.recording {
		return
	}
	rb := q.chain[len(q.chain)-1]
	m.emit(rb.buf, q.open+q.typ.halfSize(), q.typ)
	rb.records++
	q.recording = false
}

func (m *Manager) emit(buf *winsys.Buffer, off uint64, t Type) {
	s := m.host.Stream()
	s.AddBuffer(buf, winsys.UsageWrite)
	packet.EmitEventWrite(s, t.event(), buf.GPUAddress()+off)
}

// slot returns the buffer and offset of the next record, chaining a new
// buffer when the current one is full.
func (m *Manager) slot(q *Query) (*resultBuffer, uint64, error) {
	rs := q.typ.RecordSize()
	if n := len(q.chain); n > 0 {
		rb := q.chain[n-1]
		off := uint64(rb.records) * rs //nolint:gosec // records >= 0
		if off+rs <= m.bufSize {
			return rb, off, nil
		}
	}

	dev := m.host.Device()
	buf, err := dev.CreateBuffer(winsys.BufferDesc{
		Label:  "query_" + q.typ.String(),
		Size:   m.bufSize,
		Domain: winsys.DomainGTT,
		Usage:  gputypes.BufferUsageStorage | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("query: result buffer: %w", err)
	}
	// Buffers may come from the cache with old contents.
	mem, err := dev.Map(buf)
	if err != nil {
		dev.DestroyBuffer(buf)
		return nil, 0, fmt.Errorf("query: result buffer: %w", err)
	}
	clear(mem)
	dev.Unmap(buf, 0, buf.Size())

	m.buffersAllocated++
	rb := &resultBuffer{buf: buf}
	q.chain = append(q.chain, rb)
	return rb, 0, nil
}

func (m *Manager) detach(q *Query) {
	found := false
	for i, a := range m.active {
		if a == q {
			m.active = append(m.active[:i], m.active[i+1:]...)
			found = true
			break
		}
	}
	if found && q.typ.Occlusion() {
		m.occlusion--
		if m.occlusion == 0 {
			m.host.SetOcclusionCounting(false)
		}
	}
	q.suspended = false
	q.recording = false
}

func (m *Manager) releaseChain(q *Query) {
	for _, rb := range q.chain {
		m.host.Release(rb.buf)
	}
	q.chain = nil
	q.recording = false
}

func u64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// accumulate adds the complete records in data to r.
func accumulate(t Type, data []byte, records int, r *Result) {
	rs := int(t.RecordSize()) //nolint:gosec // small
	half := int(t.halfSize()) //nolint:gosec // small
	for i := 0; i < records; i++ {
		rec := data[i*rs : (i+1)*rs]
		switch t {
		case OcclusionCounter, OcclusionPredicate, TimeElapsed:
			r.Value += u64(rec[half:]) - u64(rec)
		case Timestamp:
			r.Value = u64(rec)
		case PrimitivesGenerated, PrimitivesEmitted, SOStatistics, SOOverflowPredicate:
			r.Written += u64(rec[half:]) - u64(rec)
			r.Generated += u64(rec[half+8:]) - u64(rec[8:])
		case PipelineStatistics:
			var diff [packet.PipelineStatCount]uint64
			for k := range diff {
				diff[k] = u64(rec[half+8*k:]) - u64(rec[8*k:])
			}
			r.Pipeline.add(diff)
		default:
			panic(fmt.Sprintf("query: unknown query type %d", uint8(t)))
		}
	}
}

// finish derives the type's headline value.
func finish(t Type, r *Result) {
	switch t {
	case OcclusionPredicate:
		r.Predicate = r.Value > 0
	case PrimitivesGenerated:
		r.Value = r.Generated
	case PrimitivesEmitted:
		r.Value = r.Written
	case SOOverflowPredicate:
		r.Predicate = r.Generated > r.Written
	}
}
