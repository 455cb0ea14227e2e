// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"fmt"
	"slices"

	"github.com/gogpu/gpudrv/internal/streamout"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// CreateQuery returns a new query. It panics for unknown types.
func (c *DriverContext) CreateQuery(t QueryType) *Query {
	return c.queries.Create(t)
}

// BeginQuery starts counting. Queries keep counting across flushes.
// Beginning a timestamp or GPU-finished query does nothing.
func (c *DriverContext) BeginQuery(q *Query) error {
	if c.closed {
		return ErrClosed
	}
	return c.queries.Begin(q)
}

// EndQuery stops counting.
func (c *DriverContext) EndQuery(q *Query) error {
	if c.closed {
		return ErrClosed
	}
	return c.queries.End(q)
}

// GetQueryResult returns the result of an ended query. With wait false it
// returns ok == false instead of flushing or waiting for the GPU.
func (c *DriverContext) GetQueryResult(q *Query, wait bool) (res QueryResult, ok bool, err error) {
	if c.closed {
		return QueryResult{}, false, ErrClosed
	}
	return c.queries.GetResult(q, wait)
}

// DestroyQuery releases a query. Its result buffers outlive the commands
// that write them.
func (c *DriverContext) DestroyQuery(q *Query) {
	c.queries.Destroy(q)
}

// StreamoutTarget is a range of a resource receiving stream-output vertices.
type StreamoutTarget struct {
	res *Resource
	t   *streamout.Target
}

// Resource returns the destination resource.
func (t *StreamoutTarget) Resource() *Resource { return t.res }

// CreateStreamoutTarget creates a target writing vertices of stride bytes
// into [offset, offset+size) of r. The target binds r's current storage.
func (c *DriverContext) CreateStreamoutTarget(r *Resource, offset, size uint64, stride uint32) (*StreamoutTarget, error) {
	r.checkRange(offset, size)
	t, err := streamout.NewTarget(c.dev, r.buf, offset, size, stride)
	if err != nil {
		return nil, fmt.Errorf("gpudrv: %w", err)
	}
	st := &StreamoutTarget{res: r, t: t}
	r.targets = append(r.targets, st)
	return st, nil
}

// SetStreamoutTargets ends the current stream-output session and, unless
// targets is empty, begins a new one. Bit i of appendMask makes target i
// continue after what it already holds instead of starting over.
// It panics for more than 4 targets.
func (c *DriverContext) SetStreamoutTargets(targets []*StreamoutTarget, appendMask uint32) {
	ts := make([]*streamout.Target, len(targets))
	for i, t := range targets {
		if t == nil {
			continue
		}
		ts[i] = t.t
		t.res.extendValid(t.t.Offset(), t.t.Offset()+t.t.Size())
	}
	c.streamout.SetTargets(ts, appendMask)
}

// StreamoutActive reports whether a stream-output session is running.
func (c *DriverContext) StreamoutActive() bool { return c.streamout.Active() }

// StreamoutFilledSize returns the bytes written to t as of the end or last
// suspension of its session, waiting for the GPU if needed.
func (c *DriverContext) StreamoutFilledSize(t *StreamoutTarget) (uint32, error) {
	data, err := c.mapBuffer(t.t.FilledBuffer(), MapRead)
	if err != nil {
		return 0, err
	}
	return streamout.DecodeFilled(data), nil
}

// DestroyStreamoutTarget releases a target. It must not be bound.
func (c *DriverContext) DestroyStreamoutTarget(t *StreamoutTarget) {
	for i := 0; i < streamout.MaxTargets; i++ {
		if c.streamout.Target(i) == t.t {
			panic("gpudrv: destroying a bound stream-output target")
		}
	}
	t.res.targets = slices.DeleteFunc(t.res.targets, func(o *StreamoutTarget) bool { return o == t })
	c.release(t.t.FilledBuffer())
}

// relocateTargets points the stream-output targets of r at nb. A running
// session writing to r is restarted in append mode, so what was streamed so
// far keeps counting and later vertices land in nb.
func (c *DriverContext) relocateTargets(r *Resource, nb *winsys.Buffer) int {
	if len(r.targets) == 0 {
		return 0
	}

	var bound []*streamout.Target
	var mask uint32
	restart := false
	if c.streamout.Active() {
		bound = make([]*streamout.Target, streamout.MaxTargets)
		for i := range bound {
			t := c.streamout.Target(i)
			if t == nil {
				continue
			}
			bound[i] = t
			mask |= 1 << i
			if slices.ContainsFunc(r.targets, func(st *StreamoutTarget) bool { return st.t == t }) {
				restart = true
				r.extendValid(t.Offset(), t.Offset()+t.Size())
			}
		}
	}

	for _, st := range r.targets {
		st.t.Relocate(nb)
	}
	if restart {
		c.streamout.SetTargets(bound, mask)
	}
	return len(r.targets)
}
