// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package winsys

import "time"

// signalledFence is a fence that completed before it was created. It is
// returned for flushes of empty streams and by backends that execute
// synchronously.
type signalledFence struct {
	ring RingType
	seq  uint64
	err  error
}

// SignalledFence returns an already signalled fence for ring.
func SignalledFence(ring RingType, seq uint64) Fence {
	return signalledFence{ring: ring, seq: seq}
}

// CompletedFence returns a signalled fence carrying an execution error.
func CompletedFence(ring RingType, seq uint64, err error) Fence {
	return signalledFence{ring: ring, seq: seq, err: err}
}

func (f signalledFence) Ring() RingType          { return f.ring }
func (f signalledFence) Seq() uint64             { return f.seq }
func (f signalledFence) Signalled() bool         { return true }
func (f signalledFence) Wait(time.Duration) bool { return true }
func (f signalledFence) Err() error              { return f.err }

// WaitAll waits for every fence in fs. It returns false as soon as one wait
// times out.
func WaitAll(fs []Fence, timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, f := range fs {
		if f == nil {
			continue
		}
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return f.Signalled()
			}
		}
		if !f.Wait(remaining) {
			return false
		}
	}
	return true
}
