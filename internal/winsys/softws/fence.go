// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package softws

import (
	"time"

	"github.com/gogpu/gpudrv/internal/winsys"
)

// fence signals by closing done. err is written before done is closed.
type fence struct {
	ring winsys.RingType
	seq  uint64
	done chan struct{}
	err  error
}

func newFence(ring winsys.RingType, seq uint64) *fence {
	return &fence{ring: ring, seq: seq, done: make(chan struct{})}
}

func (f *fence) signal(err error) {
	f.err = err
	close(f.done)
}

func (f *fence) Ring() winsys.RingType { return f.ring }
func (f *fence) Seq() uint64           { return f.seq }

func (f *fence) Signalled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fence) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-f.done
		return true
	}
	if timeout == 0 {
		return f.Signalled()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return true
	case <-t.C:
		return false
	}
}

func (f *fence) Err() error {
	if !f.Signalled() {
		return nil
	}
	return f.err
}
