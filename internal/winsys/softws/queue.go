// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package softws

import (
	"sync"
	"sync/atomic"
)

// ringQueue runs the submissions of one ring in order on a dedicated
// goroutine.
//
// Unlike a general worker pool there is exactly one worker and no stealing:
// packets of consecutive submissions on a ring must execute in submission
// order.
type ringQueue struct {
	// work holds queued submissions.
	work chan func()

	// done signals the worker to stop.
	done chan struct{}

	// wg waits for the worker to finish.
	wg sync.WaitGroup

	// running indicates whether the queue is accepting work.
	running atomic.Bool

	// exec is held while a submission executes. Hold takes it to keep the
	// ring from making progress.
	exec sync.Mutex
}

// newRingQueue starts a queue with room for depth pending submissions.
func newRingQueue(depth int) *ringQueue {
	if depth < 8 {
		depth = 8
	}
	q := &ringQueue{
		work: make(chan func(), depth),
		done: make(chan struct{}),
	}
	q.running.Store(true)

	q.wg.Add(1)
	go q.worker()
	return q
}

// worker is the main loop of the queue goroutine.
func (q *ringQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			// Drain remaining work before exiting
			q.drain()
			return
		case fn := <-q.work:
			q.run(fn)
		}
	}
}

func (q *ringQueue) run(fn func()) {
	if fn == nil {
		return
	}
	q.exec.Lock()
	defer q.exec.Unlock()
	fn()
}

// drain executes all remaining work.
func (q *ringQueue) drain() {
	for {
		select {
		case fn := <-q.work:
			q.run(fn)
		default:
			return
		}
	}
}

// submit queues fn. It blocks while the queue is full and returns false if
// the queue is closed.
func (q *ringQueue) submit(fn func()) bool {
	if !q.running.Load() {
		return false
	}
	select {
	case q.work <- fn:
		return true
	case <-q.done:
		return false
	}
}

// queued returns the number of submissions waiting to start.
func (q *ringQueue) queued() int { return len(q.work) }

// close stops accepting work, runs what is queued and stops the worker.
// close is safe to call multiple times.
func (q *ringQueue) close() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}
	close(q.done)
	q.wg.Wait()
}
