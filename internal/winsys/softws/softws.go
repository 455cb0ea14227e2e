// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package softws is a winsys backend that executes command streams on the
// CPU.
//
// Buffers are plain byte slices addressed through a flat GPU virtual address
// space. Each ring runs its submissions in order on its own goroutine using
// the command processor model in internal/cp, so submissions on different
// rings overlap exactly as far as their dependencies allow.
package softws

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpudrv/internal/cp"
	"github.com/gogpu/gpudrv/internal/winsys"
)

func init() {
	winsys.Register(winsys.BackendSoft, func(config winsys.BudgetConfig) (winsys.Device, error) {
		return New(config), nil
	})
}

// Option configures a Device.
type Option func(*options)

type options struct {
	dma        bool
	queueDepth int
}

func defaultOptions() options {
	return options{dma: true, queueDepth: 64}
}

// WithoutDMA creates a device without a copy queue.
func WithoutDMA() Option {
	return func(o *options) {
		o.dma = false
	}
}

// WithQueueDepth sets how many submissions a ring holds before Submit blocks.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		o.queueDepth = n
	}
}

// Device is a CPU-executed GPU.
//
// Device is safe for concurrent use.
type Device struct {
	mgr   *winsys.Manager
	clock cp.Clock

	rings [winsys.NumRings]*ring

	// mu guards closed. Submit holds it shared so Close never races an
	// enqueue.
	mu     sync.RWMutex
	closed bool
}

// ring is the state of one execution queue.
type ring struct {
	typ   winsys.RingType
	queue *ringQueue
	proc  *cp.Processor

	// submitMu orders sequence numbers, busy tracking and enqueueing.
	submitMu sync.Mutex
	seq      uint64
	last     *fence
}

// New creates a device.
func New(config winsys.BudgetConfig, opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{}
	d.mgr = winsys.NewManager(allocator{}, config)
	d.rings[winsys.RingGFX] = d.newRing(winsys.RingGFX, o.queueDepth)
	if o.dma {
		d.rings[winsys.RingDMA] = d.newRing(winsys.RingDMA, o.queueDepth)
	}

	winsys.Logger().Debug("softws: device created", "dma", o.dma, "budget", d.mgr.Stats().BudgetBytes)
	return d
}

func (d *Device) newRing(typ winsys.RingType, depth int) *ring {
	return &ring{
		typ:   typ,
		queue: newRingQueue(depth),
		proc:  cp.New(&d.clock, typ == winsys.RingDMA),
	}
}

// allocator backs buffers with byte slices.
type allocator struct{}

func (allocator) AllocBacking(desc winsys.BufferDesc, _ uint64) (any, error) {
	return make([]byte, desc.Size), nil
}

func (allocator) FreeBacking(any) {}

// Name implements winsys.Device.
func (d *Device) Name() string { return winsys.BackendSoft }

// HasRing implements winsys.Device.
func (d *Device) HasRing(r winsys.RingType) bool {
	return r < winsys.NumRings && d.rings[r] != nil
}

// CreateBuffer implements winsys.Device.
func (d *Device) CreateBuffer(desc winsys.BufferDesc) (*winsys.Buffer, error) {
	return d.mgr.Create(desc)
}

// DestroyBuffer implements winsys.Device.
func (d *Device) DestroyBuffer(b *winsys.Buffer) {
	d.mgr.Release(b)
}

// Map implements winsys.Device. The view aliases GPU memory directly.
func (d *Device) Map(b *winsys.Buffer) ([]byte, error) {
	if b == nil || b.Released() {
		return nil, winsys.ErrInvalidBuffer
	}
	mem, ok := b.Backing().([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %q has no storage", winsys.ErrInvalidBuffer, b.Label())
	}
	return mem, nil
}

// Unmap implements winsys.Device. CPU writes land in GPU memory directly.
func (d *Device) Unmap(*winsys.Buffer, uint64, uint64) {}

// Submit implements winsys.Device.
func (d *Device) Submit(rt winsys.RingType, words []uint32, buffers []winsys.BufferRef, deps []winsys.Fence) (winsys.Fence, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, winsys.ErrDeviceClosed
	}
	if !d.HasRing(rt) {
		return nil, fmt.Errorf("%w: %s", winsys.ErrNoRing, rt)
	}
	for _, ref := range buffers {
		if ref.Buffer == nil || ref.Buffer.Released() {
			return nil, fmt.Errorf("%w: buffer list of %s submission", winsys.ErrInvalidBuffer, rt)
		}
	}

	r := d.rings[rt]
	stream := append([]uint32(nil), words...)
	addrs := winsys.NewAddressMap(buffers)

	r.submitMu.Lock()
	defer r.submitMu.Unlock()

	waits := append(d.mgr.Dependencies(rt, buffers), deps...)
	r.seq++
	f := newFence(rt, r.seq)
	d.mgr.TrackSubmission(rt, buffers, f)

	job := func() {
		winsys.WaitAll(waits, winsys.Infinite)
		err := r.proc.Execute(stream, &bus{addrs: addrs})
		if err != nil {
			winsys.Logger().Warn("softws: submission failed", "ring", rt.String(), "seq", f.seq, "err", err)
		}
		f.signal(err)
	}
	if !r.queue.submit(job) {
		f.signal(winsys.ErrDeviceClosed)
		return nil, winsys.ErrDeviceClosed
	}
	r.last = f

	winsys.Logger().Debug("softws: submitted",
		"ring", rt.String(), "seq", f.seq, "words", len(words), "buffers", addrs.Len(), "deps", len(waits))
	return f, nil
}

// Hold stops rings from starting further submissions until the returned
// function is called. It waits for a submission in progress to finish.
// Tests use it to keep work pending.
func (d *Device) Hold(rings ...winsys.RingType) (release func()) {
	var held []*ringQueue
	for _, rt := range rings {
		if d.HasRing(rt) {
			q := d.rings[rt].queue
			q.exec.Lock()
			held = append(held, q)
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, q := range held {
				q.exec.Unlock()
			}
		})
	}
}

// Idle waits until every submitted stream has executed.
func (d *Device) Idle() {
	for _, r := range d.rings {
		if r == nil {
			continue
		}
		r.submitMu.Lock()
		last := r.last
		r.submitMu.Unlock()
		if last != nil {
			last.Wait(winsys.Infinite)
		}
	}
}

// ProcessorStats returns the command processor counters of a ring.
func (d *Device) ProcessorStats(rt winsys.RingType) cp.Stats {
	if !d.HasRing(rt) {
		return cp.Stats{}
	}
	q := d.rings[rt].queue
	q.exec.Lock()
	defer q.exec.Unlock()
	return d.rings[rt].proc.Stats()
}

// Stats implements winsys.Device.
func (d *Device) Stats() winsys.Stats {
	d.mgr.Reap()
	return d.mgr.Stats()
}

// Close implements winsys.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	for _, r := range d.rings {
		if r != nil {
			r.queue.close()
		}
	}
	d.mgr.Close()
	return nil
}

// bus gives the command processor access to the buffers of one submission.
type bus struct {
	addrs *winsys.AddressMap
}

func (b *bus) mem(va, n uint64, access winsys.Usage) ([]byte, error) {
	buf, off, err := b.addrs.Resolve(va, n, access)
	if err != nil {
		return nil, err
	}
	mem, ok := buf.Backing().([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %q has no storage", winsys.ErrFault, buf.Label())
	}
	return mem[off : off+n], nil
}

func (b *bus) Read(va uint64, dst []byte) error {
	src, err := b.mem(va, uint64(len(dst)), winsys.UsageRead)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (b *bus) Write(va uint64, src []byte) error {
	dst, err := b.mem(va, uint64(len(src)), winsys.UsageWrite)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (b *bus) Copy(dstVA, srcVA, size uint64) error {
	if size == 0 {
		return nil
	}
	src, err := b.mem(srcVA, size, winsys.UsageRead)
	if err != nil {
		return err
	}
	dst, err := b.mem(dstVA, size, winsys.UsageWrite)
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

func (b *bus) Fill(dstVA uint64, value uint32, size uint64) error {
	if size == 0 {
		return nil
	}
	dst, err := b.mem(dstVA, size, winsys.UsageWrite)
	if err != nil {
		return err
	}
	for i := 0; i+4 <= len(dst); i += 4 {
		dst[i] = byte(value)
		dst[i+1] = byte(value >> 8)
		dst[i+2] = byte(value >> 16)
		dst[i+3] = byte(value >> 24)
	}
	return nil
}
