// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halws is a winsys backend on top of a github.com/gogpu/wgpu/hal
// device.
//
// Every buffer is a HAL buffer plus a host shadow copy. The command
// processor model runs on the host against the shadows and the resulting
// memory traffic is replayed on the HAL queue: inline writes and fills as
// queue writes, copies as CopyBufferToBuffer commands fenced and waited on.
// CPU mappings return the shadow and Unmap uploads the written range.
//
// Submissions execute synchronously in Submit, so every returned fence is
// already signalled. The device exposes the graphics ring only.
package halws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpudrv/internal/cp"
	"github.com/gogpu/gpudrv/internal/winsys"
)

func init() {
	winsys.Register(winsys.BackendNoop, func(config winsys.BudgetConfig) (winsys.Device, error) {
		return OpenNoop(config)
	})
}

// DefaultTimeout bounds each HAL fence wait.
const DefaultTimeout = 5 * time.Second

// ErrNoHAL is returned when a device provider does not expose HAL objects.
var ErrNoHAL = errors.New("halws: provider does not expose a HAL device")

// Option configures a Device.
type Option func(*Device)

// WithTimeout sets how long a submission waits for the HAL queue.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.timeout = d
		}
	}
}

// Device runs command streams against a HAL device.
//
// Device is safe for concurrent use.
type Device struct {
	device hal.Device
	queue  hal.Queue

	// destroy releases HAL objects the Device created itself.
	destroy func()

	mgr   *winsys.Manager
	clock cp.Clock
	proc  *cp.Processor

	timeout time.Duration

	// mu serializes submissions, uploads and HAL queue use.
	mu     sync.Mutex
	seq    uint64
	closed bool
}

// halBuffer is the backing of a buffer.
type halBuffer struct {
	buf    hal.Buffer
	shadow []byte
}

// New wraps an existing HAL device and queue. The caller keeps ownership of
// them.
func New(device hal.Device, queue hal.Queue, config winsys.BudgetConfig, opts ...Option) (*Device, error) {
	if device == nil || queue == nil {
		return nil, fmt.Errorf("%w: nil device or queue", ErrNoHAL)
	}
	d := &Device{
		device:  device,
		queue:   queue,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.mgr = winsys.NewManager(allocator{device: device}, config)
	d.proc = cp.New(&d.clock, false)
	return d, nil
}

// NewFromProvider uses the device shared by a host application. The
// provider must also implement HalDevice() any and HalQueue() any returning
// hal.Device and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, config winsys.BudgetConfig, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}
	return New(device, queue, config, opts...)
}

// OpenNoop creates a device on the HAL noop backend. Close destroys it.
func OpenNoop(config winsys.BudgetConfig, opts ...Option) (*Device, error) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halws: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("halws: no adapter")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halws: open adapter: %w", err)
	}

	d, err := New(openDev.Device, openDev.Queue, config, opts...)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.destroy = func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return d, nil
}

// allocator creates HAL buffers with host shadows.
type allocator struct {
	device hal.Device
}

func (a allocator) AllocBacking(desc winsys.BufferDesc, _ uint64) (any, error) {
	buf, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("halws: create buffer: %w", err)
	}
	return &halBuffer{buf: buf, shadow: make([]byte, desc.Size)}, nil
}

func (a allocator) FreeBacking(backing any) {
	if hb, ok := backing.(*halBuffer); ok && hb.buf != nil {
		a.device.DestroyBuffer(hb.buf)
		hb.buf = nil
	}
}

func backingOf(b *winsys.Buffer) (*halBuffer, error) {
	hb, ok := b.Backing().(*halBuffer)
	if !ok || hb.buf == nil {
		return nil, fmt.Errorf("%w: buffer %q has no HAL storage", winsys.ErrInvalidBuffer, b.Label())
	}
	return hb, nil
}

// Name implements winsys.Device.
func (d *Device) Name() string { return winsys.BackendNoop }

// HasRing implements winsys.Device.
func (d *Device) HasRing(r winsys.RingType) bool { return r == winsys.RingGFX }

// CreateBuffer implements winsys.Device.
func (d *Device) CreateBuffer(desc winsys.BufferDesc) (*winsys.Buffer, error) {
	return d.mgr.Create(desc)
}

// DestroyBuffer implements winsys.Device.
func (d *Device) DestroyBuffer(b *winsys.Buffer) {
	d.mgr.Release(b)
}

// Map implements winsys.Device. It returns the host shadow.
func (d *Device) Map(b *winsys.Buffer) ([]byte, error) {
	if b == nil || b.Released() {
		return nil, winsys.ErrInvalidBuffer
	}
	hb, err := backingOf(b)
	if err != nil {
		return nil, err
	}
	return hb.shadow, nil
}

// Unmap implements winsys.Device. It uploads the written range.
func (d *Device) Unmap(b *winsys.Buffer, offset, size uint64) {
	if b == nil || size == 0 {
		return
	}
	hb, err := backingOf(b)
	if err != nil || offset >= uint64(len(hb.shadow)) {
		return
	}
	end := min(offset+size, uint64(len(hb.shadow)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue.WriteBuffer(hb.buf, offset, hb.shadow[offset:end])
}

// Submit implements winsys.Device. The stream executes before Submit
// returns and the fence carries its execution error.
func (d *Device) Submit(rt winsys.RingType, words []uint32, buffers []winsys.BufferRef, _ []winsys.Fence) (winsys.Fence, error) {
	if !d.HasRing(rt) {
		return nil, fmt.Errorf("%w: %s", winsys.ErrNoRing, rt)
	}
	for _, ref := range buffers {
		if ref.Buffer == nil || ref.Buffer.Released() {
			return nil, fmt.Errorf("%w: buffer list of %s submission", winsys.ErrInvalidBuffer, rt)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, winsys.ErrDeviceClosed
	}

	d.seq++
	b := &bus{addrs: winsys.NewAddressMap(buffers), mirror: mirror{d: d}}
	err := d.proc.Execute(words, b)
	if ferr := b.mirror.flush(); err == nil {
		err = ferr
	}
	if err != nil {
		winsys.Logger().Warn("halws: submission failed", "seq", d.seq, "err", err)
	}

	f := winsys.CompletedFence(rt, d.seq, err)
	d.mgr.TrackSubmission(rt, buffers, f)
	winsys.Logger().Debug("halws: submitted", "seq", d.seq, "words", len(words), "buffers", len(buffers))
	return f, nil
}

// ProcessorStats returns the command processor counters.
func (d *Device) ProcessorStats() cp.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc.Stats()
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

	d.mgr.Close()
	if d.destroy != nil {
		d.destroy()
		d.destroy = nil
	}
	return nil
}

// mirror replays memory traffic on the HAL queue. Copies are batched into
// one encoder until the next queue write, which must not overtake them.
type mirror struct {
	d   *Device
	enc hal.CommandEncoder
}

func (m *mirror) write(hb *halBuffer, offset uint64, data []byte) error {
	if err := m.flush(); err != nil {
		return err
	}
	m.d.queue.WriteBuffer(hb.buf, offset, data)
	return nil
}

func (m *mirror) copy(dst *halBuffer, dstOff uint64, src *halBuffer, srcOff, size uint64) error {
	if m.enc == nil {
		enc, err := m.d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "halws_copy"})
		if err != nil {
			return fmt.Errorf("halws: create command encoder: %w", err)
		}
		if err := enc.BeginEncoding("halws_copy"); err != nil {
			return fmt.Errorf("halws: begin encoding: %w", err)
		}
		m.enc = enc
	}
	m.enc.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
		{SrcOffset: srcOff, DstOffset: dstOff, Size: size},
	})
	return nil
}

// flush submits batched copies and waits for them.
func (m *mirror) flush() error {
	if m.enc == nil {
		return nil
	}
	enc := m.enc
	m.enc = nil

	cmdBuf, err := enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("halws: end encoding: %w", err)
	}
	defer m.d.device.FreeCommandBuffer(cmdBuf)

	fence, err := m.d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("halws: create fence: %w", err)
	}
	defer m.d.device.DestroyFence(fence)

	if err := m.d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("halws: submit: %w", err)
	}
	ok, err := m.d.device.Wait(fence, 1, m.d.timeout)
	if err != nil || !ok {
		return fmt.Errorf("%w: ok=%v err=%w", winsys.ErrFenceTimeout, ok, err)
	}
	return nil
}

// bus executes memory accesses on the shadows and mirrors them.
type bus struct {
	addrs  *winsys.AddressMap
	mirror mirror
}

func (b *bus) resolve(va, n uint64, access winsys.Usage) (*halBuffer, uint64, error) {
	buf, off, err := b.addrs.Resolve(va, n, access)
	if err != nil {
		return nil, 0, err
	}
	hb, err := backingOf(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", winsys.ErrFault, err)
	}
	return hb, off, nil
}

func (b *bus) Read(va uint64, dst []byte) error {
	hb, off, err := b.resolve(va, uint64(len(dst)), winsys.UsageRead)
	if err != nil {
		return err
	}
	copy(dst, hb.shadow[off:])
	return nil
}

func (b *bus) Write(va uint64, src []byte) error {
	hb, off, err := b.resolve(va, uint64(len(src)), winsys.UsageWrite)
	if err != nil {
		return err
	}
	copy(hb.shadow[off:], src)
	return b.mirror.write(hb, off, hb.shadow[off:off+uint64(len(src))])
}

func (b *bus) Copy(dstVA, srcVA, size uint64) error {
	if size == 0 {
		return nil
	}
	src, srcOff, err := b.resolve(srcVA, size, winsys.UsageRead)
	if err != nil {
		return err
	}
	dst, dstOff, err := b.resolve(dstVA, size, winsys.UsageWrite)
	if err != nil {
		return err
	}
	copy(dst.shadow[dstOff:dstOff+size], src.shadow[srcOff:srcOff+size])
	return b.mirror.copy(dst, dstOff, src, srcOff, size)
}

func (b *bus) Fill(dstVA uint64, value uint32, size uint64) error {
	if size == 0 {
		return nil
	}
	dst, off, err := b.resolve(dstVA, size, winsys.UsageWrite)
	if err != nil {
		return err
	}
	region := dst.shadow[off : off+size]
	for i := 0; i+4 <= len(region); i += 4 {
		region[i] = byte(value)
		region[i+1] = byte(value >> 8)
		region[i+2] = byte(value >> 16)
		region[i+3] = byte(value >> 24)
	}
	return b.mirror.write(dst, off, region)
}
