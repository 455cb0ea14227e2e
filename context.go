// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpudrv/internal/atom"
	"github.com/gogpu/gpudrv/internal/cs"
	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/query"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/streamout"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// flushSync ends every graphics stream: caches written by the stream are
// flushed before the submission counts as complete.
const flushSync = packet.SyncFlushCB | packet.SyncFlushDB | packet.SyncFlushStrmout | packet.SyncWaitIdle

// flushEpilogueWords is what every graphics flush appends.
const flushEpilogueWords = packet.SurfaceSyncWords

// atomIDs are the registry slots of the context's atoms.
type atomIDs struct {
	viewport   atom.ID
	scissor    atom.ID
	blendColor atom.ID
	blend      atom.ID
	dsa        atom.ID
	rasterizer atom.ID
	shaders    [numStages]atom.ID
	streamout  atom.ID
	barrier    atom.ID
}

// DriverContext records GPU work into command streams and keeps the CPU and
// GPU views of memory, state and counters coherent across submissions.
//
// Lifecycle:
//
//	New() -> (state, draws, copies, maps, queries)* -> Close()
//
// DriverContext is NOT safe for concurrent use. All calls must come from
// the goroutine that owns it.
type DriverContext struct {
	cfg Config
	dev Device

	gfx *cs.CS
	dma *cs.CS

	lastFence [winsys.NumRings]winsys.Fence

	// dmaDeps are graphics fences the next copy submission must wait for.
	dmaDeps []winsys.Fence

	// epoch counts graphics flushes.
	epoch uint64

	registry   *atom.Registry
	barrier    atom.Barrier
	ids        atomIDs
	viewport   *atom.RegisterState
	scissor    *atom.RegisterState
	blendColor *atom.RegisterState
	blend      *atom.RegisterState
	dsa        *atom.RegisterState
	rasterizer *atom.RegisterState
	shaders    [numStages]*atom.ShaderState
	soEnable   *atom.StreamoutEnableState

	tables [numStages]*desc.Table

	queries   *query.Manager
	streamout *streamout.Session
	occlusion bool

	// deferred buffers are destroyed once no unflushed stream references
	// them.
	deferred []*winsys.Buffer

	// lost is the first failure of an implicit flush, reported by the
	// next Flush.
	lost error

	stats  Stats
	closed bool
}

// New creates a context on dev.
//
// It fails with an error wrapping ErrTableAlloc when a descriptor table
// cannot be allocated.
func New(dev Device, opts ...Option) (*DriverContext, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.normalized()

	c := &DriverContext{cfg: cfg, dev: dev}

	c.gfx = cs.New(winsys.RingGFX, cfg.GfxCapacity)
	c.gfx.SetFlushFunc(c.flushGFX)
	if cfg.DMA && dev.HasRing(winsys.RingDMA) {
		c.dma = cs.New(winsys.RingDMA, cfg.DMACapacity)
		c.dma.SetFlushFunc(c.flushDMA)
	}

	c.initAtoms()

	for st := ShaderStage(0); st < numStages; st++ {
		t, err := desc.NewTable(dev, st.String()+"_descriptors", cfg.DescriptorCount, cfg.DescriptorSlots, st.Base())
		if err != nil {
			for _, created := range c.tables[:st] {
				created.Destroy(dev)
			}
			return nil, fmt.Errorf("gpudrv: %w", err)
		}
		c.tables[st] = t
	}

	c.queries = query.NewManager(queryHost{c}, cfg.QueryBufferSize)
	c.streamout = streamout.NewSession(streamoutHost{c})

	Logger().Info("gpudrv: context created",
		"backend", dev.Name(),
		"gfx_words", cfg.GfxCapacity,
		"dma", c.dma != nil,
		"descriptor_slots", cfg.DescriptorSlots,
		"descriptor_count", cfg.DescriptorCount)
	return c, nil
}

// initAtoms builds the atom table in emission order. The barrier is last
// so that cache flushes requested by any earlier state land before the
// draw.
func (c *DriverContext) initAtoms() {
	r := atom.NewRegistry()

	c.viewport = atom.NewRegisterState("viewport")
	c.scissor = atom.NewRegisterState("scissor")
	c.blendColor = atom.NewRegisterState("blend_color")
	c.blend = atom.NewRegisterState("blend")
	c.dsa = atom.NewRegisterState("depth_stencil")
	c.dsa.SetRange(packet.RegDBCountControl, 0)
	c.rasterizer = atom.NewRegisterState("rasterizer")

	c.ids.viewport = r.Add(c.viewport)
	c.ids.scissor = r.Add(c.scissor)
	c.ids.blendColor = r.Add(c.blendColor)
	c.ids.blend = r.Add(c.blend)
	c.ids.dsa = r.Add(c.dsa)
	c.ids.rasterizer = r.Add(c.rasterizer)
	for st := ShaderStage(0); st < numStages; st++ {
		c.shaders[st] = atom.NewShaderState(st.String()+"_shader", st.Base())
		c.ids.shaders[st] = r.Add(c.shaders[st])
	}
	c.soEnable = &atom.StreamoutEnableState{}
	c.ids.streamout = r.Add(c.soEnable)
	c.ids.barrier = r.Add(atom.NewBarrierState(&c.barrier))

	c.registry = r
}

// Device returns the device the context submits to.
func (c *DriverContext) Device() Device { return c.dev }

// Config returns the effective configuration.
func (c *DriverContext) Config() Config { return c.cfg }

// HasDMA reports whether copies run on a separate copy queue.
func (c *DriverContext) HasDMA() bool { return c.dma != nil }

// stream returns the command stream of ring, nil if there is none.
func (c *DriverContext) stream(ring Ring) *cs.CS {
	switch ring {
	case winsys.RingGFX:
		return c.gfx
	case winsys.RingDMA:
		return c.dma
	default:
		return nil
	}
}

// streams returns the existing command streams.
func (c *DriverContext) streams() []*cs.CS {
	if c.dma == nil {
		return []*cs.CS{c.gfx}
	}
	return []*cs.CS{c.gfx, c.dma}
}

// StreamLen returns the number of words recorded in ring's stream.
func (c *DriverContext) StreamLen(ring Ring) int {
	if s := c.stream(ring); s != nil {
		return s.Len()
	}
	return 0
}

// epilogueWords returns what a flush of ring must still be able to emit.
func (c *DriverContext) epilogueWords(ring Ring) int {
	if ring != winsys.RingGFX {
		return 0
	}
	return flushEpilogueWords + c.queries.SuspendWords() + c.streamout.SuspendWords()
}

// Reserve guarantees that words more words, plus whatever the flush
// epilogue needs, fit ring's stream, flushing it first when they do not.
// Commands are therefore never split across submissions.
//
// It panics if the reservation can never fit, or if ring has no stream.
func (c *DriverContext) Reserve(ring Ring, words int) {
	s := c.stream(ring)
	if s == nil {
		panic(fmt.Sprintf("gpudrv: no %s stream", ring))
	}
	need := words + c.epilogueWords(ring)
	if need > s.Capacity() {
		panic(fmt.Sprintf("gpudrv: reservation of %d words exceeds %s stream capacity %d", need, ring, s.Capacity()))
	}
	if s.Len()+need <= s.Capacity() {
		return
	}
	c.stats.ImplicitFlushes++
	if _, err := s.Flush(cs.FlushAsync); err != nil {
		Logger().Warn("gpudrv: implicit flush failed", "ring", ring.String(), "err", err)
		if c.lost == nil {
			c.lost = fmt.Errorf("gpudrv: implicit flush: %w", err)
		}
	}
}

// Flush submits ring's stream. With FlushWantFence it returns a fence that
// signals when everything recorded so far on ring has executed; an empty
// stream then yields the last submitted fence. Without it an empty stream
// is a no-op.
//
// A flush requested while ring is already flushing returns (nil, nil).
// If an implicit flush by Reserve was rejected since the last Flush, its
// commands are lost and Flush returns that error once, after submitting.
func (c *DriverContext) Flush(ring Ring, flags FlushFlags) (Fence, error) {
	if c.closed {
		return nil, ErrClosed
	}
	s := c.stream(ring)
	if s == nil {
		return nil, fmt.Errorf("gpudrv: %w: %s", winsys.ErrNoRing, ring)
	}
	f, err := s.Flush(flags)
	if c.lost != nil {
		err = errors.Join(c.lost, err)
		c.lost = nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Finish flushes every stream and waits until the GPU is idle.
func (c *DriverContext) Finish() error {
	f, err := c.Flush(winsys.RingGFX, cs.FlushWantFence)
	if err != nil {
		return err
	}
	if f != nil {
		f.Wait(winsys.Infinite)
	}
	if f := c.lastFence[winsys.RingDMA]; f != nil {
		f.Wait(winsys.Infinite)
	}
	return nil
}

func (c *DriverContext) lastOrSignalled(ring Ring) winsys.Fence {
	if f := c.lastFence[ring]; f != nil {
		return f
	}
	return winsys.SignalledFence(ring, 0)
}

// flushGFX is the graphics stream's flush callback.
//
// A pending copy stream goes first and the graphics submission depends on
// it. Queries and stream output are suspended into the closing stream and
// resumed in the fresh one.
func (c *DriverContext) flushGFX(flags cs.FlushFlags) (winsys.Fence, error) {
	var deps []winsys.Fence
	if c.dma != nil && !c.dma.Empty() {
		f, err := c.dma.Flush(cs.FlushWantFence)
		if err != nil {
			return nil, err
		}
		if f != nil {
			deps = append(deps, f)
		}
	}

	s := c.gfx
	if s.Empty() {
		if flags&cs.FlushWantFence == 0 {
			return nil, nil
		}
		return c.lastOrSignalled(winsys.RingGFX), nil
	}

	c.queries.SuspendAll()
	c.streamout.Suspend()
	packet.EmitSurfaceSync(s, flushSync)

	f, err := c.submit(s, deps)
	c.stats.GfxFlushes++
	c.afterGFXFlush()
	if err != nil {
		return nil, err
	}
	if flags&cs.FlushWantFence == 0 {
		return nil, nil
	}
	return f, nil
}

// afterGFXFlush restores the state the next submission starts without.
func (c *DriverContext) afterGFXFlush() {
	c.epoch++
	c.addBarrier(packet.SyncInvalidateReadCaches)
	c.registry.MarkAllDirty()
	for _, t := range c.tables {
		t.MarkPointerDirty()
	}
	c.queries.ResumeAll()
	c.streamout.Resume()
	c.releaseDeferred()
}

// flushDMA is the copy stream's flush callback.
func (c *DriverContext) flushDMA(flags cs.FlushFlags) (winsys.Fence, error) {
	s := c.dma
	if s.Empty() {
		if flags&cs.FlushWantFence == 0 {
			return nil, nil
		}
		return c.lastOrSignalled(winsys.RingDMA), nil
	}
	deps := c.dmaDeps
	c.dmaDeps = nil

	f, err := c.submit(s, deps)
	c.stats.DMAFlushes++
	c.releaseDeferred()
	if err != nil {
		return nil, err
	}
	if flags&cs.FlushWantFence == 0 {
		return nil, nil
	}
	return f, nil
}

// submit hands s to the device and resets it, whether or not the device
// accepted it.
func (c *DriverContext) submit(s *cs.CS, deps []winsys.Fence) (winsys.Fence, error) {
	ring := s.Ring()
	words, buffers := s.Len(), len(s.Buffers())

	f, err := c.dev.Submit(ring, s.Words(), s.Buffers(), deps)
	s.Reset()
	if err != nil {
		c.stats.FailedFlushes++
		Logger().Warn("gpudrv: submission rejected", "ring", ring.String(), "words", words, "err", err)
		return nil, fmt.Errorf("gpudrv: %s flush: %w", ring, err)
	}

	c.lastFence[ring] = f
	c.stats.WordsSubmitted += uint64(words) //nolint:gosec // words >= 0
	Logger().Debug("gpudrv: flushed",
		"ring", ring.String(), "seq", f.Seq(), "words", words, "buffers", buffers, "deps", len(deps))
	return f, nil
}

// addBarrier requests cache flushes before the next draw or dispatch.
func (c *DriverContext) addBarrier(flags packet.SyncFlags) {
	c.barrier.Add(flags)
	c.registry.MarkDirty(c.ids.barrier)
}

// referenced reports whether an unflushed stream uses b with any of usage.
func (c *DriverContext) referenced(b *winsys.Buffer, usage winsys.Usage) bool {
	for _, s := range c.streams() {
		if s.IsBufferReferenced(b, usage) {
			return true
		}
	}
	return false
}

// release destroys b once no unflushed stream references it. The device
// itself defers reclaiming it until submitted work retires.
func (c *DriverContext) release(b *winsys.Buffer) {
	if b == nil {
		return
	}
	if c.referenced(b, winsys.UsageReadWrite) {
		c.deferred = append(c.deferred, b)
		return
	}
	c.dev.DestroyBuffer(b)
}

func (c *DriverContext) releaseDeferred() {
	kept := c.deferred[:0]
	for _, b := range c.deferred {
		if c.referenced(b, winsys.UsageReadWrite) {
			kept = append(kept, b)
			continue
		}
		c.dev.DestroyBuffer(b)
	}
	clear(c.deferred[len(kept):])
	c.deferred = kept
}

// Close ends stream output, submits everything recorded, waits for the GPU
// and releases the context's buffers. The device stays open.
func (c *DriverContext) Close() error {
	if c.closed {
		return nil
	}
	c.streamout.End()
	err := c.Finish()
	c.closed = true

	for _, t := range c.tables {
		t.Destroy(c.dev)
	}
	for _, b := range c.deferred {
		c.dev.DestroyBuffer(b)
	}
	c.deferred = nil
	return err
}

// queryHost adapts the context to query.Host.
type queryHost struct{ c *DriverContext }

func (h queryHost) Device() winsys.Device { return h.c.dev }
func (h queryHost) Stream() query.Stream  { return h.c.gfx }
func (h queryHost) Reserve(words int)     { h.c.Reserve(winsys.RingGFX, words) }
func (h queryHost) Release(b *winsys.Buffer) {
	h.c.release(b)
}

func (h queryHost) MapForRead(b *winsys.Buffer, wait bool) ([]byte, bool, error) {
	flags := MapRead
	if !wait {
		flags |= MapDontBlock
	}
	data, err := h.c.mapBuffer(b, flags)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return data, true, nil
}

func (h queryHost) FlushFence() (winsys.Fence, error) {
	return h.c.Flush(winsys.RingGFX, cs.FlushWantFence)
}

func (h queryHost) SetOcclusionCounting(enabled bool) {
	h.c.occlusion = enabled
	v := uint32(0)
	if enabled {
		v = 1
	}
	h.c.dsa.SetRange(packet.RegDBCountControl, v)
	h.c.registry.MarkDirty(h.c.ids.dsa)
}

// streamoutHost adapts the context to streamout.Host.
type streamoutHost struct{ c *DriverContext }

func (h streamoutHost) Stream() streamout.Stream { return h.c.gfx }
func (h streamoutHost) Reserve(words int)        { h.c.Reserve(winsys.RingGFX, words) }

func (h streamoutHost) SetEnableMask(mask uint32) {
	h.c.soEnable.SetMask(mask)
	h.c.registry.MarkDirty(h.c.ids.streamout)
}

// compiler returns the configured shader compiler.
func (c *DriverContext) compiler() shader.Compiler { return c.cfg.Compiler }
