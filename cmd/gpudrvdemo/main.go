// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command gpudrvdemo runs a synthetic frame workload through the driver
// and prints what the engine did.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gpudrv"
)

const triangleWGSL = `
@vertex
fn vs_main(@builtin(vertex_index) i: u32) -> @builtin(position) vec4<f32> {
    let x = f32(i32(i) - 1);
    let y = f32(i32(i & 1u) * 2 - 1);
    return vec4<f32>(x, y, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

func main() {
	var (
		backend  = flag.String("backend", "", "winsys backend (soft, noop; empty picks the best)")
		frames   = flag.Int("frames", 60, "number of frames")
		draws    = flag.Int("draws", 100, "draws per frame")
		capacity = flag.Int("capacity", gpudrv.DefaultGfxCapacity, "graphics stream size in words")
		slots    = flag.Int("slots", 16, "descriptor table slots")
		dma      = flag.Bool("dma", true, "use the copy queue when the device has one")
		budget   = flag.Int("budget", 64, "memory budget in MB")
		lang     = flag.String("lang", "en", "language for number formatting")
		verbose  = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		gpudrv.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	dev, err := gpudrv.OpenDevice(*backend, gpudrv.BudgetConfig{MaxMemoryMB: *budget})
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer func() { _ = dev.Close() }()

	dc, err := gpudrv.New(dev,
		gpudrv.WithGfxCapacity(*capacity),
		gpudrv.WithDescriptorSlots(*slots),
		gpudrv.WithDMA(*dma),
	)
	if err != nil {
		log.Fatalf("create context: %v", err)
	}

	w, err := newWorkload(dc)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	for f := 0; f < *frames; f++ {
		if err := w.frame(f, *draws); err != nil {
			log.Fatalf("frame %d: %v", f, err)
		}
	}
	if err := w.finish(); err != nil {
		log.Fatalf("finish: %v", err)
	}

	stats := dc.Stats()
	if err := dc.Close(); err != nil {
		log.Fatalf("close: %v", err)
	}
	printStats(language.Make(*lang), dev.Name(), w, stats)
}

// workload holds the objects the frames reuse.
type workload struct {
	dc *gpudrv.DriverContext

	vertices *gpudrv.Resource
	uniforms *gpudrv.Resource
	readback *gpudrv.Resource
	capture  *gpudrv.Resource
	target   *gpudrv.StreamoutTarget

	samples   uint64
	primitive uint64
	captured  uint32
}

func newWorkload(dc *gpudrv.DriverContext) (*workload, error) {
	w := &workload{dc: dc}

	vs, err := dc.CreateShader(gpudrv.StageVertex, triangleWGSL)
	if err != nil {
		return nil, err
	}
	fs, err := dc.CreateShader(gpudrv.StageFragment, triangleWGSL)
	if err != nil {
		return nil, err
	}
	dc.BindShader(gpudrv.StageVertex, vs)
	dc.BindShader(gpudrv.StageFragment, fs)

	if w.vertices, err = dc.CreateBuffer(gpudrv.BufferDesc{
		Label: "vertices", Size: 3 * 16, Domain: gpudrv.DomainVRAM,
		Usage: gputypes.BufferUsageVertex,
	}); err != nil {
		return nil, err
	}
	if w.uniforms, err = dc.CreateBuffer(gpudrv.BufferDesc{
		Label: "uniforms", Size: 256, Domain: gpudrv.DomainVRAM,
		Usage: gputypes.BufferUsageUniform,
	}); err != nil {
		return nil, err
	}
	if w.readback, err = dc.CreateBuffer(gpudrv.BufferDesc{
		Label: "readback", Size: 256, Domain: gpudrv.DomainGTT,
		Usage: gputypes.BufferUsageMapRead,
	}); err != nil {
		return nil, err
	}
	if w.capture, err = dc.CreateBuffer(gpudrv.BufferDesc{
		Label: "capture", Size: 64 * 1024, Domain: gpudrv.DomainGTT,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageMapRead,
	}); err != nil {
		return nil, err
	}
	if w.target, err = dc.CreateStreamoutTarget(w.capture, 0, 64*1024, 16); err != nil {
		return nil, err
	}

	verts := make([]byte, 3*16)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(verts[i*16:], uint32(i)) //nolint:gosec // i < 3
	}
	if err := dc.BufferSubData(w.vertices, 0, verts); err != nil {
		return nil, err
	}

	dc.SetSamplerDescriptor(gpudrv.StageFragment, 0, gpudrv.DefaultSampler())
	dc.SetBufferDescriptor(gpudrv.StageVertex, 0, w.vertices, 0, 3*16, 16, gputypes.VertexFormatFloat32x4)
	return w, nil
}

// frame records one frame: per-frame uniforms, a batch of draws under an
// occlusion query, a stream-output capture of the first draw and a copy of
// the uniforms into a readback buffer.
func (w *workload) frame(n, draws int) error {
	dc := w.dc

	dc.SetViewport(0, 0, 1280, 720, 0, 1)
	dc.SetScissor(0, 0, 1280, 720)

	u := make([]byte, 256)
	binary.LittleEndian.PutUint32(u, uint32(n)) //nolint:gosec // frame index
	if err := dc.BufferSubData(w.uniforms, 0, u); err != nil {
		return err
	}
	dc.SetBufferDescriptor(gpudrv.StageFragment, 1, w.uniforms, 0, 256, 0, gputypes.VertexFormatFloat32)

	occlusion := dc.CreateQuery(gpudrv.QueryOcclusionCounter)
	prims := dc.CreateQuery(gpudrv.QueryPrimitivesGenerated)
	defer dc.DestroyQuery(occlusion)
	defer dc.DestroyQuery(prims)

	if err := dc.BeginQuery(occlusion); err != nil {
		return err
	}
	if err := dc.BeginQuery(prims); err != nil {
		return err
	}

	dc.SetStreamoutTargets([]*gpudrv.StreamoutTarget{w.target}, 0)
	dc.Draw(gputypes.PrimitiveTopologyTriangleList, 3, 1, 0)
	dc.SetStreamoutTargets(nil, 0)

	for i := 1; i < draws; i++ {
		dc.SetBlendColor(float32(i%4)/4, 0, 0, 1)
		dc.SetBufferDescriptor(gpudrv.StageVertex, 1+i%8, w.vertices, 0, 3*16, 16, gputypes.VertexFormatFloat32x4)
		dc.Draw(gputypes.PrimitiveTopologyTriangleList, 3, 1, 0)
	}

	if err := dc.EndQuery(prims); err != nil {
		return err
	}
	if err := dc.EndQuery(occlusion); err != nil {
		return err
	}
	dc.CopyBuffer(w.readback, 0, w.uniforms, 0, 256)

	res, _, err := dc.GetQueryResult(occlusion, true)
	if err != nil {
		return err
	}
	w.samples += res.Value
	if res, _, err = dc.GetQueryResult(prims, true); err != nil {
		return err
	}
	w.primitive += res.Value
	if w.captured, err = dc.StreamoutFilledSize(w.target); err != nil {
		return err
	}
	return nil
}

func (w *workload) finish() error {
	if err := w.dc.Finish(); err != nil {
		return err
	}
	data, err := w.dc.SyncMap(w.readback, gpudrv.MapRead)
	if err != nil {
		return err
	}
	gpudrv.Logger().Debug("readback", "frame", binary.LittleEndian.Uint32(data))
	return nil
}

func printStats(tag language.Tag, backend string, w *workload, s gpudrv.Stats) {
	p := message.NewPrinter(tag)
	p.Printf("backend:              %s\n", backend)
	p.Printf("draws:                %d\n", s.Draws)
	p.Printf("samples passed:       %d\n", w.samples)
	p.Printf("primitives:           %d\n", w.primitive)
	p.Printf("captured bytes:       %d\n", w.captured)
	p.Printf("gfx flushes:          %d (%d implicit)\n", s.GfxFlushes, s.ImplicitFlushes)
	p.Printf("dma flushes:          %d\n", s.DMAFlushes)
	p.Printf("words submitted:      %d\n", s.WordsSubmitted)
	p.Printf("copies:               %d (%d bytes)\n", s.Copies, s.BytesCopied)
	p.Printf("staging uploads:      %d\n", s.StagingUploads)
	p.Printf("sync waits:           %d\n", s.SyncWaits)
	p.Printf("descriptor flushes:   %d (%d wraps)\n", s.DescriptorFlushes, s.DescriptorWraps)
	p.Printf("query buffers:        %d\n", s.QueryBuffers)
	p.Printf("%s\n", s.Memory)
}
