// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpudrv is the command submission and resource synchronization
// engine of a GPU driver.
//
// # Overview
//
// A DriverContext records work for a GPU into per-queue command streams and
// submits them to a winsys device. It keeps the GPU view of memory and state
// coherent with what the application does on the CPU:
//
//   - state atoms re-emit only the hardware state that changed between draws,
//     and all of it after a flush;
//   - descriptor tables are updated copy-on-write through the command stream,
//     so in-flight work never sees a half-updated table;
//   - mapping a buffer flushes and waits for exactly the queues that use it;
//   - queries and stream output survive flushes by suspending before a
//     submission and resuming in the next one.
//
// # Quick Start
//
//	dev, err := gpudrv.OpenDevice("soft", gpudrv.BudgetConfig{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	dc, err := gpudrv.New(dev)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dc.Close()
//
//	buf, _ := dc.CreateBuffer(gpudrv.BufferDesc{Label: "vertices", Size: 4096})
//	_ = dc.BufferSubData(buf, 0, vertexBytes)
//	dc.SetBufferDescriptor(gpudrv.StageVertex, 0, buf, 0, 4096, 16, gputypes.VertexFormatFloat32x4)
//	vs, _ := dc.CreateShader(gpudrv.StageVertex, vertexWGSL)
//	fs, _ := dc.CreateShader(gpudrv.StageFragment, fragmentWGSL)
//	dc.BindShader(gpudrv.StageVertex, vs)
//	dc.BindShader(gpudrv.StageFragment, fs)
//	dc.Draw(gputypes.PrimitiveTopologyTriangleList, 3, 1, 0)
//	fence, _ := dc.Flush(gpudrv.RingGFX, gpudrv.FlushWantFence)
//	fence.Wait(gpudrv.Infinite)
//
// # Backends
//
// Devices come from the winsys backend registry. "soft" executes command
// streams on the CPU, one goroutine per queue, with a model of the command
// processor. "noop" runs on the github.com/gogpu/wgpu HAL noop device and
// replays memory traffic through HAL buffers.
//
// # Thread Safety
//
// A DriverContext is NOT safe for concurrent use. Devices are.
package gpudrv
