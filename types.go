// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"github.com/gogpu/gpudrv/internal/cs"
	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/packet"
	"github.com/gogpu/gpudrv/internal/query"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/winsys"

	// Backends register themselves with the winsys registry.
	_ "github.com/gogpu/gpudrv/internal/winsys/halws"
	_ "github.com/gogpu/gpudrv/internal/winsys/softws"
)

// Device is a GPU as seen by the driver. OpenDevice returns one.
type Device = winsys.Device

// BudgetConfig bounds the memory a device allocates.
type BudgetConfig = winsys.BudgetConfig

// BufferDesc describes a buffer allocation.
type BufferDesc = winsys.BufferDesc

// Fence signals completion of one submission.
type Fence = winsys.Fence

// Ring identifies an execution queue.
type Ring = winsys.RingType

// Execution queues.
const (
	RingGFX = winsys.RingGFX
	RingDMA = winsys.RingDMA
)

// Domain is the memory placement of a buffer.
type Domain = winsys.Domain

// Memory domains.
const (
	DomainVRAM = winsys.DomainVRAM
	DomainGTT  = winsys.DomainGTT
)

// Infinite is a wait timeout that never expires.
const Infinite = winsys.Infinite

// FlushFlags control Flush.
type FlushFlags = cs.FlushFlags

// Flush flags.
const (
	FlushAsync     = cs.FlushAsync
	FlushWantFence = cs.FlushWantFence
)

// ShaderStage is a programmable pipeline stage.
type ShaderStage = shader.Stage

// Shader stages.
const (
	StageVertex   = shader.StageVertex
	StageFragment = shader.StageFragment
	StageCompute  = shader.StageCompute
)

// numStages is the number of shader stages.
const numStages = 3

// ShaderCompiler compiles shader source for a stage.
type ShaderCompiler = shader.Compiler

// ShaderBinary is compiled machine code plus its stage configuration.
type ShaderBinary = shader.Binary

// RegPair is one opaque register write.
type RegPair = packet.RegPair

// SamplerDescriptor describes texture filtering and addressing.
type SamplerDescriptor = desc.SamplerDescriptor

// DefaultSampler returns a linear clamp-to-edge sampler.
func DefaultSampler() SamplerDescriptor { return desc.DefaultSampler() }

// QueryType is a query type.
type QueryType = query.Type

// Query types.
const (
	QueryOcclusionCounter    = query.OcclusionCounter
	QueryOcclusionPredicate  = query.OcclusionPredicate
	QueryTimeElapsed         = query.TimeElapsed
	QueryTimestamp           = query.Timestamp
	QueryPrimitivesGenerated = query.PrimitivesGenerated
	QueryPrimitivesEmitted   = query.PrimitivesEmitted
	QuerySOStatistics        = query.SOStatistics
	QuerySOOverflowPredicate = query.SOOverflowPredicate
	QueryPipelineStatistics  = query.PipelineStatistics
	QueryGPUFinished         = query.GPUFinished
)

// Query is a query object created by DriverContext.CreateQuery.
type Query = query.Query

// QueryResult is the value of a query.
type QueryResult = query.Result

// PipelineStats holds pipeline statistics counters.
type PipelineStats = query.PipelineStats

// Backend names for OpenDevice.
const (
	BackendSoft = winsys.BackendSoft
	BackendNoop = winsys.BackendNoop
)

// OpenDevice opens a device with the named backend. An empty name picks
// the best registered one.
func OpenDevice(backend string, budget BudgetConfig) (Device, error) {
	if backend == "" {
		return winsys.OpenDefault(budget)
	}
	return winsys.Open(backend, budget)
}

// Backends returns the names of the registered backends.
func Backends() []string { return winsys.Available() }
