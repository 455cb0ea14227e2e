// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"errors"

	"github.com/gogpu/gpudrv/internal/desc"
	"github.com/gogpu/gpudrv/internal/query"
	"github.com/gogpu/gpudrv/internal/shader"
	"github.com/gogpu/gpudrv/internal/winsys"
)

// Errors returned by DriverContext.
var (
	// ErrWouldBlock is returned by non-blocking operations that would have
	// to flush a command stream or wait for the GPU.
	ErrWouldBlock = errors.New("gpudrv: operation would block")

	// ErrNilDevice is returned by New without a device.
	ErrNilDevice = errors.New("gpudrv: nil device")

	// ErrClosed is returned when using a closed context.
	ErrClosed = errors.New("gpudrv: context closed")

	// ErrInvalidShader is returned for malformed shader binaries.
	ErrInvalidShader = errors.New("gpudrv: invalid shader binary")
)

// Errors from the layers below, for use with errors.Is.
var (
	ErrOutOfMemory  = winsys.ErrOutOfMemory
	ErrDeviceClosed = winsys.ErrDeviceClosed
	ErrNoRing       = winsys.ErrNoRing
	ErrFenceTimeout = winsys.ErrFenceTimeout
	ErrGPUFault     = winsys.ErrFault
	ErrTableAlloc   = desc.ErrTableAlloc
	ErrCompile      = shader.ErrCompile
	ErrQueryActive  = query.ErrActive
	ErrQueryNoEnd   = query.ErrNotEnded
	ErrQueryDeleted = query.ErrDestroyed
)
