// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpudrv

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gpudrv/internal/winsys"
)

// nopHandler drops every record. Enabled returns false so callers skip
// formatting.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gpudrv and its internal packages.
// By default gpudrv produces no log output. Pass nil to restore that.
//
// SetLogger is safe for concurrent use.
//
// Log levels used by gpudrv:
//   - [slog.LevelDebug]: flushes, descriptor slot wraps, buffer invalidation
//   - [slog.LevelInfo]: context creation
//   - [slog.LevelWarn]: GPU execution errors, failed implicit flushes
//
// Example:
//
//	gpudrv.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	winsys.SetLogger(l)
}

// Logger returns the current logger.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
