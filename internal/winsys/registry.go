// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package winsys

import (
	"fmt"
	"sort"
	"sync"
)

// Backend names.
const (
	// BackendSoft executes command streams on the CPU.
	BackendSoft = "soft"

	// BackendNoop runs on a wgpu HAL noop device.
	BackendNoop = "noop"
)

// Factory opens a new device.
type Factory func(config BudgetConfig) (Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first available wins).
	backendPriority = []string{BackendSoft, BackendNoop}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions in backend packages.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens a device with the named backend.
func Open(name string, config BudgetConfig) (Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("winsys: backend %q not registered", name)
	}
	return factory(config)
}

// OpenDefault opens the best available backend based on priority.
func OpenDefault(config BudgetConfig) (Device, error) {
	registryMu.RLock()
	var factory Factory
	for _, name := range backendPriority {
		if f, ok := backends[name]; ok {
			factory = f
			break
		}
	}
	registryMu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("winsys: no backend registered")
	}
	return factory(config)
}
