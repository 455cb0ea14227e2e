// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package winsys

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// Default memory limits.
const (
	// DefaultMaxMemoryMB is the default buffer memory budget (256 MB).
	DefaultMaxMemoryMB = 256

	// DefaultMaxCacheMB is the default size of the idle buffer cache (32 MB).
	DefaultMaxCacheMB = 32

	// MinMemoryMB is the minimum allowed memory budget (16 MB).
	MinMemoryMB = 16

	// vaBase is the first GPU virtual address handed out.
	vaBase = 0x0010_0000
)

// Stats contains buffer memory statistics.
type Stats struct {
	// BudgetBytes is the total memory budget in bytes.
	BudgetBytes uint64

	// UsedBytes counts every allocation with live backing storage,
	// including cached and pending-destroy buffers.
	UsedBytes uint64

	// CachedBytes is the memory held by idle buffers kept for reuse.
	CachedBytes uint64

	// LiveBuffers is the number of buffers not yet destroyed.
	LiveBuffers int

	// PendingBuffers is the number of destroyed buffers still used by the GPU.
	PendingBuffers int

	// CachedBuffers is the number of idle buffers kept for reuse.
	CachedBuffers int

	// CacheHits counts allocations served from the cache.
	CacheHits uint64

	// Evictions counts cached buffers freed to make room.
	Evictions uint64
}

// Utilization returns the fraction of the budget in use (0.0 to 1.0).
func (s Stats) Utilization() float64 {
	if s.BudgetBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.BudgetBytes)
}

// String returns a human-readable string of memory stats.
func (s Stats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d live, %d pending, %d cached, %d hits, %d evictions]",
		s.Utilization()*100,
		s.UsedBytes/1024,
		s.BudgetBytes/1024,
		s.LiveBuffers,
		s.PendingBuffers,
		s.CachedBuffers,
		s.CacheHits,
		s.Evictions)
}

// BudgetConfig holds configuration for a Manager.
type BudgetConfig struct {
	// MaxMemoryMB is the maximum memory budget in megabytes.
	// Defaults to DefaultMaxMemoryMB if < MinMemoryMB.
	MaxMemoryMB int

	// MaxCacheMB bounds the idle buffer cache.
	// Defaults to DefaultMaxCacheMB if <= 0.
	MaxCacheMB int
}

// BackingAllocator creates and frees the storage behind buffers.
// Backends implement it and let a Manager do the bookkeeping.
type BackingAllocator interface {
	AllocBacking(desc BufferDesc, va uint64) (any, error)
	FreeBacking(backing any)
}

// cacheEntry is an idle buffer kept for reuse.
type cacheEntry struct {
	buf     *Buffer
	element *list.Element
}

// Manager implements the allocation side of a Device: address assignment,
// the memory budget, deferred destruction and a cache of idle buffers.
//
// Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	alloc BackingAllocator

	budgetBytes uint64
	cacheLimit  uint64
	usedBytes   uint64
	cachedBytes uint64

	nextID uint64
	nextVA uint64

	live    map[*Buffer]struct{}
	pending []*Buffer

	// LRU list of idle buffers (front = most recently released).
	lruList *list.List

	hits      uint64
	evictions uint64

	closed bool
}

// NewManager creates a manager that allocates backing storage with alloc.
func NewManager(alloc BackingAllocator, config BudgetConfig) *Manager {
	maxMB := config.MaxMemoryMB
	if maxMB < MinMemoryMB {
		maxMB = DefaultMaxMemoryMB
	}
	cacheMB := config.MaxCacheMB
	if cacheMB <= 0 {
		cacheMB = DefaultMaxCacheMB
	}

	//nolint:gosec // G115: both values are positive
	return &Manager{
		alloc:       alloc,
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		cacheLimit:  uint64(cacheMB) * 1024 * 1024,
		nextVA:      vaBase,
		live:        make(map[*Buffer]struct{}),
		lruList:     list.New(),
	}
}

// normalize applies defaults and alignment to a descriptor.
func normalize(desc BufferDesc) BufferDesc {
	desc.Size = (desc.Size + Alignment - 1) &^ (Alignment - 1)
	if desc.Size == 0 {
		desc.Size = Alignment
	}
	if desc.Domain == 0 {
		desc.Domain = DomainGTT
	}
	desc.Usage |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	return desc
}

// Create allocates a buffer, reusing an idle cached one when possible.
func (m *Manager) Create(desc BufferDesc) (*Buffer, error) {
	desc = normalize(desc)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrDeviceClosed
	}

	m.reapLocked()

	if b := m.takeCachedLocked(desc); b != nil {
		m.hits++
		b.label = desc.Label
		m.live[b] = struct{}{}
		return b, nil
	}

	if desc.Size > m.budgetBytes {
		return nil, fmt.Errorf("%w: buffer of %d KB exceeds total budget %d KB",
			ErrOutOfMemory, desc.Size/1024, m.budgetBytes/1024)
	}
	if err := m.evictIfNeeded(desc.Size); err != nil {
		return nil, err
	}

	va := m.nextVA
	backing, err := m.alloc.AllocBacking(desc, va)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	m.nextVA += desc.Size
	m.nextID++

	b := &Buffer{
		id:      m.nextID,
		label:   desc.Label,
		va:      va,
		size:    desc.Size,
		domain:  desc.Domain,
		usage:   desc.Usage,
		backing: backing,
	}
	m.live[b] = struct{}{}
	m.usedBytes += desc.Size

	Logger().Debug("winsys: buffer created",
		"label", desc.Label, "size", desc.Size, "domain", desc.Domain.String(), "va", va)
	return b, nil
}

// Release marks a buffer destroyed. Its storage is recycled once idle.
func (m *Manager) Release(b *Buffer) {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[b]; !ok {
		return
	}
	delete(m.live, b)
	m.pending = append(m.pending, b)
	m.reapLocked()
}

// Reap recycles destroyed buffers whose submissions have all retired.
func (m *Manager) Reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
}

// reapLocked moves idle pending buffers to the cache or frees them.
// Caller must hold mu.
func (m *Manager) reapLocked() {
	if len(m.pending) == 0 {
		return
	}
	kept := m.pending[:0]
	for _, b := range m.pending {
		if !b.IsIdle() {
			kept = append(kept, b)
			continue
		}
		if m.closed || b.size > m.cacheLimit {
			m.freeLocked(b)
			continue
		}
		for m.cachedBytes+b.size > m.cacheLimit && m.lruList.Len() > 0 {
			m.evictOldestLocked()
		}
		entry := &cacheEntry{buf: b}
		entry.element = m.lruList.PushFront(entry)
		m.cachedBytes += b.size
	}
	for i := len(kept); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = kept
}

// takeCachedLocked removes and returns a cached buffer matching desc.
// Caller must hold mu.
func (m *Manager) takeCachedLocked(desc BufferDesc) *Buffer {
	for e := m.lruList.Front(); e != nil; e = e.Next() {
		entry, ok := e.Value.(*cacheEntry)
		if !ok {
			continue
		}
		b := entry.buf
		if b.size != desc.Size || b.domain != desc.Domain || b.usage != desc.Usage {
			continue
		}
		m.lruList.Remove(e)
		m.cachedBytes -= b.size
		b.resetTracking()
		return b
	}
	return nil
}

// evictIfNeeded frees cached buffers until the request fits the budget.
// Caller must hold mu.
func (m *Manager) evictIfNeeded(requestedBytes uint64) error {
	for m.usedBytes+requestedBytes > m.budgetBytes && m.lruList.Len() > 0 {
		m.evictOldestLocked()
	}
	if m.usedBytes+requestedBytes > m.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrOutOfMemory, requestedBytes, m.budgetBytes-m.usedBytes)
	}
	return nil
}

// evictOldestLocked frees the least recently released cached buffer.
// Caller must hold mu.
func (m *Manager) evictOldestLocked() {
	elem := m.lruList.Back()
	if elem == nil {
		return
	}
	m.lruList.Remove(elem)
	entry, ok := elem.Value.(*cacheEntry)
	if !ok {
		return
	}
	m.cachedBytes -= entry.buf.size
	m.freeLocked(entry.buf)
	m.evictions++
}

// freeLocked returns a buffer's storage to the backend. Caller must hold mu.
func (m *Manager) freeLocked(b *Buffer) {
	m.alloc.FreeBacking(b.backing)
	b.backing = nil
	m.usedBytes -= b.size
}

// TrackSubmission records that a submission on ring uses the listed buffers.
func (m *Manager) TrackSubmission(ring RingType, buffers []BufferRef, f Fence) {
	for _, ref := range buffers {
		if ref.Buffer != nil {
			ref.Buffer.markUsed(ring, ref.Usage, f)
		}
	}
}

// Dependencies returns the fences of other rings that a submission on ring
// using the listed buffers must wait for. A write conflicts with any use on
// another ring, a read only with writes.
func (m *Manager) Dependencies(ring RingType, buffers []BufferRef) []Fence {
	var deps []Fence
	seen := make(map[Fence]struct{})
	for _, ref := range buffers {
		if ref.Buffer == nil {
			continue
		}
		for r := RingType(0); r < NumRings; r++ {
			if r == ring {
				continue
			}
			for _, f := range ref.Buffer.PendingFences(r, ref.Usage) {
				if _, ok := seen[f]; ok {
					continue
				}
				seen[f] = struct{}{}
				deps = append(deps, f)
			}
		}
	}
	return deps
}

// Stats returns current memory usage statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		BudgetBytes:    m.budgetBytes,
		UsedBytes:      m.usedBytes,
		CachedBytes:    m.cachedBytes,
		LiveBuffers:    len(m.live),
		PendingBuffers: len(m.pending),
		CachedBuffers:  m.lruList.Len(),
		CacheHits:      m.hits,
		Evictions:      m.evictions,
	}
}

// Close frees every buffer. Outstanding submissions must have completed.
// Close is safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for e := m.lruList.Front(); e != nil; e = e.Next() {
		if entry, ok := e.Value.(*cacheEntry); ok {
			m.freeLocked(entry.buf)
		}
	}
	m.lruList.Init()
	m.cachedBytes = 0

	for _, b := range m.pending {
		m.freeLocked(b)
	}
	m.pending = nil

	for b := range m.live {
		b.mu.Lock()
		b.released = true
		b.mu.Unlock()
		m.freeLocked(b)
	}
	m.live = make(map[*Buffer]struct{})
}
