// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default pool configuration constants.
const (
	// DefaultPoolInitialSize is the number of fences pre-created at init.
	DefaultPoolInitialSize = 2

	// DefaultPoolMaxSize is the maximum number of pool slots.
	DefaultPoolMaxSize = 16

	// DefaultIdleTimeout is how long a released fence may sit unused
	// before auto-cleanup destroys its native counter.
	DefaultIdleTimeout = 30 * time.Second
)

// PoolConfig holds configuration for creating a FencePool.
type PoolConfig struct {
	// InitialSize is the number of fences pre-created at init (default: 2).
	InitialSize int

	// MaxSize is the maximum number of slots (default: 16).
	MaxSize int

	// IdleTimeout is the idle threshold for CleanupIdle (default: 30s).
	IdleTimeout time.Duration

	// AutoCleanup enables CleanupIdle to destroy native fences of slots
	// that have been free longer than IdleTimeout.
	AutoCleanup bool
}

// PoolFence is a fence checked out from a FencePool. The slot index is the
// pool's bookkeeping handle and must be passed back on Release.
type PoolFence struct {
	// Index is the pool slot this fence occupies.
	Index int

	// Fence is the completion counter itself.
	Fence Fence
}

// poolSlot tracks one fence owned by the pool.
// A slot whose fence was destroyed by idle cleanup keeps its position;
// the native counter is recreated on the next checkout.
type poolSlot struct {
	fence     Fence
	lastValue uint64
	inUse     bool
	created   time.Time
	released  time.Time
}

// PoolStats is a snapshot of pool counters. Maintained for observability,
// not correctness.
type PoolStats struct {
	Allocations   uint64
	Deallocations uint64
	CacheHits     uint64
	CacheMisses   uint64

	// Size is the number of slots ever created (in use + free).
	Size int

	// Live is the number of slots whose native fence currently exists.
	Live int
}

// FencePool manages a growable set of completion counters, each
// independently acquirable and returnable. Fences are reused across
// checkout cycles; native counters are destroyed only on Close or by
// idle-timeout cleanup.
//
// All pool operations are serialized by a single mutex. Acquire, Release,
// and CleanupIdle never block on the GPU.
type FencePool struct {
	mu     sync.Mutex
	device Device
	cfg    PoolConfig
	slots  []poolSlot
	free   []int // stack of free slot indices
	closed bool

	allocations   atomic.Uint64
	deallocations atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
}

// NewFencePool creates a pool and pre-creates cfg.InitialSize fences.
// It fails only if not a single fence could be created; partial
// pre-creation is reported through the logger and the pool proceeds with
// what it has.
func NewFencePool(device Device, cfg PoolConfig) (*FencePool, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultPoolInitialSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolMaxSize
	}
	if cfg.MaxSize < cfg.InitialSize {
		cfg.MaxSize = cfg.InitialSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	p := &FencePool{
		device: device,
		cfg:    cfg,
		slots:  make([]poolSlot, 0, cfg.InitialSize),
		free:   make([]int, 0, cfg.InitialSize),
	}

	now := time.Now()
	var firstErr error
	for i := 0; i < cfg.InitialSize; i++ {
		f, err := device.CreateFence()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.slots = append(p.slots, poolSlot{fence: f, created: now, released: now})
		p.free = append(p.free, len(p.slots)-1)
	}
	if len(p.slots) == 0 {
		return nil, fmt.Errorf("framesync: fence pool init: %w", firstErr)
	}
	if len(p.slots) < cfg.InitialSize {
		Logger().Warn("fence pool partially initialized",
			slog.Int("requested", cfg.InitialSize),
			slog.Int("created", len(p.slots)))
	}
	return p, nil
}

// Acquire checks out a fence. A free slot is reused when available;
// otherwise the pool grows by one fence, up to MaxSize, at which point
// Acquire fails cleanly with ErrPoolExhausted and no state is modified.
//
// The second return value reports whether an existing native fence was
// reused (cache hit) or a new one had to be created.
func (p *FencePool) Acquire() (PoolFence, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return PoolFence{}, false, ErrPoolClosed
	}

	// Reuse the most recently released slot first.
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		slot := &p.slots[idx]

		fromCache := slot.fence != nil
		if !fromCache {
			// Native counter was destroyed by idle cleanup; recreate.
			f, err := p.device.CreateFence()
			if err != nil {
				return PoolFence{}, false, fmt.Errorf("framesync: fence recreate: %w", err)
			}
			slot.fence = f
			slot.created = time.Now()
		}

		p.free = p.free[:n-1]
		slot.inUse = true
		p.allocations.Add(1)
		if fromCache {
			p.cacheHits.Add(1)
		} else {
			p.cacheMisses.Add(1)
		}
		return PoolFence{Index: idx, Fence: slot.fence}, fromCache, nil
	}

	if len(p.slots) >= p.cfg.MaxSize {
		return PoolFence{}, false, ErrPoolExhausted
	}

	f, err := p.device.CreateFence()
	if err != nil {
		return PoolFence{}, false, fmt.Errorf("framesync: fence create: %w", err)
	}
	p.slots = append(p.slots, poolSlot{fence: f, inUse: true, created: time.Now()})
	p.allocations.Add(1)
	p.cacheMisses.Add(1)
	Logger().Debug("fence pool grew", slog.Int("size", len(p.slots)))
	return PoolFence{Index: len(p.slots) - 1, Fence: f}, false, nil
}

// Release returns a fence to the pool and records the counter's last
// observed value for idle-time accounting. The native fence is kept alive
// for reuse; only Close or CleanupIdle destroy it.
//
// Release reports whether the pool took the fence back. A false return
// (closed pool, unknown slot) leaves ownership with the caller, which
// must destroy the fence itself.
func (p *FencePool) Release(pf PoolFence, lastValue uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || pf.Index < 0 || pf.Index >= len(p.slots) {
		return false
	}
	slot := &p.slots[pf.Index]
	if !slot.inUse {
		return false
	}
	slot.inUse = false
	slot.lastValue = lastValue
	slot.released = time.Now()
	p.free = append(p.free, pf.Index)
	p.deallocations.Add(1)
	return true
}

// CleanupIdle destroys the native fences of slots that are both free and
// idle longer than IdleTimeout. Slot bookkeeping is preserved: the slot
// stays in the pool and a new native counter is created on its next
// checkout. Returns the number of fences destroyed.
//
// CleanupIdle is a no-op unless AutoCleanup was enabled.
func (p *FencePool) CleanupIdle(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || !p.cfg.AutoCleanup {
		return 0
	}
	destroyed := 0
	for _, idx := range p.free {
		slot := &p.slots[idx]
		if slot.fence == nil {
			continue
		}
		if now.Sub(slot.released) > p.cfg.IdleTimeout {
			p.device.DestroyFence(slot.fence)
			slot.fence = nil
			destroyed++
		}
	}
	if destroyed > 0 {
		Logger().Debug("fence pool idle cleanup", slog.Int("destroyed", destroyed))
	}
	return destroyed
}

// Size returns the number of slots ever created.
func (p *FencePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// InUse returns the number of slots currently checked out.
func (p *FencePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// Stats returns a snapshot of pool counters.
func (p *FencePool) Stats() PoolStats {
	p.mu.Lock()
	live := 0
	for i := range p.slots {
		if p.slots[i].fence != nil {
			live++
		}
	}
	size := len(p.slots)
	p.mu.Unlock()

	return PoolStats{
		Allocations:   p.allocations.Load(),
		Deallocations: p.deallocations.Load(),
		CacheHits:     p.cacheHits.Load(),
		CacheMisses:   p.cacheMisses.Load(),
		Size:          size,
		Live:          live,
	}
}

// Close destroys every fence not currently checked out and marks the pool
// closed. Fences still checked out must be destroyed by their owners;
// releasing them after Close is a no-op.
//
// Close is safe to call multiple times.
func (p *FencePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, idx := range p.free {
		slot := &p.slots[idx]
		if slot.fence != nil {
			p.device.DestroyFence(slot.fence)
			slot.fence = nil
		}
	}
	p.free = nil
}
