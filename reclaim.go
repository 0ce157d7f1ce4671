// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ResourceKind identifies what a Resource's native handle refers to.
type ResourceKind int

const (
	// KindBuffer is a GPU buffer.
	KindBuffer ResourceKind = iota

	// KindImage is a GPU image/texture.
	KindImage
)

// String returns a human-readable name for the kind.
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	default:
		return "unknown"
	}
}

// Resource is a GPU-owned allocation: the native object handle and its
// allocation record combined into one owned value so they are always freed
// together, plus the token recorded at the resource's last submission.
//
// A Resource belongs to whichever manager allocated it until it is handed
// to a Reclaimer, which frees it at most once; the freed sentinel makes a
// second reclaim a safe no-op rather than a double-free. A reclaim whose
// allocator call failed leaves the resource unfreed and retryable.
type Resource struct {
	kind    ResourceKind
	handle  uint64
	alloc   uint64
	lastUse atomic.Uint64
	freed   atomic.Bool
}

// NewBufferResource wraps a buffer handle and its allocation record.
func NewBufferResource(handle, alloc uint64) *Resource {
	return &Resource{kind: KindBuffer, handle: handle, alloc: alloc}
}

// NewImageResource wraps an image handle and its allocation record.
func NewImageResource(handle, alloc uint64) *Resource {
	return &Resource{kind: KindImage, handle: handle, alloc: alloc}
}

// Kind returns the resource kind.
func (r *Resource) Kind() ResourceKind { return r.kind }

// Handle returns the native object handle.
func (r *Resource) Handle() uint64 { return r.handle }

// SetLastUse records the token of the submission that last used this
// resource. Call it every time the resource is referenced by new GPU work.
func (r *Resource) SetLastUse(t Token) { r.lastUse.Store(uint64(t)) }

// LastUse returns the token recorded at the resource's last submission.
func (r *Resource) LastUse() Token { return Token(r.lastUse.Load()) }

// Freed reports whether the resource has already been reclaimed.
func (r *Resource) Freed() bool { return r.freed.Load() }

// Allocator frees GPU allocations. It is invoked only after the
// reclamation policy has cleared a resource; implementations perform the
// actual backend free.
type Allocator interface {
	// FreeBuffer releases a buffer and its allocation record.
	FreeBuffer(handle, alloc uint64) error

	// FreeImage releases an image and its allocation record.
	FreeImage(handle, alloc uint64) error
}

// ReclaimStats is a snapshot of reclamation counters.
type ReclaimStats struct {
	// Freed is the total number of resources freed.
	Freed uint64

	// DirectFrees freed after a cheap counter comparison cleared them.
	DirectFrees uint64

	// IdleWaits is the number of full device-idle waits the conservative
	// fallback performed.
	IdleWaits uint64

	// LostFrees freed immediately because the device was already lost.
	LostFrees uint64
}

// Reclaimer decides, for any GPU-owned allocation, the safe moment to free
// it, then performs the free through the Allocator.
//
// Policy, in order:
//  1. Device already lost: free immediately. The device is gone; waiting
//     would hang or be meaningless, and no GPU access can race the free.
//  2. Counter at or past the resource's last-use token: free directly.
//  3. Counter query failed or reported a value behind the token: full
//     device-idle wait, then free. Transient query failures and genuinely
//     stale values are deliberately treated identically; the counter can
//     lag or be swapped mid-flight during setup handoff, and the coarse
//     wait is always correct.
type Reclaimer struct {
	device   Device
	sync     *FrameSync
	recovery *Recovery // may be nil
	alloc    Allocator

	freed       atomic.Uint64
	directFrees atomic.Uint64
	idleWaits   atomic.Uint64
	lostFrees   atomic.Uint64
}

// NewReclaimer creates a Reclaimer. recovery may be nil when no loss
// handling is wired, in which case only the counter policy applies.
func NewReclaimer(device Device, sync *FrameSync, recovery *Recovery, alloc Allocator) *Reclaimer {
	return &Reclaimer{device: device, sync: sync, recovery: recovery, alloc: alloc}
}

// Reclaim frees one resource at the safe moment. Calling it again on an
// already-freed resource is a no-op.
func (m *Reclaimer) Reclaim(r *Resource) error {
	if r == nil || r.freed.Load() {
		return nil
	}

	if m.deviceLost() {
		return m.free(r, &m.lostFrees)
	}

	cur, err := m.sync.CurrentValue()
	if err != nil || cur < r.LastUse() {
		m.waitIdle()
		return m.free(r, nil)
	}
	return m.free(r, &m.directFrees)
}

// ReclaimBatch frees a set of resources with exactly one wait decision for
// the whole batch, keyed by the highest last-use token among them.
// Already-freed entries are skipped.
func (m *Reclaimer) ReclaimBatch(rs []*Resource) error {
	var pending []*Resource
	var maxToken Token
	for _, r := range rs {
		if r == nil || r.freed.Load() {
			continue
		}
		pending = append(pending, r)
		if t := r.LastUse(); t > maxToken {
			maxToken = t
		}
	}
	if len(pending) == 0 {
		return nil
	}

	counter := &m.directFrees
	if m.deviceLost() {
		counter = &m.lostFrees
	} else {
		cur, err := m.sync.CurrentValue()
		if err != nil || cur < maxToken {
			m.waitIdle()
			counter = nil
		}
	}

	var firstErr error
	for _, r := range pending {
		if err := m.free(r, counter); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of reclamation counters.
func (m *Reclaimer) Stats() ReclaimStats {
	return ReclaimStats{
		Freed:       m.freed.Load(),
		DirectFrees: m.directFrees.Load(),
		IdleWaits:   m.idleWaits.Load(),
		LostFrees:   m.lostFrees.Load(),
	}
}

func (m *Reclaimer) deviceLost() bool {
	return m.recovery != nil && m.recovery.IsDeviceLost()
}

// waitIdle performs the conservative full device wait. An idle wait that
// itself reports device loss still clears the resource for freeing: the
// device can no longer touch it.
func (m *Reclaimer) waitIdle() {
	m.idleWaits.Add(1)
	Logger().Debug("reclaim fallback: device-idle wait")
	if err := m.device.WaitIdle(); err != nil {
		if m.recovery != nil {
			m.recovery.MarkDeviceLost()
		}
		Logger().Warn("idle wait failed during reclaim", slog.Any("err", err))
	}
}

// free performs the actual allocator call at most once per resource. On
// allocator failure the freed sentinel is rolled back so the handle can be
// reclaimed again once the allocator recovers.
func (m *Reclaimer) free(r *Resource, counter *atomic.Uint64) error {
	if !r.freed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	switch r.kind {
	case KindBuffer:
		err = m.alloc.FreeBuffer(r.handle, r.alloc)
	case KindImage:
		err = m.alloc.FreeImage(r.handle, r.alloc)
	default:
		err = fmt.Errorf("framesync: unknown resource kind %d", int(r.kind))
	}
	if err != nil {
		r.freed.Store(false)
		return fmt.Errorf("framesync: free %s: %w", r.kind, err)
	}
	m.freed.Add(1)
	if counter != nil {
		counter.Add(1)
	}
	return nil
}
