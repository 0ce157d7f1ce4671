// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFramesInFlight is the number of frames whose CPU recording may
// overlap GPU execution (double buffering).
const DefaultFramesInFlight = 2

// Config holds configuration for creating a FrameSync.
type Config struct {
	// FramesInFlight is the number of frames in flight (default: 2).
	FramesInFlight int

	// Pool, if non-nil, is the fence pool the primary counter is acquired
	// from. When nil, the counter is created directly on the device.
	Pool *FencePool
}

// FrameSync owns the primary completion counter for one renderer instance.
// It issues strictly increasing frame tokens, exposes blocking
// wait-until-token and current-value queries, and maps tokens to
// frame-in-flight slot indices for command-pool selection.
//
// NextToken never blocks and is safe for concurrent use, but tokens must
// be consumed by submissions in the order they were returned on a given
// queue: the GPU must signal the counter monotonically for "value ≥ token"
// to mean "all work up to that token completed".
//
// BeginFrame must only be called from the render thread.
type FrameSync struct {
	device Device

	// recovery, when attached, receives every observed device loss.
	recovery atomic.Pointer[Recovery]

	// next holds the last issued token.
	next atomic.Uint64

	mu     sync.Mutex // guards fence handle, lease, slots, closed
	fence  Fence
	lease  PoolFence
	pooled bool
	pool   *FencePool
	slots  []Token // token guarding reuse of each frame slot
	closed bool

	framesInFlight int
}

// NewFrameSync creates a FrameSync, acquiring the primary counter from
// cfg.Pool when one is provided.
func NewFrameSync(device Device, cfg Config) (*FrameSync, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if cfg.FramesInFlight <= 0 {
		cfg.FramesInFlight = DefaultFramesInFlight
	}

	s := &FrameSync{
		device:         device,
		pool:           cfg.Pool,
		slots:          make([]Token, cfg.FramesInFlight),
		framesInFlight: cfg.FramesInFlight,
	}

	if cfg.Pool != nil {
		lease, fromCache, err := cfg.Pool.Acquire()
		if err != nil {
			return nil, fmt.Errorf("framesync: primary fence: %w", err)
		}
		s.fence = lease.Fence
		s.lease = lease
		s.pooled = true
		Logger().Debug("primary fence acquired from pool",
			slog.Int("slot", lease.Index), slog.Bool("reused", fromCache))
	} else {
		f, err := device.CreateFence()
		if err != nil {
			return nil, fmt.Errorf("framesync: primary fence: %w", err)
		}
		s.fence = f
	}
	return s, nil
}

// AttachRecovery funnels every device loss this FrameSync observes into r.
func (s *FrameSync) AttachRecovery(r *Recovery) {
	s.recovery.Store(r)
}

// NextToken atomically issues the next frame token. Callers must arrange
// for the GPU to signal exactly this value on completion of the upcoming
// submission. NextToken never blocks.
func (s *FrameSync) NextToken() Token {
	return Token(s.next.Add(1))
}

// LastToken returns the most recently issued token, or 0 if none.
func (s *FrameSync) LastToken() Token {
	return Token(s.next.Load())
}

// FramesInFlight returns the configured frame-in-flight count.
func (s *FrameSync) FramesInFlight() int {
	return s.framesInFlight
}

// FrameIndex maps a token to a frame-in-flight slot index in
// [0, FramesInFlight). The index selects which per-frame command pool to
// reset; the token value itself remains authoritative for resource safety.
func (s *FrameSync) FrameIndex(token Token) int {
	return int(uint64(token) % uint64(s.framesInFlight))
}

// CurrentValue queries the counter's GPU-visible signaled value. On
// failure it returns the error rather than a stale value; device loss is
// additionally funneled to the attached Recovery.
func (s *FrameSync) CurrentValue() (Token, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSyncClosed
	}
	f := s.fence
	s.mu.Unlock()

	v, err := s.device.FenceValue(f)
	if err != nil {
		// A transient query failure is not a loss; callers fall back to a
		// device-idle wait. Only a confirmed loss is funneled.
		if errors.Is(err, ErrDeviceLost) {
			if r := s.recovery.Load(); r != nil {
				r.MarkDeviceLost()
			}
		}
		return 0, err
	}
	return Token(v), nil
}

// Wait blocks the calling thread until the counter reaches token, the
// timeout elapses, or the device reports loss. A negative timeout
// (NoTimeout) waits forever and is used during clean shutdown.
//
// Any wait error is treated as device loss: in-flight work is abandoned
// globally rather than retried here.
func (s *FrameSync) Wait(token Token, timeout time.Duration) WaitStatus {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return WaitDeviceLost
	}
	f := s.fence
	s.mu.Unlock()

	ok, err := s.device.Wait(f, uint64(token), timeout)
	if err != nil {
		s.noteLoss(err)
		return WaitDeviceLost
	}
	if !ok {
		return WaitTimeout
	}
	return WaitOK
}

// BeginFrame issues the token for the next frame after ensuring its slot
// is safe to reuse: it first waits (up to timeout) for the token recorded
// the previous time this slot index was used. On WaitOK the caller may
// reset the slot's command pool and must submit work signaling the
// returned token.
//
// While the device is lost or recovering, BeginFrame rejects the frame
// with WaitDeviceLost and issues no token. A timed-out or abandoned frame
// consumes its token; tokens stay strictly increasing and are never
// reissued.
func (s *FrameSync) BeginFrame(timeout time.Duration) (slot int, token Token, status WaitStatus) {
	if r := s.recovery.Load(); r != nil && r.State() != StateHealthy {
		return 0, 0, WaitDeviceLost
	}

	token = s.NextToken()
	slot = s.FrameIndex(token)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return slot, 0, WaitDeviceLost
	}
	guard := s.slots[slot]
	s.mu.Unlock()

	if guard > 0 {
		if st := s.Wait(guard, timeout); st != WaitOK {
			return slot, 0, st
		}
	}

	s.mu.Lock()
	s.slots[slot] = token
	s.mu.Unlock()
	return slot, token, WaitOK
}

// AdoptFence hands ownership of an externally created counter to this
// FrameSync and returns the previous one to its pool (or destroys it when
// the FrameSync created it directly). Used during setup when another
// subsystem owned the primary counter first.
//
// The adopted fence's signaled value must be at or past every token this
// FrameSync has issued, otherwise outstanding waits would stall.
func (s *FrameSync) AdoptFence(f Fence) {
	if f == nil {
		return
	}
	s.mu.Lock()
	old := s.fence
	wasPooled := s.pooled
	lease := s.lease
	s.fence = f
	s.pooled = false
	s.mu.Unlock()

	if old == nil {
		return
	}
	if wasPooled && s.pool != nil {
		last, err := s.device.FenceValue(old)
		if err != nil {
			last = 0
		}
		if !s.pool.Release(lease, last) {
			s.device.DestroyFence(old)
		}
	} else {
		s.device.DestroyFence(old)
	}
	Logger().Debug("primary fence adopted")
}

// Close releases the primary counter, returning a pooled fence to its
// pool. It does not wait for outstanding GPU work; callers perform a
// Wait(LastToken(), NoTimeout) or a device-idle wait first during clean
// shutdown.
func (s *FrameSync) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.fence == nil {
		return nil
	}
	if s.pooled && s.pool != nil {
		last, err := s.device.FenceValue(s.fence)
		if err != nil {
			last = 0
		}
		// A pool closed before this FrameSync refuses the fence; destroy
		// it directly rather than leak the native counter.
		if !s.pool.Release(s.lease, last) {
			s.device.DestroyFence(s.fence)
		}
	} else {
		s.device.DestroyFence(s.fence)
	}
	s.fence = nil
	return nil
}

// noteLoss funnels a device-loss error to the attached Recovery. Non-loss
// errors on the wait path are treated identically: the device state is
// unknown and local retry would risk inconsistent partial recovery.
func (s *FrameSync) noteLoss(err error) {
	r := s.recovery.Load()
	if r == nil {
		return
	}
	if errors.Is(err, ErrDeviceLost) {
		r.MarkDeviceLost()
		return
	}
	Logger().Warn("wait error treated as device loss", slog.Any("err", err))
	r.MarkDeviceLost()
}
