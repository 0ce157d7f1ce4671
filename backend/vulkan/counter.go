// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package vulkan

import (
	"fmt"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"
)

// pollInterval is how often a wait re-checks for a late submission when
// nothing pending can satisfy it yet.
const pollInterval = time.Millisecond

// slot pairs a binary fence with the counter value it signals.
type slot struct {
	fence vk.Fence
	value uint64
}

// counter emulates a monotonic completion counter with binary fences.
//
// pending holds submissions not yet confirmed, ascending by value. free
// holds reset fences ready for reuse.
type counter struct {
	backend   *Backend
	mu        sync.Mutex
	confirmed uint64
	pending   []slot
	free      []vk.Fence
}

// NativeHandle returns 0. The counter is emulated by a rotating set of
// binary fences, so no single native handle stands for it.
func (c *counter) NativeHandle() uintptr {
	return 0
}

// signalOnSubmit returns a reset fence associated with value, reusing a
// retired one when available.
func (c *counter) signalOnSubmit(device vk.Device, value uint64) (vk.Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.pending); n > 0 && value <= c.pending[n-1].value {
		return vk.Fence(vk.NullHandle),
			fmt.Errorf("vulkan: signal value %d not ascending (last %d)", value, c.pending[n-1].value)
	}
	if value <= c.confirmed {
		return vk.Fence(vk.NullHandle),
			fmt.Errorf("vulkan: signal value %d already confirmed", value)
	}

	var f vk.Fence
	if n := len(c.free); n > 0 {
		f = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		info := vk.FenceCreateInfo{
			SType: vk.StructureTypeFenceCreateInfo,
		}
		if res := vk.CreateFence(device, &info, nil, &f); res != vk.Success {
			return vk.Fence(vk.NullHandle), fmt.Errorf("vulkan: create fence: %w", wrapResult(res))
		}
	}
	c.pending = append(c.pending, slot{fence: f, value: value})
	return f, nil
}

// poll advances the confirmed value by checking pending fences in
// submission order. Signaled fences are reset and moved to the free list.
func (c *counter) poll(device vk.Device) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollLocked(device)
}

func (c *counter) pollLocked(device vk.Device) (uint64, error) {
	for len(c.pending) > 0 {
		s := c.pending[0]
		res := vk.GetFenceStatus(device, s.fence)
		switch res {
		case vk.Success:
			if err := c.retireLocked(device, s); err != nil {
				return c.confirmed, err
			}
		case vk.NotReady:
			return c.confirmed, nil
		default:
			return c.confirmed, fmt.Errorf("vulkan: fence status: %w", wrapResult(res))
		}
	}
	return c.confirmed, nil
}

// retireLocked marks the oldest pending slot confirmed and recycles its fence.
func (c *counter) retireLocked(device vk.Device, s slot) error {
	c.confirmed = s.value
	c.pending = c.pending[1:]
	if res := vk.ResetFences(device, 1, []vk.Fence{s.fence}); res != vk.Success {
		vk.DestroyFence(device, s.fence, nil)
		return fmt.Errorf("vulkan: reset fence: %w", wrapResult(res))
	}
	c.free = append(c.free, s.fence)
	return nil
}

// wait blocks until the counter reaches value or timeout elapses. Returns
// false on timeout.
//
// A bounded wait for a value with no pending submission polls until the
// deadline in case the signaling submission is still on its way, then
// times out normally. An unbounded wait in that state is an ordering
// mistake and fails instead of blocking forever.
func (c *counter) wait(device vk.Device, value uint64, timeout time.Duration) (bool, error) {
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		cur, err := c.pollLocked(device)
		if err != nil {
			c.mu.Unlock()
			return false, err
		}
		if cur >= value {
			c.mu.Unlock()
			return true, nil
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			if deadline.IsZero() {
				// Nothing submitted can reach value and there is no
				// deadline to fall back on.
				return false, fmt.Errorf("vulkan: wait for value %d with no pending submission past %d", value, cur)
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			sleep := pollInterval
			if sleep > remaining {
				sleep = remaining
			}
			time.Sleep(sleep)
			continue
		}
		target := c.pending[0]
		c.mu.Unlock()

		remaining := timeout
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}
		res := vk.WaitForFences(device, 1, []vk.Fence{target.fence}, vk.True, timeoutNanos(remaining))
		switch res {
		case vk.Success:
			// Loop to retire it and re-check the value.
		case vk.Timeout:
			return false, nil
		default:
			return false, fmt.Errorf("vulkan: wait for fences: %w", wrapResult(res))
		}
	}
}

// destroy releases all fences owned by the counter.
func (c *counter) destroy(device vk.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if device == vk.Device(vk.NullHandle) {
		return
	}
	for _, s := range c.pending {
		vk.DestroyFence(device, s.fence, nil)
	}
	for _, f := range c.free {
		vk.DestroyFence(device, f, nil)
	}
	c.pending = nil
	c.free = nil
}
