// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vulkan implements the framesync device abstraction directly over
// a Vulkan device, for applications that drive Vulkan themselves instead of
// going through the gogpu/wgpu HAL.
//
// Vulkan 1.0 has only binary fences, so each completion counter is emulated
// with a pool of binary fences: SignalOnSubmit hands out a fence to attach
// to vkQueueSubmit together with the counter value it stands for, and the
// counter value advances as those fences signal in submission order.
package vulkan

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/framesync"
)

// Backend errors.
var (
	// ErrNotInitialized is returned when using the backend before Adopt.
	ErrNotInitialized = errors.New("vulkan: backend not initialized")

	// ErrForeignFence is returned when a fence from another backend is passed in.
	ErrForeignFence = errors.New("vulkan: fence not created by this backend")
)

// Backend implements framesync.Device over a Vulkan logical device owned by
// the host application. The application keeps ownership of the device; the
// backend only creates and destroys the binary fences it hands out.
//
// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.RWMutex
	device   vk.Device
	counters map[*counter]struct{}
}

// Adopt wraps an existing Vulkan logical device.
func Adopt(device vk.Device) (*Backend, error) {
	if device == vk.Device(vk.NullHandle) {
		return nil, framesync.ErrNilDevice
	}
	return &Backend{
		device:   device,
		counters: make(map[*counter]struct{}),
	}, nil
}

// CreateFence implements framesync.Device.
func (b *Backend) CreateFence() (framesync.Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device == vk.Device(vk.NullHandle) {
		return nil, ErrNotInitialized
	}
	c := &counter{backend: b}
	b.counters[c] = struct{}{}
	return c, nil
}

// DestroyFence implements framesync.Device.
func (b *Backend) DestroyFence(f framesync.Fence) {
	c, ok := f.(*counter)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.counters, c)
	device := b.device
	b.mu.Unlock()
	c.destroy(device)
}

// SignalOnSubmit returns a reset binary fence to pass to vkQueueSubmit for
// the submission that completes counter value. Values must be issued
// ascending per counter.
func (b *Backend) SignalOnSubmit(f framesync.Fence, value uint64) (vk.Fence, error) {
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()
	if device == vk.Device(vk.NullHandle) {
		return vk.Fence(vk.NullHandle), ErrNotInitialized
	}
	c, ok := f.(*counter)
	if !ok {
		return vk.Fence(vk.NullHandle), ErrForeignFence
	}
	return c.signalOnSubmit(device, value)
}

// FenceValue implements framesync.Device.
func (b *Backend) FenceValue(f framesync.Fence) (uint64, error) {
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()
	if device == vk.Device(vk.NullHandle) {
		return 0, ErrNotInitialized
	}
	c, ok := f.(*counter)
	if !ok {
		return 0, ErrForeignFence
	}
	return c.poll(device)
}

// Wait implements framesync.Device. A negative timeout waits indefinitely.
func (b *Backend) Wait(f framesync.Fence, value uint64, timeout time.Duration) (bool, error) {
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()
	if device == vk.Device(vk.NullHandle) {
		return false, ErrNotInitialized
	}
	c, ok := f.(*counter)
	if !ok {
		return false, ErrForeignFence
	}
	return c.wait(device, value, timeout)
}

// WaitIdle implements framesync.Device via vkDeviceWaitIdle.
func (b *Backend) WaitIdle() error {
	b.mu.RLock()
	device := b.device
	b.mu.RUnlock()
	if device == vk.Device(vk.NullHandle) {
		return ErrNotInitialized
	}
	if res := vk.DeviceWaitIdle(device); res != vk.Success {
		return fmt.Errorf("vulkan: device wait idle: %w", wrapResult(res))
	}
	return nil
}

// Close destroys all fences handed out by the backend. The adopted Vulkan
// device is left to its owner.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.counters {
		c.destroy(b.device)
		delete(b.counters, c)
	}
	b.device = vk.Device(vk.NullHandle)
	return nil
}

// wrapResult converts a Vulkan result code to an error. VK_ERROR_DEVICE_LOST
// is tagged with framesync.ErrDeviceLost so errors.Is sees the loss.
func wrapResult(res vk.Result) error {
	if res == vk.ErrorDeviceLost {
		return fmt.Errorf("%w: %v", framesync.ErrDeviceLost, vk.Error(res))
	}
	return vk.Error(res)
}

// timeoutNanos converts a wait timeout to Vulkan nanoseconds, where a
// negative duration means wait forever.
func timeoutNanos(timeout time.Duration) uint64 {
	if timeout < 0 {
		return math.MaxUint64
	}
	return uint64(timeout.Nanoseconds())
}
