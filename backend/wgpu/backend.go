// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu implements the framesync device abstraction over the
// gogpu/wgpu HAL.
//
// The backend either creates its own instance/adapter/device (Init) or
// adopts a device owned by the host application through a
// gpucontext.DeviceProvider (Adopt). Completion counters are HAL fences;
// each queue submission signals an ascending value through Submit.
package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/framesync"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import the Vulkan HAL backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Backend errors.
var (
	// ErrNotInitialized is returned when using the backend before Init or Adopt.
	ErrNotInitialized = errors.New("wgpu: backend not initialized")

	// ErrNoAdapter is returned when no GPU adapter is available.
	ErrNoAdapter = errors.New("wgpu: no GPU adapters found")

	// ErrBackendUnavailable is returned when the HAL has no usable backend.
	ErrBackendUnavailable = errors.New("wgpu: vulkan backend not available")

	// ErrInvalidProvider is returned by Adopt when the provider does not
	// expose HAL device access.
	ErrInvalidProvider = errors.New("wgpu: provider does not expose a HAL device")

	// ErrForeignFence is returned when a fence from another backend is passed in.
	ErrForeignFence = errors.New("wgpu: fence not created by this backend")
)

// deviceWaitTimeout bounds individual fence waits performed by WaitIdle.
const deviceWaitTimeout = 5 * time.Second

// Backend manages HAL GPU resources and implements framesync.Device.
//
// Backend is safe for concurrent use.
type Backend struct {
	mu sync.RWMutex

	// HAL resources
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	// owned reports whether Init created the device (vs adoption).
	owned       bool
	initialized bool

	// fences tracks counters created by this backend, for WaitIdle.
	fences map[*fence]struct{}
}

// NewBackend creates a backend. It must be initialized with Init or Adopt
// before use.
func NewBackend() *Backend {
	return &Backend{fences: make(map[*fence]struct{})}
}

// Init creates an instance, selects an adapter (preferring discrete then
// integrated GPUs), and opens a device and queue.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return ErrBackendUnavailable
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}

	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.owned = true
	b.initialized = true

	framesync.Logger().Info("wgpu backend initialized",
		slog.String("adapter", selected.Info.Name))
	return nil
}

// Adopt takes the device and queue from a host application that owns them
// (for example a gogpu.App), instead of creating a separate GPU instance.
// The provider must also expose HAL access via HalDevice/HalQueue.
//
// Adopted devices are not destroyed by Close; their owner keeps that
// responsibility.
func (b *Backend) Adopt(provider gpucontext.DeviceProvider) error {
	hp, ok := provider.(interface {
		HalDevice() any
		HalQueue() any
	})
	if !ok {
		return ErrInvalidProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return ErrInvalidProvider
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return ErrInvalidProvider
	}
	return b.AdoptHAL(device, queue)
}

// AdoptHAL takes an externally owned HAL device and queue directly.
func (b *Backend) AdoptHAL(device hal.Device, queue hal.Queue) error {
	if device == nil || queue == nil {
		return ErrInvalidProvider
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return errors.New("wgpu: backend already initialized")
	}
	b.device = device
	b.queue = queue
	b.owned = false
	b.initialized = true
	framesync.Logger().Info("wgpu backend adopted external device")
	return nil
}

// IsInitialized reports whether the backend is ready for use.
func (b *Backend) IsInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// Device returns the underlying HAL device, or nil before initialization.
func (b *Backend) Device() hal.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.device
}

// Queue returns the underlying HAL queue, or nil before initialization.
func (b *Backend) Queue() hal.Queue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queue
}

// Submit submits command buffers that signal f to value on completion.
// Values must be ascending per fence; framesync issues them that way.
func (b *Backend) Submit(bufs []hal.CommandBuffer, f framesync.Fence, value uint64) error {
	b.mu.RLock()
	queue := b.queue
	initialized := b.initialized
	b.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	wf, ok := f.(*fence)
	if !ok {
		return ErrForeignFence
	}
	wf.addPending(value)
	if err := queue.Submit(bufs, wf.hal, value); err != nil {
		return fmt.Errorf("wgpu: submit: %w", wrapLost(err))
	}
	return nil
}

// CreateFence implements framesync.Device.
func (b *Backend) CreateFence() (framesync.Fence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	hf, err := b.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	f := &fence{hal: hf}
	b.fences[f] = struct{}{}
	return f, nil
}

// DestroyFence implements framesync.Device.
func (b *Backend) DestroyFence(f framesync.Fence) {
	wf, ok := f.(*fence)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.fences, wf)
	device := b.device
	b.mu.Unlock()
	if device != nil {
		device.DestroyFence(wf.hal)
	}
}

// FenceValue implements framesync.Device. The HAL exposes fence waits, not
// value queries, so the confirmed value is advanced by zero-timeout polls
// of the pending signal values in submission order. The reported value
// never runs ahead of what the GPU confirmed.
func (b *Backend) FenceValue(f framesync.Fence) (uint64, error) {
	b.mu.RLock()
	device := b.device
	initialized := b.initialized
	b.mu.RUnlock()
	if !initialized {
		return 0, ErrNotInitialized
	}
	wf, ok := f.(*fence)
	if !ok {
		return 0, ErrForeignFence
	}
	return wf.poll(device)
}

// Wait implements framesync.Device.
func (b *Backend) Wait(f framesync.Fence, value uint64, timeout time.Duration) (bool, error) {
	b.mu.RLock()
	device := b.device
	initialized := b.initialized
	b.mu.RUnlock()
	if !initialized {
		return false, ErrNotInitialized
	}
	wf, ok := f.(*fence)
	if !ok {
		return false, ErrForeignFence
	}
	return wf.wait(device, value, timeout)
}

// WaitIdle implements framesync.Device. The HAL has no whole-device idle
// wait, so every live fence is waited to its highest submitted signal
// value, which by construction covers all tracked submissions.
func (b *Backend) WaitIdle() error {
	b.mu.RLock()
	device := b.device
	initialized := b.initialized
	fences := make([]*fence, 0, len(b.fences))
	for f := range b.fences {
		fences = append(fences, f)
	}
	b.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	for _, f := range fences {
		target := f.maxPending()
		if target == 0 {
			continue
		}
		ok, err := f.wait(device, target, deviceWaitTimeout)
		if err != nil {
			return fmt.Errorf("wgpu: wait idle: %w", err)
		}
		if !ok {
			return fmt.Errorf("wgpu: wait idle timed out at value %d", target)
		}
	}
	return nil
}

// Close destroys owned HAL resources. Fences created by this backend must
// be destroyed by their owners first; Close releases any stragglers.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil
	}
	for f := range b.fences {
		b.device.DestroyFence(f.hal)
		delete(b.fences, f)
	}
	if b.owned {
		if b.device != nil {
			b.device.Destroy()
		}
		if b.instance != nil {
			b.instance.Destroy()
		}
	}
	b.device = nil
	b.queue = nil
	b.instance = nil
	b.initialized = false
	return nil
}

// wrapLost tags a HAL error as device loss. WebGPU collapses device-level
// failures into loss; there is no finer-grained code to preserve.
func wrapLost(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", framesync.ErrDeviceLost, err)
}
