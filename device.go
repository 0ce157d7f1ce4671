// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import "time"

// Token is a frame token: a completion-counter value tied to one GPU
// submission. Once the counter's signaled value is at or past a token,
// every piece of GPU work submitted with that token (or an earlier one)
// has completed. Tokens are issued strictly increasing and never reused.
type Token uint64

// NoTimeout requests an unbounded wait. Any negative duration passed to a
// wait operation means "block until the counter advances or the device is
// lost"; it is used during clean shutdown.
const NoTimeout time.Duration = -1

// Fence is an opaque handle to a GPU-signaled monotonic 64-bit completion
// counter. Fences are created by a Device and owned by whoever acquired
// them (a FencePool slot, or a FrameSync primary counter).
type Fence interface {
	// NativeHandle returns the backend handle for debugging and
	// interop. It may be 0 when the backend has no single native object.
	NativeHandle() uintptr
}

// Device abstracts the GPU backend operations framesync needs: fence
// lifecycle, host-visible value queries, blocking waits, and the full
// device-idle wait used as the conservative reclamation fallback.
//
// Implementations must be safe for concurrent use. The device and queue
// handles behind an implementation are supplied by the host application;
// framesync never selects or creates them itself.
//
// Backends live in backend/wgpu and backend/vulkan. Tests use in-memory
// mock devices.
type Device interface {
	// CreateFence creates a new completion counter starting at value 0.
	CreateFence() (Fence, error)

	// DestroyFence releases a fence. Destroying a fence the GPU may still
	// signal is undefined behavior; callers wait first.
	DestroyFence(Fence)

	// FenceValue returns the counter's current signaled value. On failure
	// (device lost, transient query error) it returns a non-nil error and
	// callers must not treat the returned value as meaningful.
	FenceValue(Fence) (uint64, error)

	// Wait blocks until the fence reaches value, the timeout elapses, or
	// the device reports loss. A negative timeout (NoTimeout) waits
	// forever. It returns (true, nil) when the value was reached and
	// (false, nil) on timeout. Device loss is reported as an error
	// wrapping ErrDeviceLost.
	Wait(f Fence, value uint64, timeout time.Duration) (bool, error)

	// WaitIdle blocks until all submitted GPU work completes. Coarse and
	// expensive, but always a correct synchronization point.
	WaitIdle() error
}

// WaitStatus is the outcome of a frame-token wait.
type WaitStatus int

const (
	// WaitOK means the counter reached the requested token.
	WaitOK WaitStatus = iota

	// WaitTimeout means the timeout elapsed first. The resource guarded
	// by the token is still in use; retry with a longer timeout or
	// escalate to a full device-idle wait.
	WaitTimeout

	// WaitDeviceLost means the device reported loss. The condition has
	// already been funneled to the attached Recovery, if any.
	WaitDeviceLost
)

// String returns a human-readable name for the status.
func (s WaitStatus) String() string {
	switch s {
	case WaitOK:
		return "ok"
	case WaitTimeout:
		return "timeout"
	case WaitDeviceLost:
		return "device-lost"
	default:
		return "unknown"
	}
}
