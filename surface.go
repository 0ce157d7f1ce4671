// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import "sync"

// PendingFlags reports deferred swapchain work consumed at a frame
// boundary.
type PendingFlags struct {
	// Recreate means the swapchain must be rebuilt before further
	// presentation.
	Recreate bool

	// Resize means the surface changed size; Width and Height carry the
	// most recent pending dimensions.
	Resize bool

	Width  int
	Height int
}

// Any reports whether any deferred work is pending.
func (f PendingFlags) Any() bool { return f.Recreate || f.Resize }

// SurfaceCoordinator tracks swapchain recreation and resize requests
// raised by window events and defers acting on them to a frame boundary
// on the render thread.
//
// Window-event callbacks run on arbitrary goroutines and are only allowed
// to set flags here; they never touch GPU objects. The render thread calls
// ConsumePending once per frame boundary and, while anything is pending,
// must defer resource-destructive operations (such as a scene re-upload
// that destroys old buffers) until after recreation completes; otherwise
// stale swapchain-dependent state would be baked into new resources.
type SurfaceCoordinator struct {
	mu    sync.Mutex
	flags PendingFlags
}

// NewSurfaceCoordinator creates a coordinator with nothing pending.
func NewSurfaceCoordinator() *SurfaceCoordinator {
	return &SurfaceCoordinator{}
}

// MarkResizePending records a surface resize. Safe to call from a
// window-event callback on any goroutine; later calls overwrite the
// pending dimensions.
func (c *SurfaceCoordinator) MarkResizePending(width, height int) {
	c.mu.Lock()
	c.flags.Resize = true
	c.flags.Width = width
	c.flags.Height = height
	c.mu.Unlock()
}

// MarkRecreatePending records that the swapchain must be rebuilt
// (out-of-date surface, format change). Safe from any goroutine.
func (c *SurfaceCoordinator) MarkRecreatePending() {
	c.mu.Lock()
	c.flags.Recreate = true
	c.mu.Unlock()
}

// ConsumePending returns the accumulated flags and clears them. Call once
// per frame boundary on the render thread.
func (c *SurfaceCoordinator) ConsumePending() PendingFlags {
	c.mu.Lock()
	f := c.flags
	c.flags = PendingFlags{}
	c.mu.Unlock()
	return f
}

// Pending peeks at whether any deferred work exists without consuming it.
// Collaborators use it to postpone destructive operations while leaving
// the flags for the render loop to consume.
func (c *SurfaceCoordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Any()
}
