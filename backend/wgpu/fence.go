// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// fence is a completion counter backed by a HAL fence.
//
// confirmed is the highest value the GPU is known to have reached. pending
// holds submitted signal values not yet confirmed, kept sorted ascending.
type fence struct {
	mu        sync.Mutex
	hal       hal.Fence
	confirmed uint64
	pending   []uint64
}

// NativeHandle exposes the underlying HAL fence handle when the HAL
// implementation provides one.
func (f *fence) NativeHandle() uintptr {
	if nh, ok := f.hal.(interface{ NativeHandle() uintptr }); ok {
		return nh.NativeHandle()
	}
	return 0
}

// addPending records a submitted signal value.
func (f *fence) addPending(value uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if value <= f.confirmed {
		return
	}
	f.pending = append(f.pending, value)
	// Submissions signal ascending values, but adoption of an external
	// queue cannot guarantee it. Keep the invariant locally.
	if n := len(f.pending); n > 1 && f.pending[n-1] < f.pending[n-2] {
		sort.Slice(f.pending, func(i, j int) bool { return f.pending[i] < f.pending[j] })
	}
}

// maxPending returns the highest submitted signal value, or 0 when the
// fence has no outstanding work.
func (f *fence) maxPending() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0
	}
	return f.pending[len(f.pending)-1]
}

// poll advances the confirmed value with zero-timeout waits in submission
// order and returns it.
func (f *fence) poll(device hal.Device) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) > 0 {
		reached, err := device.Wait(f.hal, f.pending[0], 0)
		if err != nil {
			return f.confirmed, fmt.Errorf("wgpu: fence poll: %w", wrapLost(err))
		}
		if !reached {
			break
		}
		f.confirmed = f.pending[0]
		f.pending = f.pending[1:]
	}
	return f.confirmed, nil
}

// wait blocks until the fence reaches value or timeout elapses. A negative
// timeout waits indefinitely. Returns false on timeout.
func (f *fence) wait(device hal.Device, value uint64, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	if value <= f.confirmed {
		f.mu.Unlock()
		return true, nil
	}
	f.mu.Unlock()

	if timeout < 0 {
		timeout = time.Duration(math.MaxInt64)
	}
	reached, err := device.Wait(f.hal, value, timeout)
	if err != nil {
		return false, fmt.Errorf("wgpu: fence wait: %w", wrapLost(err))
	}
	if !reached {
		return false, nil
	}

	f.mu.Lock()
	if value > f.confirmed {
		f.confirmed = value
	}
	retired := 0
	for retired < len(f.pending) && f.pending[retired] <= f.confirmed {
		retired++
	}
	f.pending = f.pending[retired:]
	f.mu.Unlock()
	return true, nil
}
