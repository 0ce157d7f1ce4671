// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import "errors"

// Core errors.
var (
	// ErrDeviceLost indicates the logical GPU device became unusable.
	// Backends translate their native loss codes to this sentinel so call
	// sites can funnel the condition to Recovery instead of handling it
	// locally.
	ErrDeviceLost = errors.New("framesync: device lost")

	// ErrPoolExhausted is returned by FencePool.Acquire when every slot is
	// in use and the pool is at its configured maximum size.
	ErrPoolExhausted = errors.New("framesync: fence pool exhausted")

	// ErrPoolClosed is returned when operating on a closed fence pool.
	ErrPoolClosed = errors.New("framesync: fence pool closed")

	// ErrSyncClosed is returned when operating on a closed FrameSync.
	ErrSyncClosed = errors.New("framesync: frame sync closed")

	// ErrRecovering is returned while device recovery is in progress and
	// new submissions or non-recovery resource destruction are rejected.
	ErrRecovering = errors.New("framesync: device recovery in progress")

	// ErrRecoveryFailed indicates recovery was attempted the maximum number
	// of times and the renderer must not attempt further GPU work.
	ErrRecoveryFailed = errors.New("framesync: device recovery failed permanently")

	// ErrNilDevice is returned by constructors given a nil device.
	ErrNilDevice = errors.New("framesync: device is nil")
)
