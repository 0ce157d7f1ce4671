// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the recovery state machine position.
//
// Transitions: Healthy → DeviceLost → Recovering → {Healthy, Failed}.
// Failed is terminal.
type State int32

const (
	// StateHealthy is the initial and normal operating state.
	StateHealthy State = iota

	// StateDeviceLost means a device loss was observed and normal
	// operation is suspended until recovery runs.
	StateDeviceLost

	// StateRecovering means a recovery attempt is in progress.
	StateRecovering

	// StateFailed means recovery was exhausted; no further attempts are
	// made automatically and the application must not submit GPU work.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDeviceLost:
		return "device-lost"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Default recovery configuration constants.
const (
	// DefaultMaxAttempts is the number of recovery attempts before the
	// state machine gives up.
	DefaultMaxAttempts = 3

	// DefaultIdleWaitTimeout bounds the wait for outstanding GPU work at
	// the start of an attempt; a lost device may never respond.
	DefaultIdleWaitTimeout = 2 * time.Second
)

// RecoveryConfig holds configuration for creating a Recovery.
type RecoveryConfig struct {
	// MaxAttempts is the attempt budget per loss episode (default: 3).
	MaxAttempts int

	// IdleWaitTimeout bounds the pre-teardown idle wait (default: 2s).
	IdleWaitTimeout time.Duration

	// OnDeviceLost is invoked exactly once per Healthy→DeviceLost
	// transition, before any recovery attempt.
	OnDeviceLost func()

	// OnRecoveryComplete is invoked exactly once per episode outcome:
	// with true on the transition back to Healthy, with false on the
	// transition to Failed.
	OnRecoveryComplete func(success bool)

	// Teardown releases all GPU objects through the reclaimer's
	// force path. It runs while the device is presumed gone, so
	// implementations must not wait on it.
	Teardown func() error

	// Rebuild recreates the device, swapchain, and pipelines through the
	// external collaborators. A nil Rebuild makes every attempt fail.
	Rebuild func(ctx context.Context) error
}

// Recovery is the bounded device-loss detection-and-recovery state
// machine. Call sites that observe a loss funnel it here via
// MarkDeviceLost rather than attempting ad hoc recovery, which keeps
// partial-recovery state impossible by construction.
//
// State transitions happen on the render thread; MarkDeviceLost may be
// called from any goroutine that observes a loss.
type Recovery struct {
	device Device
	cfg    RecoveryConfig

	mu       sync.Mutex
	state    State
	attempts int
}

// NewRecovery creates a Recovery in the Healthy state.
func NewRecovery(device Device, cfg RecoveryConfig) *Recovery {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.IdleWaitTimeout <= 0 {
		cfg.IdleWaitTimeout = DefaultIdleWaitTimeout
	}
	return &Recovery{device: device, cfg: cfg}
}

// State returns the current state.
func (r *Recovery) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsDeviceLost reports whether the device is currently unusable
// (lost, recovering, or permanently failed).
func (r *Recovery) IsDeviceLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StateHealthy
}

// InProgress reports whether a recovery attempt is running.
func (r *Recovery) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRecovering
}

// Stats returns the attempt count of the current episode and the
// configured maximum.
func (r *Recovery) Stats() (attempts, maxAttempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts, r.cfg.MaxAttempts
}

// Gate rejects operations that must not run outside the recovery path.
// It returns nil when Healthy, ErrDeviceLost when a loss is pending,
// ErrRecovering during an attempt, and ErrRecoveryFailed after the state
// machine gave up.
func (r *Recovery) Gate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateHealthy:
		return nil
	case StateDeviceLost:
		return ErrDeviceLost
	case StateRecovering:
		return ErrRecovering
	default:
		return ErrRecoveryFailed
	}
}

// MarkDeviceLost records a device loss. Only the Healthy→DeviceLost
// transition fires OnDeviceLost; repeated reports within the same episode
// are no-ops, and a loss observed during Recovering simply lets the
// current attempt fail on its own.
func (r *Recovery) MarkDeviceLost() {
	r.mu.Lock()
	if r.state != StateHealthy {
		r.mu.Unlock()
		return
	}
	r.state = StateDeviceLost
	cb := r.cfg.OnDeviceLost
	r.mu.Unlock()

	Logger().Info("device lost")
	if cb != nil {
		cb()
	}
}

// AttemptRecovery runs one recovery attempt: a bounded wait for any
// outstanding GPU work, force-path teardown of all GPU objects, and
// rebuild through the external collaborators. Returns true when the
// state machine is back to Healthy.
//
// On success the attempt count resets to 0. On failure it increments;
// past MaxAttempts the state becomes Failed permanently and
// OnRecoveryComplete(false) fires.
func (r *Recovery) AttemptRecovery(ctx context.Context) bool {
	r.mu.Lock()
	if r.state != StateDeviceLost {
		ok := r.state == StateHealthy
		r.mu.Unlock()
		return ok
	}
	r.state = StateRecovering
	attempt := r.attempts + 1
	r.mu.Unlock()

	Logger().Info("recovery attempt", slog.Int("attempt", attempt))

	err := r.runAttempt(ctx)

	r.mu.Lock()
	if err == nil {
		r.state = StateHealthy
		r.attempts = 0
		cb := r.cfg.OnRecoveryComplete
		r.mu.Unlock()

		Logger().Info("recovery succeeded")
		if cb != nil {
			cb(true)
		}
		return true
	}

	r.attempts++
	if r.attempts > r.cfg.MaxAttempts {
		r.state = StateFailed
		cb := r.cfg.OnRecoveryComplete
		attempts := r.attempts
		r.mu.Unlock()

		Logger().Error("recovery exhausted",
			slog.Int("attempts", attempts), slog.Any("err", err))
		if cb != nil {
			cb(false)
		}
		return false
	}
	r.state = StateDeviceLost
	r.mu.Unlock()

	Logger().Warn("recovery attempt failed", slog.Int("attempt", attempt), slog.Any("err", err))
	return false
}

// runAttempt performs the wait/teardown/rebuild sequence for one attempt.
func (r *Recovery) runAttempt(ctx context.Context) error {
	// Wait for whatever outstanding work the device will still complete.
	// The wait is bounded: a lost device may never answer, in which case
	// the idle call is abandoned and teardown proceeds.
	if r.device != nil {
		done := make(chan struct{})
		go func() {
			_ = r.device.WaitIdle()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.cfg.IdleWaitTimeout):
			Logger().Warn("idle wait abandoned, device unresponsive")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Force-path teardown: the device is presumed gone, so resources are
	// freed without waiting.
	if r.cfg.Teardown != nil {
		if err := r.cfg.Teardown(); err != nil {
			return err
		}
	}

	if r.cfg.Rebuild == nil {
		return ErrRecoveryFailed
	}
	return r.cfg.Rebuild(ctx)
}

// Recover drives AttemptRecovery with exponential backoff until the state
// machine reaches Healthy or Failed. It returns nil on success,
// ErrRecoveryFailed once attempts are exhausted, or the context error if
// ctx is canceled first.
func (r *Recovery) Recover(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	op := func() error {
		if r.AttemptRecovery(ctx) {
			return nil
		}
		if r.State() == StateFailed {
			return backoff.Permanent(ErrRecoveryFailed)
		}
		return ErrRecovering
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
