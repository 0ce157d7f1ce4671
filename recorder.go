// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framesync

import (
	"errors"
	"fmt"

	"github.com/gogpu/framesync/internal/record"
)

// Recorder records secondary command buffers in parallel on a fixed
// worker pool. The workers only run the recording closures; the recorded
// buffers come back to the calling goroutine in index order, and the
// caller (the render thread) submits them. Workers never call the
// wait/reclaim/recovery APIs.
type Recorder struct {
	pool *record.Pool
}

// NewRecorder creates a recorder backed by the given number of workers
// (GOMAXPROCS when workers <= 0).
func NewRecorder(workers int) *Recorder {
	return &Recorder{pool: record.NewPool(workers)}
}

// Workers returns the worker count.
func (r *Recorder) Workers() int { return r.pool.Workers() }

// Close shuts down the workers, completing any queued recording first.
func (r *Recorder) Close() { r.pool.Close() }

// RecordParallel records n command buffers concurrently using fn and
// returns them in index order, which is the submission order the caller
// must preserve. The buffer type T is backend-specific (hal.CommandBuffer,
// vulkan.CommandBuffer, ...).
//
// Every index is attempted even after a failure; the joined errors are
// returned alongside the successfully recorded buffers so the caller can
// release them.
func RecordParallel[T any](r *Recorder, n int, fn func(i int) (T, error)) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	results := make([]T, n)
	errs := make([]error, n)
	r.pool.Run(n, func(i int) {
		results[i], errs[i] = fn(i)
	})
	for i, err := range errs {
		if err != nil {
			errs[i] = fmt.Errorf("framesync: record buffer %d: %w", i, err)
		}
	}
	return results, errors.Join(errs...)
}
