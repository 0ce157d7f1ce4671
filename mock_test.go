package framesync

import (
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Mock Types for Testing
// =============================================================================

// mockFence is a test double for Fence with a host-settable signaled value.
type mockFence struct {
	id    int
	value atomic.Uint64
}

func (f *mockFence) NativeHandle() uintptr { return uintptr(f.id) }

// mockDevice is a test double for Device. Fence values are advanced by the
// test via signal; Wait polls until the value is reached or the timeout
// elapses.
type mockDevice struct {
	mu        sync.Mutex
	nextID    int
	created   int
	destroyed int
	idleCalls int

	// failCreates makes the next N CreateFence calls fail.
	failCreates int
	createErr   error

	valueErr error
	waitErr  error
	idleErr  error

	// idleDelay simulates an unresponsive device in WaitIdle.
	idleDelay time.Duration
}

func newMockDevice() *mockDevice {
	return &mockDevice{}
}

func (d *mockDevice) CreateFence() (Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreates > 0 {
		d.failCreates--
		return nil, d.createErr
	}
	d.nextID++
	d.created++
	return &mockFence{id: d.nextID}, nil
}

func (d *mockDevice) DestroyFence(_ Fence) {
	d.mu.Lock()
	d.destroyed++
	d.mu.Unlock()
}

func (d *mockDevice) FenceValue(f Fence) (uint64, error) {
	d.mu.Lock()
	err := d.valueErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.(*mockFence).value.Load(), nil
}

func (d *mockDevice) Wait(f Fence, value uint64, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	err := d.waitErr
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	mf := f.(*mockFence)
	deadline := time.Now().Add(timeout)
	if timeout < 0 {
		deadline = time.Now().Add(time.Hour)
	}
	for {
		if mf.value.Load() >= value {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *mockDevice) WaitIdle() error {
	d.mu.Lock()
	d.idleCalls++
	delay := d.idleDelay
	err := d.idleErr
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

// signal advances a fence's signaled value, as the GPU would.
func signal(f Fence, value uint64) {
	f.(*mockFence).value.Store(value)
}

func (d *mockDevice) counts() (created, destroyed, idleCalls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created, d.destroyed, d.idleCalls
}

func (d *mockDevice) setWaitErr(err error) {
	d.mu.Lock()
	d.waitErr = err
	d.mu.Unlock()
}

func (d *mockDevice) setValueErr(err error) {
	d.mu.Lock()
	d.valueErr = err
	d.mu.Unlock()
}
