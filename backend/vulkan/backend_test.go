package vulkan

import (
	"errors"
	"math"
	"testing"
	"time"

	vk "github.com/vulkan-go/vulkan"

	"github.com/gogpu/framesync"
)

// Driver-dependent paths (fence creation, waits) need a live Vulkan
// instance and are covered by the integration suite of the embedding
// application. These tests cover the pure bookkeeping.

func TestAdoptNullDevice(t *testing.T) {
	_, err := Adopt(vk.Device(vk.NullHandle))
	if !errors.Is(err, framesync.ErrNilDevice) {
		t.Fatalf("Adopt(null) = %v, want ErrNilDevice", err)
	}
}

func TestWrapResultDeviceLost(t *testing.T) {
	err := wrapResult(vk.ErrorDeviceLost)
	if !errors.Is(err, framesync.ErrDeviceLost) {
		t.Errorf("wrapResult(ErrorDeviceLost) = %v, want wrapped ErrDeviceLost", err)
	}

	err = wrapResult(vk.ErrorOutOfDeviceMemory)
	if errors.Is(err, framesync.ErrDeviceLost) {
		t.Errorf("wrapResult(ErrorOutOfDeviceMemory) wrongly tagged as device loss")
	}
	if err == nil {
		t.Error("expected non-nil error for failing result")
	}
}

func TestTimeoutNanos(t *testing.T) {
	if got := timeoutNanos(framesync.NoTimeout); got != math.MaxUint64 {
		t.Errorf("timeoutNanos(NoTimeout) = %d, want max", got)
	}
	if got := timeoutNanos(0); got != 0 {
		t.Errorf("timeoutNanos(0) = %d, want 0", got)
	}
	if got := timeoutNanos(time.Second); got != uint64(time.Second.Nanoseconds()) {
		t.Errorf("timeoutNanos(1s) = %d", got)
	}
}

func TestCounterNativeHandle(t *testing.T) {
	c := &counter{}
	if c.NativeHandle() != 0 {
		t.Error("emulated counter should expose no native handle")
	}
}

// A bounded wait for a value nothing pending can reach must time out like
// any other wait rather than fail; only an unbounded wait in that state is
// reported as an ordering error. Neither path touches the driver.
func TestCounterWaitNoPending(t *testing.T) {
	c := &counter{confirmed: 2}
	dev := vk.Device(vk.NullHandle)

	ok, err := c.wait(dev, 2, 0)
	if err != nil || !ok {
		t.Fatalf("wait(confirmed value) = (%v, %v), want (true, nil)", ok, err)
	}

	start := time.Now()
	ok, err = c.wait(dev, 5, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("bounded wait with no pending: %v", err)
	}
	if ok {
		t.Error("bounded wait with no pending reported success")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("bounded wait returned after %v, want ~30ms", elapsed)
	}

	if _, err = c.wait(dev, 5, framesync.NoTimeout); err == nil {
		t.Error("unbounded wait with no pending should fail")
	}
}
