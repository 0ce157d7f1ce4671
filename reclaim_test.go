package framesync

import (
	"errors"
	"sync"
	"testing"
)

// mockAllocator records freed handles.
type mockAllocator struct {
	mu      sync.Mutex
	buffers []uint64
	images  []uint64
	err     error
}

func (a *mockAllocator) FreeBuffer(handle, _ uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.buffers = append(a.buffers, handle)
	return nil
}

func (a *mockAllocator) FreeImage(handle, _ uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.images = append(a.images, handle)
	return nil
}

func (a *mockAllocator) freedCounts() (buffers, images int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers), len(a.images)
}

func newReclaimFixture(t *testing.T) (*mockDevice, *FrameSync, *Recovery, *mockAllocator, *Reclaimer) {
	t.Helper()
	dev := newMockDevice()
	s, err := NewFrameSync(dev, Config{})
	if err != nil {
		t.Fatalf("NewFrameSync failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := NewRecovery(dev, RecoveryConfig{})
	s.AttachRecovery(r)
	alloc := &mockAllocator{}
	return dev, s, r, alloc, NewReclaimer(dev, s, r, alloc)
}

func TestReclaimDirect(t *testing.T) {
	dev, s, _, alloc, m := newReclaimFixture(t)

	res := NewBufferResource(101, 1)
	res.SetLastUse(5)
	signal(s.fence, 5)

	if err := m.Reclaim(res); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if !res.Freed() {
		t.Error("resource not marked freed")
	}
	if buffers, _ := alloc.freedCounts(); buffers != 1 {
		t.Errorf("expected 1 buffer freed, got %d", buffers)
	}
	if _, _, idle := dev.counts(); idle != 0 {
		t.Errorf("direct free performed %d idle waits", idle)
	}

	stats := m.Stats()
	if stats.Freed != 1 || stats.DirectFrees != 1 || stats.IdleWaits != 0 || stats.LostFrees != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimFallbackWaitsIdle(t *testing.T) {
	dev, s, _, alloc, m := newReclaimFixture(t)

	res := NewImageResource(202, 2)
	res.SetLastUse(9)
	signal(s.fence, 3) // counter behind the resource's last use

	if err := m.Reclaim(res); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if !res.Freed() {
		t.Error("resource not freed after fallback")
	}
	if _, images := alloc.freedCounts(); images != 1 {
		t.Errorf("expected 1 image freed, got %d", images)
	}
	if _, _, idle := dev.counts(); idle != 1 {
		t.Errorf("expected 1 idle wait, got %d", idle)
	}
	if stats := m.Stats(); stats.IdleWaits != 1 || stats.DirectFrees != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimQueryErrorFallsBack(t *testing.T) {
	dev, _, r, _, m := newReclaimFixture(t)

	dev.setValueErr(errors.New("query temporarily unavailable"))

	res := NewBufferResource(303, 3)
	res.SetLastUse(1)
	if err := m.Reclaim(res); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if !res.Freed() {
		t.Error("resource not freed")
	}
	if _, _, idle := dev.counts(); idle != 1 {
		t.Errorf("expected conservative idle wait, got %d", idle)
	}
	if r.State() != StateHealthy {
		t.Errorf("transient query failure escalated: %v", r.State())
	}
}

func TestReclaimAfterDeviceLoss(t *testing.T) {
	dev, _, r, alloc, m := newReclaimFixture(t)

	r.MarkDeviceLost()

	res := NewBufferResource(404, 4)
	res.SetLastUse(100) // never signaled
	if err := m.Reclaim(res); err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if !res.Freed() {
		t.Error("resource not freed on a lost device")
	}
	if buffers, _ := alloc.freedCounts(); buffers != 1 {
		t.Errorf("expected 1 buffer freed, got %d", buffers)
	}
	if _, _, idle := dev.counts(); idle != 0 {
		t.Errorf("lost-device free waited on device: %d idle calls", idle)
	}
	if stats := m.Stats(); stats.LostFrees != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimIdempotent(t *testing.T) {
	_, s, _, alloc, m := newReclaimFixture(t)

	res := NewBufferResource(505, 5)
	res.SetLastUse(1)
	signal(s.fence, 1)

	if err := m.Reclaim(res); err != nil {
		t.Fatalf("first Reclaim failed: %v", err)
	}
	if err := m.Reclaim(res); err != nil {
		t.Fatalf("second Reclaim failed: %v", err)
	}
	if buffers, _ := alloc.freedCounts(); buffers != 1 {
		t.Errorf("double reclaim freed %d times", buffers)
	}
	if stats := m.Stats(); stats.Freed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimBatchSingleWait(t *testing.T) {
	dev, s, _, alloc, m := newReclaimFixture(t)

	var rs []*Resource
	for i := 1; i <= 3; i++ {
		r := NewBufferResource(uint64(600+i), uint64(i))
		r.SetLastUse(Token(i))
		rs = append(rs, r)
	}
	signal(s.fence, 1) // behind the batch's highest last use

	if err := m.ReclaimBatch(rs); err != nil {
		t.Fatalf("ReclaimBatch failed: %v", err)
	}
	for i, r := range rs {
		if !r.Freed() {
			t.Errorf("resource %d not freed", i)
		}
	}
	if buffers, _ := alloc.freedCounts(); buffers != 3 {
		t.Errorf("expected 3 buffers freed, got %d", buffers)
	}
	if _, _, idle := dev.counts(); idle != 1 {
		t.Errorf("expected exactly 1 idle wait for the batch, got %d", idle)
	}
}

func TestReclaimBatchDirect(t *testing.T) {
	dev, s, _, _, m := newReclaimFixture(t)

	rs := []*Resource{
		NewBufferResource(701, 1),
		nil, // tolerated
		NewImageResource(702, 2),
	}
	rs[0].SetLastUse(2)
	rs[2].SetLastUse(3)
	signal(s.fence, 3)

	if err := m.ReclaimBatch(rs); err != nil {
		t.Fatalf("ReclaimBatch failed: %v", err)
	}
	if _, _, idle := dev.counts(); idle != 0 {
		t.Errorf("cleared batch still waited: %d idle calls", idle)
	}
	if stats := m.Stats(); stats.DirectFrees != 2 || stats.Freed != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReclaimAllocatorError(t *testing.T) {
	_, s, _, alloc, m := newReclaimFixture(t)
	alloc.err = errors.New("allocation record missing")

	res := NewBufferResource(801, 8)
	res.SetLastUse(1)
	signal(s.fence, 1)

	if err := m.Reclaim(res); err == nil {
		t.Fatal("expected allocator error to propagate")
	}
	if stats := m.Stats(); stats.Freed != 0 {
		t.Errorf("failed free counted: %+v", stats)
	}
	if res.Freed() {
		t.Error("failed free left the resource marked freed")
	}

	// Once the allocator recovers, the same resource can be reclaimed.
	alloc.err = nil
	if err := m.Reclaim(res); err != nil {
		t.Fatalf("retry after allocator recovery failed: %v", err)
	}
	if !res.Freed() {
		t.Error("expected resource freed after retry")
	}
	if stats := m.Stats(); stats.Freed != 1 {
		t.Errorf("retry not counted: %+v", stats)
	}
}

func TestResourceKindString(t *testing.T) {
	if KindBuffer.String() != "buffer" || KindImage.String() != "image" {
		t.Errorf("kind names: %s/%s", KindBuffer, KindImage)
	}
}
