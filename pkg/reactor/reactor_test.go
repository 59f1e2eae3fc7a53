package reactor

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualAdvance(t *testing.T) {
	clock := NewManual(epoch)

	var order []int
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	clock.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected firing order %v", order)
	}
	if got := clock.Now().Sub(epoch); got != 3*time.Second {
		t.Errorf("Now advanced by %v, want 3s", got)
	}
	if clock.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", clock.Pending())
	}
}

func TestManualNestedTimers(t *testing.T) {
	clock := NewManual(epoch)

	var fired []time.Duration
	clock.AfterFunc(time.Second, func() {
		fired = append(fired, clock.Now().Sub(epoch))
		clock.AfterFunc(time.Second, func() {
			fired = append(fired, clock.Now().Sub(epoch))
		})
	})

	clock.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != time.Second || fired[1] != 2*time.Second {
		t.Errorf("unexpected nested firing %v", fired)
	}
}

func TestManualStop(t *testing.T) {
	clock := NewManual(epoch)

	var called bool
	timer := clock.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Error("first Stop should report true")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
	clock.Advance(time.Minute)
	if called {
		t.Error("stopped timer fired")
	}
}

func TestSlotArmFires(t *testing.T) {
	clock := NewManual(epoch)
	slot := NewSlot("reset", clock)

	var calls atomic.Int32
	slot.Arm(2*time.Second, func() { calls.Add(1) })
	if !slot.Pending() {
		t.Fatal("expected pending after Arm")
	}

	clock.Advance(1999 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("fired early")
	}
	clock.Advance(time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
	if slot.Pending() {
		t.Error("slot still pending after firing")
	}
}

func TestSlotRearmReplaces(t *testing.T) {
	clock := NewManual(epoch)
	slot := NewSlot("reset", clock)

	var first, second int
	slot.Arm(time.Second, func() { first++ })
	slot.Arm(3*time.Second, func() { second++ })

	clock.Advance(5 * time.Second)
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestSlotCancel(t *testing.T) {
	clock := NewManual(epoch)
	slot := NewSlot("setup", clock)

	var called bool
	slot.Arm(time.Second, func() { called = true })
	if !slot.Cancel() {
		t.Error("Cancel should report a pending action")
	}
	if slot.Cancel() {
		t.Error("second Cancel should report nothing pending")
	}
	clock.Advance(time.Minute)
	if called {
		t.Error("cancelled action ran")
	}
}

func TestSlotStaleFireIgnored(t *testing.T) {
	clock := NewManual(epoch)
	slot := NewSlot("reset", clock)

	var stale []string
	slot.OnStale(func(name string) { stale = append(stale, name) })

	var called bool
	slot.Arm(time.Second, func() { called = true })
	timer := slot.Timer()
	slot.Cancel()

	// The timer callback was already running when Cancel happened.
	clock.Fire(timer)
	if called {
		t.Error("stale timer ran its action")
	}
	if len(stale) != 1 || stale[0] != "reset" {
		t.Errorf("expected stale notification, got %v", stale)
	}
}

func TestSlotWallClock(t *testing.T) {
	slot := NewSlot("wall", nil)
	done := make(chan struct{})
	slot.Arm(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wall slot never fired")
	}
}
