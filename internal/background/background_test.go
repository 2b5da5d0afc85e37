package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHistory_BatchPrune(t *testing.T) {
	h := NewHistory[int](1000, 100)
	id := uuid.New()

	for i := range 1100 {
		h.Append(map[uuid.UUID]int{id: i})
		if n := h.Len(id); n > 1000 {
			t.Fatalf("after %d appends len = %d, exceeds limit", i+1, n)
		}
	}
	// 1001st append drops 100 (901 left), 99 more appends reach 1000.
	if n := h.Len(id); n != 1000 {
		t.Errorf("len = %d, want 1000", n)
	}
	all := h.All(id)
	if all[0] != 100 || all[len(all)-1] != 1099 {
		t.Errorf("range = %d..%d, want 100..1099", all[0], all[len(all)-1])
	}
}

func TestHistory_SmallCap(t *testing.T) {
	h := NewHistory[int](100, 10)
	id := uuid.New()
	for i := range 101 {
		h.Append(map[uuid.UUID]int{id: i})
	}
	if n := h.Len(id); n != 91 {
		t.Errorf("len = %d, want 91", n)
	}
}

func TestHistory_RecentAndLatest(t *testing.T) {
	h := NewHistory[int](10, 2)
	id := uuid.New()
	for i := range 5 {
		h.Append(map[uuid.UUID]int{id: i})
	}

	recent := h.Recent(id, 3)
	if len(recent) != 3 || recent[0] != 4 || recent[2] != 2 {
		t.Errorf("Recent(3) = %v, want [4 3 2]", recent)
	}
	if got := h.Recent(id, 0); len(got) != 5 {
		t.Errorf("Recent(0) len = %d, want 5", len(got))
	}
	if v, ok := h.Latest(id); !ok || v != 4 {
		t.Errorf("Latest = %d, %v", v, ok)
	}
	if _, ok := h.Latest(uuid.New()); ok {
		t.Error("Latest of unknown sandbox should be absent")
	}
	if got := h.Recent(uuid.New(), 5); len(got) != 0 {
		t.Errorf("Recent of unknown sandbox = %v", got)
	}
}

func TestHistory_Retain(t *testing.T) {
	h := NewHistory[string](10, 1)
	keep, gone := uuid.New(), uuid.New()
	h.Append(map[uuid.UUID]string{keep: "a", gone: "b"})

	if n := h.Retain(map[uuid.UUID]struct{}{keep: {}}); n != 1 {
		t.Errorf("dropped = %d, want 1", n)
	}
	if h.Len(gone) != 0 {
		t.Error("series of departed sandbox kept")
	}
	if len(h.LatestAll()) != 1 {
		t.Errorf("LatestAll = %v", h.LatestAll())
	}
}

func TestRunner_StartStop(t *testing.T) {
	r := NewRunner("test loop", nil)
	var cycles atomic.Int32
	cycle := func(context.Context) { cycles.Add(1) }
	interval := func(context.Context) time.Duration { return 5 * time.Millisecond }

	if !r.Start(context.Background(), cycle, interval) {
		t.Fatal("first Start should start the loop")
	}
	if r.Start(context.Background(), cycle, interval) {
		t.Error("second Start should be a no-op")
	}
	if !r.Running() {
		t.Error("Running() = false after Start")
	}

	deadline := time.Now().Add(time.Second)
	for cycles.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cycles.Load() < 3 {
		t.Fatalf("cycles = %d, want >= 3", cycles.Load())
	}

	r.Stop()
	if r.Running() {
		t.Error("Running() = true after Stop")
	}
	after := cycles.Load()
	time.Sleep(20 * time.Millisecond)
	if cycles.Load() != after {
		t.Error("loop kept cycling after Stop")
	}
	r.Stop()

	if !r.Start(context.Background(), cycle, interval) {
		t.Error("Start after Stop should restart")
	}
	r.Stop()
}

func TestRunner_StopInterruptsLongInterval(t *testing.T) {
	r := NewRunner("slow loop", nil)
	r.Start(context.Background(), func(context.Context) {}, func(context.Context) time.Duration { return time.Hour })

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the interval wait")
	}
}

func TestRunner_ParentContext(t *testing.T) {
	r := NewRunner("ctx loop", nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx, func(context.Context) {}, func(context.Context) time.Duration { return time.Hour })
	cancel()

	deadline := time.Now().Add(time.Second)
	for r.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Running() {
		t.Fatal("loop did not exit with its context")
	}
	if !r.Start(context.Background(), func(context.Context) {}, func(context.Context) time.Duration { return time.Hour }) {
		t.Error("restart after context end failed")
	}
	r.Stop()
}
