package sandbox

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	id := uuid.New()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(id)
			defer unlock()
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive.Load())
	}
	if k.len() != 0 {
		t.Errorf("entries left = %d, want 0", k.len())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock(uuid.New())
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock(uuid.New())
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
