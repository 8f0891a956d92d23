package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	t.Parallel()
	var m Map
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(42)
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	if got := maxInside.Load(); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.locks) != 0 {
		t.Fatalf("locks not released: %d left", len(m.locks))
	}
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	t.Parallel()
	var m Map
	unlock := m.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := m.Lock(2)
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on another key blocked")
	}
}
