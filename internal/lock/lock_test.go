package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitQueued blocks until n callers are queued behind the holder of key.
func waitQueued(t *testing.T, m *Manager, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		e, ok := m.entries[key]
		queued := 0
		if ok {
			queued = len(e.waiters)
		}
		m.mu.Unlock()
		if queued == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %q", n, key)
}

func TestWithLockSerializesSameKey(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "thread", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 holder, saw %d", maxActive)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty lock table, got %d entries", m.Len())
	}
}

func TestWithLockDifferentKeysDoNotBlock(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	holding := make(chan struct{})
	releaseA := make(chan struct{})
	go m.WithLock(ctx, "a", func(context.Context) error {
		close(holding)
		<-releaseA
		return nil
	})
	<-holding

	done := make(chan error, 1)
	go func() {
		done <- m.WithLock(ctx, "b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WithLock(b): %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	close(releaseA)
}

func TestWithLockFIFO(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	holding := make(chan struct{})
	release := make(chan struct{})
	go m.WithLock(ctx, "k", func(context.Context) error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.WithLock(ctx, "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		waitQueued(t, m, "k", i+1)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLock(ctx, "k", func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("lock leaked after error")
	}
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	func() {
		defer func() { recover() }()
		m.WithLock(ctx, "k", func(context.Context) error { panic("boom") })
	}()

	if m.Len() != 0 {
		t.Fatal("lock leaked after panic")
	}
	if err := m.WithLock(ctx, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("relock: %v", err)
	}
}

func TestWithLockCancelledWaiter(t *testing.T) {
	m := NewManager()

	holding := make(chan struct{})
	release := make(chan struct{})
	go m.WithLock(context.Background(), "k", func(context.Context) error {
		close(holding)
		<-release
		return nil
	})
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ran := false
	go func() {
		done <- m.WithLock(ctx, "k", func(context.Context) error {
			ran = true
			return nil
		})
	}()
	waitQueued(t, m, "k", 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Fatal("fn ran after cancellation")
	}

	close(release)
	if err := m.WithLock(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("relock: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty lock table, got %d", m.Len())
	}
}

func TestDoReturnsValue(t *testing.T) {
	m := NewManager()
	got, err := Do(context.Background(), m, "k", func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Do = %d, %v; want 42, nil", got, err)
	}
}
