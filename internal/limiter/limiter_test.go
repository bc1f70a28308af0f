package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	t.Run("acquire and release within capacity", func(t *testing.T) {
		l := New(100)

		if err := l.Acquire(context.Background(), 60); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if got := l.InUse(); got != 60 {
			t.Errorf("InUse() = %d, want 60", got)
		}

		l.Release(60)
		if got := l.InUse(); got != 0 {
			t.Errorf("InUse() = %d, want 0", got)
		}
	})

	t.Run("blocks until capacity frees up", func(t *testing.T) {
		l := New(10)
		if err := l.Acquire(context.Background(), 10); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			_ = l.Acquire(context.Background(), 5)
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("second acquire should have blocked")
		case <-time.After(50 * time.Millisecond):
		}

		l.Release(10)

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("second acquire never unblocked after release")
		}
	})

	t.Run("request exceeding total capacity fails immediately", func(t *testing.T) {
		l := New(10)
		err := l.Acquire(context.Background(), 20)
		if !errors.Is(err, ErrExceedsCapacity) {
			t.Fatalf("got %v, want ErrExceedsCapacity", err)
		}
	})

	t.Run("close wakes pending waiters with ErrClosed", func(t *testing.T) {
		l := New(10)
		if err := l.Acquire(context.Background(), 10); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- l.Acquire(context.Background(), 5)
		}()

		time.Sleep(20 * time.Millisecond)
		l.Close()

		select {
		case err := <-errCh:
			if !errors.Is(err, ErrClosed) {
				t.Errorf("got %v, want ErrClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending acquire never woke up on Close")
		}
	})

	t.Run("caller context cancellation unblocks only that waiter", func(t *testing.T) {
		l := New(10)
		if err := l.Acquire(context.Background(), 10); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- l.Acquire(ctx, 5)
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("got %v, want context.Canceled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("acquire never unblocked on context cancellation")
		}
	})

	t.Run("all concurrent acquirers eventually succeed after release", func(t *testing.T) {
		l := New(10)
		if err := l.Acquire(context.Background(), 10); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}

		var wg sync.WaitGroup
		successes := make([]int, 5)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := l.Acquire(context.Background(), 2); err == nil {
					successes[i] = 1
					l.Release(2)
				}
			}(i)
		}

		time.Sleep(20 * time.Millisecond)
		l.Release(10)
		wg.Wait()

		total := 0
		for _, s := range successes {
			total += s
		}
		if total != 5 {
			t.Errorf("expected all 5 acquirers to eventually succeed, got %d", total)
		}
	})
}
