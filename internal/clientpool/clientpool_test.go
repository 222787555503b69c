package clientpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/activematrix/internal/clientpool"
)

func TestPool_LimitsConcurrentCreationPerHomeserver(t *testing.T) {
	var inFlight, maxInFlight int32
	factory := func(ctx context.Context, homeserver string) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return homeserver + "-client", nil
	}
	pool := clientpool.New(factory, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Acquire(context.Background(), "hs.example.org"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&maxInFlight) > 2 {
		t.Fatalf("expected at most 2 concurrent creations, saw %d", maxInFlight)
	}
}

func TestPool_UnlimitedWhenLimitIsZero(t *testing.T) {
	pool := clientpool.New(func(ctx context.Context, homeserver string) (int, error) {
		return len(homeserver), nil
	}, 0)
	v, err := pool.Acquire(context.Background(), "hs.example.org")
	if err != nil || v != len("hs.example.org") {
		t.Fatalf("unexpected result: %d, %v", v, err)
	}
}

func TestPool_ReleasesSlotImmediatelyAfterCreation(t *testing.T) {
	pool := clientpool.New(func(ctx context.Context, homeserver string) (int, error) {
		return 1, nil
	}, 1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := pool.Acquire(ctx, "hs"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestPool_AcquireFailsOnFactoryError(t *testing.T) {
	wantErr := context.Canceled
	pool := clientpool.New(func(ctx context.Context, homeserver string) (int, error) {
		return 0, wantErr
	}, 1)
	_, err := pool.Acquire(context.Background(), "hs")
	if err == nil {
		t.Fatal("expected error to propagate from factory")
	}
}

func TestPool_SeparateSlotsPerHomeserver(t *testing.T) {
	var aInFlight, bInFlight int32
	factory := func(which *int32) clientpool.Factory[string] {
		return func(ctx context.Context, homeserver string) (string, error) {
			atomic.AddInt32(which, 1)
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(which, -1)
			return homeserver, nil
		}
	}
	poolA := clientpool.New(factory(&aInFlight), 1)
	poolB := clientpool.New(factory(&bInFlight), 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); poolA.Acquire(context.Background(), "a.hs") }()
	go func() { defer wg.Done(); poolB.Acquire(context.Background(), "b.hs") }()
	wg.Wait()
}
