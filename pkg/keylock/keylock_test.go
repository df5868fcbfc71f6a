package keylock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worktreehq/worktree/pkg/keylock"
)

func TestAcquireRelease(t *testing.T) {
	k := keylock.New()
	ctx := context.Background()

	require.NoError(t, k.Acquire(ctx, "a"))
	k.Release("a")
	require.NoError(t, k.Acquire(ctx, "a"))
	k.Release("a")
}

func TestDistinctKeysDoNotContend(t *testing.T) {
	k := keylock.New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, k.Acquire(ctx, "a"))
	require.NoError(t, k.Acquire(ctx, "b"), "holding a must not block b")
	k.Release("a")
	k.Release("b")
}

func TestFIFOOrder(t *testing.T) {
	k := keylock.New()
	ctx := context.Background()
	require.NoError(t, k.Acquire(ctx, "a"))

	const waiters = 5
	var mu sync.Mutex
	var order []int
	started := make(chan struct{}, waiters)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			<-done
			// Stagger arrival so queue order is deterministic.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			assert.NoError(t, k.Acquire(ctx, "a"))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			k.Release("a")
		}(i)
	}
	for i := 0; i < waiters; i++ {
		<-started
	}
	close(done)
	time.Sleep(time.Duration(waiters) * 25 * time.Millisecond)
	k.Release("a")
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMutualExclusion(t *testing.T) {
	k := keylock.New()
	ctx := context.Background()

	var counter, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, k.Acquire(ctx, "shared"))
			mu.Lock()
			counter++
			if counter > max {
				max = counter
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			counter--
			mu.Unlock()
			k.Release("shared")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, max, "more than one holder observed")
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	k := keylock.New()
	require.NoError(t, k.Acquire(context.Background(), "a"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Acquire(ctx, "a") }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The holder can still release, and the key is free afterwards.
	k.Release("a")
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, k.Acquire(ctx2, "a"))
	k.Release("a")
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	k := keylock.New()
	k.Release("never-acquired")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, k.Acquire(ctx, "never-acquired"))
	k.Release("never-acquired")
}
