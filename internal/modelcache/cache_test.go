package modelcache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResource struct {
	name    string
	mem     int64
	closed  atomic.Bool
	onClose func()
}

func (r *fakeResource) Name() string       { return r.name }
func (r *fakeResource) MemoryBytes() int64 { return r.mem }
func (r *fakeResource) Close() error {
	r.closed.Store(true)
	if r.onClose != nil {
		r.onClose()
	}
	return nil
}

func loaderFor(name string) LoaderFunc {
	return func(ctx context.Context) (Resource, error) {
		return &fakeResource{name: name, mem: 1024}, nil
	}
}

func newTestCache(capacity int) *Cache {
	return New(capacity, zerolog.Nop())
}

func TestAcquireRelease(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	res, err := c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)
	require.Equal(t, "a", res.Name())
	assert.Equal(t, 1, c.RefCount("a"))

	// A warm acquire bumps the refcount without reloading.
	res2, err := c.Acquire(ctx, "a", func(ctx context.Context) (Resource, error) {
		t.Fatal("loader must not run for a warm key")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, res, res2)
	assert.Equal(t, 2, c.RefCount("a"))

	c.Release("a")
	c.Release("a")
	assert.Equal(t, 0, c.RefCount("a"))
	assert.True(t, c.Contains("a"), "released entry stays resident until evicted")
}

func TestEvictionSkipsHeldEntries(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	resA, err := c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "b", loaderFor("b"))
	require.NoError(t, err)
	c.Release("b")

	// Cache full: a held, b idle. The new key must evict b, never a.
	_, err = c.Acquire(ctx, "c", loaderFor("c"))
	require.NoError(t, err)

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.False(t, resA.(*fakeResource).closed.Load(), "held resource must not be closed")
}

func TestEvictionPicksOldestIdle(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "old", loaderFor("old"))
	require.NoError(t, err)
	c.Release("old")

	time.Sleep(5 * time.Millisecond)

	_, err = c.Acquire(ctx, "new", loaderFor("new"))
	require.NoError(t, err)
	c.Release("new")

	_, err = c.Acquire(ctx, "next", loaderFor("next"))
	require.NoError(t, err)

	assert.False(t, c.Contains("old"))
	assert.True(t, c.Contains("new"))
}

func TestAcquireFailsWhenAllHeld(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "b", loaderFor("b"))
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "c", loaderFor("c"))
	require.ErrorIs(t, err, ErrCapacity)

	// Releasing one slot makes room again.
	c.Release("b")
	_, err = c.Acquire(ctx, "c", loaderFor("c"))
	require.NoError(t, err)
}

func TestCoalescedLoadRunsLoaderOnce(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	var loads atomic.Int64
	release := make(chan struct{})
	loader := func(ctx context.Context) (Resource, error) {
		loads.Add(1)
		<-release
		return &fakeResource{name: "slow"}, nil
	}

	const waiters = 8
	results := make([]Resource, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Acquire(ctx, "slow", loader)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int64(1), loads.Load(), "concurrent acquires must coalesce into one load")
	for i := 1; i < waiters; i++ {
		assert.Same(t, results[0], results[i], "all waiters receive the same handle")
	}
	assert.Equal(t, waiters, c.RefCount("slow"))
}

func TestLoaderFailureSurfacesToAllWaiters(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	boom := errors.New("weights missing")
	release := make(chan struct{})
	failing := func(ctx context.Context) (Resource, error) {
		<-release
		return nil, boom
	}

	const waiters = 4
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(ctx, "broken", failing)
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		var unavailable *ResourceUnavailableError
		require.ErrorAs(t, err, &unavailable)
		assert.Equal(t, "broken", unavailable.Key)
		assert.ErrorIs(t, err, boom)
	}

	// The failed entry is gone; a later acquire retries the loader.
	assert.False(t, c.Contains("broken"))
	_, err := c.Acquire(ctx, "broken", loaderFor("broken"))
	require.NoError(t, err)
}

func TestAwaitCancellationReleasesRefcount(t *testing.T) {
	c := newTestCache(2)

	release := make(chan struct{})
	loader := func(ctx context.Context) (Resource, error) {
		<-release
		return &fakeResource{name: "slow"}, nil
	}

	go c.Acquire(context.Background(), "slow", loader)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "slow", loader)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	// Give the loading goroutine time to finish.
	require.Eventually(t, func() bool { return c.RefCount("slow") == 1 },
		time.Second, 5*time.Millisecond, "cancelled waiter must not hold a reference")
}

func TestCancelledWaiterOnReplacedEntryLeavesSuccessorHeld(t *testing.T) {
	c := newTestCache(2)
	ctx := context.Background()

	// The current occupant of the key, held by its owner.
	_, err := c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)
	require.Equal(t, 1, c.RefCount("a"))

	// A waiter that joined an earlier load of "a" which failed and was
	// removed before the waiter woke up. Its entry is dead; the key is now
	// occupied by a different, held entry.
	stale := &entry{key: "a", state: StateLoading, refCount: 1, ready: make(chan struct{})}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.await(cctx, stale)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, c.RefCount("a"), "stale waiter must not release the successor entry")

	// The successor stays pinned: filling the cache and asking for one more
	// key must fail rather than evict it.
	_, err = c.Acquire(ctx, "b", loaderFor("b"))
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "c", loaderFor("c"))
	require.ErrorIs(t, err, ErrCapacity)
	assert.True(t, c.Contains("a"))
}

// TestRandomizedInterleavings hammers the cache with random acquire and
// release sequences and checks the core invariant: a resource is never
// closed while a caller still holds it.
func TestRandomizedInterleavings(t *testing.T) {
	const (
		capacity = 3
		keys     = 6
		workers  = 8
		opsEach  = 200
	)

	c := newTestCache(capacity)

	// held tracks live references per key from the test's point of view.
	var mu sync.Mutex
	held := make(map[string]int)

	loaderForKey := func(key string) LoaderFunc {
		return func(ctx context.Context) (Resource, error) {
			r := &fakeResource{name: key}
			r.onClose = func() {
				mu.Lock()
				defer mu.Unlock()
				if held[key] > 0 {
					t.Errorf("resource %s closed while %d references held", key, held[key])
				}
			}
			return r, nil
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < opsEach; i++ {
				key := fmt.Sprintf("model-%d", rng.Intn(keys))

				mu.Lock()
				held[key]++
				mu.Unlock()

				_, err := c.Acquire(context.Background(), key, loaderForKey(key))
				if err != nil {
					mu.Lock()
					held[key]--
					mu.Unlock()
					if !errors.Is(err, ErrCapacity) {
						t.Errorf("unexpected acquire error: %v", err)
					}
					continue
				}

				if rng.Intn(4) == 0 {
					time.Sleep(time.Duration(rng.Intn(200)) * time.Microsecond)
				}

				mu.Lock()
				held[key]--
				mu.Unlock()
				c.Release(key)
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Resident, capacity)
	for key, n := range held {
		assert.Zero(t, n, "key %s still held at end of test", key)
	}
}

func TestCloseEvictsIdleOnly(t *testing.T) {
	c := newTestCache(3)
	ctx := context.Background()

	heldRes, err := c.Acquire(ctx, "held", loaderFor("held"))
	require.NoError(t, err)

	idleRes, err := c.Acquire(ctx, "idle", loaderFor("idle"))
	require.NoError(t, err)
	c.Release("idle")

	require.NoError(t, c.Close())

	assert.True(t, idleRes.(*fakeResource).closed.Load())
	assert.False(t, heldRes.(*fakeResource).closed.Load())

	_, err = c.Acquire(ctx, "late", loaderFor("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStats(t *testing.T) {
	c := newTestCache(1)
	ctx := context.Background()

	_, err := c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "a", loaderFor("a"))
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "b", loaderFor("b"))
	require.ErrorIs(t, err, ErrCapacity)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, 1, s.Resident)
}
