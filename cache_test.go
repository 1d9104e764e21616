package adproxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryOf(size int) *CacheEntry {
	return &CacheEntry{Status: http.StatusOK, Body: bytes.Repeat([]byte("x"), size)}
}

func fetchEntry(e *CacheEntry, calls *atomic.Int32) FetchFunc {
	return func(context.Context) (*CacheEntry, error) {
		calls.Add(1)
		return e, nil
	}
}

func TestCacheEntry_Weight(t *testing.T) {
	e := &CacheEntry{
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("hello"),
	}
	assert.Equal(t, int64(len("hello")+len("Content-Type")+len("text/plain")), e.Weight())

	var nilEntry *CacheEntry
	assert.Equal(t, int64(0), nilEntry.Weight())
}

func TestResponseCache_RoundTrip(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	var calls atomic.Int32
	want := entryOf(100)

	e, lookup, err := c.GetOrFetch(context.Background(), "k", fetchEntry(want, &calls))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, lookup)
	assert.Same(t, want, e)

	e, lookup, err = c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &calls))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, lookup)
	assert.Same(t, want, e)
	assert.Equal(t, int32(1), calls.Load())

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "k", got.Key)
	assert.False(t, got.StoredAt.IsZero())

	s := c.Stats()
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, int64(100), s.Weight)
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 0, s.InFlight)
}

func TestResponseCache_SingleFlight(t *testing.T) {
	const n = 50
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (*CacheEntry, error) {
		calls.Add(1)
		<-release
		return entryOf(10), nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		entries = make(map[*CacheEntry]int)
		lookups = make(map[CacheLookup]int)
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, lookup, err := c.GetOrFetch(context.Background(), "shared", fetch)
			assert.NoError(t, err)
			mu.Lock()
			entries[e]++
			lookups[lookup]++
			mu.Unlock()
		}()
	}

	require.Eventually(t, func() bool {
		return c.Stats().Coalesced == n-1
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, lookups[CacheMiss])
	assert.Equal(t, n-1, lookups[CacheCoalesced])
}

func TestResponseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	var (
		mu      sync.Mutex
		evicted []string
	)
	evictedKeys := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), evicted...)
	}
	c := NewResponseCache(CacheConfig{
		Capacity: 1000,
		OnEvict: func(key string, weight int64) {
			assert.Equal(t, int64(600), weight)
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		},
	})
	var calls atomic.Int32
	ctx := context.Background()

	_, _, err := c.GetOrFetch(ctx, "A", fetchEntry(entryOf(600), &calls))
	require.NoError(t, err)
	_, ok := c.Get("A")
	require.True(t, ok)
	_, _, err = c.GetOrFetch(ctx, "B", fetchEntry(entryOf(600), &calls))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(evictedKeys()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"A"}, evictedKeys())

	_, ok = c.Get("A")
	assert.False(t, ok)
	_, ok = c.Get("B")
	assert.True(t, ok)
	assert.Equal(t, int64(600), c.Weight())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestResponseCache_EvictsAtCapacityBoundary(t *testing.T) {
	var calls atomic.Int32
	ctx := context.Background()

	t.Run("two entries", func(t *testing.T) {
		c := NewResponseCache(CacheConfig{Capacity: 1000})
		_, _, err := c.GetOrFetch(ctx, "X", fetchEntry(entryOf(500), &calls))
		require.NoError(t, err)
		_, _, err = c.GetOrFetch(ctx, "Y", fetchEntry(entryOf(501), &calls))
		require.NoError(t, err)

		_, ok := c.Get("X")
		assert.False(t, ok)
		_, ok = c.Get("Y")
		assert.True(t, ok)
		assert.LessOrEqual(t, c.Weight(), c.Capacity())
		assert.Equal(t, int64(501), c.Weight())
	})

	t.Run("only the least recently used", func(t *testing.T) {
		c := NewResponseCache(CacheConfig{Capacity: 1000})
		for _, k := range []string{"A", "B", "C"} {
			_, _, err := c.GetOrFetch(ctx, k, fetchEntry(entryOf(300), &calls))
			require.NoError(t, err)
		}
		_, ok := c.Get("A")
		require.True(t, ok)

		_, _, err := c.GetOrFetch(ctx, "D", fetchEntry(entryOf(101), &calls))
		require.NoError(t, err)

		_, ok = c.Get("B")
		assert.False(t, ok, "B is least recently used")
		for _, k := range []string{"A", "C", "D"} {
			_, ok = c.Get(k)
			assert.True(t, ok, k)
		}
		assert.Equal(t, int64(1000), c.Weight())
		assert.LessOrEqual(t, c.Weight(), c.Capacity())
		assert.Equal(t, int64(1), c.Stats().Evictions)
	})
}

func TestResponseCache_RecencyOrder(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1000})
	var calls atomic.Int32
	ctx := context.Background()

	for _, k := range []string{"A", "B"} {
		_, _, err := c.GetOrFetch(ctx, k, fetchEntry(entryOf(400), &calls))
		require.NoError(t, err)
	}
	_, ok := c.Get("A")
	require.True(t, ok)

	_, _, err := c.GetOrFetch(ctx, "C", fetchEntry(entryOf(400), &calls))
	require.NoError(t, err)

	_, ok = c.Get("A")
	assert.True(t, ok)
	_, ok = c.Get("B")
	assert.False(t, ok)
	_, ok = c.Get("C")
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Weight(), c.Capacity())
}

func TestResponseCache_OversizedEntryNotStored(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 100})
	var calls atomic.Int32

	e, lookup, err := c.GetOrFetch(context.Background(), "big", fetchEntry(entryOf(101), &calls))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, lookup)
	assert.Len(t, e.Body, 101)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Weight())
}

func TestResponseCache_NoStore(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	var calls atomic.Int32
	e := entryOf(10)
	e.NoStore = true

	for range 2 {
		got, _, err := c.GetOrFetch(context.Background(), "private", fetchEntry(e, &calls))
		require.NoError(t, err)
		assert.Same(t, e, got)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestResponseCache_ErrorsAreNotCached(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	var calls atomic.Int32
	boom := errors.New("connection refused")
	fetch := func(context.Context) (*CacheEntry, error) {
		calls.Add(1)
		return nil, boom
	}

	for range 2 {
		_, _, err := c.GetOrFetch(context.Background(), "k", fetch)
		var ue *UpstreamError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, "k", ue.Key)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestResponseCache_FetchPanicBecomesError(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	_, _, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (*CacheEntry, error) {
		panic("kaboom")
	})
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, ue.Error(), "kaboom")
	assert.Equal(t, 0, c.Stats().InFlight)
}

func TestResponseCache_NilEntryIsError(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	_, _, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (*CacheEntry, error) {
		return nil, nil
	})
	var ue *UpstreamError
	assert.True(t, errors.As(err, &ue))
}

func TestResponseCache_LastWaiterCancelsFetch(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})

	var calls atomic.Int32
	fetchCancelled := make(chan struct{})
	fetch := func(ctx context.Context) (*CacheEntry, error) {
		calls.Add(1)
		<-ctx.Done()
		close(fetchCancelled)
		return nil, ctx.Err()
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel1()
	defer cancel2()

	errs := make(chan error, 2)
	go func() {
		_, _, err := c.GetOrFetch(ctx1, "k", fetch)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)
	go func() {
		_, _, err := c.GetOrFetch(ctx2, "k", fetch)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Coalesced == 1 }, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-fetchCancelled:
		t.Fatal("fetch cancelled while a waiter remained")
	case <-time.After(50 * time.Millisecond):
	}

	cancel2()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-fetchCancelled:
	case <-time.After(time.Second):
		t.Fatal("fetch not cancelled after the last waiter left")
	}
	assert.Equal(t, 0, c.Stats().InFlight)

	var again atomic.Int32
	_, lookup, err := c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &again))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, lookup)
	assert.Equal(t, int32(1), again.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestResponseCache_FirstCallerLeavingDoesNotAffectOthers(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})

	release := make(chan struct{})
	fetch := func(ctx context.Context) (*CacheEntry, error) {
		select {
		case <-release:
			return entryOf(5), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrFetch(ctx1, "k", fetch)
		first <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	second := make(chan *CacheEntry, 1)
	go func() {
		e, _, err := c.GetOrFetch(context.Background(), "k", fetch)
		assert.NoError(t, err)
		second <- e
	}()
	require.Eventually(t, func() bool { return c.Stats().Coalesced == 1 }, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)

	e := <-second
	require.NotNil(t, e)
	assert.Len(t, e.Body, 5)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)
}

func TestResponseCache_FetchTimeout(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20, FetchTimeout: 20 * time.Millisecond})
	_, _, err := c.GetOrFetch(context.Background(), "slow", func(ctx context.Context) (*CacheEntry, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponseCache_TTL(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20, TTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	var calls atomic.Int32

	_, _, err := c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &calls))
	require.NoError(t, err)
	_, lookup, err := c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &calls))
	require.NoError(t, err)
	assert.Equal(t, CacheHit, lookup)

	now = now.Add(2 * time.Minute)
	_, lookup, err = c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &calls))
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, lookup)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResponseCache_Invalidate(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	var calls atomic.Int32

	_, _, err := c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(10), &calls))
	require.NoError(t, err)
	assert.True(t, c.Invalidate("k"))
	assert.False(t, c.Invalidate("k"))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Weight())
}

func TestResponseCache_InvalidateDetachesInFlightFetch(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	release := make(chan struct{})

	done := make(chan *CacheEntry, 1)
	go func() {
		e, _, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (*CacheEntry, error) {
			<-release
			return entryOf(10), nil
		})
		assert.NoError(t, err)
		done <- e
	}()
	require.Eventually(t, func() bool { return c.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	assert.True(t, c.Invalidate("k"))
	close(release)
	assert.NotNil(t, <-done)
	assert.Equal(t, 0, c.Len())
}

func TestResponseCache_Purge(t *testing.T) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	var calls atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		_, _, err := c.GetOrFetch(context.Background(), k, fetchEntry(entryOf(10), &calls))
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Weight())
}

func TestResponseCache_ZeroCapacityDisablesCaching(t *testing.T) {
	c := NewResponseCache(CacheConfig{})
	var calls atomic.Int32
	for range 3 {
		_, lookup, err := c.GetOrFetch(context.Background(), "k", fetchEntry(entryOf(1), &calls))
		require.NoError(t, err)
		assert.Equal(t, CacheMiss, lookup)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Capacity())
}

func TestCacheLookup_String(t *testing.T) {
	assert.Equal(t, "miss", CacheMiss.String())
	assert.Equal(t, "hit", CacheHit.String())
	assert.Equal(t, "coalesced", CacheCoalesced.String())
	assert.Equal(t, "bypass", CacheBypass.String())
}

func BenchmarkResponseCache_Hit(b *testing.B) {
	c := NewResponseCache(CacheConfig{Capacity: 1 << 20})
	e := entryOf(1024)
	fetch := func(context.Context) (*CacheEntry, error) { return e, nil }
	_, _, _ = c.GetOrFetch(context.Background(), "k", fetch)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = c.GetOrFetch(context.Background(), "k", fetch)
		}
	})
}
