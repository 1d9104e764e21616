package adproxy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// CacheEntry is one cached upstream response.
type CacheEntry struct {
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time

	// NoStore marks a response that may be returned to its waiters but
	// must not be kept.
	NoStore bool
}

// Weight is the number of bytes the entry charges against the cache
// capacity: the body plus header names and values.
func (e *CacheEntry) Weight() int64 {
	if e == nil {
		return 0
	}
	w := int64(len(e.Body))
	for k, vs := range e.Header {
		for _, v := range vs {
			w += int64(len(k) + len(v))
		}
	}
	return w
}

// UpstreamError wraps a failed fetch. It is delivered to every caller
// waiting on the fetch and never cached.
type UpstreamError struct {
	Key string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream fetch %s: %v", e.Key, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CacheLookup says how GetOrFetch produced its result.
type CacheLookup uint8

// Cache lookup outcomes.
const (
	CacheMiss      CacheLookup = iota // this caller started the fetch
	CacheHit                          // served from the cache
	CacheCoalesced                    // joined a fetch started by another caller
	CacheBypass                       // the request was not eligible for caching
)

func (l CacheLookup) String() string {
	switch l {
	case CacheHit:
		return "hit"
	case CacheCoalesced:
		return "coalesced"
	case CacheBypass:
		return "bypass"
	default:
		return "miss"
	}
}

// FetchFunc produces the entry for a key on a cache miss.
type FetchFunc func(ctx context.Context) (*CacheEntry, error)

// CacheConfig configures a ResponseCache.
type CacheConfig struct {
	// Capacity is the total weight in bytes the cache may hold. Zero
	// disables caching.
	Capacity int64

	// TTL expires entries after the given age. Zero keeps entries until
	// they are evicted.
	TTL time.Duration

	// FetchTimeout bounds each shared fetch. Zero means no bound beyond
	// the waiters leaving.
	FetchTimeout time.Duration

	// OnEvict is called, without the cache lock held, for every entry
	// evicted to make room.
	OnEvict func(key string, weight int64)

	Logger *slog.Logger
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Weight    int64 `json:"weight"`
	Capacity  int64 `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Coalesced int64 `json:"coalesced"`
	Evictions int64 `json:"evictions"`
	InFlight  int   `json:"in_flight"`
}

// ResponseCache is a byte-weighted LRU cache with single-flight fetches.
// At most one fetch runs per key; concurrent callers for the same key
// wait for it and share its result. The fetch is cancelled only when
// every waiter has gone away.
type ResponseCache struct {
	capacity     int64
	ttl          time.Duration
	fetchTimeout time.Duration
	onEvict      func(string, int64)
	logger       *slog.Logger

	mu     sync.Mutex
	items  map[string]*list.Element
	lru    *list.List // front is most recently used
	weight int64
	calls  map[string]*call
	stats  CacheStats

	now func() time.Time
}

// call is a fetch in progress.
type call struct {
	done    chan struct{}
	entry   *CacheEntry
	err     error
	waiters int
	cancel  context.CancelFunc

	// detached is set when the key was invalidated mid-fetch. The result
	// still reaches the waiters but is not stored.
	detached bool
}

// NewResponseCache creates a cache from cfg.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := max(cfg.Capacity, 0)
	return &ResponseCache{
		capacity:     capacity,
		ttl:          cfg.TTL,
		fetchTimeout: cfg.FetchTimeout,
		onEvict:      cfg.OnEvict,
		logger:       logger,
		items:        make(map[string]*list.Element),
		lru:          list.New(),
		calls:        make(map[string]*call),
		stats:        CacheStats{Capacity: capacity},
		now:          time.Now,
	}
}

// GetOrFetch returns the entry for key, running fetch when it is absent.
// Fetch errors are returned as *UpstreamError. If ctx ends first the
// caller gets ctx.Err() and the fetch keeps running for the remaining
// waiters.
func (c *ResponseCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (*CacheEntry, CacheLookup, error) {
	if c.capacity == 0 {
		e, err := runFetch(ctx, key, fetch)
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		return e, CacheMiss, err
	}

	c.mu.Lock()
	if e, ok := c.getLocked(key); ok {
		c.stats.Hits++
		c.mu.Unlock()
		return e, CacheHit, nil
	}
	lookup := CacheCoalesced
	cl, ok := c.calls[key]
	if ok {
		cl.waiters++
		c.stats.Coalesced++
	} else {
		lookup = CacheMiss
		c.stats.Misses++
		cl = c.startLocked(ctx, key, fetch)
	}
	c.mu.Unlock()

	select {
	case <-cl.done:
		return cl.entry, lookup, cl.err
	case <-ctx.Done():
		c.leave(key, cl)
		return nil, lookup, ctx.Err()
	}
}

func (c *ResponseCache) getLocked(key string) (*CacheEntry, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*CacheEntry)
	if c.ttl > 0 && c.now().Sub(e.StoredAt) > c.ttl {
		c.removeLocked(el)
		return nil, false
	}
	c.lru.MoveToFront(el)
	return e, true
}

// startLocked registers a call for key and runs fetch in its own
// goroutine under a context detached from the first caller.
func (c *ResponseCache) startLocked(ctx context.Context, key string, fetch FetchFunc) *call {
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if c.fetchTimeout > 0 {
		var cancelTimeout context.CancelFunc
		fetchCtx, cancelTimeout = context.WithTimeout(fetchCtx, c.fetchTimeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	cl := &call{done: make(chan struct{}), waiters: 1, cancel: cancel}
	c.calls[key] = cl

	go func() {
		defer cancel()
		e, err := runFetch(fetchCtx, key, fetch)

		var evicted []*CacheEntry
		c.mu.Lock()
		if c.calls[key] == cl {
			delete(c.calls, key)
		}
		if err == nil && !cl.detached {
			evicted = c.insertLocked(key, e)
		}
		cl.entry, cl.err = e, err
		close(cl.done)
		c.mu.Unlock()

		c.notifyEvicted(evicted)
	}()
	return cl
}

// leave drops one waiter from cl. The last one out cancels the fetch and
// unregisters it so later callers start afresh.
func (c *ResponseCache) leave(key string, cl *call) {
	c.mu.Lock()
	cl.waiters--
	last := cl.waiters == 0
	if last && c.calls[key] == cl {
		delete(c.calls, key)
		cl.detached = true
	}
	c.mu.Unlock()

	if last {
		cl.cancel()
	}
}

// runFetch calls fetch, turning errors and panics into *UpstreamError.
func runFetch(ctx context.Context, key string, fetch FetchFunc) (e *CacheEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, err = nil, &UpstreamError{Key: key, Err: fmt.Errorf("fetch panicked: %v", r)}
		}
	}()
	e, err = fetch(ctx)
	if err == nil && e == nil {
		err = errors.New("fetch returned no entry")
	}
	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			err = &UpstreamError{Key: key, Err: err}
		}
		return nil, err
	}
	return e, nil
}

// insertLocked stores e, evicting least recently used entries until it
// fits. Entries heavier than the whole cache or marked NoStore are not
// stored.
func (c *ResponseCache) insertLocked(key string, e *CacheEntry) []*CacheEntry {
	if e.NoStore {
		return nil
	}
	w := e.Weight()
	if w > c.capacity {
		c.logger.Debug("cache entry exceeds capacity", "key", key, "weight", w, "capacity", c.capacity)
		return nil
	}
	e.Key = key
	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}

	var evicted []*CacheEntry
	for c.weight+w > c.capacity {
		el := c.lru.Back()
		if el == nil {
			break
		}
		evicted = append(evicted, c.removeLocked(el))
		c.stats.Evictions++
	}
	c.items[key] = c.lru.PushFront(e)
	c.weight += w
	return evicted
}

func (c *ResponseCache) removeLocked(el *list.Element) *CacheEntry {
	e := c.lru.Remove(el).(*CacheEntry)
	delete(c.items, e.Key)
	c.weight -= e.Weight()
	return e
}

func (c *ResponseCache) notifyEvicted(evicted []*CacheEntry) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.Key, e.Weight())
	}
}

// Get returns the cached entry for key without fetching.
func (c *ResponseCache) Get(key string) (*CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

// Invalidate removes key from the cache. A fetch in flight for key still
// answers its current waiters, but its result is not stored and later
// callers start a new fetch. It reports whether anything was removed.
func (c *ResponseCache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
		removed = true
	}
	if cl, ok := c.calls[key]; ok {
		cl.detached = true
		delete(c.calls, key)
		removed = true
	}
	return removed
}

// Purge removes every entry. Fetches in flight are detached as in
// Invalidate.
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru.Init()
	c.weight = 0
	for key, cl := range c.calls {
		cl.detached = true
		delete(c.calls, key)
	}
}

// Len returns the number of cached entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Weight returns the total weight of cached entries.
func (c *ResponseCache) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Capacity returns the configured capacity in bytes.
func (c *ResponseCache) Capacity() int64 { return c.capacity }

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Weight = c.weight
	s.InFlight = len(c.calls)
	return s
}
