// Package modelcache provides a thread-safe, capacity-bounded LRU cache for
// expensive model resources. Resources are reference-counted: an in-use
// resource is never an eviction candidate, and concurrent loads of the same
// key coalesce into a single loader call.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
)

// Sentinel errors returned by Acquire.
var (
	// ErrCapacity means the cache is full and every resident resource is
	// held. Acquire fails rather than evicting a held resource or blocking.
	ErrCapacity = errors.New("modelcache: capacity exceeded and all resources held")

	// ErrClosed means the cache has been shut down.
	ErrClosed = errors.New("modelcache: cache closed")
)

// ResourceUnavailableError wraps a loader failure for a specific key.
type ResourceUnavailableError struct {
	Key string
	Err error
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("modelcache: resource %q unavailable: %v", e.Key, e.Err)
}

func (e *ResourceUnavailableError) Unwrap() error { return e.Err }

// LoadState tracks a cache entry through its lifecycle.
type LoadState int

const (
	StateUnloaded LoadState = iota
	StateLoading
	StateReady
	StateEvicting
)

// String returns a human-readable load state.
func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// Resource is the minimal contract a cached value must satisfy.
type Resource interface {
	// Name identifies the resource for logging.
	Name() string
	// MemoryBytes is the estimated resident cost.
	MemoryBytes() int64
	// Close releases the underlying resource. Called once, on eviction.
	Close() error
}

// LoaderFunc loads a resource for a key. It is invoked at most once per
// cold key regardless of how many callers are waiting.
type LoaderFunc func(ctx context.Context) (Resource, error)

// entry is one cached resource with its bookkeeping.
// All fields are guarded by Cache.mu except ready/loadErr, which follow the
// close-then-read discipline: loadErr is written before ready is closed.
type entry struct {
	key        string
	res        Resource
	state      LoadState
	refCount   int
	lastAccess time.Time

	ready   chan struct{}
	loadErr error
}

// Cache is the LRU resource cache.
//
// Locking discipline: mu guards only metadata and is never held across a
// loader call or a resource Close. Eviction is a single pop performed while
// the lock is already held (evictIdleLocked); no internal path re-enters a
// public locking entry point.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	closed   bool

	log zerolog.Logger

	// events receives resource lifecycle events; nil disables publishing.
	events *bus.Bus

	// Statistics
	hits      int64
	misses    int64
	evictions int64
	rejected  int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithEventBus publishes resource lifecycle events to b.
func WithEventBus(b *bus.Bus) Option {
	return func(c *Cache) { c.events = b }
}

// New creates a cache holding at most capacity resources.
func New(capacity int, log zerolog.Logger, opts ...Option) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		entries:  make(map[string]*entry),
		capacity: capacity,
		log:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the resource for key, loading it through load on a cold
// key. The returned resource's reference count is incremented; callers must
// pair every successful Acquire with exactly one Release.
//
// Concurrent Acquires for the same cold key coalesce: one caller runs the
// loader, the rest wait and receive the same handle. If the loader fails,
// all waiters receive a ResourceUnavailableError and the entry is removed.
func (c *Cache) Acquire(ctx context.Context, key string, load LoaderFunc) (Resource, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if e, ok := c.entries[key]; ok {
		// Warm or in-flight entry: join it.
		e.refCount++
		c.hits++
		c.mu.Unlock()
		return c.await(ctx, e)
	}

	// Cold key: make room first. Eviction is one atomic pop under the lock
	// already held here.
	c.misses++
	var victim *entry
	if len(c.entries) >= c.capacity {
		victim = c.evictIdleLocked()
		if victim == nil {
			c.rejected++
			c.mu.Unlock()
			return nil, ErrCapacity
		}
	}

	e := &entry{
		key:      key,
		state:    StateLoading,
		refCount: 1,
		ready:    make(chan struct{}),
	}
	c.entries[key] = e
	c.mu.Unlock()

	// Dispose of the victim outside the lock.
	if victim != nil {
		c.disposeEvicted(victim)
	}

	c.publish(bus.EventResourceLoading, key, 1)

	res, err := load(ctx)

	c.mu.Lock()
	if err != nil {
		e.loadErr = &ResourceUnavailableError{Key: key, Err: err}
		delete(c.entries, key)
		close(e.ready)
		c.mu.Unlock()
		c.log.Warn().Str("key", key).Err(err).Msg("resource load failed")
		return nil, e.loadErr
	}
	e.res = res
	e.state = StateReady
	e.lastAccess = time.Now()
	close(e.ready)
	refs := e.refCount
	c.mu.Unlock()

	c.log.Debug().Str("key", key).Int64("memory_bytes", res.MemoryBytes()).Msg("resource loaded")
	c.publish(bus.EventResourceReady, key, refs)
	return res, nil
}

// await blocks until e finishes loading or ctx is cancelled.
// The caller has already incremented e.refCount.
func (c *Cache) await(ctx context.Context, e *entry) (Resource, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		c.mu.Lock()
		c.releaseLocked(e)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	if e.loadErr != nil {
		// Entry was removed by the loading goroutine; nothing to release.
		return nil, e.loadErr
	}

	c.mu.Lock()
	e.lastAccess = time.Now()
	c.mu.Unlock()
	return e.res, nil
}

// Release decrements the reference count for key.
// Releasing an unknown key is a no-op: the entry may already have been
// removed by a failed load.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.releaseLocked(e)
	}
	c.mu.Unlock()
}

// releaseLocked decrements the refcount for e. Caller holds c.mu.
// The decrement only applies while e still occupies its key: a failed load
// deletes the entry, and a later Acquire may install a new one under the
// same key. A stale waiter's release must not touch that successor.
func (c *Cache) releaseLocked(e *entry) {
	if c.entries[e.key] != e {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	e.lastAccess = time.Now()
}

// evictIdleLocked pops the least-recently-used ready entry with refcount 0.
// Returns nil when every resident entry is held or still loading.
// Caller holds c.mu; the returned entry is already removed from the map and
// must be disposed of outside the lock via disposeEvicted.
func (c *Cache) evictIdleLocked() *entry {
	var victim *entry
	for _, e := range c.entries {
		if e.state != StateReady || e.refCount != 0 {
			continue
		}
		if victim == nil || e.lastAccess.Before(victim.lastAccess) {
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	victim.state = StateEvicting
	delete(c.entries, victim.key)
	c.evictions++
	return victim
}

// disposeEvicted closes an evicted entry's resource and publishes the event.
func (c *Cache) disposeEvicted(e *entry) {
	if e.res != nil {
		if err := e.res.Close(); err != nil {
			c.log.Warn().Str("key", e.key).Err(err).Msg("resource close failed")
		}
	}
	c.log.Debug().Str("key", e.key).Msg("resource evicted")
	c.publish(bus.EventResourceEvicted, e.key, 0)
}

// RefCount returns the current reference count for key, or -1 if absent.
func (c *Cache) RefCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.refCount
	}
	return -1
}

// Len returns the number of resident entries (loading included).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether key is resident.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Resident  int   `json:"resident"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Resident:  len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}

// Close evicts every idle entry and marks the cache closed.
// Held resources are left to their holders; their Release becomes a no-op
// once the entry map is cleared.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	victims := make([]*entry, 0, len(c.entries))
	for key, e := range c.entries {
		if e.state == StateReady && e.refCount == 0 {
			e.state = StateEvicting
			delete(c.entries, key)
			victims = append(victims, e)
		}
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.disposeEvicted(v)
	}
	return nil
}

// publish emits a resource lifecycle event when an event bus is attached.
func (c *Cache) publish(t bus.EventType, key string, refs int) {
	if c.events == nil {
		return
	}
	ev := bus.NewEvent(t)
	ev.ResourceKey = key
	ev.RefCount = refs
	c.events.Publish(ev)
}
