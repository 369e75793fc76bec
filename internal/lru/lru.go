// Package lru provides a fixed-capacity, access-ordered cache that is safe for
// concurrent use.
//
// Every cache in geoconvo (links, tags, seen posts, lookups, places) is one of
// these. A single mutex guards each cache; all operations are short and never
// block on I/O, so coarse locking is sufficient.
package lru

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// EvictFunc is called after an entry has been evicted for capacity.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a thread-safe LRU cache.
// Front of the order list is the most recently used entry.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	order    *list.List
	onEvict  EvictFunc[K, V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// New creates a cache holding at most capacity entries
func New[K comparable, V any](capacity int) *Cache[K, V] {
	return NewWithEvict[K, V](capacity, nil)
}

// NewWithEvict creates a cache that reports capacity evictions to onEvict.
// The hook runs synchronously on the goroutine that caused the eviction, after
// the cache lock has been released, so it may call back into the cache.
func NewWithEvict[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Get returns the value for key and marks it most recently used
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*entry[K, V]).value, true
	}

	c.misses.Add(1)
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		return elem.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present without touching recency
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Put stores value under key, marking it most recently used
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	evicted := c.putLocked(key, value)
	c.mu.Unlock()

	c.notify(evicted)
}

// ContainsOrAdd atomically checks for key and inserts it with value when
// absent. Returns true if the key was already present (recency untouched).
func (c *Cache[K, V]) ContainsOrAdd(key K, value V) bool {
	c.mu.Lock()
	if _, ok := c.items[key]; ok {
		c.mu.Unlock()
		return true
	}
	evicted := c.putLocked(key, value)
	c.mu.Unlock()

	c.notify(evicted)
	return false
}

// ComputeIfAbsent returns the value for key, creating it with supply when
// absent. supply runs under the cache lock, so it is invoked at most once per
// absence no matter how many goroutines race on the same key. It must be
// short and must not call back into this cache.
func (c *Cache[K, V]) ComputeIfAbsent(key K, supply func(K) V) V {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		value := elem.Value.(*entry[K, V]).value
		c.mu.Unlock()
		return value
	}

	c.misses.Add(1)
	value := supply(key)
	evicted := c.putLocked(key, value)
	c.mu.Unlock()

	c.notify(evicted)
	return value
}

// Remove deletes key, returning true if it was present.
// Removal is not an eviction and does not invoke the hook.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// Len returns the number of entries
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum size
func (c *Cache[K, V]) Capacity() int {
	return c.capacity
}

// Keys returns all keys, most recently used first
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}

// Values returns all values, most recently used first
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valuesLocked()
}

// Range calls fn for each entry, most recently used first, stopping when fn
// returns false. fn runs under the cache lock and must not call back into it.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry[K, V])
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Drain atomically returns all values (most recently used first) and empties
// the cache.
func (c *Cache[K, V]) Drain() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := c.valuesLocked()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	return values
}

// Purge removes every entry and resets statistics
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// Stats returns hit and miss counts since creation or last purge
func (c *Cache[K, V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Evictions returns the number of capacity evictions
func (c *Cache[K, V]) Evictions() int64 {
	return c.evictions.Load()
}

// putLocked inserts or updates key and returns any entries evicted as a result.
// Caller must hold the lock.
func (c *Cache[K, V]) putLocked(key K, value V) []*entry[K, V] {
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry[K, V]).value = value
		return nil
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})

	var evicted []*entry[K, V]
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.removeElement(oldest)
		c.evictions.Add(1)
		evicted = append(evicted, oldest.Value.(*entry[K, V]))
	}
	return evicted
}

func (c *Cache[K, V]) valuesLocked() []V {
	values := make([]V, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		values = append(values, elem.Value.(*entry[K, V]).value)
	}
	return values
}

// removeElement removes an element from both the list and map.
// Caller must hold the lock.
func (c *Cache[K, V]) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}

func (c *Cache[K, V]) notify(evicted []*entry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value)
	}
}
