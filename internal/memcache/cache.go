// Package memcache is the in-process cache of decoded bitmaps.
//
// Values are reference counted. Get and PutAndRetain hand out a reference
// that the caller returns with Release; while any reference is held the
// value is never evicted, even if it is the least recently used. Eviction
// walks the LRU order and drops unreferenced values until the cache is back
// under its byte budget.
//
// A value that leaves the cache has its bitmap returned to the bitmap pool
// when the bitmap can be reused. Bitmaps the pool cannot take are demoted to
// a weak tier instead: Get revives them as long as the garbage collector has
// not reclaimed them yet.
package memcache

import (
	"log/slog"
	"math"
	"sync"
	"weak"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/pool"
)

// weakPruneThreshold bounds how many dead weak pointers accumulate before
// they are swept.
const weakPruneThreshold = 256

// Value is a cached bitmap plus caller metadata of type M.
type Value[M any] struct {
	cache  *Cache[M]
	key    string
	bitmap *bitmap.Bitmap
	meta   M
	size   int

	// Guarded by cache.mu.
	refs   int
	cached bool
}

func (v *Value[M]) Key() string            { return v.key }
func (v *Value[M]) Bitmap() *bitmap.Bitmap { return v.bitmap }
func (v *Value[M]) Meta() M                { return v.meta }

// Size is the byte size fixed when the value was inserted.
func (v *Value[M]) Size() int { return v.size }

// Release returns the caller's reference.
func (v *Value[M]) Release() { v.cache.Release(v) }

// Retain takes another reference for a second holder. The caller must
// already hold one.
func (v *Value[M]) Retain() {
	v.cache.mu.Lock()
	v.refs++
	v.cache.mu.Unlock()
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Len       int   `json:"len"`
	WeakLen   int   `json:"weak_len"`
	Hits      int64 `json:"hits"`
	WeakHits  int64 `json:"weak_hits"`
	Misses    int64 `json:"misses"`
	Puts      int64 `json:"puts"`
	Evictions int64 `json:"evictions"`
	Rejected  int64 `json:"rejected"`
}

// Cache is safe for concurrent use.
type Cache[M any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, *Value[M]]
	weak    map[string]weak.Pointer[Value[M]]
	maxSize int
	size    int
	pool    *pool.LruBitmapPool
	logger  *slog.Logger

	hits, weakHits, misses, puts, evictions, rejected int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	pool   *pool.LruBitmapPool
	logger *slog.Logger
}

// WithBitmapPool returns evicted bitmaps to p.
func WithBitmapPool(p *pool.LruBitmapPool) Option {
	return func(o *options) { o.pool = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a cache holding at most maxSize bytes of bitmaps.
func New[M any](maxSize int, opts ...Option) *Cache[M] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	// Capacity is unbounded; eviction is by byte size.
	l, _ := simplelru.NewLRU[string, *Value[M]](math.MaxInt, nil)
	return &Cache[M]{
		lru:     l,
		weak:    make(map[string]weak.Pointer[Value[M]]),
		maxSize: maxSize,
		pool:    o.pool,
		logger:  o.logger,
	}
}

// Get returns the value for key with one reference taken, promoting it to
// most recently used. The caller must Release it.
func (c *Cache[M]) Get(key string) (*Value[M], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		v.refs++
		c.hits++
		return v, true
	}
	if wp, ok := c.weak[key]; ok {
		delete(c.weak, key)
		if v := wp.Value(); v != nil && !v.bitmap.IsRecycled() && v.size <= c.maxSize {
			c.insertLocked(v)
			v.refs++
			c.trimToSizeLocked(c.maxSize)
			c.weakHits++
			c.logger.Debug("memory cache revived weak value", "key", key)
			return v, true
		}
	}
	c.misses++
	return nil, false
}

// Peek returns the value for key without taking a reference or touching
// the LRU order. The value may be evicted at any time afterwards.
func (c *Cache[M]) Peek(key string) (*Value[M], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

// Put stores b under key. It reports false, leaving the cache unchanged,
// when the bitmap alone exceeds the budget.
func (c *Cache[M]) Put(key string, b *bitmap.Bitmap, meta M) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.putLocked(key, b, meta, 0)
	return ok
}

// PutAndRetain stores b and returns it with one reference already taken, so
// there is no window in which the new value could be evicted.
func (c *Cache[M]) PutAndRetain(key string, b *bitmap.Bitmap, meta M) (*Value[M], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, b, meta, 1)
}

func (c *Cache[M]) putLocked(key string, b *bitmap.Bitmap, meta M, refs int) (*Value[M], bool) {
	size := b.AllocationByteCount()
	if size > c.maxSize {
		c.rejected++
		c.logger.Debug("memory cache rejected oversize value",
			"key", key,
			"size", size,
			"max_size", c.maxSize)
		return nil, false
	}
	if old, ok := c.lru.Peek(key); ok {
		c.removeLocked(old)
	}
	delete(c.weak, key)

	v := &Value[M]{cache: c, key: key, bitmap: b, meta: meta, size: size, refs: refs}
	c.insertLocked(v)
	c.puts++
	c.trimToSizeLocked(c.maxSize)
	if len(c.weak) > weakPruneThreshold {
		c.pruneWeakLocked()
	}
	return v, true
}

func (c *Cache[M]) insertLocked(v *Value[M]) {
	v.cached = true
	c.lru.Add(v.key, v)
	c.size += v.size
}

// Release returns one reference. A value that was removed from the cache
// while referenced is destroyed when its last reference goes.
func (c *Cache[M]) Release(v *Value[M]) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.refs <= 0 {
		c.logger.Warn("memory cache value released too many times", "key", v.key)
		return
	}
	v.refs--
	if v.refs > 0 {
		return
	}
	if !v.cached {
		c.destroyLocked(v)
		return
	}
	if c.size > c.maxSize {
		c.trimToSizeLocked(c.maxSize)
	}
}

// Remove drops key. A referenced value stays usable by its holders.
func (c *Cache[M]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.weak, key)
	v, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	c.removeLocked(v)
	return true
}

func (c *Cache[M]) removeLocked(v *Value[M]) {
	c.lru.Remove(v.key)
	c.size -= v.size
	v.cached = false
	if v.refs == 0 {
		c.destroyLocked(v)
	}
}

// destroyLocked hands the bitmap to the pool, or to the weak tier when the
// pool cannot reuse it.
func (c *Cache[M]) destroyLocked(v *Value[M]) {
	if c.pool != nil && v.bitmap.IsMutable() {
		c.pool.Put(v.bitmap)
		return
	}
	c.weak[v.key] = weak.Make(v)
}

// trimToSizeLocked evicts unreferenced values, least recently used first,
// until size <= target or nothing evictable is left.
func (c *Cache[M]) trimToSizeLocked(target int) {
	if c.size <= target {
		return
	}
	for _, key := range c.lru.Keys() {
		if c.size <= target {
			return
		}
		v, _ := c.lru.Peek(key)
		if v.refs > 0 {
			continue
		}
		c.removeLocked(v)
		c.evictions++
		c.logger.Debug("memory cache evicted value", "key", key, "size", v.size)
	}
}

func (c *Cache[M]) pruneWeakLocked() {
	for k, wp := range c.weak {
		if wp.Value() == nil {
			delete(c.weak, k)
		}
	}
}

// Trim reacts to memory pressure: moderate halves the budget usage,
// complete drops every unreferenced value and the weak tier.
func (c *Cache[M]) Trim(level pool.TrimLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.size
	switch level {
	case pool.TrimModerate:
		c.trimToSizeLocked(c.maxSize / 2)
		c.pruneWeakLocked()
	case pool.TrimComplete:
		c.trimToSizeLocked(0)
		clear(c.weak)
	}
	c.logger.Debug("memory cache trimmed", "level", level.String(), "released", before-c.size)
}

// Clear removes every value. Referenced values stay valid for their holders.
func (c *Cache[M]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		v, _ := c.lru.Peek(key)
		c.removeLocked(v)
	}
	clear(c.weak)
}

// SetMaxSize changes the budget and evicts down to it.
func (c *Cache[M]) SetMaxSize(maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	c.trimToSizeLocked(maxSize)
}

func (c *Cache[M]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache[M]) MaxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxSize
}

func (c *Cache[M]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache[M]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Refs returns the reference count of key, or 0 when absent.
func (c *Cache[M]) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Peek(key); ok {
		return v.refs
	}
	return 0
}

func (c *Cache[M]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.size,
		MaxSize:   c.maxSize,
		Len:       c.lru.Len(),
		WeakLen:   len(c.weak),
		Hits:      c.hits,
		WeakHits:  c.weakHits,
		Misses:    c.misses,
		Puts:      c.puts,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}
