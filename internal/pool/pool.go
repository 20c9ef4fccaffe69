// Package pool implements the bitmap pool: a byte-bounded LRU store of
// reusable pixel buffers that decoders borrow instead of allocating.
//
// A bitmap handed out by Get has already been removed from the pool and
// reconfigured to the requested shape. If reconfiguration fails the buffer
// is dropped and Get reports a miss; the caller allocates fresh.
package pool

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ironsheep/imageloader/internal/bitmap"
)

// TrimLevel is the strength of a memory-pressure signal.
type TrimLevel int

const (
	// TrimNone does nothing.
	TrimNone TrimLevel = iota
	// TrimModerate halves a cache's budget usage.
	TrimModerate
	// TrimComplete drops everything that is not in use.
	TrimComplete
)

func (l TrimLevel) String() string {
	switch l {
	case TrimModerate:
		return "MODERATE"
	case TrimComplete:
		return "COMPLETE"
	default:
		return "NONE"
	}
}

// ParseTrimLevel parses "none", "moderate" or "complete".
func ParseTrimLevel(s string) (TrimLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return TrimNone, true
	case "moderate":
		return TrimModerate, true
	case "complete":
		return TrimComplete, true
	}
	return TrimNone, false
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Puts      int64 `json:"puts"`
	Evictions int64 `json:"evictions"`
	Rejected  int64 `json:"rejected"`
}

// LruBitmapPool is safe for concurrent use.
type LruBitmapPool struct {
	mu        sync.Mutex
	strategy  Strategy
	allowed   map[bitmap.Config]bool
	pooled    map[*bitmap.Bitmap]struct{}
	maxSize   int
	size      int
	hits      int64
	misses    int64
	puts      int64
	evictions int64
	rejected  int64
	logger    *slog.Logger
}

// Option configures an LruBitmapPool.
type Option func(*LruBitmapPool)

// WithStrategy replaces the default SizeStrategy.
func WithStrategy(s Strategy) Option {
	return func(p *LruBitmapPool) { p.strategy = s }
}

// WithAllowedConfigs restricts which configs are pooled.
func WithAllowedConfigs(configs ...bitmap.Config) Option {
	return func(p *LruBitmapPool) {
		p.allowed = make(map[bitmap.Config]bool, len(configs))
		for _, c := range configs {
			p.allowed[c] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *LruBitmapPool) { p.logger = l }
}

// New creates a pool that holds at most maxSize bytes.
func New(maxSize int, opts ...Option) *LruBitmapPool {
	p := &LruBitmapPool{
		strategy: NewSizeStrategy(),
		pooled:   make(map[*bitmap.Bitmap]struct{}),
		maxSize:  maxSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Put offers b to the pool. It reports whether b was kept; a rejected bitmap
// is recycled unless it was already pooled.
func (p *LruBitmapPool) Put(b *bitmap.Bitmap) bool {
	if b == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.pooled[b]; dup {
		p.logger.Warn("bitmap already pooled", "bitmap", p.strategy.LogBitmap(b))
		return false
	}
	if b.IsRecycled() || !b.IsMutable() || p.strategy.Size(b) > p.maxSize || !p.isAllowed(b.Config()) {
		p.rejected++
		p.logger.Debug("bitmap pool rejected bitmap",
			"bitmap", b.String(),
			"mutable", b.IsMutable(),
			"max_size", p.maxSize)
		b.Recycle()
		return false
	}

	p.strategy.Put(b)
	p.pooled[b] = struct{}{}
	p.puts++
	p.size += p.strategy.Size(b)
	p.trimToSizeLocked(p.maxSize)
	_, kept := p.pooled[b]
	return kept
}

// Get returns a pooled bitmap reconfigured to width x height x config with
// erased pixels, or nil.
func (p *LruBitmapPool) Get(width, height int, config bitmap.Config) *bitmap.Bitmap {
	b := p.GetDirty(width, height, config)
	if b != nil {
		b.Erase()
	}
	return b
}

// GetDirty is Get without erasing; the caller must overwrite every pixel.
func (p *LruBitmapPool) GetDirty(width, height int, config bitmap.Config) *bitmap.Bitmap {
	p.mu.Lock()
	b := p.strategy.Get(width, height, config)
	if b == nil {
		p.misses++
		p.mu.Unlock()
		p.logger.Debug("bitmap pool miss", "request", p.strategy.LogRequest(width, height, config))
		return nil
	}
	p.hits++
	p.size -= p.strategy.Size(b)
	delete(p.pooled, b)
	p.mu.Unlock()

	if err := b.Reconfigure(width, height, config); err != nil {
		p.logger.Warn("pooled bitmap could not be reconfigured, dropping it",
			"bitmap", b.String(),
			"request", p.strategy.LogRequest(width, height, config),
			"error", err)
		b.Recycle()
		return nil
	}
	return b
}

// GetOrCreate returns a pooled bitmap or allocates a new one.
func (p *LruBitmapPool) GetOrCreate(width, height int, config bitmap.Config) (*bitmap.Bitmap, error) {
	if b := p.Get(width, height, config); b != nil {
		return b, nil
	}
	return bitmap.New(width, height, config)
}

// Allocator adapts the pool to bitmap.Allocator.
func (p *LruBitmapPool) Allocator() bitmap.Allocator {
	return func(width, height int, config bitmap.Config) *bitmap.Bitmap {
		return p.GetDirty(width, height, config)
	}
}

// RemoveLast evicts and returns the least recently used bitmap without
// recycling it.
func (p *LruBitmapPool) RemoveLast() *bitmap.Bitmap {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.strategy.RemoveLast()
	if b == nil {
		return nil
	}
	p.size -= p.strategy.Size(b)
	delete(p.pooled, b)
	return b
}

// Trim reacts to memory pressure.
func (p *LruBitmapPool) Trim(level TrimLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.size
	switch level {
	case TrimComplete:
		p.trimToSizeLocked(0)
	case TrimModerate:
		p.trimToSizeLocked(p.maxSize / 2)
	}
	p.logger.Debug("bitmap pool trimmed", "level", level.String(), "released", before-p.size)
}

// Clear empties the pool.
func (p *LruBitmapPool) Clear() { p.Trim(TrimComplete) }

// SetMaxSize changes the budget and evicts down to it.
func (p *LruBitmapPool) SetMaxSize(maxSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = maxSize
	p.trimToSizeLocked(maxSize)
}

func (p *LruBitmapPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *LruBitmapPool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize
}

// Stats returns counters and sizes.
func (p *LruBitmapPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		MaxSize:   p.maxSize,
		Hits:      p.hits,
		Misses:    p.misses,
		Puts:      p.puts,
		Evictions: p.evictions,
		Rejected:  p.rejected,
	}
}

func (p *LruBitmapPool) isAllowed(c bitmap.Config) bool {
	return p.allowed == nil || p.allowed[c]
}

func (p *LruBitmapPool) trimToSizeLocked(size int) {
	for p.size > size {
		b := p.strategy.RemoveLast()
		if b == nil {
			p.logger.Warn("bitmap pool size accounting drifted, resetting", "size", p.size)
			p.size = 0
			return
		}
		p.size -= p.strategy.Size(b)
		delete(p.pooled, b)
		p.evictions++
		b.Recycle()
	}
}
