package pipeline

import (
	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/memcache"
	"github.com/ironsheep/imageloader/internal/request"
)

// CachedMeta is what the memory cache keeps next to a bitmap.
type CachedMeta struct {
	Info        decode.ImageInfo
	Transformed []string
}

// MemoryCache is the memory cache type the pipeline works with.
type MemoryCache = memcache.Cache[CachedMeta]

// ImageData is the outcome of a successful attempt.
type ImageData struct {
	Bitmap      *bitmap.Bitmap
	Info        decode.ImageInfo
	DataFrom    request.DataFrom
	Transformed []string

	// cached is the memory cache reference this holder owns, if any.
	cached *memcache.Value[CachedMeta]
}

// Cached reports whether the bitmap is owned by the memory cache.
func (d *ImageData) Cached() bool { return d != nil && d.cached != nil }

// Clone returns a copy for another holder, taking another memory cache
// reference when the bitmap is cached.
func (d *ImageData) Clone() *ImageData {
	c := *d
	c.Transformed = append([]string(nil), d.Transformed...)
	if c.cached != nil {
		c.cached.Retain()
	}
	return &c
}

// Release returns the holder's memory cache reference. The bitmap must not
// be used afterwards. Calling Release more than once is harmless.
func (d *ImageData) Release() {
	if d == nil || d.cached == nil {
		return
	}
	v := d.cached
	d.cached = nil
	v.Release()
}

func fromCache(v *memcache.Value[CachedMeta], from request.DataFrom) *ImageData {
	m := v.Meta()
	return &ImageData{
		Bitmap:      v.Bitmap(),
		Info:        m.Info,
		DataFrom:    from,
		Transformed: append([]string(nil), m.Transformed...),
		cached:      v,
	}
}
