package pipeline

import (
	"context"
	"image"
	"log/slog"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/fetch"
	"github.com/ironsheep/imageloader/internal/metrics"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

// Counter names.
const (
	CounterMemoryHit   = "memory_cache.hit"
	CounterMemoryMiss  = "memory_cache.miss"
	CounterResultHit   = "result_cache.hit"
	CounterResultMiss  = "result_cache.miss"
	CounterResultWrite = "result_cache.write"
	CounterFetch       = "fetch"
	CounterDecode      = "decode"
)

// SizeInterceptor resolves the target size before anything else runs.
type SizeInterceptor struct{}

func (SizeInterceptor) Key() string     { return "size" }
func (SizeInterceptor) SortWeight() int { return WeightSize }

func (SizeInterceptor) Intercept(ctx context.Context, chain *Chain) (*ImageData, error) {
	if _, err := chain.RequestContext().ResolveSize(ctx); err != nil {
		return nil, err
	}
	return chain.Proceed(ctx, chain.Request())
}

// MemoryCacheInterceptor answers from the memory cache and stores what the
// rest of the chain produced.
type MemoryCacheInterceptor struct {
	cache    *MemoryCache
	observer *Observer
}

// NewMemoryCacheInterceptor returns the memory cache stage.
func NewMemoryCacheInterceptor(cache *MemoryCache, o *Observer) *MemoryCacheInterceptor {
	return &MemoryCacheInterceptor{cache: cache, observer: o}
}

func (m *MemoryCacheInterceptor) Key() string     { return "memory_cache" }
func (m *MemoryCacheInterceptor) SortWeight() int { return WeightMemoryCache }

func (m *MemoryCacheInterceptor) Intercept(ctx context.Context, chain *Chain) (*ImageData, error) {
	r := chain.Request()
	rc := chain.RequestContext()
	key := rc.CacheKey()

	if r.MemoryCachePolicy.ReadEnabled() {
		done := m.observer.start(metrics.StageMemoryCache)
		v, ok := m.cache.Get(key)
		done()
		if ok {
			m.observer.inc(CounterMemoryHit)
			return fromCache(v, request.FromMemoryCache), nil
		}
		m.observer.inc(CounterMemoryMiss)
	}
	if r.Depth == request.Memory {
		return nil, errs.Depth("%s is not in the memory cache", r.URI)
	}

	data, err := chain.Proceed(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.MemoryCachePolicy.WriteEnabled() && !data.Cached() {
		meta := CachedMeta{Info: data.Info, Transformed: data.Transformed}
		if r.DisallowReuseBitmap {
			// The caller may hold on to these pixels; eviction must not
			// hand them to the pool.
			data.Bitmap.SetImmutable()
		}
		if v, ok := m.cache.PutAndRetain(key, data.Bitmap, meta); ok {
			data.cached = v
		}
	}
	return data, nil
}

// TransformInterceptor applies the request's transformations to what the
// rest of the chain produced.
type TransformInterceptor struct {
	pool     *pool.LruBitmapPool
	observer *Observer
}

// NewTransformInterceptor returns the transformation stage. p may be nil.
func NewTransformInterceptor(p *pool.LruBitmapPool, o *Observer) *TransformInterceptor {
	return &TransformInterceptor{pool: p, observer: o}
}

func (t *TransformInterceptor) Key() string     { return "transform" }
func (t *TransformInterceptor) SortWeight() int { return WeightTransform }

func (t *TransformInterceptor) Intercept(ctx context.Context, chain *Chain) (*ImageData, error) {
	r := chain.Request()
	data, err := chain.Proceed(ctx, r)
	if err != nil || len(r.Transformations) == 0 {
		return data, err
	}
	done := t.observer.start(metrics.StageTransform)
	defer done()

	var img image.Image = data.Bitmap.Image()
	var applied []string
	for _, tr := range r.Transformations {
		if err := ctx.Err(); err != nil {
			data.Release()
			return nil, errs.Canceled(err)
		}
		out, err := tr.Transform(ctx, img)
		if err != nil {
			data.Release()
			if ctx.Err() != nil {
				return nil, errs.Canceled(ctx.Err())
			}
			return nil, errs.Decode(err, "transformation %s failed", tr.Key())
		}
		if out != nil {
			img = out
			applied = append(applied, tr.Key())
		}
	}
	if len(applied) == 0 {
		return data, nil
	}

	var alloc bitmap.Allocator
	if t.pool != nil && !r.DisallowReuseBitmap {
		alloc = t.pool.Allocator()
	}
	b, err := bitmap.FromImage(img, r.ColorType, alloc)
	if err != nil {
		data.Release()
		return nil, errs.Decode(err, "failed to store transformed image")
	}

	old := data.Bitmap
	if data.Cached() {
		data.Release()
	} else if t.pool != nil && !r.DisallowReuseBitmap {
		t.pool.Put(old)
	}
	return &ImageData{
		Bitmap:      b,
		Info:        data.Info,
		DataFrom:    data.DataFrom,
		Transformed: append(append([]string(nil), data.Transformed...), applied...),
	}, nil
}

// EngineInterceptor fetches and decodes. It is the last stage and never
// proceeds.
type EngineInterceptor struct {
	fetcher  *fetch.Fetcher
	decoder  *decode.Stage
	observer *Observer
	logger   *slog.Logger
}

// NewEngineInterceptor returns the fetch and decode stage.
func NewEngineInterceptor(f *fetch.Fetcher, d *decode.Stage, o *Observer, logger *slog.Logger) *EngineInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EngineInterceptor{fetcher: f, decoder: d, observer: o, logger: logger}
}

func (e *EngineInterceptor) Key() string     { return "engine" }
func (e *EngineInterceptor) SortWeight() int { return WeightEngine }

func (e *EngineInterceptor) Intercept(ctx context.Context, chain *Chain) (*ImageData, error) {
	r := chain.Request()
	rc := chain.RequestContext()

	done := e.observer.start(metrics.StageFetch)
	fetched, err := e.fetcher.Fetch(ctx, r, rc.Progress)
	done()
	if err != nil {
		return nil, err
	}
	e.observer.inc(CounterFetch)
	rc.Fetch = fetched

	if err := ctx.Err(); err != nil {
		return nil, errs.Canceled(err)
	}

	done = e.observer.start(metrics.StageDecode)
	decoded, err := e.decoder.Decode(ctx, fetched.Data, r, rc.Size())
	done()
	if err != nil {
		return nil, err
	}
	e.observer.inc(CounterDecode)
	rc.Decode = decoded

	e.logger.Debug("fetched and decoded",
		"request_id", rc.ID,
		"uri", r.URI,
		"data_from", fetched.DataFrom.String(),
		"bytes", len(fetched.Data),
		"width", decoded.Bitmap.Width(),
		"height", decoded.Bitmap.Height())

	return &ImageData{
		Bitmap:      decoded.Bitmap,
		Info:        decoded.Info,
		DataFrom:    fetched.DataFrom,
		Transformed: decoded.Transformed,
	}, nil
}
