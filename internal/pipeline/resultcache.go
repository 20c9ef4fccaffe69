package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pierrec/lz4/v4"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/diskcache"
	"github.com/ironsheep/imageloader/internal/keys"
	"github.com/ironsheep/imageloader/internal/metrics"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

// Result cache value indexes.
const (
	resultMetaIndex   = 0
	resultPixelsIndex = 1
	// ResultValueCount is the value count a result cache store must be
	// opened with.
	ResultValueCount = 2

	resultFormatVersion = 1
	maxResultDimension  = 1 << 15
)

type resultMeta struct {
	Version     int              `json:"version"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	Config      string           `json:"config"`
	Info        decode.ImageInfo `json:"info"`
	Transformed []string         `json:"transformed,omitempty"`
}

// ResultCacheInterceptor answers from the on-disk result cache and stores
// decoded output there.
type ResultCacheInterceptor struct {
	store    diskcache.Store
	pool     *pool.LruBitmapPool
	weight   int
	observer *Observer
	logger   *slog.Logger
}

// NewResultCacheInterceptor returns the result cache stage. When
// withTransformations is false the stage sits below the transformations and
// caches the untransformed image.
func NewResultCacheInterceptor(store diskcache.Store, p *pool.LruBitmapPool, withTransformations bool, o *Observer, logger *slog.Logger) *ResultCacheInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	weight := WeightResultCache
	if !withTransformations {
		weight = WeightResultCacheBase
	}
	return &ResultCacheInterceptor{store: store, pool: p, weight: weight, observer: o, logger: logger}
}

func (rci *ResultCacheInterceptor) Key() string     { return "result_cache" }
func (rci *ResultCacheInterceptor) SortWeight() int { return rci.weight }

func (rci *ResultCacheInterceptor) Intercept(ctx context.Context, chain *Chain) (*ImageData, error) {
	r := chain.Request()
	rc := chain.RequestContext()
	key := keys.Hash(rc.ResultCacheKey())

	if r.ResultCachePolicy.ReadEnabled() {
		done := rci.observer.start(metrics.StageResultCache)
		data := rci.read(key, r)
		done()
		if data != nil {
			rci.observer.inc(CounterResultHit)
			return data, nil
		}
		rci.observer.inc(CounterResultMiss)
	}

	data, err := chain.Proceed(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.ResultCachePolicy.WriteEnabled() && data.DataFrom != request.FromResultCache && data.DataFrom != request.FromMemoryCache {
		done := rci.observer.start(metrics.StageResultCache)
		rci.write(key, data)
		done()
	}
	return data, nil
}

func (rci *ResultCacheInterceptor) read(key string, r *request.Request) *ImageData {
	sn, err := rci.store.Get(key)
	if err != nil {
		rci.logger.Warn("result cache read failed", "key", key, "error", err)
		return nil
	}
	if sn == nil {
		return nil
	}
	defer sn.Close()

	var alloc bitmap.Allocator
	if rci.pool != nil && !r.DisallowReuseBitmap {
		alloc = rci.pool.Allocator()
	}
	data, err := DecodeResult(sn.Open(resultMetaIndex), sn.Open(resultPixelsIndex), alloc)
	if err != nil {
		rci.logger.Warn("result cache entry unreadable, dropping it", "key", key, "error", err)
		if _, err := rci.store.Remove(key); err != nil {
			rci.logger.Warn("failed to drop result cache entry", "key", key, "error", err)
		}
		return nil
	}
	return data
}

func (rci *ResultCacheInterceptor) write(key string, data *ImageData) {
	ed, err := rci.store.Edit(key)
	if err != nil {
		if !errors.Is(err, diskcache.ErrClosed) {
			rci.logger.Debug("result cache write skipped", "key", key, "error", err)
		}
		return
	}
	defer ed.AbortUnlessCommitted()

	meta, err := ed.NewSink(resultMetaIndex)
	if err != nil {
		rci.logger.Warn("result cache write failed", "key", key, "error", err)
		return
	}
	pixels, err := ed.NewSink(resultPixelsIndex)
	if err != nil {
		_ = meta.Close()
		rci.logger.Warn("result cache write failed", "key", key, "error", err)
		return
	}
	err = EncodeResult(meta, pixels, data)
	if cerr := meta.Close(); err == nil {
		err = cerr
	}
	if cerr := pixels.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		rci.logger.Warn("result cache write failed", "key", key, "error", err)
		return
	}
	if err := ed.Commit(); err != nil {
		rci.logger.Warn("result cache commit failed", "key", key, "error", err)
		return
	}
	rci.observer.inc(CounterResultWrite)
}

// EncodeResult writes data's metadata to meta and its pixels, LZ4
// compressed, to pixels.
func EncodeResult(meta, pixels io.Writer, data *ImageData) error {
	b := data.Bitmap
	m := resultMeta{
		Version:     resultFormatVersion,
		Width:       b.Width(),
		Height:      b.Height(),
		Config:      b.Config().String(),
		Info:        data.Info,
		Transformed: data.Transformed,
	}
	if err := json.NewEncoder(meta).Encode(m); err != nil {
		return fmt.Errorf("failed to encode result metadata: %w", err)
	}
	zw := lz4.NewWriter(pixels)
	if _, err := zw.Write(b.Pix()); err != nil {
		return fmt.Errorf("failed to compress pixels: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress pixels: %w", err)
	}
	return nil
}

// DecodeResult reads what EncodeResult wrote. The bitmap comes from alloc
// when it can provide one.
func DecodeResult(meta, pixels io.Reader, alloc bitmap.Allocator) (*ImageData, error) {
	var m resultMeta
	if err := json.NewDecoder(meta).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode result metadata: %w", err)
	}
	if m.Version != resultFormatVersion {
		return nil, fmt.Errorf("unsupported result format version %d", m.Version)
	}
	config, err := bitmap.ParseConfig(m.Config)
	if err != nil {
		return nil, err
	}
	if m.Width <= 0 || m.Height <= 0 || m.Width > maxResultDimension || m.Height > maxResultDimension {
		return nil, fmt.Errorf("invalid result dimensions %dx%d", m.Width, m.Height)
	}
	want := int64(m.Width) * int64(m.Height) * int64(config.BytesPerPixel())

	// The payload is read before anything is allocated from the metadata.
	var raw bytes.Buffer
	n, err := io.Copy(&raw, io.LimitReader(lz4.NewReader(pixels), want+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress pixels: %w", err)
	}
	if n != want {
		return nil, fmt.Errorf("pixel data is %d bytes, want %d for %dx%d %v", n, want, m.Width, m.Height, config)
	}

	var b *bitmap.Bitmap
	if alloc != nil {
		b = alloc(m.Width, m.Height, config)
	}
	if b == nil {
		if b, err = bitmap.New(m.Width, m.Height, config); err != nil {
			return nil, err
		}
	}
	copy(b.Pix(), raw.Bytes())

	return &ImageData{
		Bitmap:      b,
		Info:        m.Info,
		DataFrom:    request.FromResultCache,
		Transformed: m.Transformed,
	}, nil
}
