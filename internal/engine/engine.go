package engine

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"

	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/diskcache"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/fetch"
	"github.com/ironsheep/imageloader/internal/keys"
	"github.com/ironsheep/imageloader/internal/memcache"
	"github.com/ironsheep/imageloader/internal/metrics"
	"github.com/ironsheep/imageloader/internal/pipeline"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

// Cache directory names under the disk cache root.
const (
	DownloadCacheDir = "download"
	ResultCacheDir   = "result"
)

type options struct {
	logger *slog.Logger

	memoryCacheSize int
	bitmapPoolSize  int

	cacheFS           billy.Filesystem
	cacheDir          string
	processLock       bool
	appVersion        int
	downloadCacheSize int64
	resultCacheSize   int64
	downloadStore     diskcache.Store
	resultStore       diskcache.Store

	httpClient fetch.HTTPClient
	s3         fetch.S3API
	localFS    billy.Filesystem
	fetchers   int

	decoder  decode.Decoder
	decoders int

	resultKeyName string
	resultKeyFunc keys.ResultKeyFunc
	defaultSize   request.Size
	interceptors  []pipeline.Interceptor
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMemoryCacheSize sets the memory cache budget in bytes.
func WithMemoryCacheSize(n int) Option { return func(o *options) { o.memoryCacheSize = n } }

// WithBitmapPoolSize sets the bitmap pool budget in bytes. Zero disables
// the pool.
func WithBitmapPoolSize(n int) Option { return func(o *options) { o.bitmapPoolSize = n } }

// WithDiskCache puts the download and result caches under dir on fs.
func WithDiskCache(fs billy.Filesystem, dir string) Option {
	return func(o *options) { o.cacheFS, o.cacheDir = fs, dir }
}

// WithProcessLock takes an exclusive file lock on each disk cache directory
// so two processes never share one. The cache filesystem must be backed by
// the host filesystem, see osfs.New.
func WithProcessLock(v bool) Option { return func(o *options) { o.processLock = v } }

// WithAppVersion invalidates disk caches written by another version.
func WithAppVersion(v int) Option { return func(o *options) { o.appVersion = v } }

// WithDiskCacheSizes sets the download and result cache budgets in bytes.
func WithDiskCacheSizes(download, result int64) Option {
	return func(o *options) { o.downloadCacheSize, o.resultCacheSize = download, result }
}

// WithDownloadCache uses s instead of opening one under the cache dir. s
// must have been opened with fetch.ValueCount values.
func WithDownloadCache(s diskcache.Store) Option { return func(o *options) { o.downloadStore = s } }

// WithResultCache uses s instead of opening one under the cache dir. s must
// have been opened with pipeline.ResultValueCount values.
func WithResultCache(s diskcache.Store) Option { return func(o *options) { o.resultStore = s } }

// WithHTTPClient sets the client for network sources.
func WithHTTPClient(c fetch.HTTPClient) Option { return func(o *options) { o.httpClient = c } }

// WithS3 enables s3:// sources.
func WithS3(c fetch.S3API) Option { return func(o *options) { o.s3 = c } }

// WithLocalFilesystem sets the filesystem for local paths.
func WithLocalFilesystem(fs billy.Filesystem) Option { return func(o *options) { o.localFS = fs } }

// WithFetchConcurrency bounds concurrent network fetches.
func WithFetchConcurrency(n int) Option { return func(o *options) { o.fetchers = n } }

// WithDecoder replaces the standard decoder.
func WithDecoder(d decode.Decoder) Option { return func(o *options) { o.decoder = d } }

// WithDecodeConcurrency bounds concurrent decodes.
func WithDecodeConcurrency(n int) Option { return func(o *options) { o.decoders = n } }

// WithResultKey selects the result cache key derivation by name, see
// keys.ResultKeyFuncByName.
func WithResultKey(name string) Option { return func(o *options) { o.resultKeyName = name } }

// WithResultKeyFunc sets a custom result cache key derivation. The result
// cache then stores transformed output.
func WithResultKeyFunc(f keys.ResultKeyFunc) Option { return func(o *options) { o.resultKeyFunc = f } }

// WithDefaultSize is the target size for requests without one. The empty
// size keeps the source size.
func WithDefaultSize(s request.Size) Option { return func(o *options) { o.defaultSize = s } }

// WithInterceptor adds a custom stage. Its SortWeight places it among the
// built-in stages.
func WithInterceptor(i pipeline.Interceptor) Option {
	return func(o *options) { o.interceptors = append(o.interceptors, i) }
}

// Engine executes requests. It is safe for concurrent use.
type Engine struct {
	logger *slog.Logger

	memory        *pipeline.MemoryCache
	pool          *pool.LruBitmapPool
	downloadStore diskcache.Store
	resultStore   diskcache.Store
	fetcher       *fetch.Fetcher
	decoder       *decode.Stage

	interceptors  []pipeline.Interceptor
	resultKeyFunc keys.ResultKeyFunc
	defaultSize   request.Size

	latency  *metrics.LatencyTracker
	counters *metrics.Counters

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool

	events *dispatcher
}

// New builds an engine. Disk caches that cannot be opened are replaced by
// empty stores and logged; the engine still works without them.
func New(opts ...Option) (*Engine, error) {
	o := options{
		logger:            slog.Default(),
		memoryCacheSize:   64 << 20,
		bitmapPoolSize:    32 << 20,
		appVersion:        1,
		downloadCacheSize: 100 << 20,
		resultCacheSize:   200 << 20,
		fetchers:          10,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.memoryCacheSize <= 0 {
		return nil, errs.Config("memory cache size must be positive, got %d", o.memoryCacheSize)
	}
	if o.defaultSize.Width < 0 || o.defaultSize.Height < 0 {
		return nil, errs.Config("invalid default size %v", o.defaultSize)
	}

	resultKeyFunc := o.resultKeyFunc
	withTransformations := true
	if resultKeyFunc == nil {
		f, ok := keys.ResultKeyFuncByName(o.resultKeyName)
		if !ok {
			return nil, errs.Config("unknown result key derivation %q", o.resultKeyName)
		}
		resultKeyFunc = f
		withTransformations = o.resultKeyName != "without_transformations"
	}

	e := &Engine{
		logger:        o.logger,
		resultKeyFunc: resultKeyFunc,
		defaultSize:   o.defaultSize,
		latency:       metrics.NewLatencyTracker(0.01),
		counters:      metrics.NewCounters(),
		jobs:          make(map[string]*job),
		events:        newDispatcher(o.logger),
	}
	e.baseCtx, e.cancelAll = context.WithCancel(context.Background())

	memOpts := []memcache.Option{memcache.WithLogger(o.logger)}
	if o.bitmapPoolSize > 0 {
		e.pool = pool.New(o.bitmapPoolSize, pool.WithLogger(o.logger))
		memOpts = append(memOpts, memcache.WithBitmapPool(e.pool))
	}
	e.memory = memcache.New[pipeline.CachedMeta](o.memoryCacheSize, memOpts...)

	e.downloadStore = o.downloadStore
	if e.downloadStore == nil {
		e.downloadStore = e.openStore(o, DownloadCacheDir, fetch.ValueCount, o.downloadCacheSize)
	}
	e.resultStore = o.resultStore
	if e.resultStore == nil {
		e.resultStore = e.openStore(o, ResultCacheDir, pipeline.ResultValueCount, o.resultCacheSize)
	}

	fetchOpts := []fetch.Option{
		fetch.WithDownloadCache(e.downloadStore),
		fetch.WithConcurrency(o.fetchers),
		fetch.WithLogger(o.logger),
	}
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(o.httpClient))
	}
	if o.s3 != nil {
		fetchOpts = append(fetchOpts, fetch.WithS3(o.s3))
	}
	if o.localFS != nil {
		fetchOpts = append(fetchOpts, fetch.WithFilesystem(o.localFS))
	}
	e.fetcher = fetch.New(fetchOpts...)

	decodeOpts := []decode.Option{decode.WithLogger(o.logger), decode.WithConcurrency(o.decoders)}
	if e.pool != nil {
		decodeOpts = append(decodeOpts, decode.WithBitmapPool(e.pool))
	}
	e.decoder = decode.NewStage(o.decoder, decodeOpts...)

	observer := &pipeline.Observer{Latency: e.latency, Counters: e.counters}
	builtins := []pipeline.Interceptor{
		pipeline.SizeInterceptor{},
		pipeline.NewMemoryCacheInterceptor(e.memory, observer),
		pipeline.NewResultCacheInterceptor(e.resultStore, e.pool, withTransformations, observer, o.logger),
		pipeline.NewTransformInterceptor(e.pool, observer),
		pipeline.NewEngineInterceptor(e.fetcher, e.decoder, observer, o.logger),
	}
	e.interceptors = pipeline.Sort(append(builtins, o.interceptors...))

	go e.events.loop()
	return e, nil
}

func (e *Engine) openStore(o options, name string, valueCount int, maxSize int64) diskcache.Store {
	if o.cacheFS == nil {
		return diskcache.Empty()
	}
	dir := path.Join(o.cacheDir, name)
	storeOpts := []diskcache.Option{
		diskcache.WithAppVersion(o.appVersion),
		diskcache.WithValueCount(valueCount),
		diskcache.WithMaxSize(maxSize),
		diskcache.WithLogger(o.logger.With("cache", name)),
	}
	if o.processLock {
		storeOpts = append(storeOpts, diskcache.WithProcessLock(filepath.Join(o.cacheFS.Root(), dir, ".lock")))
	}
	s, err := diskcache.Open(o.cacheFS, dir, storeOpts...)
	if err != nil {
		e.logger.Warn("disk cache unavailable, continuing without it", "cache", name, "dir", dir, "error", err)
		return diskcache.Empty()
	}
	return s
}

// MemoryCache returns the memory cache.
func (e *Engine) MemoryCache() *pipeline.MemoryCache { return e.memory }

// BitmapPool returns the bitmap pool, or nil when pooling is disabled.
func (e *Engine) BitmapPool() *pool.LruBitmapPool { return e.pool }

// ResultCache returns the result cache store.
func (e *Engine) ResultCache() diskcache.Store { return e.resultStore }

// DownloadCache returns the download cache store.
func (e *Engine) DownloadCache() diskcache.Store { return e.downloadStore }

// Interceptors returns the chain in execution order.
func (e *Engine) Interceptors() []pipeline.Interceptor {
	return append([]pipeline.Interceptor(nil), e.interceptors...)
}

// TrimMemory releases memory in response to pressure.
func (e *Engine) TrimMemory(level pool.TrimLevel) {
	e.memory.Trim(level)
	if e.pool != nil {
		e.pool.Trim(level)
	}
	e.logger.Info("trimmed memory", "level", level.String())
}

// ClearCaches empties the caches named in targets: "memory", "pool",
// "result" and "download". No targets clears them all.
func (e *Engine) ClearCaches(targets ...string) error {
	if len(targets) == 0 {
		targets = []string{"memory", "pool", "result", "download"}
	}
	for _, t := range targets {
		switch t {
		case "memory":
			e.memory.Clear()
		case "pool":
			if e.pool != nil {
				e.pool.Clear()
			}
		case "result":
			if err := e.resultStore.Clear(); err != nil {
				return errs.CacheIO(err, "failed to clear result cache")
			}
		case "download":
			if err := e.downloadStore.Clear(); err != nil {
				return errs.CacheIO(err, "failed to clear download cache")
			}
		default:
			return errs.Config("unknown cache %q", t)
		}
	}
	return nil
}

// ReadImageInfo fetches r's source and reads its header without decoding
// pixels.
func (e *Engine) ReadImageInfo(ctx context.Context, r *request.Request) (decode.ImageInfo, request.DataFrom, error) {
	res, err := e.fetcher.Fetch(ctx, r, nil)
	if err != nil {
		return decode.ImageInfo{}, 0, err
	}
	info, err := e.decoder.ReadImageInfo(res.Data)
	if err != nil {
		return decode.ImageInfo{}, 0, err
	}
	return info, res.DataFrom, nil
}

// Shutdown cancels every job, waits for them to end, stops the dispatcher
// and closes the disk caches.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancelAll()
	jobsDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(jobsDone)
	}()
	select {
	case <-jobsDone:
	case <-ctx.Done():
		// Release the directories now; stragglers see closed stores and skip
		// caching. Their listeners still run until the last one returns.
		e.logger.Warn("engine shutdown timed out waiting for requests", "in_flight", e.InFlight())
		if err := e.closeStores(); err != nil {
			e.logger.Warn("failed to close disk caches", "error", err)
		}
		go func() {
			<-jobsDone
			e.events.stop()
		}()
		return ctx.Err()
	}

	e.events.stop()
	err := e.closeStores()
	e.logger.Debug("engine shut down")
	return err
}

func (e *Engine) closeStores() error {
	var first error
	for _, s := range []diskcache.Store{e.downloadStore, e.resultStore} {
		if err := s.Close(); err != nil && first == nil {
			first = errs.CacheIO(err, "failed to close disk cache")
		}
	}
	return first
}
