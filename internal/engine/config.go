package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/ironsheep/imageloader/internal/config"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/fetch"
)

// retryInitialInterval is the first backoff of the HTTP retry client.
const retryInitialInterval = 200 * time.Millisecond

// NewFromConfig builds an engine from cfg on the host filesystem. The s3://
// source is enabled when cfg names an S3 region. Extra options are applied
// last.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaultSize, err := cfg.ParsedDefaultSize()
	if err != nil {
		return nil, err
	}

	var client fetch.HTTPClient = fetch.NewStdClient(cfg.HTTPTimeout, cfg.UserAgent)
	if cfg.HTTPRetries > 0 {
		client = fetch.NewRetryClient(client, cfg.HTTPRetries, retryInitialInterval, logger)
	}

	opts := []Option{
		WithLogger(logger),
		WithMemoryCacheSize(cfg.MemoryCacheSize),
		WithBitmapPoolSize(cfg.BitmapPoolSize),
		WithAppVersion(cfg.AppVersion),
		WithDiskCacheSizes(cfg.DownloadCacheSize, cfg.ResultCacheSize),
		WithProcessLock(cfg.ProcessLock),
		WithHTTPClient(client),
		WithFetchConcurrency(cfg.FetchConcurrency),
		WithDecodeConcurrency(cfg.DecodeConcurrency),
		WithResultKey(cfg.ResultKey),
		WithDefaultSize(defaultSize),
	}
	if cfg.CacheDir != "" {
		opts = append(opts, WithDiskCache(osfs.New(cfg.CacheDir), "/"))
	}
	if cfg.S3Region != "" {
		s3Client, err := fetch.NewS3Client(ctx, cfg.S3Region)
		if err != nil {
			return nil, errs.Config("failed to configure s3: %v", err)
		}
		opts = append(opts, WithS3(s3Client))
	}
	return New(append(opts, extra...)...)
}
