package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/imageloader/internal/config"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pipeline"
)

func shutdown(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Shutdown(ctx))
}

func TestNewFromConfig_OpensLockedDiskCaches(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.DefaultSize = "64x64"

	e, err := NewFromConfig(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer shutdown(t, e)

	for _, dir := range []string{DownloadCacheDir, ResultCacheDir} {
		_, err := os.Stat(filepath.Join(cfg.CacheDir, dir, "journal"))
		assert.NoError(t, err, "%s journal", dir)
		_, err = os.Stat(filepath.Join(cfg.CacheDir, dir, ".lock"))
		assert.NoError(t, err, "%s lock", dir)
	}
	assert.Equal(t, cfg.ResultCacheSize, e.ResultCache().MaxSize())

	// A second engine on the same directory runs without disk caches.
	second, err := NewFromConfig(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer shutdown(t, second)
	assert.Zero(t, second.ResultCache().MaxSize())
	assert.Zero(t, second.DownloadCache().MaxSize())
}

func TestShutdown_TimeoutStillReleasesCacheDirectory(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()

	g := newGate()
	g.linger = make(chan struct{})
	e, err := NewFromConfig(context.Background(), cfg, quiet, WithInterceptor(g))
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- e.Execute(context.Background(), mustRequest(t, "https://example.com/stuck.png")) }()
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Shutdown(ctx), context.DeadlineExceeded)

	// The directory lock was released, so another engine gets real stores.
	next, err := NewFromConfig(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer shutdown(t, next)
	assert.Equal(t, cfg.ResultCacheSize, next.ResultCache().MaxSize())
	assert.Equal(t, cfg.DownloadCacheSize, next.DownloadCache().MaxSize())

	close(g.linger)
	assert.Equal(t, pipeline.Canceled, (<-done).State)
}

func TestNewFromConfig_WithoutCacheDir(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDir = ""
	e, err := NewFromConfig(context.Background(), cfg, quiet)
	require.NoError(t, err)
	defer shutdown(t, e)
	assert.Zero(t, e.ResultCache().MaxSize())
}

func TestNewFromConfig_Invalid(t *testing.T) {
	cfg := config.Default()
	cfg.ResultKey = "bogus"
	_, err := NewFromConfig(context.Background(), cfg, quiet)
	assert.True(t, errs.IsConfig(err))
}
