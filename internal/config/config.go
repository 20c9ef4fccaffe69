// Package config holds the engine settings: defaults, an optional YAML file
// and IMAGELOADER_* environment overrides, applied in that order.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/keys"
	"github.com/ironsheep/imageloader/internal/request"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMAGELOADER_"

// Config is the engine configuration. Sizes are bytes.
type Config struct {
	// CacheDir holds the download and result caches. Empty disables both.
	CacheDir    string `yaml:"cache_dir"`
	ProcessLock bool   `yaml:"process_lock"`
	AppVersion  int    `yaml:"app_version"`

	MemoryCacheSize   int   `yaml:"memory_cache_size"`
	BitmapPoolSize    int   `yaml:"bitmap_pool_size"`
	DownloadCacheSize int64 `yaml:"download_cache_size"`
	ResultCacheSize   int64 `yaml:"result_cache_size"`

	FetchConcurrency  int `yaml:"fetch_concurrency"`
	DecodeConcurrency int `yaml:"decode_concurrency"`

	// DefaultSize is "WIDTHxHEIGHT" or empty for the source size.
	DefaultSize string `yaml:"default_size"`
	// ResultKey is "cache_key" or "without_transformations".
	ResultKey string `yaml:"result_key"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
	HTTPRetries int           `yaml:"http_retries"`
	UserAgent   string        `yaml:"user_agent"`
	S3Region    string        `yaml:"s3_region"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheDir:          defaultCacheDir(),
		ProcessLock:       true,
		AppVersion:        1,
		MemoryCacheSize:   64 << 20,
		BitmapPoolSize:    32 << 20,
		DownloadCacheSize: 100 << 20,
		ResultCacheSize:   200 << 20,
		FetchConcurrency:  10,
		DecodeConcurrency: runtime.NumCPU(),
		ResultKey:         "cache_key",
		HTTPTimeout:       30 * time.Second,
		HTTPRetries:       2,
		UserAgent:         "imageloader",
		LogLevel:          "info",
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "imageloader")
}

// Load returns the defaults overlaid with the file at path, if any, and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errs.Config("failed to read config file %s: %v", path, err)
		}
		if err := cfg.Overlay(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Overlay applies the YAML document data on top of c. Unknown fields are an
// error.
func (c *Config) Overlay(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errs.Config("invalid config file: %v", err)
	}
	return nil
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv overlays IMAGELOADER_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var firstErr error
	fail := func(name, v string, err error) {
		if firstErr == nil {
			firstErr = errs.Config("invalid %s%s=%q: %v", EnvPrefix, name, v, err)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = n
		}
	}
	int64Var := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = n
		}
	}

	str("CACHE_DIR", &c.CacheDir)
	if v, ok := lookup(EnvPrefix + "PROCESS_LOCK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail("PROCESS_LOCK", v, err)
		} else {
			c.ProcessLock = b
		}
	}
	integer("APP_VERSION", &c.AppVersion)
	integer("MEMORY_CACHE_SIZE", &c.MemoryCacheSize)
	integer("BITMAP_POOL_SIZE", &c.BitmapPoolSize)
	int64Var("DOWNLOAD_CACHE_SIZE", &c.DownloadCacheSize)
	int64Var("RESULT_CACHE_SIZE", &c.ResultCacheSize)
	integer("FETCH_CONCURRENCY", &c.FetchConcurrency)
	integer("DECODE_CONCURRENCY", &c.DecodeConcurrency)
	str("DEFAULT_SIZE", &c.DefaultSize)
	str("RESULT_KEY", &c.ResultKey)
	if v, ok := lookup(EnvPrefix + "HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			fail("HTTP_TIMEOUT", v, err)
		} else {
			c.HTTPTimeout = d
		}
	}
	integer("HTTP_RETRIES", &c.HTTPRetries)
	str("USER_AGENT", &c.UserAgent)
	str("S3_REGION", &c.S3Region)
	str("LOG_LEVEL", &c.LogLevel)
	return firstErr
}

// Validate checks every field.
func (c Config) Validate() error {
	switch {
	case c.MemoryCacheSize <= 0:
		return errs.Config("memory_cache_size must be positive, got %d", c.MemoryCacheSize)
	case c.BitmapPoolSize < 0:
		return errs.Config("bitmap_pool_size must not be negative, got %d", c.BitmapPoolSize)
	case c.DownloadCacheSize <= 0 || c.ResultCacheSize <= 0:
		return errs.Config("disk cache sizes must be positive")
	case c.AppVersion < 1:
		return errs.Config("app_version must be at least 1, got %d", c.AppVersion)
	case c.FetchConcurrency < 1 || c.DecodeConcurrency < 1:
		return errs.Config("concurrency must be at least 1")
	case c.HTTPTimeout <= 0:
		return errs.Config("http_timeout must be positive, got %v", c.HTTPTimeout)
	case c.HTTPRetries < 0:
		return errs.Config("http_retries must not be negative, got %d", c.HTTPRetries)
	}
	if _, err := c.ParsedDefaultSize(); err != nil {
		return err
	}
	if _, ok := keys.ResultKeyFuncByName(c.ResultKey); !ok {
		return errs.Config("unknown result_key %q", c.ResultKey)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParsedDefaultSize returns DefaultSize as a size; empty means none.
func (c Config) ParsedDefaultSize() (request.Size, error) {
	if strings.TrimSpace(c.DefaultSize) == "" {
		return request.Size{}, nil
	}
	s, err := request.ParseSize(c.DefaultSize)
	if err != nil {
		return request.Size{}, errs.Config("invalid default_size %q: %v", c.DefaultSize, err)
	}
	if s.IsEmpty() {
		return request.Size{}, errs.Config("default_size %q must be positive in both dimensions", c.DefaultSize)
	}
	return s, nil
}
