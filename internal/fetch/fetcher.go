package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"golang.org/x/sync/semaphore"

	"github.com/ironsheep/imageloader/internal/diskcache"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/keys"
	"github.com/ironsheep/imageloader/internal/locking"
	"github.com/ironsheep/imageloader/internal/request"
)

// Download cache value indexes.
const (
	metaIndex = 0
	dataIndex = 1
	// ValueCount is the value count a download cache store must be opened with.
	ValueCount = 2
)

// ProgressFunc receives bytes read so far and the total, -1 when unknown.
type ProgressFunc func(read, total int64)

// Result is the outcome of a fetch.
type Result struct {
	Data     []byte
	MimeType string
	DataFrom request.DataFrom
}

type downloadMeta struct {
	MimeType string `json:"mime_type"`
	URI      string `json:"uri"`
}

// Fetcher resolves request URIs to bytes. It is safe for concurrent use.
type Fetcher struct {
	http   HTTPClient
	s3     S3API
	fs     billy.Filesystem
	cache  diskcache.Store
	locks  locking.Group
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client for http and https URIs.
func WithHTTPClient(c HTTPClient) Option { return func(f *Fetcher) { f.http = c } }

// WithS3 enables s3:// URIs.
func WithS3(c S3API) Option { return func(f *Fetcher) { f.s3 = c } }

// WithFilesystem sets the filesystem for local paths. Default is the host
// filesystem.
func WithFilesystem(fs billy.Filesystem) Option { return func(f *Fetcher) { f.fs = fs } }

// WithDownloadCache stores remote bodies in s, which must have been opened
// with ValueCount values.
func WithDownloadCache(s diskcache.Store) Option { return func(f *Fetcher) { f.cache = s } }

// WithLockGroup sets the group used to serialize downloads of one URI. The
// default is a MemLock, or a NoOpGroup when the download cache is empty and
// there is no entry to protect.
func WithLockGroup(g locking.Group) Option { return func(f *Fetcher) { f.locks = g } }

// WithConcurrency bounds concurrent remote fetches.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// New returns a Fetcher. Without WithHTTPClient, network URIs fail.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		fs:     osfs.New("/"),
		cache:  diskcache.Empty(),
		sem:    semaphore.NewWeighted(10),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.locks == nil {
		if diskcache.IsEmpty(f.cache) {
			f.locks = locking.NewNoOpGroup()
		} else {
			f.locks = locking.NewMemLock()
		}
	}
	return f
}

// DownloadCache returns the store backing the download cache.
func (f *Fetcher) DownloadCache() diskcache.Store { return f.cache }

// Fetch returns the bytes of r's source.
func (f *Fetcher) Fetch(ctx context.Context, r *request.Request, progress ProgressFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canceled(err)
	}
	if r.Depth == request.Memory {
		return nil, errs.Depth("%s cannot be fetched at depth %v", r.URI, r.Depth)
	}

	switch scheme := r.Scheme(); scheme {
	case "data":
		data, mimeType, err := decodeDataURI(r.URI)
		if err != nil {
			return nil, errs.Fetch(err, "failed to decode data uri")
		}
		report(progress, int64(len(data)), int64(len(data)))
		return &Result{Data: data, MimeType: mimeType, DataFrom: request.FromMemory}, nil
	case "", "file":
		return f.fetchLocal(r, progress)
	case "http", "https", "s3":
		return f.fetchRemote(ctx, r, scheme, progress)
	default:
		return nil, errs.Fetch(nil, "unsupported uri scheme %q", scheme)
	}
}

func (f *Fetcher) fetchLocal(r *request.Request, progress ProgressFunc) (*Result, error) {
	p, err := localPath(r.URI)
	if err != nil {
		return nil, errs.Fetch(err, "invalid local uri")
	}
	file, err := f.fs.Open(p)
	if err != nil {
		return nil, errs.Fetch(err, "failed to open %s", p)
	}
	defer file.Close()

	total := int64(-1)
	if fi, err := f.fs.Stat(p); err == nil {
		if fi.IsDir() {
			return nil, errs.Fetch(nil, "%s is a directory", p)
		}
		total = fi.Size()
	}
	data, err := io.ReadAll(&progressReader{r: file, total: total, progress: progress})
	if err != nil {
		return nil, errs.Fetch(err, "failed to read %s", p)
	}
	mimeType := mimeFromExtension(p)
	if mimeType == "" {
		mimeType = sniffMime(data)
	}
	return &Result{Data: data, MimeType: mimeType, DataFrom: request.FromLocal}, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context, r *request.Request, scheme string, progress ProgressFunc) (*Result, error) {
	key := keys.Hash(keys.DownloadCacheKey(r))
	policy := r.DownloadCachePolicy

	if policy.ReadEnabled() {
		if res := f.readCache(key); res != nil {
			report(progress, int64(len(res.Data)), int64(len(res.Data)))
			return res, nil
		}
	}
	if r.Depth != request.Network {
		return nil, errs.Depth("%s is not in the download cache and depth is %v", r.URI, r.Depth)
	}

	if !policy.WriteEnabled() {
		return f.download(ctx, r, scheme, progress, nil)
	}

	var res *Result
	err := f.locks.DoWithLock(ctx, key, func() error {
		// Another execution may have finished the same download while we waited.
		if policy.ReadEnabled() {
			if res = f.readCache(key); res != nil {
				return nil
			}
		}
		ed, err := f.cache.Edit(key)
		if err != nil {
			if !errors.Is(err, diskcache.ErrClosed) {
				f.logger.Warn("download cache unavailable, fetching uncached", "uri", r.URI, "error", err)
			}
			ed = nil
		}
		res, err = f.download(ctx, r, scheme, progress, ed)
		return err
	})
	if err != nil {
		if ctx.Err() != nil && !errs.IsCanceled(err) {
			return nil, errs.Canceled(ctx.Err())
		}
		return nil, err
	}
	return res, nil
}

// download streams the source into memory and, when ed is non-nil, into the
// download cache at the same time. ed is always committed or aborted.
func (f *Fetcher) download(ctx context.Context, r *request.Request, scheme string, progress ProgressFunc, ed *diskcache.Editor) (*Result, error) {
	if ed != nil {
		defer ed.AbortUnlessCommitted()
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Canceled(err)
	}
	defer f.sem.Release(1)

	src, err := f.open(ctx, r, scheme)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Canceled(ctx.Err())
		}
		if isTimeout(err) {
			return nil, errs.Fetch(err, "timed out fetching %s", r.URI)
		}
		return nil, errs.Fetch(err, "failed to fetch %s", r.URI)
	}
	defer src.r.Close()

	var buf bytes.Buffer
	if src.total > 0 {
		buf.Grow(int(src.total))
	}
	var w io.Writer = &buf
	var sink io.WriteCloser
	if ed != nil {
		if sink, err = ed.NewSink(dataIndex); err != nil {
			f.logger.Warn("download cache write failed, continuing uncached", "uri", r.URI, "error", err)
			ed.AbortUnlessCommitted()
			ed = nil
		} else {
			w = io.MultiWriter(&buf, sink)
		}
	}

	_, copyErr := io.Copy(w, &progressReader{r: src.r, total: src.total, progress: progress})
	if sink != nil {
		if err := sink.Close(); err != nil && copyErr == nil && ed != nil {
			f.logger.Warn("download cache write failed", "uri", r.URI, "error", err)
			ed.AbortUnlessCommitted()
			ed = nil
		}
	}
	if copyErr != nil {
		if ctx.Err() != nil {
			return nil, errs.Canceled(ctx.Err())
		}
		return nil, errs.Fetch(copyErr, "failed to read body of %s", r.URI)
	}

	mimeType := src.mimeType
	if mt, _, ok := strings.Cut(mimeType, ";"); ok {
		mimeType = strings.TrimSpace(mt)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffMime(buf.Bytes())
	}

	if ed != nil {
		f.commit(ed, r.URI, mimeType)
	}
	return &Result{Data: buf.Bytes(), MimeType: mimeType, DataFrom: request.FromNetwork}, nil
}

func (f *Fetcher) commit(ed *diskcache.Editor, uri, mimeType string) {
	meta, _ := json.Marshal(downloadMeta{MimeType: mimeType, URI: uri})
	if err := ed.SetBytes(metaIndex, meta); err != nil {
		f.logger.Warn("download cache metadata write failed", "uri", uri, "error", err)
		return
	}
	if err := ed.Commit(); err != nil {
		f.logger.Warn("download cache commit failed", "uri", uri, "error", err)
	}
}

func (f *Fetcher) open(ctx context.Context, r *request.Request, scheme string) (*body, error) {
	if scheme == "s3" {
		if f.s3 == nil {
			return nil, errors.New("s3 source is not configured")
		}
		return openS3(ctx, f.s3, r.URI)
	}
	if f.http == nil {
		return nil, errors.New("http client is not configured")
	}
	resp, err := f.http.Do(ctx, r.URI, r.HTTPHeaders)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return &body{r: resp.Body, total: resp.ContentLength, mimeType: resp.Header.Get("Content-Type")}, nil
}

// readCache returns a download cache hit, or nil.
func (f *Fetcher) readCache(key string) *Result {
	sn, err := f.cache.Get(key)
	if err != nil {
		f.logger.Warn("download cache read failed", "key", key, "error", err)
		return nil
	}
	if sn == nil {
		return nil
	}
	defer sn.Close()

	var meta downloadMeta
	raw, err := sn.Bytes(metaIndex)
	if err == nil {
		err = json.Unmarshal(raw, &meta)
	}
	if err != nil {
		f.logger.Warn("download cache metadata unreadable, dropping entry", "key", key, "error", err)
		_, _ = f.cache.Remove(key)
		return nil
	}
	data, err := sn.Bytes(dataIndex)
	if err != nil {
		f.logger.Warn("download cache data unreadable", "key", key, "error", err)
		return nil
	}
	return &Result{Data: data, MimeType: meta.MimeType, DataFrom: request.FromDownloadCache}
}

type progressReader struct {
	r        io.Reader
	read     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		report(p.progress, p.read, p.total)
	}
	return n, err
}

func report(progress ProgressFunc, read, total int64) {
	if progress != nil {
		progress(read, total)
	}
}
