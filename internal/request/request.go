// Package request describes what to load: the source URI, the target size,
// the output precision and color settings, transformations and cache
// policies.
//
// A Request is built once with New and never mutated afterwards; derived
// copies are made with NewRequest. Validation happens at build time, so an
// invalid request never reaches the executor.
package request

import (
	"maps"
	"slices"
	"strings"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/errs"
)

// Request is an immutable description of one image load.
type Request struct {
	URI                 string
	Size                Size
	SizeResolver        SizeResolver
	Precision           Precision
	Scale               Scale
	ColorType           bitmap.Config
	ColorSpace          string
	Transformations     []Transformation
	DownloadCachePolicy CachePolicy
	ResultCachePolicy   CachePolicy
	MemoryCachePolicy   CachePolicy
	Depth               Depth
	HTTPHeaders         map[string]string
	Extras              map[string]Extra
	DisallowReuseBitmap bool
}

// Option sets a field while a request is being built.
type Option func(*Request)

// New builds and validates a request.
func New(uri string, opts ...Option) (*Request, error) {
	r := &Request{URI: uri}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRequest derives a copy with opts applied on top of r's fields.
func (r *Request) NewRequest(opts ...Option) (*Request, error) {
	c := r.clone()
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Request) clone() *Request {
	c := *r
	c.Transformations = slices.Clone(r.Transformations)
	c.HTTPHeaders = maps.Clone(r.HTTPHeaders)
	c.Extras = maps.Clone(r.Extras)
	return &c
}

func (r *Request) validate() error {
	if strings.TrimSpace(r.URI) == "" {
		return errs.Config("request uri is empty")
	}
	if r.Size.Width < 0 || r.Size.Height < 0 {
		return errs.Config("invalid size %v", r.Size)
	}
	if (r.Size.Width == 0) != (r.Size.Height == 0) {
		return errs.Config("size %v must set both dimensions", r.Size)
	}
	if r.Precision < LessPixels || r.Precision > Exactly {
		return errs.Config("invalid precision %v", r.Precision)
	}
	if r.Scale < CenterCrop || r.Scale > Fill {
		return errs.Config("invalid scale %v", r.Scale)
	}
	if !r.ColorType.Valid() {
		return errs.Config("invalid color type %v", r.ColorType)
	}
	for _, p := range []CachePolicy{r.DownloadCachePolicy, r.ResultCachePolicy, r.MemoryCachePolicy} {
		if p < Enabled || p > WriteOnly {
			return errs.Config("invalid cache policy %v", p)
		}
	}
	if r.Depth < Network || r.Depth > Memory {
		return errs.Config("invalid depth %v", r.Depth)
	}
	for i, t := range r.Transformations {
		if t == nil {
			return errs.Config("transformation %d is nil", i)
		}
		if t.Key() == "" {
			return errs.Config("transformation %d has an empty key", i)
		}
	}
	for k := range r.Extras {
		if k == "" {
			return errs.Config("extra with empty name")
		}
	}
	return nil
}

// Scheme returns the lower-cased URI scheme, or "" for a bare path.
func (r *Request) Scheme() string {
	i := strings.Index(r.URI, ":")
	if i <= 0 {
		return ""
	}
	scheme := strings.ToLower(r.URI[:i])
	// Windows drive letters are paths, not schemes.
	if len(scheme) == 1 {
		return ""
	}
	return scheme
}

// WithSize sets an explicit target size.
func WithSize(width, height int) Option {
	return func(r *Request) { r.Size = Size{Width: width, Height: height} }
}

// WithSizeResolver sets a late-bound size; it is ignored when WithSize is set.
func WithSizeResolver(sr SizeResolver) Option {
	return func(r *Request) { r.SizeResolver = sr }
}

func WithPrecision(p Precision) Option { return func(r *Request) { r.Precision = p } }
func WithScale(s Scale) Option         { return func(r *Request) { r.Scale = s } }

func WithColorType(c bitmap.Config) Option { return func(r *Request) { r.ColorType = c } }
func WithColorSpace(cs string) Option      { return func(r *Request) { r.ColorSpace = cs } }

// WithTransformations replaces the transformation list.
func WithTransformations(ts ...Transformation) Option {
	return func(r *Request) { r.Transformations = slices.Clone(ts) }
}

// AddTransformations appends to the transformation list.
func AddTransformations(ts ...Transformation) Option {
	return func(r *Request) { r.Transformations = append(slices.Clone(r.Transformations), ts...) }
}

func WithDownloadCachePolicy(p CachePolicy) Option {
	return func(r *Request) { r.DownloadCachePolicy = p }
}

func WithResultCachePolicy(p CachePolicy) Option {
	return func(r *Request) { r.ResultCachePolicy = p }
}

func WithMemoryCachePolicy(p CachePolicy) Option {
	return func(r *Request) { r.MemoryCachePolicy = p }
}

func WithDepth(d Depth) Option { return func(r *Request) { r.Depth = d } }

// WithHTTPHeader adds a header sent when fetching over the network. Headers
// never affect the cache key.
func WithHTTPHeader(name, value string) Option {
	return func(r *Request) {
		h := maps.Clone(r.HTTPHeaders)
		if h == nil {
			h = make(map[string]string)
		}
		h[name] = value
		r.HTTPHeaders = h
	}
}

// WithExtra attaches a named value. cacheKey marks values that change pixel
// output.
func WithExtra(name, value string, cacheKey bool) Option {
	return func(r *Request) {
		e := maps.Clone(r.Extras)
		if e == nil {
			e = make(map[string]Extra)
		}
		e[name] = Extra{Value: value, CacheKey: cacheKey}
		r.Extras = e
	}
}

// DisallowReuseBitmap forbids decoding into a pooled buffer.
func DisallowReuseBitmap(v bool) Option {
	return func(r *Request) { r.DisallowReuseBitmap = v }
}
