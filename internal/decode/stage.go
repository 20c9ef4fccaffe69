package decode

import (
	"context"
	"image"
	"log/slog"
	"runtime"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

// Result is a decoded bitmap ready for transformation.
type Result struct {
	Bitmap      *bitmap.Bitmap
	Info        ImageInfo
	Transformed []string
}

// Stage decodes and sizes images for requests. It is safe for concurrent use.
type Stage struct {
	decoder Decoder
	pool    *pool.LruBitmapPool
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// Option configures a Stage.
type Option func(*Stage)

// WithBitmapPool makes the stage borrow and return bitmaps from p.
func WithBitmapPool(p *pool.LruBitmapPool) Option { return func(s *Stage) { s.pool = p } }

// WithConcurrency bounds concurrent decodes. The default is runtime.NumCPU().
func WithConcurrency(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Stage) { s.logger = l } }

// NewStage returns a stage over d. A nil d uses StdDecoder.
func NewStage(d Decoder, opts ...Option) *Stage {
	if d == nil {
		d = NewStdDecoder()
	}
	s := &Stage{
		decoder: d,
		sem:     semaphore.NewWeighted(int64(runtime.NumCPU())),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decoder returns the underlying decoder.
func (s *Stage) Decoder() Decoder { return s.decoder }

// ReadImageInfo reads the header of data.
func (s *Stage) ReadImageInfo(data []byte) (ImageInfo, error) {
	info, err := s.decoder.ReadImageInfo(data)
	if err != nil {
		return ImageInfo{}, errs.Decode(err, "unsupported or corrupt image")
	}
	return info, nil
}

// Decode decodes data for r at the resolved target size.
func (s *Stage) Decode(ctx context.Context, data []byte, r *request.Request, target request.Size) (*Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Canceled(err)
	}
	defer s.sem.Release(1)

	info, err := s.ReadImageInfo(data)
	if err != nil {
		return nil, err
	}
	src := request.Size{Width: info.Width, Height: info.Height}
	alloc := s.allocator(r)

	res := &Result{Info: info}
	var b *bitmap.Bitmap
	var region image.Rectangle
	useRegion := false
	if rd, ok := s.decoder.(RegionDecoder); ok && s.decoder.Capabilities().RegionDecoding {
		region, useRegion = regionFor(src, target, r)
		if useRegion {
			c := request.Size{Width: region.Dx(), Height: region.Dy()}
			n := SampleSize(c, target, r.Precision, request.Fill)
			b, err = rd.DecodeRegion(data, region, DecodeOptions{SampleSize: n, Config: r.ColorType, Allocator: alloc})
			if err == nil {
				res.Transformed = append(res.Transformed, SubsamplingRegion(region))
				if n > 1 {
					res.Transformed = append(res.Transformed, InSampled(n))
				}
			}
		}
	}
	if !useRegion {
		n := SampleSize(src, target, r.Precision, r.Scale)
		b, err = s.decoder.Decode(data, DecodeOptions{SampleSize: n, Config: r.ColorType, Allocator: alloc})
		if err == nil && n > 1 {
			res.Transformed = append(res.Transformed, InSampled(n))
		}
	}
	if err != nil {
		return nil, errs.Decode(err, "failed to decode %s", info.MimeType)
	}
	if err := ctx.Err(); err != nil {
		s.recycle(b, r)
		return nil, errs.Canceled(err)
	}

	out, record := s.finalSize(src, target, r, b)
	if record {
		from := request.Size{Width: b.Width(), Height: b.Height()}
		resized, err := s.resize(b, out, r, useRegion, alloc)
		if err != nil {
			s.recycle(b, r)
			return nil, errs.Decode(err, "failed to resize to %v", out)
		}
		s.recycle(b, r)
		b = resized
		res.Transformed = append(res.Transformed, Resized(from, out, r.Precision, r.Scale))
	}

	res.Bitmap = b
	s.logger.Debug("decoded image",
		"uri", r.URI,
		"source", src.String(),
		"output", out.String(),
		"transformed", res.Transformed)
	return res, nil
}

// finalSize reports the output size and whether a resize is needed to get
// there from the decoded bitmap b.
func (s *Stage) finalSize(src, target request.Size, r *request.Request, b *bitmap.Bitmap) (request.Size, bool) {
	got := request.Size{Width: b.Width(), Height: b.Height()}
	if target.IsEmpty() {
		return got, false
	}
	if r.Precision == request.LessPixels {
		if got.Pixels() <= target.Pixels() {
			return got, false
		}
		// The decoder ignored the sample size.
		n := SampleSize(got, target, r.Precision, r.Scale)
		w, h := SampledSize(got.Width, got.Height, n)
		return request.Size{Width: w, Height: h}, true
	}
	out := OutputSize(src, target, r.Precision, r.Scale)
	return out, got != out
}

func (s *Stage) resize(b *bitmap.Bitmap, out request.Size, r *request.Request, region bool, alloc bitmap.Allocator) (*bitmap.Bitmap, error) {
	var img image.Image
	switch {
	case r.Precision == request.LessPixels || region || r.Scale == request.Fill:
		img = imaging.Resize(b.Image(), out.Width, out.Height, imaging.Lanczos)
	default:
		img = imaging.Fill(b.Image(), out.Width, out.Height, anchor(r.Scale), imaging.Lanczos)
	}
	return bitmap.FromImage(img, r.ColorType, alloc)
}

// regionFor returns the source rectangle to decode when only part of the
// source is needed.
func regionFor(src, target request.Size, r *request.Request) (image.Rectangle, bool) {
	if target.IsEmpty() || r.Precision == request.LessPixels || r.Scale == request.Fill {
		return image.Rectangle{}, false
	}
	c := cropSize(src, target)
	if c == src {
		return image.Rectangle{}, false
	}
	return CropRect(src, c, r.Scale), true
}

func (s *Stage) allocator(r *request.Request) bitmap.Allocator {
	if s.pool == nil || r.DisallowReuseBitmap {
		return nil
	}
	return s.pool.Allocator()
}

// recycle hands an intermediate bitmap back to the pool.
func (s *Stage) recycle(b *bitmap.Bitmap, r *request.Request) {
	if b == nil || s.pool == nil || r.DisallowReuseBitmap {
		return
	}
	s.pool.Put(b)
}
