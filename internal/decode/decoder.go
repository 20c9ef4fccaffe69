package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder

	"github.com/ironsheep/imageloader/internal/bitmap"
)

// ImageInfo describes a source image without decoding its pixels.
type ImageInfo struct {
	// Width is the source width in pixels.
	Width int `json:"width"`

	// Height is the source height in pixels.
	Height int `json:"height"`

	// MimeType is derived from the detected format, e.g. "image/png".
	MimeType string `json:"mime_type"`

	// ColorDepth is "8-bit" or "16-bit" per channel.
	ColorDepth string `json:"color_depth"`

	// HasAlpha reports whether the color model carries transparency.
	HasAlpha bool `json:"has_alpha"`
}

// Capabilities describes what a Decoder can do beyond plain decoding.
type Capabilities struct {
	// RegionDecoding reports support for RegionDecoder.DecodeRegion.
	RegionDecoding bool `json:"region_decoding"`

	// Formats lists the format names the decoder understands.
	Formats []string `json:"formats"`
}

// DecodeOptions controls one decode.
type DecodeOptions struct {
	// SampleSize is a power of two; the output is ceil(w/n) x ceil(h/n).
	SampleSize int

	// Config is the pixel layout of the output bitmap.
	Config bitmap.Config

	// Allocator provides the output bitmap. Nil allocates fresh.
	Allocator bitmap.Allocator
}

// Decoder turns encoded bytes into pixels.
type Decoder interface {
	ReadImageInfo(data []byte) (ImageInfo, error)
	Decode(data []byte, opts DecodeOptions) (*bitmap.Bitmap, error)
	Capabilities() Capabilities
}

// RegionDecoder is implemented by decoders that can decode part of an image
// without materializing the rest.
type RegionDecoder interface {
	Decoder
	// DecodeRegion decodes rect, given in source coordinates, at opts.SampleSize.
	DecodeRegion(data []byte, rect image.Rectangle, opts DecodeOptions) (*bitmap.Bitmap, error)
}

// StdDecoder decodes every format registered with the image package: PNG,
// JPEG and GIF from the standard library, and BMP, TIFF and WebP from
// golang.org/x/image. Subsampling is done with a box filter after a full
// decode.
type StdDecoder struct{}

// NewStdDecoder returns the default decoder.
func NewStdDecoder() *StdDecoder { return &StdDecoder{} }

func (d *StdDecoder) Capabilities() Capabilities {
	return Capabilities{Formats: []string{"png", "jpeg", "gif", "bmp", "tiff", "webp"}}
}

// ReadImageInfo reads only the header.
func (d *StdDecoder) ReadImageInfo(data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}

	hasAlpha := false
	colorDepth := "8-bit"
	switch cfg.ColorModel {
	case color.NRGBAModel, color.AlphaModel:
		hasAlpha = true
	case color.NRGBA64Model, color.Alpha16Model:
		hasAlpha = true
		colorDepth = "16-bit"
	case color.RGBA64Model, color.Gray16Model:
		colorDepth = "16-bit"
	default:
		if p, ok := cfg.ColorModel.(color.Palette); ok {
			for _, c := range p {
				if _, _, _, a := c.RGBA(); a != 0xffff {
					hasAlpha = true
					break
				}
			}
		}
	}

	return ImageInfo{
		Width:      cfg.Width,
		Height:     cfg.Height,
		MimeType:   "image/" + format,
		ColorDepth: colorDepth,
		HasAlpha:   hasAlpha,
	}, nil
}

// Decode decodes data at opts.SampleSize.
func (d *StdDecoder) Decode(data []byte, opts DecodeOptions) (*bitmap.Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return toBitmap(img, opts)
}

func toBitmap(img image.Image, opts DecodeOptions) (*bitmap.Bitmap, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", b.Dx(), b.Dy())
	}
	if opts.SampleSize > 1 {
		sw, sh := SampledSize(b.Dx(), b.Dy(), opts.SampleSize)
		img = imaging.Resize(img, sw, sh, imaging.Box)
	}
	return bitmap.FromImage(img, opts.Config, opts.Allocator)
}
