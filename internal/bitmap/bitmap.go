// Package bitmap provides the reusable pixel buffer that flows through the
// decode pipeline, the memory cache and the bitmap pool.
//
// A Bitmap owns a byte allocation that can be larger than the pixels it
// currently describes. Reconfigure reinterprets the allocation for new
// dimensions or a new color config without reallocating, which is what makes
// pooling worthwhile.
package bitmap

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
)

// Config describes how pixels are stored.
type Config int

const (
	// ARGB8888 stores 8 bits per channel, non-premultiplied.
	ARGB8888 Config = iota
	// RGBAF16 stores 16 bits per channel.
	RGBAF16
	// RGB565 stores 5/6/5 bits per channel without alpha.
	RGB565
	// Alpha8 stores only an 8-bit alpha channel.
	Alpha8
)

// BytesPerPixel returns the storage size of one pixel.
func (c Config) BytesPerPixel() int {
	switch c {
	case RGBAF16:
		return 8
	case RGB565:
		return 2
	case Alpha8:
		return 1
	default:
		return 4
	}
}

func (c Config) String() string {
	switch c {
	case ARGB8888:
		return "ARGB_8888"
	case RGBAF16:
		return "RGBA_F16"
	case RGB565:
		return "RGB_565"
	case Alpha8:
		return "ALPHA_8"
	default:
		return fmt.Sprintf("Config(%d)", int(c))
	}
}

// Valid reports whether c is a known config.
func (c Config) Valid() bool {
	return c >= ARGB8888 && c <= Alpha8
}

// ParseConfig parses the String form of a config, case-insensitively.
func ParseConfig(s string) (Config, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ARGB_8888", "ARGB8888", "":
		return ARGB8888, nil
	case "RGBA_F16", "RGBAF16":
		return RGBAF16, nil
	case "RGB_565", "RGB565":
		return RGB565, nil
	case "ALPHA_8", "ALPHA8":
		return Alpha8, nil
	}
	return ARGB8888, fmt.Errorf("unknown bitmap config %q", s)
}

// ErrReconfigure is returned when an allocation cannot hold the requested
// dimensions, or the bitmap is immutable or recycled.
var ErrReconfigure = errors.New("bitmap cannot be reconfigured")

// Bitmap is a width x height pixel buffer backed by a reusable allocation.
type Bitmap struct {
	width    int
	height   int
	config   Config
	pix      []byte
	mutable  bool
	recycled bool
}

// New allocates a mutable bitmap with an allocation of exactly the required size.
func New(width, height int, config Config) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid bitmap size %dx%d", width, height)
	}
	if !config.Valid() {
		return nil, fmt.Errorf("invalid bitmap config %v", config)
	}
	return &Bitmap{
		width:   width,
		height:  height,
		config:  config,
		pix:     make([]byte, width*height*config.BytesPerPixel()),
		mutable: true,
	}, nil
}

// Wrap builds a bitmap over an existing pixel slice. The slice must hold at
// least width*height*bytesPerPixel bytes.
func Wrap(width, height int, config Config, pix []byte) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid bitmap size %dx%d", width, height)
	}
	need := width * height * config.BytesPerPixel()
	if len(pix) < need {
		return nil, fmt.Errorf("pixel buffer too small: have %d bytes, need %d", len(pix), need)
	}
	return &Bitmap{width: width, height: height, config: config, pix: pix, mutable: true}, nil
}

func (b *Bitmap) Width() int     { return b.width }
func (b *Bitmap) Height() int    { return b.height }
func (b *Bitmap) Config() Config { return b.config }

// ByteCount is the number of bytes the current configuration uses.
func (b *Bitmap) ByteCount() int {
	return b.width * b.height * b.config.BytesPerPixel()
}

// AllocationByteCount is the size of the underlying allocation.
func (b *Bitmap) AllocationByteCount() int {
	return len(b.pix)
}

// IsMutable reports whether the bitmap may be reconfigured or drawn into.
func (b *Bitmap) IsMutable() bool { return b.mutable && !b.recycled }

// SetImmutable freezes the bitmap; pools reject immutable bitmaps.
func (b *Bitmap) SetImmutable() { b.mutable = false }

// IsRecycled reports whether the allocation has been released.
func (b *Bitmap) IsRecycled() bool { return b.recycled }

// Recycle releases the allocation. The bitmap is unusable afterwards.
func (b *Bitmap) Recycle() {
	b.recycled = true
	b.pix = nil
}

// Pix returns the bytes used by the current configuration.
func (b *Bitmap) Pix() []byte {
	if b.recycled {
		return nil
	}
	return b.pix[:b.ByteCount()]
}

// Reconfigure reinterprets the allocation for new dimensions and config.
// Pixel contents are undefined afterwards.
func (b *Bitmap) Reconfigure(width, height int, config Config) error {
	if b.recycled || !b.mutable {
		return ErrReconfigure
	}
	if width <= 0 || height <= 0 || !config.Valid() {
		return fmt.Errorf("%w: invalid target %dx%d %v", ErrReconfigure, width, height, config)
	}
	need := width * height * config.BytesPerPixel()
	if need > len(b.pix) {
		return fmt.Errorf("%w: need %d bytes, allocation is %d", ErrReconfigure, need, len(b.pix))
	}
	b.width, b.height, b.config = width, height, config
	return nil
}

// Erase zeroes the pixels of the current configuration.
func (b *Bitmap) Erase() {
	clear(b.Pix())
}

// Image returns a draw.Image view sharing the bitmap's pixels.
func (b *Bitmap) Image() draw.Image {
	rect := image.Rect(0, 0, b.width, b.height)
	pix := b.Pix()
	switch b.config {
	case RGBAF16:
		return &image.NRGBA64{Pix: pix, Stride: b.width * 8, Rect: rect}
	case RGB565:
		return &rgb565Image{pix: pix, rect: rect}
	case Alpha8:
		return &image.Alpha{Pix: pix, Stride: b.width, Rect: rect}
	default:
		return &image.NRGBA{Pix: pix, Stride: b.width * 4, Rect: rect}
	}
}

// DrawFrom copies src into the bitmap, scaling nothing: src must already
// have the bitmap's dimensions.
func (b *Bitmap) DrawFrom(src image.Image) error {
	sb := src.Bounds()
	if sb.Dx() != b.width || sb.Dy() != b.height {
		return fmt.Errorf("source is %dx%d, bitmap is %dx%d", sb.Dx(), sb.Dy(), b.width, b.height)
	}
	dst := b.Image()
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	return nil
}

// Allocator hands out a bitmap able to hold the given shape, typically from
// a pool. Returning nil means "allocate fresh".
type Allocator func(width, height int, config Config) *Bitmap

// FromImage converts src into a bitmap of the given config, using alloc for
// the buffer when it is non-nil.
func FromImage(src image.Image, config Config, alloc Allocator) (*Bitmap, error) {
	sb := src.Bounds()
	var b *Bitmap
	if alloc != nil {
		b = alloc(sb.Dx(), sb.Dy(), config)
	}
	if b == nil {
		var err error
		if b, err = New(sb.Dx(), sb.Dy(), config); err != nil {
			return nil, err
		}
	}
	if err := b.DrawFrom(src); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bitmap) String() string {
	return fmt.Sprintf("Bitmap(%dx%d,%v,alloc=%d)", b.width, b.height, b.config, len(b.pix))
}

// rgb565Image is a draw.Image over little-endian RGB565 pixels.
type rgb565Image struct {
	pix  []byte
	rect image.Rectangle
}

func (p *rgb565Image) ColorModel() color.Model { return color.RGBAModel }
func (p *rgb565Image) Bounds() image.Rectangle { return p.rect }

func (p *rgb565Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(p.rect)) {
		return color.RGBA{}
	}
	i := (y*p.rect.Dx() + x) * 2
	v := uint16(p.pix[i]) | uint16(p.pix[i+1])<<8
	r := uint8(v>>11) & 0x1f
	g := uint8(v>>5) & 0x3f
	bl := uint8(v) & 0x1f
	return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: bl<<3 | bl>>2, A: 0xff}
}

func (p *rgb565Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(p.rect)) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	v := uint16(rgba.R>>3)<<11 | uint16(rgba.G>>2)<<5 | uint16(rgba.B>>3)
	i := (y*p.rect.Dx() + x) * 2
	p.pix[i] = byte(v)
	p.pix[i+1] = byte(v >> 8)
}
