package request

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
)

// Size is a target size in pixels. The zero Size means "not set".
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsEmpty reports whether either dimension is unset.
func (s Size) IsEmpty() bool { return s.Width <= 0 || s.Height <= 0 }

// Pixels returns Width*Height.
func (s Size) Pixels() int { return s.Width * s.Height }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// ParseSize parses "WxH".
func ParseSize(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, fmt.Errorf("size %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, fmt.Errorf("size %q: %w", s, err)
	}
	return Size{Width: width, Height: height}, nil
}

// SizeResolver produces the target size late, for example once a view has
// been laid out.
type SizeResolver interface {
	Size(ctx context.Context) (Size, error)
}

// FixedSize is a SizeResolver that always returns itself.
type FixedSize Size

func (f FixedSize) Size(context.Context) (Size, error) { return Size(f), nil }

// Precision controls how strictly the output must match the target size.
type Precision int

const (
	// LessPixels only guarantees the output has no more pixels than the target.
	LessPixels Precision = iota
	// SameAspectRatio crops to the target aspect ratio and keeps pixels under the target.
	SameAspectRatio
	// Exactly resizes the output to the target dimensions.
	Exactly
)

func (p Precision) String() string {
	switch p {
	case LessPixels:
		return "LESS_PIXELS"
	case SameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case Exactly:
		return "EXACTLY"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision parses the String form.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LESS_PIXELS", "":
		return LessPixels, nil
	case "SAME_ASPECT_RATIO":
		return SameAspectRatio, nil
	case "EXACTLY":
		return Exactly, nil
	}
	return LessPixels, fmt.Errorf("unknown precision %q", s)
}

// Scale picks the part of the source that survives a crop.
type Scale int

const (
	CenterCrop Scale = iota
	StartCrop
	EndCrop
	Fill
)

func (s Scale) String() string {
	switch s {
	case StartCrop:
		return "START_CROP"
	case CenterCrop:
		return "CENTER_CROP"
	case EndCrop:
		return "END_CROP"
	case Fill:
		return "FILL"
	default:
		return fmt.Sprintf("Scale(%d)", int(s))
	}
}

// ParseScale parses the String form.
func ParseScale(s string) (Scale, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CENTER_CROP", "":
		return CenterCrop, nil
	case "START_CROP":
		return StartCrop, nil
	case "END_CROP":
		return EndCrop, nil
	case "FILL":
		return Fill, nil
	}
	return CenterCrop, fmt.Errorf("unknown scale %q", s)
}

// CachePolicy says whether a cache may be read and/or written.
type CachePolicy int

const (
	Enabled CachePolicy = iota
	Disabled
	ReadOnly
	WriteOnly
)

// ReadEnabled reports whether lookups are allowed.
func (p CachePolicy) ReadEnabled() bool { return p == Enabled || p == ReadOnly }

// WriteEnabled reports whether inserts are allowed.
func (p CachePolicy) WriteEnabled() bool { return p == Enabled || p == WriteOnly }

func (p CachePolicy) String() string {
	switch p {
	case Enabled:
		return "ENABLED"
	case Disabled:
		return "DISABLED"
	case ReadOnly:
		return "READ_ONLY"
	case WriteOnly:
		return "WRITE_ONLY"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// ParseCachePolicy parses the String form.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENABLED", "":
		return Enabled, nil
	case "DISABLED":
		return Disabled, nil
	case "READ_ONLY":
		return ReadOnly, nil
	case "WRITE_ONLY":
		return WriteOnly, nil
	}
	return Enabled, fmt.Errorf("unknown cache policy %q", s)
}

// Depth limits how far the engine may go to satisfy a request.
type Depth int

const (
	// Network allows every source.
	Network Depth = iota
	// Local allows local sources and the disk caches, never the network.
	Local
	// Memory only allows the memory cache.
	Memory
)

func (d Depth) String() string {
	switch d {
	case Network:
		return "NETWORK"
	case Local:
		return "LOCAL"
	case Memory:
		return "MEMORY"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

// ParseDepth parses the String form.
func ParseDepth(s string) (Depth, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NETWORK", "":
		return Network, nil
	case "LOCAL":
		return Local, nil
	case "MEMORY":
		return Memory, nil
	}
	return Network, fmt.Errorf("unknown depth %q", s)
}

// Transformation changes a decoded image. Key must uniquely describe the
// transformation's parameters: it is part of the cache key.
type Transformation interface {
	Key() string
	// Transform returns the new image, or nil when src needs no change.
	Transform(ctx context.Context, src image.Image) (image.Image, error)
}

// Extra is a caller-supplied value attached to a request.
type Extra struct {
	Value string
	// CacheKey reports whether the value changes pixel output and therefore
	// belongs in the cache key.
	CacheKey bool
}

// DataFrom records where the bytes or pixels of a result came from.
type DataFrom int

const (
	FromMemoryCache DataFrom = iota
	FromResultCache
	FromDownloadCache
	FromLocal
	FromNetwork
	// FromMemory marks sources that were already in memory, such as data URIs.
	FromMemory
)

func (d DataFrom) String() string {
	switch d {
	case FromMemoryCache:
		return "MEMORY_CACHE"
	case FromResultCache:
		return "RESULT_CACHE"
	case FromDownloadCache:
		return "DOWNLOAD_CACHE"
	case FromLocal:
		return "LOCAL"
	case FromNetwork:
		return "NETWORK"
	case FromMemory:
		return "MEMORY"
	default:
		return fmt.Sprintf("DataFrom(%d)", int(d))
	}
}
