package decode

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/imageloader/internal/request"
)

// maxSampleSize bounds the subsampling search.
const maxSampleSize = 1 << 16

// SampledSize is the size of a w x h image decoded at sampleSize.
func SampledSize(w, h, sampleSize int) (int, int) {
	if sampleSize <= 1 {
		return w, h
	}
	return ceilDiv(w, sampleSize), ceilDiv(h, sampleSize)
}

// SampleSize returns the largest power-of-two subsampling factor that still
// leaves enough pixels to produce output for target under precision. For
// LESS_PIXELS it is the smallest factor that brings the pixel count within
// the target's. An empty target means no subsampling.
func SampleSize(src, target request.Size, p request.Precision, s request.Scale) int {
	if target.IsEmpty() || src.IsEmpty() {
		return 1
	}
	if p == request.LessPixels {
		n := 1
		for n < maxSampleSize {
			w, h := SampledSize(src.Width, src.Height, n)
			if w*h <= target.Pixels() {
				break
			}
			n *= 2
		}
		return n
	}

	region := src
	if s != request.Fill {
		region = cropSize(src, target)
	}
	out := OutputSize(src, target, p, s)
	n := 1
	for n < maxSampleSize {
		w, h := SampledSize(region.Width, region.Height, n*2)
		if w < out.Width || h < out.Height {
			break
		}
		n *= 2
	}
	return n
}

// OutputSize is the final size for SAME_ASPECT_RATIO and EXACTLY. For
// LESS_PIXELS it is the subsampled source size.
func OutputSize(src, target request.Size, p request.Precision, s request.Scale) request.Size {
	if target.IsEmpty() {
		return src
	}
	switch p {
	case request.Exactly:
		return target
	case request.SameAspectRatio:
		c := cropSize(src, target)
		if c.Width > target.Width || c.Height > target.Height {
			return target
		}
		return c
	default:
		n := SampleSize(src, target, p, s)
		w, h := SampledSize(src.Width, src.Height, n)
		return request.Size{Width: w, Height: h}
	}
}

// cropSize is the largest size with the aspect ratio of target that fits in
// src.
func cropSize(src, target request.Size) request.Size {
	if src.Width*target.Height > src.Height*target.Width {
		w := max(1, (src.Height*target.Width+target.Height/2)/target.Height)
		return request.Size{Width: min(w, src.Width), Height: src.Height}
	}
	h := max(1, (src.Width*target.Height+target.Width/2)/target.Width)
	return request.Size{Width: src.Width, Height: min(h, src.Height)}
}

// CropRect places a region of size c inside src according to scale.
func CropRect(src, c request.Size, s request.Scale) image.Rectangle {
	dx, dy := src.Width-c.Width, src.Height-c.Height
	var x, y int
	switch s {
	case request.StartCrop:
	case request.EndCrop:
		x, y = dx, dy
	default:
		x, y = dx/2, dy/2
	}
	return image.Rect(x, y, x+c.Width, y+c.Height)
}

func anchor(s request.Scale) imaging.Anchor {
	switch s {
	case request.StartCrop:
		return imaging.TopLeft
	case request.EndCrop:
		return imaging.BottomRight
	default:
		return imaging.Center
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// InSampled records subsampling by n.
func InSampled(n int) string { return fmt.Sprintf("InSampled(%d)", n) }

// Resized records a resize step.
func Resized(from, to request.Size, p request.Precision, s request.Scale) string {
	return fmt.Sprintf("Resized(%v->%v,%v,%v)", from, to, p, s)
}

// SubsamplingRegion records a region decode.
func SubsamplingRegion(r image.Rectangle) string {
	return fmt.Sprintf("SubsamplingRegion(%d,%d,%d,%d)", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}
