// Package transform provides the built-in request transformations.
//
// Every transformation delegates its pixel work to an imaging library:
// geometry goes through disintegration/imaging, filters through
// anthonynsimon/bild and color blending through lucasb-eyer/go-colorful.
// Each one has a Key that uniquely describes its parameters, since the key
// is part of the cache key.
package transform

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/ironsheep/imageloader/internal/request"
)

// Rotate turns the image clockwise by Degrees. Uncovered corners are
// transparent.
type Rotate struct {
	Degrees float64
}

func (t Rotate) Key() string {
	return "Rotate(" + strconv.FormatFloat(normalizeDegrees(t.Degrees), 'f', -1, 64) + ")"
}

func (t Rotate) Transform(ctx context.Context, src image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deg := normalizeDegrees(t.Degrees)
	switch deg {
	case 0:
		return nil, nil
	case 90:
		return imaging.Rotate270(src), nil
	case 180:
		return imaging.Rotate180(src), nil
	case 270:
		return imaging.Rotate90(src), nil
	}
	// imaging rotates counter-clockwise.
	return imaging.Rotate(src, -deg, color.Transparent), nil
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// SquareCrop cuts the largest square out of the image, anchored like the
// request scale: START_CROP keeps the top-left, END_CROP the bottom-right.
type SquareCrop struct {
	Scale request.Scale
}

func (t SquareCrop) Key() string { return "SquareCrop(" + t.Scale.String() + ")" }

func (t SquareCrop) Transform(ctx context.Context, src image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := src.Bounds()
	side := min(b.Dx(), b.Dy())
	if b.Dx() == b.Dy() {
		return nil, nil
	}
	a := imaging.Center
	switch t.Scale {
	case request.StartCrop:
		a = imaging.TopLeft
	case request.EndCrop:
		a = imaging.BottomRight
	}
	return imaging.CropAnchor(src, side, side, a), nil
}

// Blur applies a gaussian blur.
type Blur struct {
	Radius float64
}

func (t Blur) Key() string {
	return "Blur(" + strconv.FormatFloat(t.Radius, 'f', -1, 64) + ")"
}

func (t Blur) Transform(ctx context.Context, src image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Radius <= 0 {
		return nil, nil
	}
	return blur.Gaussian(src, t.Radius), nil
}

// Grayscale removes color.
type Grayscale struct{}

func (Grayscale) Key() string { return "Grayscale" }

func (Grayscale) Transform(ctx context.Context, src image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return effect.Grayscale(src), nil
}

// Mask blends every pixel toward Color by Alpha in Lab space, keeping the
// pixel's own transparency.
type Mask struct {
	Color colorful.Color
	Alpha float64
}

// NewMask parses a "#rrggbb" color.
func NewMask(hex string, alpha float64) (Mask, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return Mask{}, fmt.Errorf("invalid mask color %q: %w", hex, err)
	}
	if alpha < 0 || alpha > 1 {
		return Mask{}, fmt.Errorf("mask alpha %v out of range [0,1]", alpha)
	}
	return Mask{Color: c, Alpha: alpha}, nil
}

func (t Mask) Key() string {
	return fmt.Sprintf("Mask(%s,%.2f)", t.Color.Hex(), t.Alpha)
}

func (t Mask) Transform(ctx context.Context, src image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Alpha == 0 {
		return nil, nil
	}
	return imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		if c.A == 0 {
			return c
		}
		px := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
		r, g, b := px.BlendLab(t.Color, t.Alpha).Clamped().RGB255()
		return color.NRGBA{R: r, G: g, B: b, A: c.A}
	}), nil
}

// Parse builds a transformation from its command-line form:
//
//	rotate:<degrees>
//	square[:<scale>]
//	blur:<radius>
//	grayscale
//	mask:<#rrggbb>[:<alpha>]
func Parse(s string) (request.Transformation, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch strings.ToLower(name) {
	case "rotate":
		deg, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid rotation %q: %w", arg, err)
		}
		return Rotate{Degrees: deg}, nil
	case "square":
		scale, err := request.ParseScale(arg)
		if err != nil {
			return nil, err
		}
		return SquareCrop{Scale: scale}, nil
	case "blur":
		radius, err := strconv.ParseFloat(arg, 64)
		if err != nil || radius <= 0 {
			return nil, fmt.Errorf("invalid blur radius %q", arg)
		}
		return Blur{Radius: radius}, nil
	case "grayscale":
		return Grayscale{}, nil
	case "mask":
		hex, alphaStr, found := strings.Cut(arg, ":")
		alpha := 0.5
		if found {
			v, err := strconv.ParseFloat(alphaStr, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid mask alpha %q: %w", alphaStr, err)
			}
			alpha = v
		}
		return NewMask(hex, alpha)
	}
	return nil, fmt.Errorf("unknown transformation %q", s)
}

// ParseAll parses a list of transformations in order.
func ParseAll(specs []string) ([]request.Transformation, error) {
	out := make([]request.Transformation, 0, len(specs))
	for _, s := range specs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		t, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
