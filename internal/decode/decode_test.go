package decode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"slices"
	"testing"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

var (
	red  = color.NRGBA{255, 0, 0, 255}
	blue = color.NRGBA{0, 0, 255, 255}
)

// encodeHalves returns a PNG whose left half is red and right half is blue.
func encodeHalves(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < width/2 {
				img.SetNRGBA(x, y, red)
			} else {
				img.SetNRGBA(x, y, blue)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return buf.Bytes()
}

func mustRequest(t *testing.T, opts ...request.Option) *request.Request {
	t.Helper()
	r, err := request.New("mem://test.png", opts...)
	if err != nil {
		t.Fatalf("request.New failed: %v", err)
	}
	return r
}

func isColor(c color.Color, want color.NRGBA) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 == uint32(want.R) && g>>8 == uint32(want.G) && b>>8 == uint32(want.B)
}

func TestSampleSize(t *testing.T) {
	tests := []struct {
		name   string
		src    request.Size
		target request.Size
		p      request.Precision
		s      request.Scale
		want   int
	}{
		{"less pixels fixture", request.Size{Width: 1291, Height: 1936}, request.Size{Width: 500, Height: 500}, request.LessPixels, request.CenterCrop, 4},
		{"no target", request.Size{Width: 1291, Height: 1936}, request.Size{}, request.LessPixels, request.CenterCrop, 1},
		{"already small", request.Size{Width: 100, Height: 100}, request.Size{Width: 500, Height: 500}, request.LessPixels, request.CenterCrop, 1},
		{"exactly keeps coverage", request.Size{Width: 1291, Height: 1936}, request.Size{Width: 500, Height: 500}, request.Exactly, request.CenterCrop, 2},
		{"fill keeps both dimensions", request.Size{Width: 2000, Height: 1000}, request.Size{Width: 500, Height: 500}, request.Exactly, request.Fill, 2},
		{"upscale", request.Size{Width: 100, Height: 100}, request.Size{Width: 500, Height: 500}, request.Exactly, request.CenterCrop, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SampleSize(tt.src, tt.target, tt.p, tt.s); got != tt.want {
				t.Errorf("SampleSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOutputSize(t *testing.T) {
	tests := []struct {
		name   string
		src    request.Size
		target request.Size
		p      request.Precision
		want   request.Size
	}{
		{"less pixels", request.Size{Width: 1291, Height: 1936}, request.Size{Width: 500, Height: 500}, request.LessPixels, request.Size{Width: 323, Height: 484}},
		{"exactly", request.Size{Width: 1291, Height: 1936}, request.Size{Width: 500, Height: 250}, request.Exactly, request.Size{Width: 500, Height: 250}},
		{"same aspect ratio large source", request.Size{Width: 1291, Height: 1936}, request.Size{Width: 500, Height: 250}, request.SameAspectRatio, request.Size{Width: 500, Height: 250}},
		{"same aspect ratio small source", request.Size{Width: 100, Height: 100}, request.Size{Width: 500, Height: 250}, request.SameAspectRatio, request.Size{Width: 100, Height: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutputSize(tt.src, tt.target, tt.p, request.CenterCrop); got != tt.want {
				t.Errorf("OutputSize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCropRect(t *testing.T) {
	src := request.Size{Width: 200, Height: 100}
	c := request.Size{Width: 100, Height: 100}
	tests := []struct {
		scale request.Scale
		want  image.Rectangle
	}{
		{request.StartCrop, image.Rect(0, 0, 100, 100)},
		{request.CenterCrop, image.Rect(50, 0, 150, 100)},
		{request.EndCrop, image.Rect(100, 0, 200, 100)},
	}
	for _, tt := range tests {
		if got := CropRect(src, c, tt.scale); got != tt.want {
			t.Errorf("CropRect(%v) = %v, want %v", tt.scale, got, tt.want)
		}
	}
}

func TestStdDecoder_ReadImageInfo(t *testing.T) {
	d := NewStdDecoder()
	info, err := d.ReadImageInfo(encodeHalves(t, 40, 20))
	if err != nil {
		t.Fatalf("ReadImageInfo failed: %v", err)
	}
	if info.Width != 40 || info.Height != 20 || info.MimeType != "image/png" {
		t.Errorf("got %+v, want 40x20 image/png", info)
	}
	if info.HasAlpha {
		t.Error("opaque PNG reported alpha")
	}

	translucent := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	translucent.SetNRGBA(0, 0, color.NRGBA{255, 0, 0, 128})
	var buf bytes.Buffer
	if err := png.Encode(&buf, translucent); err != nil {
		t.Fatal(err)
	}
	info, err = d.ReadImageInfo(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadImageInfo failed: %v", err)
	}
	if !info.HasAlpha || info.ColorDepth != "8-bit" {
		t.Errorf("got %+v, want 8-bit with alpha", info)
	}

	if _, err := d.ReadImageInfo([]byte("not an image")); err == nil {
		t.Error("ReadImageInfo accepted garbage")
	}
}

func TestStage_LessPixelsFixture(t *testing.T) {
	data := encodeHalves(t, 1291, 1936)
	s := NewStage(nil)
	r := mustRequest(t, request.WithSize(500, 500), request.WithPrecision(request.LessPixels))

	res, err := s.Decode(context.Background(), data, r, r.Size)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.Bitmap.Width() != 323 || res.Bitmap.Height() != 484 {
		t.Errorf("output %dx%d, want 323x484", res.Bitmap.Width(), res.Bitmap.Height())
	}
	if !slices.Equal(res.Transformed, []string{"InSampled(4)"}) {
		t.Errorf("transformed = %v, want [InSampled(4)]", res.Transformed)
	}
	if res.Info.Width != 1291 || res.Info.Height != 1936 {
		t.Errorf("info %dx%d, want the source size", res.Info.Width, res.Info.Height)
	}
}

func TestStage_ExactlyCrops(t *testing.T) {
	data := encodeHalves(t, 200, 100)
	s := NewStage(nil)

	tests := []struct {
		scale request.Scale
		want  color.NRGBA
		x     int
	}{
		{request.StartCrop, red, 10},
		{request.EndCrop, blue, 40},
	}
	for _, tt := range tests {
		r := mustRequest(t, request.WithSize(50, 50), request.WithPrecision(request.Exactly), request.WithScale(tt.scale))
		res, err := s.Decode(context.Background(), data, r, r.Size)
		if err != nil {
			t.Fatalf("%v: Decode failed: %v", tt.scale, err)
		}
		if res.Bitmap.Width() != 50 || res.Bitmap.Height() != 50 {
			t.Fatalf("%v: output %dx%d, want 50x50", tt.scale, res.Bitmap.Width(), res.Bitmap.Height())
		}
		if c := res.Bitmap.Image().At(tt.x, 25); !isColor(c, tt.want) {
			t.Errorf("%v: pixel (%d,25) = %v, want %v", tt.scale, tt.x, c, tt.want)
		}
		want := []string{"InSampled(2)", "Resized(100x50->50x50,EXACTLY," + tt.scale.String() + ")"}
		if !slices.Equal(res.Transformed, want) {
			t.Errorf("%v: transformed = %v, want %v", tt.scale, res.Transformed, want)
		}
	}
}

func TestStage_FillStretches(t *testing.T) {
	data := encodeHalves(t, 200, 100)
	r := mustRequest(t, request.WithSize(40, 40), request.WithPrecision(request.Exactly), request.WithScale(request.Fill))

	res, err := NewStage(nil).Decode(context.Background(), data, r, r.Size)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	img := res.Bitmap.Image()
	if !isColor(img.At(5, 20), red) || !isColor(img.At(35, 20), blue) {
		t.Error("FILL should keep both halves of the source")
	}
}

type regionDecoder struct {
	*StdDecoder
	regions []image.Rectangle
}

func (d *regionDecoder) Capabilities() Capabilities {
	c := d.StdDecoder.Capabilities()
	c.RegionDecoding = true
	return c
}

func (d *regionDecoder) DecodeRegion(data []byte, rect image.Rectangle, opts DecodeOptions) (*bitmap.Bitmap, error) {
	d.regions = append(d.regions, rect)
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	sub := img.(interface {
		SubImage(image.Rectangle) image.Image
	}).SubImage(rect)
	return toBitmap(sub, opts)
}

func TestStage_RegionDecoding(t *testing.T) {
	data := encodeHalves(t, 200, 100)
	d := &regionDecoder{StdDecoder: NewStdDecoder()}
	r := mustRequest(t, request.WithSize(50, 50), request.WithPrecision(request.Exactly), request.WithScale(request.EndCrop))

	res, err := NewStage(d).Decode(context.Background(), data, r, r.Size)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(d.regions) != 1 || d.regions[0] != image.Rect(100, 0, 200, 100) {
		t.Fatalf("regions = %v, want the right square", d.regions)
	}
	want := []string{"SubsamplingRegion(100,0,200,100)", "InSampled(2)"}
	if !slices.Equal(res.Transformed, want) {
		t.Errorf("transformed = %v, want %v", res.Transformed, want)
	}
	if res.Bitmap.Width() != 50 || res.Bitmap.Height() != 50 {
		t.Errorf("output %dx%d, want 50x50", res.Bitmap.Width(), res.Bitmap.Height())
	}
	if c := res.Bitmap.Image().At(25, 25); !isColor(c, blue) {
		t.Errorf("pixel = %v, want blue", c)
	}
}

func TestStage_BorrowsAndReturnsPoolBitmaps(t *testing.T) {
	data := encodeHalves(t, 200, 100)
	p := pool.New(1 << 20)
	seed, err := bitmap.New(100, 50, bitmap.ARGB8888)
	if err != nil {
		t.Fatal(err)
	}
	p.Put(seed)

	r := mustRequest(t, request.WithSize(50, 50), request.WithPrecision(request.Exactly))
	res, err := NewStage(nil, WithBitmapPool(p)).Decode(context.Background(), data, r, r.Size)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.Bitmap == seed {
		t.Fatal("the intermediate bitmap was returned as the result")
	}
	st := p.Stats()
	if st.Hits != 1 {
		t.Errorf("hits = %d, want 1", st.Hits)
	}
	if p.Size() != seed.AllocationByteCount() {
		t.Errorf("pool size = %d, want the intermediate back (%d)", p.Size(), seed.AllocationByteCount())
	}

	p.Clear()
	before := p.Stats()
	r = mustRequest(t, request.WithSize(50, 50), request.WithPrecision(request.Exactly), request.DisallowReuseBitmap(true))
	if _, err := NewStage(nil, WithBitmapPool(p)).Decode(context.Background(), data, r, r.Size); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	after := p.Stats()
	if after.Hits != before.Hits || after.Misses != before.Misses || after.Puts != before.Puts {
		t.Errorf("pool touched despite DisallowReuseBitmap: before %+v, after %+v", before, after)
	}
}

func TestStage_Errors(t *testing.T) {
	s := NewStage(nil)
	r := mustRequest(t)

	if _, err := s.Decode(context.Background(), []byte("garbage"), r, request.Size{}); !errs.IsDecode(err) {
		t.Errorf("garbage: got %v, want a decode error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Decode(ctx, encodeHalves(t, 4, 4), r, request.Size{}); !errs.IsCanceled(err) {
		t.Errorf("canceled: got %v, want a cancellation", err)
	}
}
