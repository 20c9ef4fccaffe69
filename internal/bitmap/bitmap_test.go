package bitmap

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(0, 10, ARGB8888); err == nil {
		t.Error("New should reject zero width")
	}
	if _, err := New(10, -1, ARGB8888); err == nil {
		t.Error("New should reject negative height")
	}
}

func TestBitmap_ByteCounts(t *testing.T) {
	tests := []struct {
		config Config
		want   int
	}{
		{ARGB8888, 400},
		{RGBAF16, 800},
		{RGB565, 200},
		{Alpha8, 100},
	}
	for _, tt := range tests {
		b, err := New(10, 10, tt.config)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if b.ByteCount() != tt.want || b.AllocationByteCount() != tt.want {
			t.Errorf("%v: byte count got %d/%d, want %d", tt.config, b.ByteCount(), b.AllocationByteCount(), tt.want)
		}
	}
}

func TestBitmap_Reconfigure(t *testing.T) {
	b, _ := New(10, 10, ARGB8888)

	if err := b.Reconfigure(20, 5, ARGB8888); err != nil {
		t.Fatalf("same byte count reconfigure failed: %v", err)
	}
	if b.Width() != 20 || b.Height() != 5 {
		t.Errorf("got %dx%d, want 20x5", b.Width(), b.Height())
	}
	if err := b.Reconfigure(10, 20, ARGB8888); err == nil {
		t.Error("reconfigure beyond the allocation should fail")
	} else if !errors.Is(err, ErrReconfigure) {
		t.Errorf("error should wrap ErrReconfigure: %v", err)
	}
	if err := b.Reconfigure(10, 10, RGB565); err != nil {
		t.Errorf("smaller reconfigure failed: %v", err)
	}
	if b.AllocationByteCount() != 400 {
		t.Errorf("allocation changed: %d", b.AllocationByteCount())
	}

	b.SetImmutable()
	if err := b.Reconfigure(5, 5, ARGB8888); !errors.Is(err, ErrReconfigure) {
		t.Errorf("immutable reconfigure: got %v, want ErrReconfigure", err)
	}
}

func TestBitmap_ImageViews(t *testing.T) {
	red := color.NRGBA{255, 0, 0, 255}
	src := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, red)
		}
	}

	for _, c := range []Config{ARGB8888, RGBAF16, RGB565} {
		b, err := FromImage(src, c, nil)
		if err != nil {
			t.Fatalf("%v: FromImage failed: %v", c, err)
		}
		r, g, bl, a := b.Image().At(2, 1).RGBA()
		if r>>8 != 255 || g>>8 != 0 || bl>>8 != 0 || a>>8 != 255 {
			t.Errorf("%v: pixel got (%d,%d,%d,%d), want red", c, r>>8, g>>8, bl>>8, a>>8)
		}
	}
}

func TestFromImage_UsesAllocator(t *testing.T) {
	pooled, _ := New(8, 8, ARGB8888)
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	alloc := func(w, h int, c Config) *Bitmap {
		if err := pooled.Reconfigure(w, h, c); err != nil {
			return nil
		}
		return pooled
	}
	b, err := FromImage(src, ARGB8888, alloc)
	if err != nil {
		t.Fatalf("FromImage failed: %v", err)
	}
	if b != pooled {
		t.Error("FromImage ignored the allocator")
	}
}

func TestBitmap_Recycle(t *testing.T) {
	b, _ := New(2, 2, ARGB8888)
	b.Recycle()
	if !b.IsRecycled() || b.IsMutable() {
		t.Error("recycled bitmap should be recycled and immutable")
	}
	if b.Pix() != nil {
		t.Error("recycled bitmap still exposes pixels")
	}
}

func TestParseConfig(t *testing.T) {
	for _, c := range []Config{ARGB8888, RGBAF16, RGB565, Alpha8} {
		got, err := ParseConfig(c.String())
		if err != nil || got != c {
			t.Errorf("ParseConfig(%q) = %v, %v", c.String(), got, err)
		}
	}
	if _, err := ParseConfig("CMYK"); err == nil {
		t.Error("ParseConfig should reject unknown configs")
	}
}
