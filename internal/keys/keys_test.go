package keys

import (
	"context"
	"image"
	"strings"
	"testing"

	"github.com/ironsheep/imageloader/internal/request"
)

type namedTransform string

func (n namedTransform) Key() string { return string(n) }

func (n namedTransform) Transform(context.Context, image.Image) (image.Image, error) {
	return nil, nil
}

func mustRequest(t *testing.T, uri string, opts ...request.Option) *request.Request {
	t.Helper()
	r, err := request.New(uri, opts...)
	if err != nil {
		t.Fatalf("request.New(%q) failed: %v", uri, err)
	}
	return r
}

func TestCacheKey_Deterministic(t *testing.T) {
	size := request.Size{Width: 100, Height: 100}
	a := mustRequest(t, "https://example.com/a.png",
		request.WithExtra("b", "2", true),
		request.WithExtra("a", "1", true),
		request.WithTransformations(namedTransform("blur(3)")))
	b := mustRequest(t, "https://example.com/a.png",
		request.WithTransformations(namedTransform("blur(3)")),
		request.WithExtra("a", "1", true),
		request.WithExtra("b", "2", true))

	if CacheKey(a, size) != CacheKey(b, size) {
		t.Errorf("equal requests produced different keys:\n%s\n%s", CacheKey(a, size), CacheKey(b, size))
	}
	if CacheKey(a, size) != CacheKey(a, size) {
		t.Error("CacheKey is not stable across calls")
	}
}

func TestCacheKey_Format(t *testing.T) {
	r := mustRequest(t, "https://example.com/a.png",
		request.WithTransformations(namedTransform("t1"), namedTransform("t2")),
		request.WithExtra("tint", "red", true))

	got := CacheKey(r, request.Size{Width: 100, Height: 50})
	want := "25:https://example.com/a.png?_size=100x50&_precision=LESS_PIXELS&_scale=CENTER_CROP" +
		"&_colorType=ARGB_8888&_transformation=t1&_transformation=t2&x.tint=red"
	if got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}

	withQuery := mustRequest(t, "https://example.com/a.png?v=2")
	if k := CacheKey(withQuery, request.Size{}); !strings.HasPrefix(k, "29:https://example.com/a.png?v=2?_precision=") {
		t.Errorf("query URI key: got %s", k)
	}
}

func TestCacheKey_QueryInURICannotForgeParams(t *testing.T) {
	sized := mustRequest(t, "https://example.com/a.png", request.WithSize(100, 100))
	forged := mustRequest(t, "https://example.com/a.png?_size=100x100")

	if CacheKey(sized, sized.Size) == CacheKey(forged, forged.Size) {
		t.Errorf("a URI query aliased a sized request: %s", CacheKey(sized, sized.Size))
	}
	if WithoutTransformations(sized, sized.Size) == WithoutTransformations(forged, forged.Size) {
		t.Error("result key aliased a sized request")
	}
}

func TestCacheKey_TransformationKeysWithCommas(t *testing.T) {
	size := request.Size{Width: 1, Height: 1}
	joined := mustRequest(t, "u", request.WithTransformations(namedTransform("a,b")))
	split := mustRequest(t, "u", request.WithTransformations(namedTransform("a"), namedTransform("b")))
	if CacheKey(joined, size) == CacheKey(split, size) {
		t.Errorf("one key containing a comma matched two keys: %s", CacheKey(joined, size))
	}

	amp := mustRequest(t, "u", request.WithTransformations(namedTransform("a&_transformation=b")))
	if CacheKey(amp, size) == CacheKey(split, size) {
		t.Error("a key containing a separator matched two keys")
	}
}

func TestCacheKey_IgnoresNonKeyInputs(t *testing.T) {
	size := request.Size{Width: 10, Height: 10}
	base := mustRequest(t, "https://example.com/a.png")
	noisy := mustRequest(t, "https://example.com/a.png",
		request.WithHTTPHeader("Authorization", "Bearer x"),
		request.WithExtra("trace", "abc", false),
		request.WithDepth(request.Memory))

	if CacheKey(base, size) != CacheKey(noisy, size) {
		t.Errorf("headers, depth or non-key extras changed the key:\n%s\n%s", CacheKey(base, size), CacheKey(noisy, size))
	}
}

func TestCacheKey_DiffersOnPixelInputs(t *testing.T) {
	r := mustRequest(t, "https://example.com/a.png")
	k := CacheKey(r, request.Size{Width: 100, Height: 100})

	variants := map[string]string{
		"size":       CacheKey(r, request.Size{Width: 200, Height: 100}),
		"precision":  CacheKey(mustRequest(t, r.URI, request.WithPrecision(request.Exactly)), request.Size{Width: 100, Height: 100}),
		"scale":      CacheKey(mustRequest(t, r.URI, request.WithScale(request.Fill)), request.Size{Width: 100, Height: 100}),
		"extra":      CacheKey(mustRequest(t, r.URI, request.WithExtra("tint", "red", true)), request.Size{Width: 100, Height: 100}),
		"transforms": CacheKey(mustRequest(t, r.URI, request.WithTransformations(namedTransform("x"))), request.Size{Width: 100, Height: 100}),
	}
	for name, v := range variants {
		if v == k {
			t.Errorf("%s change did not change the key", name)
		}
	}
}

func TestCacheKey_TransformOrderMatters(t *testing.T) {
	size := request.Size{Width: 1, Height: 1}
	ab := mustRequest(t, "u", request.WithTransformations(namedTransform("a"), namedTransform("b")))
	ba := mustRequest(t, "u", request.WithTransformations(namedTransform("b"), namedTransform("a")))
	if CacheKey(ab, size) == CacheKey(ba, size) {
		t.Error("transformation order must be part of the key")
	}
}

func TestCacheKey_ExtraCannotForgeBuiltins(t *testing.T) {
	size := request.Size{Width: 1, Height: 1}
	plain := mustRequest(t, "u", request.WithPrecision(request.Exactly))
	forged := mustRequest(t, "u", request.WithExtra("_precision", "EXACTLY", true))
	if CacheKey(plain, size) == CacheKey(forged, size) {
		t.Error("an extra produced the same key as a built-in parameter")
	}
}

func TestResultKeyFuncs(t *testing.T) {
	size := request.Size{Width: 10, Height: 10}
	a := mustRequest(t, "u", request.WithTransformations(namedTransform("blur")))
	b := mustRequest(t, "u", request.WithTransformations(namedTransform("gray")))

	if SameAsCacheKey(a, size) == SameAsCacheKey(b, size) {
		t.Error("SameAsCacheKey ignored transformations")
	}
	if WithoutTransformations(a, size) != WithoutTransformations(b, size) {
		t.Error("WithoutTransformations should share one base key")
	}

	for _, name := range []string{"", "cache_key", "without_transformations"} {
		if _, ok := ResultKeyFuncByName(name); !ok {
			t.Errorf("ResultKeyFuncByName(%q) not found", name)
		}
	}
	if _, ok := ResultKeyFuncByName("bogus"); ok {
		t.Error("ResultKeyFuncByName accepted an unknown name")
	}
}

func TestHashAndDownloadKey(t *testing.T) {
	r := mustRequest(t, "https://example.com/a.png", request.WithSize(5, 5))
	if DownloadCacheKey(r) != "https://example.com/a.png" {
		t.Errorf("download key: got %s", DownloadCacheKey(r))
	}
	h := Hash(CacheKey(r, r.Size))
	if len(h) != 64 {
		t.Errorf("hash length: got %d, want 64", len(h))
	}
	if h != Hash(CacheKey(r, r.Size)) {
		t.Error("Hash is not deterministic")
	}
}

func TestCacheKey_MalformedURI(t *testing.T) {
	r := mustRequest(t, "%%not a uri%%")
	if CacheKey(r, request.Size{}) == "" {
		t.Error("malformed URI produced an empty key")
	}
}
