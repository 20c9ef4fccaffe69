package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/request"
	"github.com/ironsheep/imageloader/internal/transform"
)

// createTestImageFile writes a solid PNG to fs and returns its path.
func createTestImageFile(t *testing.T, fs billy.Filesystem, path string, width, height int, c color.Color) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	if err := util.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return path
}

// callTool runs a tools/call and returns the response.
func callTool(t *testing.T, s *Server, name string, args interface{}) *MCPResponse {
	t.Helper()
	params := map[string]interface{}{"name": name, "arguments": args}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	resp := s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  paramsJSON,
	})
	if resp == nil {
		t.Fatal("handleRequest returned nil")
	}
	return resp
}

// decodeContent unmarshals the text content of a successful tool call.
func decodeContent(t *testing.T, resp *MCPResponse, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	if len(content) != 1 || content[0]["type"] != "text" {
		t.Fatalf("content: got %v", content)
	}
	if err := json.Unmarshal([]byte(content[0]["text"].(string)), v); err != nil {
		t.Fatalf("failed to decode content: %v", err)
	}
}

func TestHandleToolsCall_ImageLoad(t *testing.T) {
	fs := memfs.New()
	path := createTestImageFile(t, fs, "/images/red.png", 100, 80, color.RGBA{255, 0, 0, 255})
	s := newTestServer(t, fs)

	args := map[string]interface{}{
		"uri":       path,
		"width":     50,
		"height":    50,
		"precision": "exactly",
		"scale":     "center_crop",
	}
	var first LoadResult
	decodeContent(t, callTool(t, s, "image_load", args), &first)

	if first.State != "SUCCESS" {
		t.Errorf("State: got %s, want SUCCESS", first.State)
	}
	if first.DataFrom != request.FromLocal.String() {
		t.Errorf("DataFrom: got %s, want %s", first.DataFrom, request.FromLocal)
	}
	if first.Width != 50 || first.Height != 50 {
		t.Errorf("size: got %dx%d, want 50x50", first.Width, first.Height)
	}
	if first.Source.Width != 100 || first.Source.Height != 80 {
		t.Errorf("source: got %dx%d, want 100x80", first.Source.Width, first.Source.Height)
	}
	if first.ImageBase64 != "" {
		t.Error("image returned without include_image")
	}

	var second LoadResult
	decodeContent(t, callTool(t, s, "image_load", args), &second)
	if second.DataFrom != request.FromMemoryCache.String() {
		t.Errorf("second DataFrom: got %s, want %s", second.DataFrom, request.FromMemoryCache)
	}
}

func TestHandleToolsCall_ImageLoadIncludeImage(t *testing.T) {
	fs := memfs.New()
	path := createTestImageFile(t, fs, "/images/blue.png", 40, 20, color.RGBA{0, 0, 255, 255})
	s := newTestServer(t, fs)

	var res LoadResult
	decodeContent(t, callTool(t, s, "image_load", map[string]interface{}{
		"uri":             path,
		"transformations": []string{"rotate:90", "grayscale"},
		"include_image":   true,
	}), &res)

	if res.ImageMimeType != "image/png" {
		t.Errorf("ImageMimeType: got %s", res.ImageMimeType)
	}
	data, err := base64.StdEncoding.DecodeString(res.ImageBase64)
	if err != nil {
		t.Fatalf("invalid base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 40 {
		t.Errorf("rotated size: got %dx%d, want 20x40", b.Dx(), b.Dy())
	}
	want := []string{"Rotate(90)", "Grayscale"}
	if strings.Join(res.Transformed, ",") != strings.Join(want, ",") {
		t.Errorf("Transformed: got %v, want %v", res.Transformed, want)
	}
}

func TestHandleToolsCall_ImageLoadErrors(t *testing.T) {
	s := newTestServer(t, nil)
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing file", map[string]interface{}{"uri": "/nonexistent/image.png"}},
		{"bad precision", map[string]interface{}{"uri": "/a.png", "precision": "roughly"}},
		{"bad transformation", map[string]interface{}{"uri": "/a.png", "transformations": []string{"sepia"}}},
		{"empty uri", map[string]interface{}{}},
		{"memory depth miss", map[string]interface{}{"uri": "/a.png", "depth": "memory"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := callTool(t, s, "image_load", tt.args)
			if resp.Error == nil {
				t.Fatal("expected an error")
			}
			if resp.Error.Code != -32000 {
				t.Errorf("Error.Code: got %d, want -32000", resp.Error.Code)
			}
		})
	}
}

func TestHandleToolsCall_ImageInfo(t *testing.T) {
	fs := memfs.New()
	path := createTestImageFile(t, fs, "/images/green.png", 64, 48, color.RGBA{0, 255, 0, 255})
	s := newTestServer(t, fs)

	var info InfoResult
	decodeContent(t, callTool(t, s, "image_info", map[string]interface{}{"uri": path}), &info)
	if info.Width != 64 || info.Height != 48 {
		t.Errorf("size: got %dx%d, want 64x48", info.Width, info.Height)
	}
	if info.MimeType != "image/png" {
		t.Errorf("MimeType: got %s", info.MimeType)
	}
	if info.DataFrom != request.FromLocal.String() {
		t.Errorf("DataFrom: got %s", info.DataFrom)
	}
}

func TestHandleToolsCall_CacheTools(t *testing.T) {
	fs := memfs.New()
	path := createTestImageFile(t, fs, "/images/c.png", 10, 10, color.RGBA{1, 2, 3, 255})
	s := newTestServer(t, fs)
	decodeContent(t, callTool(t, s, "image_load", map[string]interface{}{"uri": path}), &LoadResult{})

	var stats struct {
		Memory struct {
			Len int `json:"len"`
		} `json:"memory_cache"`
		Counters map[string]int64 `json:"counters"`
	}
	decodeContent(t, callTool(t, s, "image_cache_stats", nil), &stats)
	if stats.Memory.Len != 1 {
		t.Errorf("memory cache len: got %d, want 1", stats.Memory.Len)
	}
	if stats.Counters["decode"] != 1 {
		t.Errorf("decode counter: got %d, want 1", stats.Counters["decode"])
	}

	var cleared struct {
		Cleared []string `json:"cleared"`
	}
	decodeContent(t, callTool(t, s, "image_cache_clear", map[string]interface{}{"caches": []string{"memory"}}), &cleared)
	if len(cleared.Cleared) != 1 || cleared.Cleared[0] != "memory" {
		t.Errorf("cleared: got %v", cleared.Cleared)
	}
	if n := s.engine.MemoryCache().Len(); n != 0 {
		t.Errorf("memory cache len after clear: got %d", n)
	}

	if resp := callTool(t, s, "image_cache_clear", map[string]interface{}{"caches": []string{"disk"}}); resp.Error == nil {
		t.Error("unknown cache name should fail")
	}

	var trimmed map[string]interface{}
	decodeContent(t, callTool(t, s, "image_trim_memory", map[string]interface{}{"level": "complete"}), &trimmed)
	if trimmed["level"] != "COMPLETE" {
		t.Errorf("level: got %v", trimmed["level"])
	}
	if resp := callTool(t, s, "image_trim_memory", map[string]interface{}{"level": "extreme"}); resp.Error == nil {
		t.Error("unknown trim level should fail")
	}
}

func TestHandleToolsCall_InvalidTool(t *testing.T) {
	s := newTestServer(t, nil)
	resp := callTool(t, s, "image_ocr_full", map[string]interface{}{})
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown tool")
	}
	if !strings.Contains(resp.Error.Data.(string), "unknown tool") {
		t.Errorf("Error.Data: got %v", resp.Error.Data)
	}
}

func TestHandleToolsCall_InvalidParams(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.handleRequest(context.Background(), &MCPRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "tools/call",
		Params:  json.RawMessage(`[1,2]`),
	})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("Error: got %+v, want code -32602", resp.Error)
	}
}

func TestBuildRequest(t *testing.T) {
	r, err := BuildRequest(LoadArgs{
		URI:               "https://example.com/a.jpg",
		Width:             300,
		Height:            200,
		Precision:         "same_aspect_ratio",
		Scale:             "end_crop",
		ColorType:         "RGB_565",
		Transformations:   []string{"blur:2", "mask:#ff0000:0.25"},
		ResultCachePolicy: "read_only",
		Depth:             "local",
		Headers:           map[string]string{"Authorization": "Bearer x"},
	})
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}
	if r.Size != (request.Size{Width: 300, Height: 200}) {
		t.Errorf("Size: got %v", r.Size)
	}
	if r.Precision != request.SameAspectRatio || r.Scale != request.EndCrop {
		t.Errorf("Precision/Scale: got %v/%v", r.Precision, r.Scale)
	}
	if r.ResultCachePolicy != request.ReadOnly || r.MemoryCachePolicy != request.Enabled {
		t.Errorf("policies: got %v/%v", r.ResultCachePolicy, r.MemoryCachePolicy)
	}
	if r.Depth != request.Local {
		t.Errorf("Depth: got %v", r.Depth)
	}
	if len(r.Transformations) != 2 {
		t.Fatalf("Transformations: got %d", len(r.Transformations))
	}
	if _, ok := r.Transformations[0].(transform.Blur); !ok {
		t.Errorf("first transformation: got %T", r.Transformations[0])
	}
	if r.HTTPHeaders["Authorization"] != "Bearer x" {
		t.Errorf("headers: got %v", r.HTTPHeaders)
	}

	if _, err := BuildRequest(LoadArgs{URI: "/a.png", ColorType: "CMYK"}); !errs.IsConfig(err) {
		t.Errorf("bad color type: got %v, want a config error", err)
	}
	if _, err := BuildRequest(LoadArgs{URI: "/a.png", Width: 10}); !errs.IsConfig(err) {
		t.Errorf("half size: got %v, want a config error", err)
	}
}
