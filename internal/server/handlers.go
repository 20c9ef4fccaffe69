package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pipeline"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
	"github.com/ironsheep/imageloader/internal/transform"
)

// ToolCallParams represents the parameters for a tools/call MCP request.
type ToolCallParams struct {
	// Name is the tool to invoke (e.g., "image_load", "image_info").
	Name string `json:"name"`

	// Arguments contains the tool-specific parameters as JSON.
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall processes a tools/call request and executes the specified tool.
//
// The response wraps the tool result in MCP's content format:
//
//	{
//	  "content": [{"type": "text", "text": "<JSON result>"}]
//	}
//
// Tool execution errors return a JSON-RPC error response with code -32000.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) *MCPResponse {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	result, err := s.executeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.logger.Debug("tool failed", "tool", params.Name, "code", string(errs.Code(err)), "error", err)
		return s.errorResponse(req.ID, -32000, "Tool execution failed", err.Error())
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": mustMarshalJSON(result),
				},
			},
		},
	}
}

// executeTool dispatches tool execution to the appropriate handler function.
func (s *Server) executeTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "image_load":
		return s.handleImageLoad(ctx, args)
	case "image_info":
		return s.handleImageInfo(ctx, args)
	case "image_cache_stats":
		return s.engine.Stats(), nil
	case "image_cache_clear":
		return s.handleCacheClear(args)
	case "image_trim_memory":
		return s.handleTrimMemory(args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// errorResponse creates a JSON-RPC error response with the given details.
func (s *Server) errorResponse(id interface{}, code int, message, data string) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// mustMarshalJSON converts a value to pretty-printed JSON string.
// On marshal failure it returns an empty string.
func mustMarshalJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// unmarshalArgs accepts missing arguments as an empty object.
func unmarshalArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// LoadArgs describes one load request. The CLI builds the same struct from
// flags.
type LoadArgs struct {
	URI                 string            `json:"uri"`
	Width               int               `json:"width"`
	Height              int               `json:"height"`
	Precision           string            `json:"precision"`
	Scale               string            `json:"scale"`
	ColorType           string            `json:"color_type"`
	Transformations     []string          `json:"transformations"`
	MemoryCachePolicy   string            `json:"memory_cache_policy"`
	ResultCachePolicy   string            `json:"result_cache_policy"`
	DownloadCachePolicy string            `json:"download_cache_policy"`
	Depth               string            `json:"depth"`
	Headers             map[string]string `json:"headers"`
	IncludeImage        bool              `json:"include_image"`
}

// BuildRequest turns a into a request. Every failure is a ConfigError.
func BuildRequest(a LoadArgs) (*request.Request, error) {
	precision, err := request.ParsePrecision(a.Precision)
	if err != nil {
		return nil, errs.Config("%v", err)
	}
	scale, err := request.ParseScale(a.Scale)
	if err != nil {
		return nil, errs.Config("%v", err)
	}
	colorType, err := bitmap.ParseConfig(a.ColorType)
	if err != nil {
		return nil, errs.Config("%v", err)
	}
	depth, err := request.ParseDepth(a.Depth)
	if err != nil {
		return nil, errs.Config("%v", err)
	}
	var policies [3]request.CachePolicy
	for i, p := range []string{a.MemoryCachePolicy, a.ResultCachePolicy, a.DownloadCachePolicy} {
		if policies[i], err = request.ParseCachePolicy(p); err != nil {
			return nil, errs.Config("%v", err)
		}
	}
	transformations, err := transform.ParseAll(a.Transformations)
	if err != nil {
		return nil, errs.Config("%v", err)
	}

	opts := []request.Option{
		request.WithPrecision(precision),
		request.WithScale(scale),
		request.WithColorType(colorType),
		request.WithDepth(depth),
		request.WithMemoryCachePolicy(policies[0]),
		request.WithResultCachePolicy(policies[1]),
		request.WithDownloadCachePolicy(policies[2]),
		request.WithTransformations(transformations...),
	}
	if a.Width != 0 || a.Height != 0 {
		opts = append(opts, request.WithSize(a.Width, a.Height))
	}
	for name, value := range a.Headers {
		opts = append(opts, request.WithHTTPHeader(name, value))
	}
	return request.New(a.URI, opts...)
}

// LoadResult is the image_load response.
type LoadResult struct {
	RequestID     string           `json:"request_id"`
	State         string           `json:"state"`
	DataFrom      string           `json:"data_from"`
	Width         int              `json:"width"`
	Height        int              `json:"height"`
	ColorType     string           `json:"color_type"`
	Source        decode.ImageInfo `json:"source"`
	Transformed   []string         `json:"transformed"`
	ImageBase64   string           `json:"image_base64,omitempty"`
	ImageMimeType string           `json:"image_mime_type,omitempty"`
}

// NewLoadResult summarizes a successful engine result.
func NewLoadResult(state pipeline.State, id string, data *pipeline.ImageData) *LoadResult {
	transformed := data.Transformed
	if transformed == nil {
		transformed = []string{}
	}
	return &LoadResult{
		RequestID:   id,
		State:       state.String(),
		DataFrom:    data.DataFrom.String(),
		Width:       data.Bitmap.Width(),
		Height:      data.Bitmap.Height(),
		ColorType:   data.Bitmap.Config().String(),
		Source:      data.Info,
		Transformed: transformed,
	}
}

func (s *Server) handleImageLoad(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a LoadArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	r, err := BuildRequest(a)
	if err != nil {
		return nil, err
	}

	res := s.engine.Execute(ctx, r)
	defer res.Release()
	if res.Err != nil {
		return nil, res.Err
	}

	out := NewLoadResult(res.State, res.RequestID, res.Image)
	if a.IncludeImage {
		encoded, err := EncodePNGBase64(res.Image.Bitmap.Image())
		if err != nil {
			return nil, err
		}
		out.ImageBase64 = encoded
		out.ImageMimeType = "image/png"
	}
	return out, nil
}

type imageInfoArgs struct {
	URI   string `json:"uri"`
	Depth string `json:"depth"`
}

// InfoResult is the image_info response.
type InfoResult struct {
	decode.ImageInfo
	DataFrom string `json:"data_from"`
}

func (s *Server) handleImageInfo(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var a imageInfoArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	depth, err := request.ParseDepth(a.Depth)
	if err != nil {
		return nil, errs.Config("%v", err)
	}
	r, err := request.New(a.URI, request.WithDepth(depth))
	if err != nil {
		return nil, err
	}
	info, from, err := s.engine.ReadImageInfo(ctx, r)
	if err != nil {
		return nil, err
	}
	return &InfoResult{ImageInfo: info, DataFrom: from.String()}, nil
}

type cacheClearArgs struct {
	Caches []string `json:"caches"`
}

func (s *Server) handleCacheClear(args json.RawMessage) (interface{}, error) {
	var a cacheClearArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	if err := s.engine.ClearCaches(a.Caches...); err != nil {
		return nil, err
	}
	cleared := a.Caches
	if len(cleared) == 0 {
		cleared = []string{"memory", "pool", "result", "download"}
	}
	return map[string]interface{}{"cleared": cleared}, nil
}

type trimMemoryArgs struct {
	Level string `json:"level"`
}

func (s *Server) handleTrimMemory(args json.RawMessage) (interface{}, error) {
	var a trimMemoryArgs
	if err := unmarshalArgs(args, &a); err != nil {
		return nil, err
	}
	level, ok := pool.ParseTrimLevel(a.Level)
	if !ok {
		return nil, errs.Config("unknown trim level %q", a.Level)
	}
	s.engine.TrimMemory(level)
	st := s.engine.Stats()
	result := map[string]interface{}{
		"level":             level.String(),
		"memory_cache_size": st.Memory.Size,
	}
	if st.Pool != nil {
		result["bitmap_pool_size"] = st.Pool.Size
	}
	return result, nil
}
