package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func enumProp(description string, values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description, "enum": values}
}

var cachePolicies = []string{"enabled", "disabled", "read_only", "write_only"}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		{
			Name: "image_load",
			Description: "Load an image through the engine: fetch (network, file, s3 or data URI), decode at the " +
				"requested size and apply transformations. Returns dimensions, where the pixels came from and " +
				"what was done to them. Repeated loads are served from the memory, result or download cache.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"uri": stringProp("Image URI: http(s)://, s3://bucket/key, file://, data: or an absolute path"),
					"width": map[string]interface{}{
						"type":        "integer",
						"description": "Target width. Omit width and height to keep the source size",
					},
					"height": map[string]interface{}{
						"type":        "integer",
						"description": "Target height",
					},
					"precision": enumProp("How closely the output matches the target size. Default less_pixels",
						"less_pixels", "same_aspect_ratio", "exactly"),
					"scale": enumProp("Which part is kept when cropping to the target. Default center_crop",
						"start_crop", "center_crop", "end_crop", "fill"),
					"color_type": enumProp("Pixel format. Default ARGB_8888",
						"ARGB_8888", "RGBA_F16", "RGB_565", "ALPHA_8"),
					"transformations": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Applied in order: rotate:DEG, square[:SCALE], blur:RADIUS, grayscale, mask:#RRGGBB[:ALPHA]",
					},
					"memory_cache_policy":   enumProp("Memory cache policy", cachePolicies...),
					"result_cache_policy":   enumProp("Result cache policy", cachePolicies...),
					"download_cache_policy": enumProp("Download cache policy", cachePolicies...),
					"depth": enumProp("How far the engine may go for the pixels. Default network",
						"network", "local", "memory"),
					"headers": map[string]interface{}{
						"type":                 "object",
						"additionalProperties": map[string]interface{}{"type": "string"},
						"description":          "Extra HTTP request headers",
					},
					"include_image": map[string]interface{}{
						"type":        "boolean",
						"description": "Return the result as a base64-encoded PNG",
						"default":     false,
					},
				},
				"required": []string{"uri"},
			},
		},
		{
			Name:        "image_info",
			Description: "Read an image's dimensions and format from its header without decoding the pixels.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"uri":   stringProp("Image URI or absolute path"),
					"depth": enumProp("How far the engine may go for the bytes", "network", "local"),
				},
				"required": []string{"uri"},
			},
		},
		{
			Name:        "image_cache_stats",
			Description: "Report cache sizes, hit counters, in-flight requests and per-stage latency.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name:        "image_cache_clear",
			Description: "Empty caches. Without arguments every cache is cleared.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"caches": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "string",
							"enum": []string{"memory", "pool", "result", "download"},
						},
						"description": "Caches to clear",
					},
				},
			},
		},
		{
			Name:        "image_trim_memory",
			Description: "Release memory held by the memory cache and bitmap pool.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"level": enumProp("moderate halves usage, complete drops everything not in use",
						"moderate", "complete"),
				},
				"required": []string{"level"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
