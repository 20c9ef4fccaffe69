// Package server exposes the image-loading engine over MCP (Model Context
// Protocol).
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
//   - image_load: Run a request through the pipeline and report where the
//     result came from, optionally returning the pixels as a base64 PNG
//   - image_info: Source dimensions and format without a full decode
//   - image_cache_stats: Memory cache, bitmap pool and disk cache counters
//   - image_cache_clear: Clear some or all caches
//   - image_trim_memory: Apply a memory-pressure level
//
// Every image_load call goes through the shared engine, so concurrent calls
// for the same cache key are served by one attempt and repeated calls hit the
// memory cache.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with:
//   - code: -32000 (tool execution failure) or standard JSON-RPC codes
//   - message: Human-readable error description
//   - data: The error string
//
// # Usage
//
//	e, err := engine.NewFromConfig(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer e.Shutdown(context.Background())
//	return server.New(e, server.WithLogger(logger)).Run(ctx)
package server
