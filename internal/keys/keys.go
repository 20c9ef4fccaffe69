// Package keys derives the deterministic cache keys of a request.
//
// A cache key is the length-prefixed request URI followed by a query-style
// list of every parameter that changes pixel output:
//
//	25:https://example.com/a.png?_size=100x50&_precision=LESS_PIXELS&...
//
// The prefix fixes where the URI ends, so a URI that already carries
// "_size=..." in its own query cannot alias a sized request. Parameters are
// written in a fixed order, one escaped "_transformation" per applied
// transformation, and extras are sorted by name, so two logically equal
// requests always produce the same key no matter how they were built.
// Parameters with no pixel effect (HTTP headers, depth, non-key extras) never
// appear.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/ironsheep/imageloader/internal/request"
)

// CacheKey returns the memory-cache and de-duplication key of r for the
// resolved target size.
func CacheKey(r *request.Request, size request.Size) string {
	var b strings.Builder
	writeURI(&b, r.URI)
	writeParams(&b, r, size, true)
	return b.String()
}

// ResultKeyFunc derives the result-cache key.
type ResultKeyFunc func(r *request.Request, size request.Size) string

// SameAsCacheKey keys the result cache exactly like the memory cache.
var SameAsCacheKey ResultKeyFunc = CacheKey

// WithoutTransformations keys the result cache on the decoded, resized base
// so differently transformed requests share one entry.
var WithoutTransformations ResultKeyFunc = func(r *request.Request, size request.Size) string {
	var b strings.Builder
	writeURI(&b, r.URI)
	writeParams(&b, r, size, false)
	return b.String()
}

// ResultKeyFuncByName maps configuration names to derivations.
func ResultKeyFuncByName(name string) (ResultKeyFunc, bool) {
	switch name {
	case "", "cache_key":
		return SameAsCacheKey, true
	case "without_transformations":
		return WithoutTransformations, true
	}
	return nil, false
}

// DownloadCacheKey keys the raw bytes of a source: only the URI matters.
func DownloadCacheKey(r *request.Request) string {
	return r.URI
}

// Hash turns any key into a string safe for use as a disk-cache key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func writeURI(b *strings.Builder, uri string) {
	b.WriteString(strconv.Itoa(len(uri)))
	b.WriteByte(':')
	b.WriteString(uri)
}

func writeParams(b *strings.Builder, r *request.Request, size request.Size, withTransformations bool) {
	sep := byte('?')
	add := func(name, value string) {
		b.WriteByte(sep)
		sep = '&'
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(value))
	}

	if !size.IsEmpty() {
		add("_size", size.String())
	}
	add("_precision", r.Precision.String())
	add("_scale", r.Scale.String())
	add("_colorType", r.ColorType.String())
	if r.ColorSpace != "" {
		add("_colorSpace", r.ColorSpace)
	}
	if withTransformations {
		for _, t := range r.Transformations {
			add("_transformation", t.Key())
		}
	}

	names := make([]string, 0, len(r.Extras))
	for name, e := range r.Extras {
		if e.CacheKey {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		// Extras live under "x." so they cannot collide with built-in parameters.
		add("x."+url.QueryEscape(name), r.Extras[name].Value)
	}
}
