// Package pipeline runs one request attempt through an ordered chain of
// interceptors.
//
// Each interceptor either answers the request itself, for example on a
// memory cache hit, or calls Chain.Proceed to hand it to the next one and
// post-processes what comes back. Interceptors are sorted by weight, lowest
// first. The built-in weights are:
//
//	 0  size resolution
//	10  memory cache lookup and store
//	20  result cache lookup and store
//	30  transformations
//	100 fetch and decode
//
// Lookups happen on the way down and stores on the way back up, so a cold
// request runs size, memory lookup, result lookup, fetch, decode,
// transformations, result store and memory store in that order.
//
// # Attempt State
//
// An attempt moves PENDING -> RUNNING -> SUCCESS, ERROR or CANCELED.
// Cancellation is checked before every interceptor; once the context is
// done no further interceptor runs and the attempt ends CANCELED even if a
// stage managed to produce an image. A panicking interceptor ends the attempt
// with an internal error.
//
// # Result Cache Format
//
// A result cache entry has two values. Value 0 is JSON metadata: bitmap
// shape and config, the source image info and the transformed records.
// Value 1 is the bitmap's pixel bytes in an LZ4 frame.
package pipeline
