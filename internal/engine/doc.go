// Package engine executes image requests.
//
// An Engine owns the caches, the bitmap pool, the fetcher and the decoder,
// and runs every request through the interceptor chain. Concurrent requests
// with the same cache key share one job: the first caller starts it, later
// callers attach to it, and every attached caller receives the same result.
// A caller that stops waiting detaches; when the last caller detaches the
// job is canceled.
//
// Progress, state and result listeners are called on a single dispatcher
// goroutine, one callback at a time, in the order the events happened.
//
// There is no global engine. Build one with New, share it, and call
// Shutdown when done.
package engine
