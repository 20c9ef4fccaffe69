// Package fetch turns a request URI into raw bytes.
//
// Supported sources:
//
//	http://, https://   HTTPClient, optionally through the download cache
//	s3://bucket/key     S3API, optionally through the download cache
//	file:///path, /path local files on a billy.Filesystem
//	data:[mime][;base64],...
//
// Remote sources go through the download cache: the body is streamed into
// a disk cache editor while it is read, so a completed download is on disk
// before the bytes reach the decoder. Concurrent fetches of the same URI
// inside this process wait for each other through a locking.Group, and the
// number of concurrent remote fetches is bounded by a semaphore.
//
// The request's Depth is enforced here: LOCAL never touches the network and
// only serves remote URIs from the download cache; MEMORY fails every fetch.
package fetch
