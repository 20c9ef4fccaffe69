// Package errs defines the error taxonomy shared by every stage of the image
// pipeline.
//
// Errors are built on github.com/jmgilman/go/errors so each failure carries a
// stable code and a retry classification. Callers branch on the helpers in
// this package (IsFetch, IsDecode, IsCanceled, ...) instead of matching
// strings.
//
// # Propagation
//
//   - FetchError and DecodeError terminate the current attempt and surface to
//     every caller attached to the shared job.
//   - CacheIOError is normally absorbed: disk caches degrade to an empty store.
//   - Canceled is not a failure; the executor reports it as a distinct state.
//   - ConfigError is raised while building a request, before any execution.
package errs

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jmgilman/go/errors"
)

// Error codes used by the pipeline.
const (
	CodeFetch    errors.ErrorCode = "FETCH_FAILED"
	CodeDecode   errors.ErrorCode = "DECODE_FAILED"
	CodeCacheIO  errors.ErrorCode = "CACHE_IO_FAILED"
	CodeCanceled errors.ErrorCode = "CANCELED"
	CodeConfig   errors.ErrorCode = "INVALID_CONFIGURATION"
	CodeDepth    errors.ErrorCode = "DEPTH_LIMITED"
	CodeInternal errors.ErrorCode = "INTERNAL_ERROR"
)

// Fetch wraps a source failure (network, local file, content provider).
func Fetch(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Newf(CodeFetch, format, args...)
	}
	return errors.Wrapf(err, CodeFetch, format, args...)
}

// Decode wraps a failure to turn bytes into a bitmap.
func Decode(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Newf(CodeDecode, format, args...)
	}
	return errors.Wrapf(err, CodeDecode, format, args...)
}

// CacheIO wraps a disk cache failure.
func CacheIO(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Newf(CodeCacheIO, format, args...)
	}
	return errors.Wrapf(err, CodeCacheIO, format, args...)
}

// Config reports an invalid request or engine parameter.
func Config(format string, args ...interface{}) error {
	return errors.Newf(CodeConfig, format, args...)
}

// Depth reports that a request's depth forbids the work needed to satisfy it.
// It is a fetch failure from the caller's point of view.
func Depth(format string, args ...interface{}) error {
	return errors.Wrap(errors.Newf(CodeDepth, format, args...), CodeFetch, "request depth limit")
}

// Internal wraps an unexpected failure such as a recovered panic.
func Internal(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Newf(CodeInternal, format, args...)
	}
	return errors.Wrapf(err, CodeInternal, format, args...)
}

// Canceled converts a context error into the cancellation code.
func Canceled(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return errors.Wrap(cause, CodeCanceled, "request canceled")
}

// hasCode walks the whole chain; Wrap keeps inner codes reachable.
func hasCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var pe errors.PlatformError
		if !stderrors.As(err, &pe) {
			return false
		}
		if pe.Code() == code {
			return true
		}
		err = pe.Unwrap()
	}
	return false
}

// IsFetch reports whether err is a fetch failure.
func IsFetch(err error) bool { return hasCode(err, CodeFetch) }

// IsDecode reports whether err is a decode failure.
func IsDecode(err error) bool { return hasCode(err, CodeDecode) }

// IsCacheIO reports whether err is a disk cache failure.
func IsCacheIO(err error) bool { return hasCode(err, CodeCacheIO) }

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool { return hasCode(err, CodeConfig) }

// IsDepth reports whether err was caused by the request depth limit.
func IsDepth(err error) bool { return hasCode(err, CodeDepth) }

// IsCanceled reports whether err represents cooperative cancellation, either
// through the cancellation code or a bare context.Canceled. A deadline inside
// a transport is a failure, not a cancellation; callers that own the request
// context check ctx.Err() themselves.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if hasCode(err, CodeCanceled) {
		return true
	}
	return stderrors.Is(err, context.Canceled)
}

// Code returns the outermost error code, or errors.CodeUnknown.
func Code(err error) errors.ErrorCode {
	return errors.GetCode(err)
}

// Recovered turns a recovered panic value into an Internal error.
func Recovered(v interface{}) error {
	if err, ok := v.(error); ok {
		return Internal(err, "stage panicked")
	}
	return Internal(nil, "stage panicked: %v", fmt.Sprint(v))
}
