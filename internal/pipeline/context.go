package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ironsheep/imageloader/internal/decode"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/fetch"
	"github.com/ironsheep/imageloader/internal/keys"
	"github.com/ironsheep/imageloader/internal/request"
)

// State is the state of one attempt.
type State int

const (
	Pending State = iota
	Running
	Success
	Error
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Running:
		return "RUNNING"
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case Canceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is SUCCESS, ERROR or CANCELED.
func (s State) Terminal() bool { return s >= Success }

// RequestContext is the mutable state of one execution. It is owned by the
// goroutine running the attempt; only the state is safe to read from others.
type RequestContext struct {
	ID      string
	Request *request.Request
	Logger  *slog.Logger

	// Progress receives download progress. May be nil.
	Progress fetch.ProgressFunc

	// Fetch and Decode hold the intermediate results once the engine stage
	// has run.
	Fetch  *fetch.Result
	Decode *decode.Result

	resultKeyFunc keys.ResultKeyFunc
	defaultSize   request.Size

	sizeResolved bool
	size         request.Size
	cacheKey     string
	resultKey    string

	mu      sync.Mutex
	state   State
	onState func(State)
}

// ContextOption configures a RequestContext.
type ContextOption func(*RequestContext)

// WithResultKeyFunc sets the result cache key derivation.
func WithResultKeyFunc(f keys.ResultKeyFunc) ContextOption {
	return func(rc *RequestContext) { rc.resultKeyFunc = f }
}

// WithDefaultSize is used when the request has neither a size nor a resolver.
func WithDefaultSize(s request.Size) ContextOption {
	return func(rc *RequestContext) { rc.defaultSize = s }
}

// WithContextLogger sets the logger; the request id is attached to it.
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(rc *RequestContext) { rc.Logger = l }
}

// WithProgress sets the download progress callback.
func WithProgress(f fetch.ProgressFunc) ContextOption {
	return func(rc *RequestContext) { rc.Progress = f }
}

// WithStateListener is called on every state change, from the goroutine
// running the attempt.
func WithStateListener(f func(State)) ContextOption {
	return func(rc *RequestContext) { rc.onState = f }
}

// NewRequestContext starts the state of one execution of r.
func NewRequestContext(r *request.Request, opts ...ContextOption) *RequestContext {
	rc := &RequestContext{
		ID:            uuid.NewString(),
		Request:       r,
		Logger:        slog.Default(),
		resultKeyFunc: keys.SameAsCacheKey,
	}
	for _, opt := range opts {
		opt(rc)
	}
	rc.Logger = rc.Logger.With("request_id", rc.ID)
	return rc
}

// ResolveSize resolves the target size once. Later calls return the first
// result.
func (rc *RequestContext) ResolveSize(ctx context.Context) (request.Size, error) {
	if rc.sizeResolved {
		return rc.size, nil
	}
	size := rc.Request.Size
	switch {
	case !size.IsEmpty():
	case rc.Request.SizeResolver != nil:
		resolved, err := rc.Request.SizeResolver.Size(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return request.Size{}, errs.Canceled(ctx.Err())
			}
			return request.Size{}, errs.Internal(err, "failed to resolve size of %s", rc.Request.URI)
		}
		if resolved.Width < 0 || resolved.Height < 0 {
			return request.Size{}, errs.Config("size resolver returned %v", resolved)
		}
		size = resolved
	default:
		size = rc.defaultSize
	}
	rc.size = size
	rc.sizeResolved = true
	return size, nil
}

// Size is the resolved target size. It is empty before ResolveSize.
func (rc *RequestContext) Size() request.Size { return rc.size }

// CacheKey is the memory cache and de-duplication key.
func (rc *RequestContext) CacheKey() string {
	if rc.cacheKey == "" {
		rc.cacheKey = keys.CacheKey(rc.Request, rc.size)
	}
	return rc.cacheKey
}

// ResultCacheKey is the result cache key before hashing.
func (rc *RequestContext) ResultCacheKey() string {
	if rc.resultKey == "" {
		rc.resultKey = rc.resultKeyFunc(rc.Request, rc.size)
	}
	return rc.resultKey
}

// State returns the attempt state.
func (rc *RequestContext) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RequestContext) setState(s State) {
	rc.mu.Lock()
	if from := rc.state; from.Terminal() || s <= from {
		rc.mu.Unlock()
		rc.Logger.Warn("ignoring invalid state transition", "from", from.String(), "to", s.String())
		return
	}
	rc.state = s
	listener := rc.onState
	rc.mu.Unlock()
	if listener != nil {
		listener(s)
	}
}
