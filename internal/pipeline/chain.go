package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/metrics"
	"github.com/ironsheep/imageloader/internal/request"
)

// Built-in interceptor weights.
const (
	WeightSize        = 0
	WeightMemoryCache = 10
	WeightResultCache = 20
	WeightTransform   = 30
	// WeightResultCacheBase places the result cache below the
	// transformations, for result keys that leave transformations out.
	WeightResultCacheBase = 35
	WeightEngine          = 100
)

// Interceptor is one stage of the chain.
type Interceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *Chain) (*ImageData, error)
}

// Sort orders interceptors by weight. Equal weights keep their order.
func Sort(interceptors []Interceptor) []Interceptor {
	out := slices.Clone(interceptors)
	slices.SortStableFunc(out, func(a, b Interceptor) int {
		return a.SortWeight() - b.SortWeight()
	})
	return out
}

// Chain is the view an interceptor gets of the rest of the pipeline.
type Chain struct {
	interceptors []Interceptor
	index        int
	request      *request.Request
	rc           *RequestContext
}

// Request is the request as rewritten by the interceptors above.
func (c *Chain) Request() *request.Request { return c.request }

// RequestContext is the state shared by the whole attempt.
func (c *Chain) RequestContext() *RequestContext { return c.rc }

// Proceed runs the next interceptor with r.
func (c *Chain) Proceed(ctx context.Context, r *request.Request) (*ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canceled(err)
	}
	if c.index >= len(c.interceptors) {
		return nil, errs.Internal(nil, "no interceptor produced an image for %s", r.URI)
	}
	next := &Chain{interceptors: c.interceptors, index: c.index + 1, request: r, rc: c.rc}
	return intercept(ctx, c.interceptors[c.index], next)
}

func intercept(ctx context.Context, i Interceptor, next *Chain) (data *ImageData, err error) {
	defer func() {
		if p := recover(); p != nil {
			next.rc.Logger.Error("interceptor panicked",
				"request_id", next.rc.ID,
				"interceptor", i.Key(),
				"panic", fmt.Sprint(p))
			data, err = nil, errs.Recovered(p)
		}
	}()
	data, err = i.Intercept(ctx, next)
	if err == nil && data == nil {
		err = errs.Internal(nil, "interceptor %s returned no image", i.Key())
	}
	return data, err
}

// Execute runs one attempt of rc's request through the sorted interceptors.
func Execute(ctx context.Context, interceptors []Interceptor, rc *RequestContext) (*ImageData, error) {
	rc.setState(Running)
	chain := &Chain{interceptors: interceptors, request: rc.Request, rc: rc}
	data, err := chain.Proceed(ctx, rc.Request)
	if err == nil && ctx.Err() != nil {
		data.Release()
		data, err = nil, errs.Canceled(ctx.Err())
	} else if err != nil && ctx.Err() != nil && !errs.IsCanceled(err) {
		err = errs.Canceled(ctx.Err())
	}
	switch {
	case err == nil:
		rc.setState(Success)
	case errs.IsCanceled(err):
		rc.setState(Canceled)
	default:
		rc.setState(Error)
	}
	return data, err
}

// Observer records stage latencies and counters. A nil Observer or nil
// fields record nothing.
type Observer struct {
	Latency  *metrics.LatencyTracker
	Counters *metrics.Counters
}

func (o *Observer) start(stage string) func() {
	if o == nil || o.Latency == nil {
		return func() {}
	}
	return o.Latency.Start(stage)
}

func (o *Observer) inc(name string) {
	if o != nil && o.Counters != nil {
		o.Counters.Inc(name)
	}
}
