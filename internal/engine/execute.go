package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/fetch"
	"github.com/ironsheep/imageloader/internal/pipeline"
	"github.com/ironsheep/imageloader/internal/request"
)

// ErrClosed is the cause of requests made after Shutdown.
var ErrClosed = errors.New("engine is shut down")

// Result is the outcome of one request. A successful Result owns a reference
// to its image; call Release when done with it.
type Result struct {
	RequestID string
	State     pipeline.State
	Image     *pipeline.ImageData
	DataFrom  request.DataFrom
	Err       error
}

// Release gives up the image. Safe to call on any Result.
func (r Result) Release() {
	if r.Image != nil {
		r.Image.Release()
	}
}

type executeOptions struct {
	progress fetch.ProgressFunc
	onState  func(pipeline.State)
	onResult func(Result)
}

// ExecuteOption attaches listeners to one request.
type ExecuteOption func(*executeOptions)

// WithProgress receives download progress.
func WithProgress(f fetch.ProgressFunc) ExecuteOption {
	return func(o *executeOptions) { o.progress = f }
}

// WithStateListener receives every state of the attempt the request is
// attached to.
func WithStateListener(f func(pipeline.State)) ExecuteOption {
	return func(o *executeOptions) { o.onState = f }
}

// WithListener receives the Result. The image belongs to the caller of
// Execute; the listener must not release it.
func WithListener(f func(Result)) ExecuteOption {
	return func(o *executeOptions) { o.onResult = f }
}

// job is one running attempt shared by every waiter with the same cache key.
type job struct {
	key     string
	rc      *pipeline.RequestContext
	cancel  context.CancelFunc
	waiters map[*waiter]struct{}
	state   pipeline.State
	// canceled is set when the last waiter left. The attempt stays in the
	// jobs table until run returns.
	canceled bool
	done     chan struct{}
}

type waiter struct {
	opts   executeOptions
	done   chan struct{}
	result Result
}

// Execute runs r and blocks until it completes or ctx is done. Requests with
// the same cache key as a running request attach to it instead of starting
// another attempt.
func (e *Engine) Execute(ctx context.Context, r *request.Request, opts ...ExecuteOption) Result {
	w := &waiter{done: make(chan struct{})}
	for _, opt := range opts {
		opt(&w.opts)
	}

	j, err := e.attach(ctx, r, w)
	if err != nil {
		res := failure(j, err)
		e.notify(w, res)
		return res
	}

	select {
	case <-w.done:
		return w.result
	case <-ctx.Done():
		if !e.detach(j, w) {
			<-w.done
			return w.result
		}
		res := Result{RequestID: j.rc.ID, State: pipeline.Canceled, Err: errs.Canceled(ctx.Err())}
		e.notify(w, res)
		return res
	}
}

func failure(j *job, err error) Result {
	res := Result{State: pipeline.Error, Err: err}
	if errs.IsCanceled(err) {
		res.State = pipeline.Canceled
	}
	if j != nil {
		res.RequestID = j.rc.ID
	}
	return res
}

// attach joins the running job for r's cache key or starts one. The returned
// job is non-nil whenever a request context was built.
func (e *Engine) attach(ctx context.Context, r *request.Request, w *waiter) (*job, error) {
	j := &job{waiters: map[*waiter]struct{}{w: {}}, done: make(chan struct{})}
	j.rc = pipeline.NewRequestContext(r,
		pipeline.WithResultKeyFunc(e.resultKeyFunc),
		pipeline.WithDefaultSize(e.defaultSize),
		pipeline.WithContextLogger(e.logger),
		pipeline.WithProgress(func(read, total int64) { e.onProgress(j, read, total) }),
		pipeline.WithStateListener(func(s pipeline.State) { e.onState(j, s) }),
	)
	if _, err := j.rc.ResolveSize(ctx); err != nil {
		return j, err
	}
	j.key = j.rc.CacheKey()

	e.mu.Lock()
	for {
		if e.closed {
			e.mu.Unlock()
			return j, errs.Canceled(ErrClosed)
		}
		running, ok := e.jobs[j.key]
		if !ok {
			break
		}
		if !running.canceled {
			running.waiters[w] = struct{}{}
			e.counters.Inc("dedup.join")
			running.rc.Logger.Debug("attached to running request", "waiters", len(running.waiters))
			if running.state == pipeline.Running && w.opts.onState != nil {
				onState := w.opts.onState
				e.events.post(func() { onState(pipeline.Running) })
			}
			e.mu.Unlock()
			return running, nil
		}

		// A canceled attempt may still be writing the caches. Start the next
		// one only after it is gone.
		e.counters.Inc("dedup.wait_canceled")
		prev := running.done
		e.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return j, errs.Canceled(ctx.Err())
		}
		e.mu.Lock()
	}

	jctx, cancel := context.WithCancel(e.baseCtx)
	j.cancel = cancel
	e.jobs[j.key] = j
	e.wg.Add(1)
	go e.run(jctx, j)
	e.mu.Unlock()
	return j, nil
}

// detach removes w from j. It reports false when j already completed w. The
// last waiter to leave cancels the job.
func (e *Engine) detach(j *job, w *waiter) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := j.waiters[w]; !ok {
		return false
	}
	delete(j.waiters, w)
	if len(j.waiters) == 0 {
		j.canceled = true
		j.cancel()
		j.rc.Logger.Debug("last waiter left, canceling request")
	}
	return true
}

func (e *Engine) run(ctx context.Context, j *job) {
	defer e.wg.Done()
	defer close(j.done)
	defer j.cancel()

	j.rc.Logger.Debug("request started", "uri", j.rc.Request.URI, "key", j.key)
	data, err := pipeline.Execute(ctx, e.interceptors, j.rc)
	res := Result{RequestID: j.rc.ID, State: j.rc.State(), Err: err}
	if data != nil {
		res.DataFrom = data.DataFrom
	}
	switch res.State {
	case pipeline.Success:
		j.rc.Logger.Debug("request succeeded", "data_from", res.DataFrom.String())
	case pipeline.Error:
		j.rc.Logger.Warn("request failed", "uri", j.rc.Request.URI, "error", err)
	}

	// Each waiter gets its own memory cache reference. A bitmap the memory
	// cache did not keep is shared read-only.
	e.mu.Lock()
	if e.jobs[j.key] == j {
		delete(e.jobs, j.key)
	}
	for w := range j.waiters {
		wr := res
		if data != nil {
			wr.Image = data.Clone()
		}
		e.complete(w, wr)
	}
	j.waiters = nil
	e.mu.Unlock()

	data.Release()
}

// complete hands res to w. Caller holds e.mu.
func (e *Engine) complete(w *waiter, res Result) {
	w.result = res
	close(w.done)
	e.notify(w, res)
}

func (e *Engine) notify(w *waiter, res Result) {
	if w.opts.onResult != nil {
		onResult := w.opts.onResult
		e.events.post(func() { onResult(res) })
	}
}

func (e *Engine) onState(j *job, s pipeline.State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j.state = s
	for w := range j.waiters {
		if w.opts.onState != nil {
			onState := w.opts.onState
			e.events.post(func() { onState(s) })
		}
	}
}

func (e *Engine) onProgress(j *job, read, total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for w := range j.waiters {
		if w.opts.progress != nil {
			progress := w.opts.progress
			e.events.post(func() { progress(read, total) })
		}
	}
}

// InFlight returns the number of running jobs, including canceled ones that
// have not returned yet.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Disposable is a request running in the background.
type Disposable struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	once   sync.Once
}

// Enqueue runs r in the background. Listeners passed in opts are called as
// with Execute.
func (e *Engine) Enqueue(r *request.Request, opts ...ExecuteOption) *Disposable {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Disposable{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		d.result = e.Execute(ctx, r, opts...)
		close(d.done)
	}()
	return d
}

// Done is closed once the result is available.
func (d *Disposable) Done() <-chan struct{} { return d.done }

// Wait blocks for the result. The image stays valid until Dispose.
func (d *Disposable) Wait() Result {
	<-d.done
	return d.result
}

// Dispose cancels the request if it is still running and releases its
// image.
func (d *Disposable) Dispose() {
	d.once.Do(func() {
		d.cancel()
		go func() {
			<-d.done
			d.result.Release()
		}()
	})
}
