package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/imageloader/internal/bitmap"
	"github.com/ironsheep/imageloader/internal/errs"
	"github.com/ironsheep/imageloader/internal/pipeline"
	"github.com/ironsheep/imageloader/internal/pool"
	"github.com/ironsheep/imageloader/internal/request"
)

const fixturePath = "/photos/fixture.png"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// gate is a stage in front of the engine stage that serves every request
// itself once released.
type gate struct {
	calls    atomic.Int32
	release  chan struct{}
	canceled chan struct{}
	once     sync.Once
	// linger, when set, keeps a canceled attempt running until closed.
	linger chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), canceled: make(chan struct{})}
}

func (g *gate) Key() string     { return "gate" }
func (g *gate) SortWeight() int { return pipeline.WeightEngine - 1 }

func (g *gate) Intercept(ctx context.Context, chain *pipeline.Chain) (*pipeline.ImageData, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		g.once.Do(func() { close(g.canceled) })
		if g.linger != nil {
			<-g.linger
		}
		return nil, errs.Canceled(ctx.Err())
	}
	b, err := bitmap.New(4, 4, bitmap.ARGB8888)
	if err != nil {
		return nil, err
	}
	return &pipeline.ImageData{Bitmap: b, DataFrom: request.FromNetwork}, nil
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(append([]Option{WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Shutdown(ctx))
	})
	return e
}

func mustRequest(t *testing.T, uri string, opts ...request.Option) *request.Request {
	t.Helper()
	r, err := request.New(uri, opts...)
	require.NoError(t, err)
	return r
}

func writeFixture(t *testing.T, width, height int) billy.Filesystem {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, fixturePath, buf.Bytes(), 0o644))
	return fs
}

func TestEngine_LoadsFixtureThenServesFromResultCache(t *testing.T) {
	e := newEngine(t,
		WithLocalFilesystem(writeFixture(t, 1291, 1936)),
		WithDiskCache(memfs.New(), "/cache"),
	)
	r := mustRequest(t, fixturePath, request.WithSize(500, 500), request.WithPrecision(request.LessPixels))

	res := e.Execute(context.Background(), r)
	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.Success, res.State)
	assert.Equal(t, request.FromLocal, res.DataFrom)
	assert.Equal(t, 323, res.Image.Bitmap.Width())
	assert.Equal(t, 484, res.Image.Bitmap.Height())
	assert.Equal(t, []string{"InSampled(4)"}, res.Image.Transformed)
	assert.Equal(t, 1291, res.Image.Info.Width)
	res.Release()

	again := e.Execute(context.Background(), r)
	require.NoError(t, again.Err)
	assert.Equal(t, request.FromMemoryCache, again.DataFrom)
	again.Release()

	require.NoError(t, e.ClearCaches("memory"))
	fromDisk := e.Execute(context.Background(), r)
	require.NoError(t, fromDisk.Err)
	assert.Equal(t, request.FromResultCache, fromDisk.DataFrom)
	assert.Equal(t, 323, fromDisk.Image.Bitmap.Width())
	assert.Equal(t, 484, fromDisk.Image.Bitmap.Height())
	assert.Equal(t, []string{"InSampled(4)"}, fromDisk.Image.Transformed)
	fromDisk.Release()

	st := e.Stats()
	assert.Equal(t, 1, st.Result.Entries)
	assert.Equal(t, int64(1), st.Counters[pipeline.CounterDecode])
}

func TestEngine_ReadImageInfo(t *testing.T) {
	e := newEngine(t, WithLocalFilesystem(writeFixture(t, 40, 30)))
	info, from, err := e.ReadImageInfo(context.Background(), mustRequest(t, fixturePath))
	require.NoError(t, err)
	assert.Equal(t, 40, info.Width)
	assert.Equal(t, 30, info.Height)
	assert.Equal(t, "image/png", info.MimeType)
	assert.Equal(t, request.FromLocal, from)
}

func TestEngine_FetchFailureIsReported(t *testing.T) {
	e := newEngine(t, WithLocalFilesystem(memfs.New()))
	res := e.Execute(context.Background(), mustRequest(t, "/missing.png"))
	assert.Equal(t, pipeline.Error, res.State)
	assert.True(t, errs.IsFetch(res.Err))
	assert.Nil(t, res.Image)
	res.Release()
}

func TestEngine_ConcurrentRequestsShareOneAttempt(t *testing.T) {
	g := newGate()
	e := newEngine(t, WithInterceptor(g))
	r := mustRequest(t, "https://example.com/shared.png", request.WithSize(4, 4))

	const n = 5
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Execute(context.Background(), r)
		}(i)
	}

	assert.Eventually(t, func() bool {
		return e.Stats().Counters["dedup.join"] == n-1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.InFlight())
	close(g.release)
	wg.Wait()

	assert.Equal(t, int32(1), g.calls.Load())
	ids := map[string]bool{}
	for _, res := range results {
		require.NoError(t, res.Err)
		assert.Same(t, results[0].Image.Bitmap, res.Image.Bitmap)
		ids[res.RequestID] = true
	}
	assert.Len(t, ids, 1, "waiters should report the shared attempt")

	key := e.MemoryCache().Keys()[0]
	assert.Equal(t, n, e.MemoryCache().Refs(key))
	for _, res := range results {
		res.Release()
	}
	assert.Zero(t, e.MemoryCache().Refs(key))
	assert.Zero(t, e.InFlight())
}

func TestEngine_LastWaiterCancels(t *testing.T) {
	g := newGate()
	e := newEngine(t, WithInterceptor(g))
	r := mustRequest(t, "https://example.com/slow.png")

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	done1 := make(chan Result, 1)
	done2 := make(chan Result, 1)
	go func() { done1 <- e.Execute(ctx1, r) }()
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	go func() { done2 <- e.Execute(ctx2, r) }()
	assert.Eventually(t, func() bool {
		return e.Stats().Counters["dedup.join"] == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel1()
	res1 := <-done1
	assert.Equal(t, pipeline.Canceled, res1.State)
	assert.True(t, errs.IsCanceled(res1.Err))
	select {
	case <-g.canceled:
		t.Fatal("attempt canceled while a waiter was still attached")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, e.InFlight())

	cancel2()
	res2 := <-done2
	assert.Equal(t, pipeline.Canceled, res2.State)
	select {
	case <-g.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt was not canceled after the last waiter left")
	}
	assert.Eventually(t, func() bool { return e.InFlight() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_RequestAfterCancelWaitsForCanceledAttempt(t *testing.T) {
	g := newGate()
	g.linger = make(chan struct{})
	e := newEngine(t, WithInterceptor(g))
	r := mustRequest(t, "https://example.com/slow.png")

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- e.Execute(ctx, r) }()
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.Equal(t, pipeline.Canceled, (<-first).State)
	<-g.canceled

	// The canceled attempt is still running; a new request must not start a
	// second one beside it.
	second := make(chan Result, 1)
	go func() { second <- e.Execute(context.Background(), r) }()
	assert.Eventually(t, func() bool {
		return e.Stats().Counters["dedup.wait_canceled"] == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, 1, e.InFlight())

	close(g.linger)
	assert.Eventually(t, func() bool { return g.calls.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	close(g.release)

	res := <-second
	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.Success, res.State)
	res.Release()
}

func TestEngine_WaitForCanceledAttemptHonorsContext(t *testing.T) {
	g := newGate()
	g.linger = make(chan struct{})
	e := newEngine(t, WithInterceptor(g))
	t.Cleanup(func() { close(g.linger) })
	r := mustRequest(t, "https://example.com/slow.png")

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- e.Execute(ctx, r) }()
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-first
	<-g.canceled

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	res := e.Execute(waitCtx, r)
	assert.Equal(t, pipeline.Canceled, res.State)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestEngine_ListenersRunInOrder(t *testing.T) {
	g := newGate()
	close(g.release)
	e := newEngine(t, WithInterceptor(g))

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	res := e.Execute(context.Background(), mustRequest(t, "https://example.com/listen.png"),
		WithStateListener(func(s pipeline.State) { record(s.String()) }),
		WithListener(func(r Result) { record("result:" + r.State.String()) }),
	)
	require.NoError(t, res.Err)
	defer res.Release()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"RUNNING", "SUCCESS", "result:SUCCESS"}, events)
}

func TestEngine_ListenerMayCallEngine(t *testing.T) {
	g := newGate()
	close(g.release)
	e := newEngine(t, WithInterceptor(g))

	inner := mustRequest(t, "https://example.com/inner.png")
	nested := make(chan Result, 1)
	res := e.Execute(context.Background(), mustRequest(t, "https://example.com/outer.png"),
		WithListener(func(Result) {
			nested <- e.Execute(context.Background(), inner)
		}),
	)
	require.NoError(t, res.Err)
	res.Release()

	select {
	case r := <-nested:
		assert.NoError(t, r.Err)
		r.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("listener deadlocked calling back into the engine")
	}
}

func TestEngine_EnqueueAndDispose(t *testing.T) {
	g := newGate()
	e := newEngine(t, WithInterceptor(g))

	d := e.Enqueue(mustRequest(t, "https://example.com/queued.png"))
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	d.Dispose()
	res := d.Wait()
	assert.Equal(t, pipeline.Canceled, res.State)

	close(g.release)
	ok := e.Enqueue(mustRequest(t, "https://example.com/queued-ok.png"))
	res = ok.Wait()
	require.NoError(t, res.Err)
	key := e.MemoryCache().Keys()[0]
	assert.Equal(t, 1, e.MemoryCache().Refs(key))
	ok.Dispose()
	assert.Eventually(t, func() bool { return e.MemoryCache().Refs(key) == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_TrimMemory(t *testing.T) {
	g := newGate()
	close(g.release)
	e := newEngine(t, WithInterceptor(g))

	res := e.Execute(context.Background(), mustRequest(t, "https://example.com/trim.png"))
	require.NoError(t, res.Err)
	assert.Equal(t, 1, e.MemoryCache().Len())

	e.TrimMemory(pool.TrimComplete)
	assert.Equal(t, 1, e.MemoryCache().Len(), "referenced entries survive a trim")

	res.Release()
	e.TrimMemory(pool.TrimComplete)
	assert.Zero(t, e.MemoryCache().Len())
}

func TestEngine_Shutdown(t *testing.T) {
	g := newGate()
	e, err := New(WithLogger(quiet), WithInterceptor(g))
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- e.Execute(context.Background(), mustRequest(t, "https://example.com/running.png")) }()
	assert.Eventually(t, func() bool { return g.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Shutdown(context.Background()))
	res := <-done
	assert.Equal(t, pipeline.Canceled, res.State)

	after := e.Execute(context.Background(), mustRequest(t, "https://example.com/late.png"))
	assert.Equal(t, pipeline.Canceled, after.State)
	assert.ErrorIs(t, after.Err, ErrClosed)
	assert.NoError(t, e.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(WithLogger(quiet), WithResultKey("bogus"))
	assert.True(t, errs.IsConfig(err))

	_, err = New(WithLogger(quiet), WithMemoryCacheSize(0))
	assert.True(t, errs.IsConfig(err))
}

func TestNew_ResultKeyPlacesResultCache(t *testing.T) {
	e := newEngine(t, WithResultKey("without_transformations"))
	var keys []string
	for _, i := range e.Interceptors() {
		keys = append(keys, i.Key())
	}
	assert.Equal(t, []string{"size", "memory_cache", "transform", "result_cache", "engine"}, keys)
}
