package engine

import (
	"log/slog"
	"sync"

	"github.com/ironsheep/imageloader/internal/errs"
)

// dispatcher runs listener callbacks one at a time on its own goroutine.
// post never blocks, so callbacks may call back into the engine.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (d *dispatcher) post(f func()) {
	d.mu.Lock()
	d.queue = append(d.queue, f)
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		if d.drain() {
			continue
		}
		select {
		case <-d.notify:
		case <-d.quit:
			for d.drain() {
			}
			return
		}
	}
}

// drain runs everything queued so far and reports whether it ran anything.
func (d *dispatcher) drain() bool {
	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, f := range q {
		d.call(f)
	}
	return len(q) > 0
}

func (d *dispatcher) call(f func()) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("listener panicked", "error", errs.Recovered(v))
		}
	}()
	f()
}

// stop runs the remaining callbacks and ends the loop.
func (d *dispatcher) stop() {
	close(d.quit)
	<-d.done
}
