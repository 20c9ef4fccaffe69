// Package metrics records per-stage latency quantiles and event counters for
// the image engine.
package metrics

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stage names recorded by the pipeline.
const (
	StageMemoryCache = "memory_cache"
	StageResultCache = "result_cache"
	StageFetch       = "fetch"
	StageDecode      = "decode"
	StageTransform   = "transform"
	StageExecute     = "execute"
)

// LatencyTracker tracks latency quantiles using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a tracker. relativeAccuracy determines the
// accuracy of quantile estimates (0.01 = 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given stage, in milliseconds.
func (lt *LatencyTracker) Record(stage string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[stage]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[stage] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Start returns a func that records the time elapsed since Start was called.
//
//	defer tracker.Start(metrics.StageDecode)()
func (lt *LatencyTracker) Start(stage string) func() {
	start := time.Now()
	return func() { lt.Record(stage, time.Since(start)) }
}

// RecordFunc wraps a function and records its execution time.
func (lt *LatencyTracker) RecordFunc(stage string, fn func() error) error {
	defer lt.Start(stage)()
	return fn()
}

// GetQuantile returns the value at quantile (0..1) for the stage.
func (lt *LatencyTracker) GetQuantile(stage string, quantile float64) (float64, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[stage]
	if !ok {
		return 0, fmt.Errorf("no data for stage: %s", stage)
	}
	return sketch.GetValueAtQuantile(quantile)
}

// Stats summarizes one stage. Durations are milliseconds.
type Stats struct {
	Stage string  `json:"stage"`
	Count int64   `json:"count"`
	Min   float64 `json:"min_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// GetStats returns statistics for the given stage.
func (lt *LatencyTracker) GetStats(stage string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[stage]
	if !ok {
		return Stats{}, fmt.Errorf("no data for stage: %s", stage)
	}
	return statsOf(stage, sketch), nil
}

func statsOf(stage string, sketch *ddsketch.DDSketch) Stats {
	count := sketch.GetCount()
	if count == 0 {
		return Stats{Stage: stage}
	}
	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()
	return Stats{
		Stage: stage,
		Count: int64(count),
		Min:   min,
		P50:   p50,
		P90:   p90,
		P99:   p99,
		Max:   max,
	}
}

// GetAllStats returns statistics for every stage, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]Stats, 0, len(lt.sketches))
	for stage, sketch := range lt.sketches {
		stats = append(stats, statsOf(stage, sketch))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Stage < stats[j].Stage })
	return stats
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Stage)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Stage, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

// Counters is a set of named monotonically increasing counters.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Int64
}

// NewCounters returns an empty set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]*atomic.Int64)}
}

// Inc adds one to name.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Add adds delta to name.
func (c *Counters) Add(name string, delta int64) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if v, ok = c.values[name]; !ok {
			v = new(atomic.Int64)
			c.values[name] = v
		}
		c.mu.Unlock()
	}
	v.Add(delta)
}

// Get returns the current value of name.
func (c *Counters) Get(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[name]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v.Load()
	}
	return out
}

func (c *Counters) String() string {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	slices.Sort(names)
	var b strings.Builder
	for _, k := range names {
		fmt.Fprintf(&b, "  %s=%d\n", k, snap[k])
	}
	return b.String()
}
