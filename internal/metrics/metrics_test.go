package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)
	stages := []string{StageFetch, StageDecode}

	for _, stage := range stages {
		tracker.Record(stage, 1*time.Millisecond)
		tracker.Record(stage, 5*time.Millisecond)
		tracker.Record(stage, 10*time.Millisecond)
		tracker.Record(stage, 50*time.Millisecond)
		tracker.Record(stage, 100*time.Millisecond)
	}

	for _, stage := range stages {
		stats, err := tracker.GetStats(stage)
		if err != nil {
			t.Errorf("GetStats(%s) failed: %v", stage, err)
			continue
		}
		if stats.Count != 5 {
			t.Errorf("%s count: got %d, want 5", stage, stats.Count)
		}
		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("%s min: got %.2fms, want ~1ms", stage, stats.Min)
		}
		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("%s max: got %.2fms, want ~100ms", stage, stats.Max)
		}
		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("%s p50: got %.2fms, want ~10ms", stage, stats.P50)
		}
	}

	all := tracker.GetAllStats()
	if len(all) != 2 || all[0].Stage != StageDecode || all[1].Stage != StageFetch {
		t.Errorf("GetAllStats: got %v", all)
	}
	if _, err := tracker.GetStats("nonexistent"); err == nil {
		t.Error("expected an error for an unknown stage")
	}
	if !strings.Contains(all[0].String(), "n=5") {
		t.Errorf("String: got %q", all[0].String())
	}
}

func TestLatencyTracker_Start(t *testing.T) {
	tracker := NewLatencyTracker(0.01)
	stop := tracker.Start(StageExecute)
	time.Sleep(5 * time.Millisecond)
	stop()

	p50, err := tracker.GetQuantile(StageExecute, 0.5)
	if err != nil {
		t.Fatalf("GetQuantile failed: %v", err)
	}
	if p50 < 4 {
		t.Errorf("p50: got %.2fms, want >= 4ms", p50)
	}
}

func TestCounters(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc("hits")
			}
		}()
	}
	wg.Wait()
	c.Add("misses", 3)

	if got := c.Get("hits"); got != 1000 {
		t.Errorf("hits: got %d, want 1000", got)
	}
	if got := c.Get("unknown"); got != 0 {
		t.Errorf("unknown: got %d, want 0", got)
	}
	snap := c.Snapshot()
	if snap["misses"] != 3 || len(snap) != 2 {
		t.Errorf("snapshot: got %v", snap)
	}
	if c.String() != "  hits=1000\n  misses=3\n" {
		t.Errorf("String: got %q", c.String())
	}
}
