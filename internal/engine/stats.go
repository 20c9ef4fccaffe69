package engine

import (
	"github.com/ironsheep/imageloader/internal/diskcache"
	"github.com/ironsheep/imageloader/internal/memcache"
	"github.com/ironsheep/imageloader/internal/metrics"
	"github.com/ironsheep/imageloader/internal/pool"
)

// DiskStats describes one disk cache.
type DiskStats struct {
	Size    int64 `json:"size"`
	MaxSize int64 `json:"max_size"`
	Entries int   `json:"entries"`
}

// Stats is a snapshot of the engine.
type Stats struct {
	Memory   memcache.Stats   `json:"memory_cache"`
	Pool     *pool.Stats      `json:"bitmap_pool,omitempty"`
	Download DiskStats        `json:"download_cache"`
	Result   DiskStats        `json:"result_cache"`
	InFlight int              `json:"in_flight"`
	Counters map[string]int64 `json:"counters"`
	Latency  []metrics.Stats  `json:"latency"`
}

// Stats returns cache sizes, counters and stage latencies.
func (e *Engine) Stats() Stats {
	st := Stats{
		Memory:   e.memory.Stats(),
		Download: diskStats(e.downloadStore),
		Result:   diskStats(e.resultStore),
		InFlight: e.InFlight(),
		Counters: e.counters.Snapshot(),
		Latency:  e.latency.GetAllStats(),
	}
	if e.pool != nil {
		ps := e.pool.Stats()
		st.Pool = &ps
	}
	return st
}

func diskStats(s diskcache.Store) DiskStats {
	return DiskStats{Size: s.Size(), MaxSize: s.MaxSize(), Entries: len(s.Keys())}
}
