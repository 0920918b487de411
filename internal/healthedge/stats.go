package healthedge

import (
	"fmt"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	cacheHits      atomic.Uint64
	networkFetches atomic.Uint64
	synthesized    atomic.Uint64
	queued         atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

// Observe counts a handled request by its X-Healthedge result value.
func (s *statsCollector) Observe(result string) {
	switch result {
	case "cache", "shell":
		s.cacheHits.Add(1)
	case "network", "bypass":
		s.networkFetches.Add(1)
	case "synthesized", "offline-notice":
		s.synthesized.Add(1)
	case "queued":
		s.queued.Add(1)
	}
}

type statsSnapshot struct {
	CacheHits      uint64
	NetworkFetches uint64
	Synthesized    uint64
	Queued         uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		CacheHits:      s.cacheHits.Load(),
		NetworkFetches: s.networkFetches.Load(),
		Synthesized:    s.synthesized.Load(),
		Queued:         s.queued.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
