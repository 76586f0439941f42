package memhttpd

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector is fed from the loop goroutine and read by the stats ticker.
type statsCollector struct {
	totalResponses atomic.Uint64
	errorResponses atomic.Uint64
	streamed       atomic.Uint64
	totalBodyBytes atomic.Uint64
	minBodyBytes   atomic.Uint64
	maxBodyBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBodyBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(ex exchange) {
	n := uint64(0)
	if ex.BodyBytes > 0 {
		n = uint64(ex.BodyBytes)
	}

	s.totalResponses.Add(1)
	s.totalBodyBytes.Add(n)
	if ex.Status >= 400 {
		s.errorResponses.Add(1)
	}
	if ex.File != nil && ex.File.State == Unloaded && n > 0 {
		s.streamed.Add(1)
	}

	for {
		cur := s.minBodyBytes.Load()
		if n >= cur {
			break
		}
		if s.minBodyBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBodyBytes.Load()
		if n <= cur {
			break
		}
		if s.maxBodyBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	TotalResponses uint64
	ErrorResponses uint64
	Streamed       uint64
	TotalBodyBytes uint64
	MinBodyBytes   uint64
	MaxBodyBytes   uint64
	AvgBodyBytes   uint64
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	total := s.totalBodyBytes.Load()
	minv := s.minBodyBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		TotalResponses: count,
		ErrorResponses: s.errorResponses.Load(),
		Streamed:       s.streamed.Load(),
		TotalBodyBytes: total,
		MinBodyBytes:   minv,
		MaxBodyBytes:   s.maxBodyBytes.Load(),
		AvgBodyBytes:   total / count,
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
