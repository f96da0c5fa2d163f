package meta

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	CASPuts uint64 `json:"cas_puts"`

	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`

	TotalOperations uint64  `json:"total_operations"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	OpsPerSecond    float64 `json:"ops_per_second"`
	HitRatePercent  float64 `json:"hit_rate_percent"`
}

// tracker accumulates operation counters without locking; safe to bump from
// any goroutine while mutations are in flight.
type tracker struct {
	gets    atomic.Uint64
	puts    atomic.Uint64
	deletes atomic.Uint64
	casPuts atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
	start   time.Time
}

func newTracker() *tracker {
	return &tracker{start: time.Now()}
}

func (t *tracker) hit(found bool) {
	if found {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
}

func (t *tracker) snapshot() Stats {
	s := Stats{
		Gets:    t.gets.Load(),
		Puts:    t.puts.Load(),
		Deletes: t.deletes.Load(),
		CASPuts: t.casPuts.Load(),
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
	}
	s.TotalOperations = s.Gets + s.Puts + s.Deletes + s.CASPuts
	s.UptimeSeconds = time.Since(t.start).Seconds()
	if s.UptimeSeconds > 0 {
		s.OpsPerSecond = float64(s.TotalOperations) / s.UptimeSeconds
	}
	if reads := s.Hits + s.Misses; reads > 0 {
		s.HitRatePercent = float64(s.Hits) / float64(reads) * 100
	}
	return s
}
