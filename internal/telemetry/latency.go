package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const maxTrackedMillis = int64(24 * time.Hour / time.Millisecond)

// LatencySummary is the distribution of one job category's wall times.
type LatencySummary struct {
	Category string
	Count    int64
	P50      time.Duration
	P95      time.Duration
	Max      time.Duration
}

func (s LatencySummary) String() string {
	return fmt.Sprintf("%s jobs: n=%d p50=%s p95=%s max=%s", s.Category, s.Count,
		s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond), s.Max.Round(time.Millisecond))
}

// recordLatency must be called with c.mu held.
func (c *Collector) recordLatency(category string, d time.Duration) {
	h, ok := c.latency[category]
	if !ok {
		h = hdrhistogram.New(1, maxTrackedMillis, 3)
		c.latency[category] = h
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > maxTrackedMillis {
		ms = maxTrackedMillis
	}
	_ = h.RecordValue(ms)
}

// Latencies summarizes every job category seen so far, sorted by name.
func (c *Collector) Latencies() []LatencySummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LatencySummary, 0, len(c.latency))
	for category, h := range c.latency {
		out = append(out, LatencySummary{
			Category: category,
			Count:    h.TotalCount(),
			P50:      time.Duration(h.ValueAtQuantile(50)) * time.Millisecond,
			P95:      time.Duration(h.ValueAtQuantile(95)) * time.Millisecond,
			Max:      time.Duration(h.Max()) * time.Millisecond,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
