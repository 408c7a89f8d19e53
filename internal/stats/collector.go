// Package stats aggregates evaluation outcomes over a rolling reporting
// window for the dashboard. Aggregates are approximate by design: the
// window resets wholesale when it elapses rather than sliding.
package stats

import (
	"sort"
	"sync"
	"time"
)

const topN = 10

// Config controls the reporting window length.
type Config struct {
	Window time.Duration
}

// Entry is one row of a top-N ranking.
type Entry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Report is a point-in-time view of the current reporting window.
type Report struct {
	WindowStart    time.Time        `json:"window_start"`
	Window         time.Duration    `json:"window"`
	Total          int64            `json:"total"`
	Allowed        int64            `json:"allowed"`
	Denied         int64            `json:"denied"`
	ByReason       map[string]int64 `json:"by_reason"`
	TopDeniedIPs   []Entry          `json:"top_denied_ips"`
	TopDeniedPaths []Entry          `json:"top_denied_endpoints"`
}

// Collector accumulates per-window aggregates. Safe for concurrent use.
type Collector struct {
	mu     sync.Mutex
	window time.Duration
	start  time.Time

	total   int64
	allowed int64
	denied  int64

	byReason   map[string]int64
	deniedIP   map[string]int64
	deniedPath map[string]int64

	now func() time.Time
}

// NewCollector returns a collector with an empty window starting now.
func NewCollector(cfg Config) *Collector {
	c := &Collector{
		window: cfg.Window,
		now:    time.Now,
	}
	c.resetLocked(c.now())
	return c
}

// SetWindow changes the window length on reload. The current window is
// kept; the new length applies from the next rollover.
func (c *Collector) SetWindow(w time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = w
}

// Record folds one decision into the current window.
func (c *Collector) Record(allowed bool, reason, ip, endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(c.now())

	c.total++
	if allowed {
		c.allowed++
		return
	}
	c.denied++
	c.byReason[reason]++
	if ip != "" {
		c.deniedIP[ip]++
	}
	if endpoint != "" {
		c.deniedPath[endpoint]++
	}
}

// Snapshot reports the current window's aggregates.
func (c *Collector) Snapshot() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked(c.now())

	byReason := make(map[string]int64, len(c.byReason))
	for k, v := range c.byReason {
		byReason[k] = v
	}
	return Report{
		WindowStart:    c.start,
		Window:         c.window,
		Total:          c.total,
		Allowed:        c.allowed,
		Denied:         c.denied,
		ByReason:       byReason,
		TopDeniedIPs:   top(c.deniedIP),
		TopDeniedPaths: top(c.deniedPath),
	}
}

func (c *Collector) rollLocked(now time.Time) {
	if c.window <= 0 || now.Sub(c.start) < c.window {
		return
	}
	c.resetLocked(now)
}

func (c *Collector) resetLocked(now time.Time) {
	c.start = now
	c.total = 0
	c.allowed = 0
	c.denied = 0
	c.byReason = make(map[string]int64)
	c.deniedIP = make(map[string]int64)
	c.deniedPath = make(map[string]int64)
}

// top ranks a count map, highest first, ties broken by key for stable
// output, truncated to the ranking size.
func top(counts map[string]int64) []Entry {
	entries := make([]Entry, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, Entry{Key: k, Count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > topN {
		entries = entries[:topN]
	}
	return entries
}
