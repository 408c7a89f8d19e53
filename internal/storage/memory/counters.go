package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"gatekeeper/internal/storage"
)

// window is the rolling-window state for one scope key. Two integers per key:
// the count in the current window and the count in the previous one.
type window struct {
	start   time.Time
	curr    int
	prev    int
	touched time.Time
	mu      sync.Mutex
}

// CounterStore implements storage.CounterStore with process-local state.
type CounterStore struct {
	windows map[string]*window
	mu      sync.RWMutex
	config  *storage.Config
	done    chan struct{}
}

// NewCounterStore creates an in-memory counter store.
func NewCounterStore(config *storage.Config) *CounterStore {
	if config == nil {
		config = storage.DefaultConfig()
	}

	s := &CounterStore{
		windows: make(map[string]*window),
		config:  config,
		done:    make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go s.cleanup()
	}

	return s
}

// IncrementAndCheck records one event against key under rule, or only
// inspects the counter when peek is true.
func (s *CounterStore) IncrementAndCheck(ctx context.Context, key string, rule storage.Rule, now time.Time, peek bool) (storage.Result, error) {
	w := s.getOrCreate(key, now)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.touched = now
	s.rollover(w, rule.Window, now)

	frac := float64(now.Sub(w.start)) / float64(rule.Window)
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	estimated := float64(w.prev)*(1-frac) + float64(w.curr)

	// Burst headroom applies only while the previous window is empty; once
	// traffic is sustained the ceiling settles back to the plain capacity.
	limit := rule.Capacity
	if w.prev == 0 {
		limit += rule.Burst
	}

	exceeded := estimated+1 > float64(limit)
	if !exceeded && !peek {
		w.curr++
		estimated++
	}

	remaining := limit - int(estimated)
	if remaining < 0 {
		remaining = 0
	}

	return storage.Result{
		Exceeded:  exceeded,
		Remaining: remaining,
		ResetAt:   w.start.Add(rule.Window),
	}, nil
}

// Reset removes all counters whose key starts with prefix.
func (s *CounterStore) Reset(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prefix == "" {
		s.windows = make(map[string]*window)
		return nil
	}
	for key := range s.windows {
		if strings.HasPrefix(key, prefix) {
			delete(s.windows, key)
		}
	}
	return nil
}

// Close stops the cleanup loop.
func (s *CounterStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
		return nil
	}
}

// rollover advances the window so that it contains now. Rollover is the only
// mutation that resets a count to zero.
func (s *CounterStore) rollover(w *window, windowSize time.Duration, now time.Time) {
	elapsed := now.Sub(w.start)
	if elapsed < windowSize {
		return
	}

	if elapsed >= 2*windowSize {
		// Idle for at least a full window: no previous traffic to smooth.
		w.prev = 0
	} else {
		w.prev = w.curr
	}
	steps := elapsed / windowSize
	w.start = w.start.Add(steps * windowSize)
	w.curr = 0
}

func (s *CounterStore) getOrCreate(key string, now time.Time) *window {
	s.mu.RLock()
	w, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[key]; ok {
		return w
	}
	if s.config.MaxEntries > 0 && len(s.windows) >= s.config.MaxEntries {
		s.evictOldestLocked()
	}
	w = &window{start: now, touched: now}
	s.windows[key] = w
	return w
}

// cleanup periodically removes keys that have been idle for a long time.
func (s *CounterStore) cleanup() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.removeIdle()
		}
	}
}

func (s *CounterStore) removeIdle() {
	now := time.Now()
	threshold := 24 * time.Hour

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		w.mu.Lock()
		idle := now.Sub(w.touched) > threshold
		w.mu.Unlock()
		if idle {
			delete(s.windows, key)
		}
	}
}

func (s *CounterStore) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, w := range s.windows {
		w.mu.Lock()
		if first || w.touched.Before(oldestTime) {
			oldestKey = key
			oldestTime = w.touched
			first = false
		}
		w.mu.Unlock()
	}

	if oldestKey != "" {
		delete(s.windows, oldestKey)
	}
}
