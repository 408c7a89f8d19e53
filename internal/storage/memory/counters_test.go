package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/storage"
)

func noCleanup() *storage.Config {
	return &storage.Config{CleanupInterval: 0, MaxEntries: 0}
}

func TestCounterStore_CapacityExceeded(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 5, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < rule.Capacity; i++ {
		res, err := s.IncrementAndCheck(ctx, "ip:10.0.0.1", rule, now, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Exceeded {
			t.Fatalf("increment %d: expected not exceeded", i+1)
		}
	}

	res, err := s.IncrementAndCheck(ctx, "ip:10.0.0.1", rule, now, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Exceeded {
		t.Error("expected increment capacity+1 to be exceeded")
	}
	if res.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", res.Remaining)
	}
}

func TestCounterStore_BurstHeadroom(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 3, Window: time.Minute, Burst: 2}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Cold key: capacity+burst events fit before the limit trips.
	for i := 0; i < rule.Capacity+rule.Burst; i++ {
		res, err := s.IncrementAndCheck(ctx, "ip:burst", rule, now, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Exceeded {
			t.Fatalf("increment %d: expected burst headroom to admit it", i+1)
		}
	}

	res, _ := s.IncrementAndCheck(ctx, "ip:burst", rule, now, false)
	if !res.Exceeded {
		t.Error("expected increment past capacity+burst to be exceeded")
	}

	// Sustained traffic: with a non-empty previous window the ceiling is the
	// plain capacity again.
	next := now.Add(rule.Window)
	res, _ = s.IncrementAndCheck(ctx, "ip:burst", rule, next.Add(50*time.Second), true)
	if res.Exceeded {
		t.Fatal("expected smoothed estimate to admit a request late in the next window")
	}
}

func TestCounterStore_SmoothedDecay(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 10, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		s.IncrementAndCheck(ctx, "ip:decay", rule, now, false)
	}

	// Immediately after rollover the full previous window still counts.
	res, _ := s.IncrementAndCheck(ctx, "ip:decay", rule, now.Add(rule.Window), true)
	if !res.Exceeded {
		t.Error("expected estimate at window boundary to still report exceeded")
	}

	// 90% into the next window only 10% of the previous count remains.
	res, _ = s.IncrementAndCheck(ctx, "ip:decay", rule, now.Add(rule.Window+54*time.Second), true)
	if res.Exceeded {
		t.Error("expected decayed estimate to admit the request")
	}

	// After two full idle windows the estimate is zero.
	res, _ = s.IncrementAndCheck(ctx, "ip:decay", rule, now.Add(2*rule.Window), true)
	if res.Exceeded {
		t.Error("expected fully decayed counter to admit the request")
	}
	if res.Remaining != rule.Capacity {
		t.Errorf("expected full capacity remaining after decay, got %d", res.Remaining)
	}
}

func TestCounterStore_PeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 2, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		res, err := s.IncrementAndCheck(ctx, "ip:peek", rule, now, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Exceeded {
			t.Fatalf("peek %d: expected peeks not to consume quota", i+1)
		}
	}
}

func TestCounterStore_DeniedEventsDoNotConsume(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 2, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.IncrementAndCheck(ctx, "ip:deny", rule, now, false)
	s.IncrementAndCheck(ctx, "ip:deny", rule, now, false)

	for i := 0; i < 5; i++ {
		s.IncrementAndCheck(ctx, "ip:deny", rule, now, false)
	}

	// A full window later the two admitted events have rolled into the
	// previous window; denied attempts must not have inflated the count.
	res, _ := s.IncrementAndCheck(ctx, "ip:deny", rule, now.Add(rule.Window+30*time.Second), true)
	if res.Exceeded {
		t.Error("expected only admitted events to count toward the estimate")
	}
}

func TestCounterStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 1, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.IncrementAndCheck(ctx, "ip:1.1.1.1", rule, now, false)
	s.IncrementAndCheck(ctx, "endpoint:/videos", rule, now, false)

	if err := s.Reset(ctx, "ip:"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, _ := s.IncrementAndCheck(ctx, "ip:1.1.1.1", rule, now, true)
	if res.Exceeded {
		t.Error("expected ip counter to be reset")
	}
	res, _ = s.IncrementAndCheck(ctx, "endpoint:/videos", rule, now, true)
	if !res.Exceeded {
		t.Error("expected endpoint counter to survive a prefixed reset")
	}

	if err := s.Reset(ctx, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, _ = s.IncrementAndCheck(ctx, "endpoint:/videos", rule, now, true)
	if res.Exceeded {
		t.Error("expected all counters to be reset")
	}
}

func TestCounterStore_MaxEntriesEviction(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(&storage.Config{MaxEntries: 3})
	defer s.Close()

	rule := storage.Rule{Capacity: 10, Window: time.Minute}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("ip:10.0.0.%d", i)
		s.IncrementAndCheck(ctx, key, rule, base.Add(time.Duration(i)*time.Second), false)
	}

	s.mu.RLock()
	n := len(s.windows)
	s.mu.RUnlock()
	if n > 3 {
		t.Errorf("expected at most 3 entries after eviction, got %d", n)
	}
}

func TestCounterStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewCounterStore(noCleanup())
	defer s.Close()

	rule := storage.Rule{Capacity: 1000, Window: time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.IncrementAndCheck(ctx, "ip:concurrent", rule, now, false)
			}
		}()
	}
	wg.Wait()

	res, _ := s.IncrementAndCheck(ctx, "ip:concurrent", rule, now, true)
	if got := rule.Capacity - res.Remaining; got != 500 {
		t.Errorf("expected 500 consumed, got %d", got)
	}
}
