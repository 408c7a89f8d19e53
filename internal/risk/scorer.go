// Package risk derives a 0-100 abuse score per client IP from denial
// history, open suspicious-pattern records and bot signals. Scoring state is
// updated off the admission path: evaluators hand outcomes to a bounded queue
// and a single worker does the bookkeeping.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/storage"
)

// Pattern types recorded by the scorer.
const (
	PatternBurst     = "burst"
	PatternSignature = "signature-match"
)

// Scoring weights. Three denials inside the lookback window are enough to
// cross the default block threshold on their own.
const (
	denialPoints     = 25
	denialPointsMax  = 75
	patternPoints    = 10
	patternPointsMax = 15
	botPenalty       = 10
	maxScore         = 100

	// burstStreak is how many denials inside the lookback window count as a
	// burst pattern.
	burstStreak = 3
)

// Config holds the scorer settings.
type Config struct {
	// BlockThreshold is the score at or above which the scorer escalates the
	// IP into a temporary block.
	BlockThreshold int
	// DenialLookback is how far back denials count toward the score.
	DenialLookback time.Duration
	// QueueSize bounds the outcome queue. When full, outcomes are dropped
	// rather than stalling admission.
	QueueSize int
}

// DefaultConfig returns the default scorer settings.
func DefaultConfig() Config {
	return Config{
		BlockThreshold: 70,
		DenialLookback: 5 * time.Minute,
		QueueSize:      1024,
	}
}

// Outcome is one evaluation result fed back into the scorer.
type Outcome struct {
	IP      string
	Allowed bool
	Bot     bool
	At      time.Time
}

// Scorer combines denial history, pattern records and bot signals into a
// per-IP risk score, and escalates IPs that cross the block threshold.
type Scorer struct {
	cfg      Config
	patterns storage.PatternStore
	blocks   *blocklist.Manager
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	denials map[string][]time.Time

	queue chan Outcome
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewScorer creates a scorer. Call Start to launch the outcome worker.
func NewScorer(cfg Config, patterns storage.PatternStore, blocks *blocklist.Manager, logger *slog.Logger) *Scorer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	return &Scorer{
		cfg:      cfg,
		patterns: patterns,
		blocks:   blocks,
		logger:   logger.With("component", "risk"),
		now:      time.Now,
		denials:  make(map[string][]time.Time),
		queue:    make(chan Outcome, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the outcome worker.
func (s *Scorer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				return
			case o := <-s.queue:
				s.process(context.Background(), o)
			}
		}
	}()
}

// Stop terminates the outcome worker.
func (s *Scorer) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// Observe hands an evaluation outcome to the worker without blocking. When
// the queue is full the outcome is dropped; admission latency always wins
// over scoring completeness.
func (s *Scorer) Observe(o Outcome) {
	select {
	case s.queue <- o:
	default:
		s.logger.Debug("outcome queue full, dropping", "ip", o.IP)
	}
}

// QueueDepth reports the outcome queue's fill fraction in [0, 1]. Used as
// the default load signal for adaptive limit scaling: a backed-up queue
// means evaluations are arriving faster than scoring keeps up.
func (s *Scorer) QueueDepth() float64 {
	return float64(len(s.queue)) / float64(cap(s.queue))
}

// Score computes the risk score for ip as of now. bot marks whether the
// request being evaluated carries a bot signal.
func (s *Scorer) Score(ctx context.Context, ip string, bot bool, now time.Time) int {
	score := denialPoints * s.recentDenials(ip, now)
	if score > denialPointsMax {
		score = denialPointsMax
	}

	if open, err := s.patterns.OpenByIP(ctx, ip); err != nil {
		s.logger.Warn("pattern lookup failed", "ip", ip, "error", err)
	} else {
		pts := 0.0
		for _, rec := range open {
			pts += rec.Confidence * patternPoints
		}
		if pts > patternPointsMax {
			pts = patternPointsMax
		}
		score += int(pts)
	}

	if bot {
		score += botPenalty
	}

	if score > maxScore {
		score = maxScore
	}
	return score
}

// Resolve marks ip's pattern records resolved and forgets its denial
// history. Used by administrative resets.
func (s *Scorer) Resolve(ctx context.Context, ip string) error {
	s.mu.Lock()
	delete(s.denials, ip)
	s.mu.Unlock()
	return s.patterns.Resolve(ctx, ip)
}

// process applies one outcome to the scoring state. Runs on the worker
// goroutine only. Denial history keeps the outcome's own timestamp, but any
// block escalation is anchored at processing time: outcomes sit in the queue
// under load, and a block must last its full duration from the moment it is
// imposed, not from when the offending request arrived.
func (s *Scorer) process(ctx context.Context, o Outcome) {
	if !o.Allowed {
		streak := s.recordDenial(o.IP, o.At)
		if streak >= burstStreak {
			s.upsertPattern(ctx, o.IP, PatternBurst, burstConfidence(streak), o.At)
		}
	}
	if o.Bot {
		s.upsertPattern(ctx, o.IP, PatternSignature, 0.9, o.At)
	}

	now := s.now()
	score := s.Score(ctx, o.IP, o.Bot, now)
	if score >= s.cfg.BlockThreshold {
		if _, err := s.blocks.RecordViolation(ctx, o.IP, "risk threshold exceeded", score, now); err != nil {
			s.logger.Warn("block escalation failed", "ip", o.IP, "error", err)
		}
	}
}

// recordDenial appends a denial timestamp and returns the streak length
// inside the lookback window.
func (s *Scorer) recordDenial(ip string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-s.cfg.DenialLookback)
	kept := s.denials[ip][:0]
	for _, t := range s.denials[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	s.denials[ip] = kept
	return len(kept)
}

// recentDenials counts denials for ip inside the lookback window ending at
// now.
func (s *Scorer) recentDenials(ip string, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.DenialLookback)
	n := 0
	for _, t := range s.denials[ip] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (s *Scorer) upsertPattern(ctx context.Context, ip, typ string, confidence float64, at time.Time) {
	err := s.patterns.Upsert(ctx, &storage.SuspiciousPattern{
		IP:         ip,
		Type:       typ,
		Confidence: confidence,
		FirstSeen:  at,
		LastSeen:   at,
	})
	if err != nil {
		s.logger.Warn("pattern upsert failed", "ip", ip, "type", typ, "error", err)
	}
}

// burstConfidence grows with the streak length and saturates at 1.
func burstConfidence(streak int) float64 {
	c := float64(streak) / 10
	if c > 1 {
		c = 1
	}
	return c
}
