package storage

import (
	"context"
	"time"
)

// Rule is the effective limit applied to one counter check. Capacity is the
// steady-state ceiling per window; Burst is extra headroom granted to keys
// with an empty previous window.
type Rule struct {
	Capacity int
	Window   time.Duration
	Burst    int
}

// Result is the outcome of a counter check.
type Result struct {
	Exceeded  bool
	Remaining int
	ResetAt   time.Time
}

// CounterStore tracks per-scope-key request counts over a smoothed rolling
// window. Implementations must be safe for concurrent use and must never
// decrease a window's count except by rolling over to a new window.
type CounterStore interface {
	// IncrementAndCheck records one event against key and reports whether the
	// rule is exceeded. When peek is true the counter is only inspected, not
	// incremented. Exceeded events never consume quota.
	IncrementAndCheck(ctx context.Context, key string, rule Rule, now time.Time, peek bool) (Result, error)

	// Reset removes all counters whose key starts with prefix. An empty
	// prefix removes every counter.
	Reset(ctx context.Context, prefix string) error

	// Close releases resources held by the store.
	Close() error
}

// BlockedIP is a temporary block record for one client IP. An expired record
// (BlockedUntil in the past) is treated as absent by readers; it is kept
// around so the block count keeps escalating across offenses.
type BlockedIP struct {
	IP           string    `json:"ip"`
	Reason       string    `json:"reason"`
	BlockCount   int       `json:"block_count"`
	RiskScore    int       `json:"risk_score"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Active reports whether the block is still in force at now.
func (b *BlockedIP) Active(now time.Time) bool {
	return b != nil && now.Before(b.BlockedUntil)
}

// BlockStore persists BlockedIP records.
type BlockStore interface {
	// Get returns the record for ip, expired or not, or nil if none exists.
	Get(ctx context.Context, ip string) (*BlockedIP, error)

	// Put creates or replaces the record for rec.IP.
	Put(ctx context.Context, rec *BlockedIP) error

	// Delete removes the record for ip.
	Delete(ctx context.Context, ip string) error

	// List returns all stored records, including expired ones.
	List(ctx context.Context) ([]*BlockedIP, error)

	// Close releases resources held by the store.
	Close() error
}

// SuspiciousPattern records one kind of anomalous behaviour observed for an
// IP. Records are never deleted, only marked resolved.
type SuspiciousPattern struct {
	IP         string    `json:"ip"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	Detections int       `json:"detections"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Resolved   bool      `json:"resolved"`
}

// PatternStore persists SuspiciousPattern records keyed by (IP, Type).
type PatternStore interface {
	// Upsert creates the record or merges it into an existing one
	// (incrementing detections and refreshing confidence/last-seen).
	Upsert(ctx context.Context, rec *SuspiciousPattern) error

	// OpenByIP returns the unresolved records for ip.
	OpenByIP(ctx context.Context, ip string) ([]*SuspiciousPattern, error)

	// Resolve marks every record for ip as resolved.
	Resolve(ctx context.Context, ip string) error

	// Close releases resources held by the store.
	Close() error
}

// Config holds settings shared by store implementations.
type Config struct {
	// CleanupInterval is how often idle entries are swept.
	CleanupInterval time.Duration
	// MaxEntries bounds the number of counter keys kept in memory
	// (0 = unlimited).
	MaxEntries int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		CleanupInterval: 5 * time.Minute,
		MaxEntries:      100000,
	}
}
