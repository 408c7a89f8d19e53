// Package blocklist owns the operator allow/deny lists and the temporary
// block records the engine escalates repeat offenders into.
package blocklist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gatekeeper/internal/storage"
)

// Config holds block escalation settings.
type Config struct {
	// BaseDuration is the length of a first block.
	BaseDuration time.Duration
	// BackoffCap bounds the doubling exponent, capping the maximum lockout
	// at BaseDuration << BackoffCap.
	BackoffCap int
}

// DefaultConfig returns the default escalation settings.
func DefaultConfig() Config {
	return Config{
		BaseDuration: time.Minute,
		BackoffCap:   6,
	}
}

// Manager owns the allow-list, the deny-list and the temporary block table.
// Lists are small operator-maintained sets swapped wholesale on config
// reload; block records live in a BlockStore so they can be shared and can
// survive restarts.
type Manager struct {
	cfg    Config
	store  storage.BlockStore
	logger *slog.Logger

	mu    sync.RWMutex
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewManager creates a manager backed by store.
func NewManager(cfg Config, store storage.BlockStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "blocklist"),
		allow:  make(map[string]struct{}),
		deny:   make(map[string]struct{}),
	}
}

// Reconfigure replaces the escalation settings on reload. Existing block
// records keep the expiry they were given.
func (m *Manager) Reconfigure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// SetLists replaces both lists atomically.
func (m *Manager) SetLists(allow, deny []string) {
	allowSet := make(map[string]struct{}, len(allow))
	for _, ip := range allow {
		allowSet[ip] = struct{}{}
	}
	denySet := make(map[string]struct{}, len(deny))
	for _, ip := range deny {
		denySet[ip] = struct{}{}
	}

	m.mu.Lock()
	m.allow = allowSet
	m.deny = denySet
	m.mu.Unlock()
}

// IsAllowListed reports whether ip is on the operator allow-list.
func (m *Manager) IsAllowListed(ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allow[ip]
	return ok
}

// IsDenyListed reports whether ip is on the operator deny-list.
func (m *Manager) IsDenyListed(ip string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.deny[ip]
	return ok
}

// IsBlocked reports whether ip has an active temporary block at now, and if
// so when it lapses. Expired records are treated as absent; they are never
// purged here.
func (m *Manager) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, time.Time, error) {
	rec, err := m.store.Get(ctx, ip)
	if err != nil {
		return false, time.Time{}, err
	}
	if !rec.Active(now) {
		return false, time.Time{}, nil
	}
	return true, rec.BlockedUntil, nil
}

// RecordViolation creates or extends the block for ip. Repeat violations
// extend blocked_until with exponential backoff and bump the cumulative block
// count; they never create duplicate records.
func (m *Manager) RecordViolation(ctx context.Context, ip, reason string, riskScore int, now time.Time) (*storage.BlockedIP, error) {
	rec, err := m.store.Get(ctx, ip)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &storage.BlockedIP{IP: ip}
	}
	rec.BlockCount++
	rec.Reason = reason
	rec.RiskScore = riskScore

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	exp := rec.BlockCount - 1
	if exp > cfg.BackoffCap {
		exp = cfg.BackoffCap
	}
	rec.BlockedUntil = now.Add(cfg.BaseDuration << exp)

	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	m.logger.Warn("ip blocked",
		"ip", ip,
		"reason", reason,
		"block_count", rec.BlockCount,
		"blocked_until", rec.BlockedUntil,
	)
	return rec, nil
}

// Clear removes the block record for ip. Used by operators for incident
// recovery.
func (m *Manager) Clear(ctx context.Context, ip string) error {
	return m.store.Delete(ctx, ip)
}

// ClearAll removes every block record.
func (m *Manager) ClearAll(ctx context.Context) error {
	recs, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := m.store.Delete(ctx, rec.IP); err != nil {
			return err
		}
	}
	return nil
}

// ActiveBlocks returns the records still in force at now.
func (m *Manager) ActiveBlocks(ctx context.Context, now time.Time) ([]*storage.BlockedIP, error) {
	recs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := recs[:0]
	for _, rec := range recs {
		if rec.Active(now) {
			active = append(active, rec)
		}
	}
	return active, nil
}
