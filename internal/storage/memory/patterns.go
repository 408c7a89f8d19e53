package memory

import (
	"context"
	"sync"

	"gatekeeper/internal/storage"
)

// PatternStore implements storage.PatternStore with process-local state.
// Records are kept forever and only flipped to resolved, so risk history is
// available for as long as the process lives.
type PatternStore struct {
	records map[string]map[string]*storage.SuspiciousPattern // ip -> type -> record
	mu      sync.RWMutex
}

// NewPatternStore creates an in-memory pattern store.
func NewPatternStore() *PatternStore {
	return &PatternStore{records: make(map[string]map[string]*storage.SuspiciousPattern)}
}

// Upsert creates the record or merges it into an existing one.
func (s *PatternStore) Upsert(ctx context.Context, rec *storage.SuspiciousPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType, ok := s.records[rec.IP]
	if !ok {
		byType = make(map[string]*storage.SuspiciousPattern)
		s.records[rec.IP] = byType
	}

	existing, ok := byType[rec.Type]
	if !ok {
		cp := *rec
		if cp.Detections == 0 {
			cp.Detections = 1
		}
		byType[rec.Type] = &cp
		return nil
	}

	existing.Detections++
	existing.LastSeen = rec.LastSeen
	existing.Resolved = false
	if rec.Confidence > existing.Confidence {
		existing.Confidence = rec.Confidence
	}
	return nil
}

// OpenByIP returns the unresolved records for ip.
func (s *PatternStore) OpenByIP(ctx context.Context, ip string) ([]*storage.SuspiciousPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.SuspiciousPattern
	for _, rec := range s.records[ip] {
		if rec.Resolved {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Resolve marks every record for ip as resolved.
func (s *PatternStore) Resolve(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records[ip] {
		rec.Resolved = true
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *PatternStore) Close() error { return nil }
