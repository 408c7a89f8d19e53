package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"gatekeeper/internal/storage"
)

const patternKeyPrefix = "gk:pat:"

// PatternStore implements storage.PatternStore on Redis. Each IP owns a hash
// with one JSON-encoded record per pattern type. The risk scorer's single
// worker goroutine is the only writer, so read-merge-write is safe here.
type PatternStore struct {
	client Client
}

// NewPatternStore creates a Redis-backed pattern store.
func NewPatternStore(client Client) *PatternStore {
	return &PatternStore{client: client}
}

// Upsert creates the record or merges it into an existing one.
func (s *PatternStore) Upsert(ctx context.Context, rec *storage.SuspiciousPattern) error {
	key := patternKeyPrefix + rec.IP

	fields, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("get pattern records: %w", err)
	}

	merged := *rec
	if merged.Detections == 0 {
		merged.Detections = 1
	}
	if raw, ok := fields[rec.Type]; ok {
		var existing storage.SuspiciousPattern
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return fmt.Errorf("decode pattern record: %w", err)
		}
		existing.Detections++
		existing.LastSeen = rec.LastSeen
		existing.Resolved = false
		if rec.Confidence > existing.Confidence {
			existing.Confidence = rec.Confidence
		}
		merged = existing
	}

	data, err := json.Marshal(&merged)
	if err != nil {
		return fmt.Errorf("encode pattern record: %w", err)
	}
	if err := s.client.HSet(ctx, key, map[string]any{merged.Type: string(data)}); err != nil {
		return fmt.Errorf("put pattern record: %w", err)
	}
	return nil
}

// OpenByIP returns the unresolved records for ip.
func (s *PatternStore) OpenByIP(ctx context.Context, ip string) ([]*storage.SuspiciousPattern, error) {
	fields, err := s.client.HGetAll(ctx, patternKeyPrefix+ip)
	if err != nil {
		return nil, fmt.Errorf("get pattern records: %w", err)
	}

	var out []*storage.SuspiciousPattern
	for _, raw := range fields {
		var rec storage.SuspiciousPattern
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode pattern record: %w", err)
		}
		if rec.Resolved {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Resolve marks every record for ip as resolved.
func (s *PatternStore) Resolve(ctx context.Context, ip string) error {
	key := patternKeyPrefix + ip

	fields, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("get pattern records: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	updates := make(map[string]any, len(fields))
	for typ, raw := range fields {
		var rec storage.SuspiciousPattern
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode pattern record: %w", err)
		}
		rec.Resolved = true
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode pattern record: %w", err)
		}
		updates[typ] = string(data)
	}
	if err := s.client.HSet(ctx, key, updates); err != nil {
		return fmt.Errorf("put pattern records: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *PatternStore) Close() error {
	return s.client.Close()
}
