package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gatekeeper/internal/storage"
)

const blockKeyPrefix = "gk:block:"

// blockRetention keeps expired records around past blocked_until so the block
// count can keep escalating across offenses.
const blockRetention = 24 * time.Hour

// BlockStore implements storage.BlockStore on Redis.
type BlockStore struct {
	client Client
}

// NewBlockStore creates a Redis-backed block store.
func NewBlockStore(client Client) *BlockStore {
	return &BlockStore{client: client}
}

// Get returns the record for ip, or nil if none exists.
func (s *BlockStore) Get(ctx context.Context, ip string) (*storage.BlockedIP, error) {
	fields, err := s.client.HGetAll(ctx, blockKeyPrefix+ip)
	if err != nil {
		return nil, fmt.Errorf("get block record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseBlock(ip, fields)
}

// Put creates or replaces the record for rec.IP.
func (s *BlockStore) Put(ctx context.Context, rec *storage.BlockedIP) error {
	key := blockKeyPrefix + rec.IP
	err := s.client.HSet(ctx, key, map[string]any{
		"reason": rec.Reason,
		"count":  rec.BlockCount,
		"risk":   rec.RiskScore,
		"until":  rec.BlockedUntil.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("put block record: %w", err)
	}

	ttl := time.Until(rec.BlockedUntil) + blockRetention
	if err := s.client.Expire(ctx, key, ttl); err != nil {
		return fmt.Errorf("expire block record: %w", err)
	}
	return nil
}

// Delete removes the record for ip.
func (s *BlockStore) Delete(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockKeyPrefix+ip)
}

// List returns all stored records, including expired ones.
func (s *BlockStore) List(ctx context.Context) ([]*storage.BlockedIP, error) {
	keys, err := s.client.ScanKeys(ctx, blockKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan block records: %w", err)
	}

	out := make([]*storage.BlockedIP, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get block record: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := parseBlock(key[len(blockKeyPrefix):], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *BlockStore) Close() error {
	return s.client.Close()
}

func parseBlock(ip string, fields map[string]string) (*storage.BlockedIP, error) {
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return nil, fmt.Errorf("block record %s: bad count: %w", ip, err)
	}
	risk, err := strconv.Atoi(fields["risk"])
	if err != nil {
		return nil, fmt.Errorf("block record %s: bad risk: %w", ip, err)
	}
	untilMs, err := strconv.ParseInt(fields["until"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("block record %s: bad until: %w", ip, err)
	}

	return &storage.BlockedIP{
		IP:           ip,
		Reason:       fields["reason"],
		BlockCount:   count,
		RiskScore:    risk,
		BlockedUntil: time.UnixMilli(untilMs),
	}, nil
}
