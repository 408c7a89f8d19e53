package memory

import (
	"context"
	"sync"

	"gatekeeper/internal/storage"
)

// BlockStore implements storage.BlockStore with process-local state.
type BlockStore struct {
	records map[string]*storage.BlockedIP
	mu      sync.RWMutex
}

// NewBlockStore creates an in-memory block store.
func NewBlockStore() *BlockStore {
	return &BlockStore{records: make(map[string]*storage.BlockedIP)}
}

// Get returns the record for ip, or nil if none exists.
func (s *BlockStore) Get(ctx context.Context, ip string) (*storage.BlockedIP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[ip]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Put creates or replaces the record for rec.IP.
func (s *BlockStore) Put(ctx context.Context, rec *storage.BlockedIP) error {
	cp := *rec
	s.mu.Lock()
	s.records[rec.IP] = &cp
	s.mu.Unlock()
	return nil
}

// Delete removes the record for ip.
func (s *BlockStore) Delete(ctx context.Context, ip string) error {
	s.mu.Lock()
	delete(s.records, ip)
	s.mu.Unlock()
	return nil
}

// List returns all stored records, including expired ones.
func (s *BlockStore) List(ctx context.Context) ([]*storage.BlockedIP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.BlockedIP, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *BlockStore) Close() error { return nil }
