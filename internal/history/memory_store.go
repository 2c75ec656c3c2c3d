package history

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/inferbroker/internal/pagination"
)

// MemoryStore is an in-memory record store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Address = strings.ToLower(cp.Address)
	cp.Provider = strings.ToLower(cp.Provider)
	m.records[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByAddress(_ context.Context, address string, before *pagination.Cursor, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(address)
	var result []*Record
	for _, r := range m.records {
		if r.Address != addr {
			continue
		}
		if before != nil && !olderThan(r, before) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether r sorts strictly after the cursor position in
// newest-first order, with ID as the tiebreak for equal timestamps.
func olderThan(r *Record, c *pagination.Cursor) bool {
	if r.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return r.CreatedAt.Equal(c.CreatedAt) && r.ID < c.ID
}

var _ Store = (*MemoryStore)(nil)
