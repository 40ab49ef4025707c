package buffer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryConfig configures the in-memory store
type MemoryConfig struct {
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	MaxRecords        int           `json:"max_records"`
}

// DefaultMemoryConfig returns sensible defaults
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		VisibilityTimeout: 30 * time.Second,
		MaxRecords:        100000,
	}
}

type memoryEntry struct {
	rec       *Record
	visibleAt time.Time
}

// MemoryStore is a visibility-timeout queue held in process memory.
// It honors the full at-least-once Store contract and is used for
// single-node deployments and tests; it does not survive a restart.
type MemoryStore struct {
	config  *MemoryConfig
	entries map[string]*memoryEntry
	mu      sync.Mutex
	clock   func() time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(config *MemoryConfig) *MemoryStore {
	if config == nil {
		config = DefaultMemoryConfig()
	}
	return &MemoryStore{
		config:  config,
		entries: make(map[string]*memoryEntry),
		clock:   time.Now,
	}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, rec *Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.MaxRecords > 0 && len(s.entries) >= s.config.MaxRecords {
		return "", fmt.Errorf("buffer: capacity %d exceeded: %w", s.config.MaxRecords, ErrUnavailable)
	}

	now := s.clock()
	s.entries[rec.ID] = &memoryEntry{rec: rec, visibleAt: now}
	return rec.ID, nil
}

// DequeueBatch implements Store. Claimed records become invisible for
// the visibility timeout; their attempt count includes this delivery.
func (s *MemoryStore) DequeueBatch(_ context.Context, maxN int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()

	eligible := make([]*memoryEntry, 0, maxN)
	for _, e := range s.entries {
		if !e.visibleAt.After(now) {
			eligible = append(eligible, e)
		}
	}
	// Oldest first so backlog age shrinks under drain.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].rec.EnqueuedAt.Before(eligible[j].rec.EnqueuedAt)
	})
	if len(eligible) > maxN {
		eligible = eligible[:maxN]
	}

	out := make([]*Record, 0, len(eligible))
	for _, e := range eligible {
		e.visibleAt = now.Add(s.config.VisibilityTimeout)
		e.rec.AttemptCount++
		cp := *e.rec
		out = append(out, &cp)
	}
	return out, nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// Nack implements Store.
func (s *MemoryStore) Nack(_ context.Context, id string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.visibleAt = s.clock().Add(retryAfter)
	return nil
}

// Lag implements Store.
func (s *MemoryStore) Lag(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// OldestAge implements Store.
func (s *MemoryStore) OldestAge(_ context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest time.Time
	for _, e := range s.entries {
		if oldest.IsZero() || e.rec.EnqueuedAt.Before(oldest) {
			oldest = e.rec.EnqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return s.clock().Sub(oldest), nil
}
