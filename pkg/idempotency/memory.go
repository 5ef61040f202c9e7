package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/tulemar/ordersync/pkg/logging"
)

// MemoryStore keeps records in process
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Acquire(ctx context.Context, rec *Record, staleBefore time.Time) (*Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.records[rec.ID]
	if ok && existing.ExpiresAt.Before(now) {
		ok = false
	}
	if !ok {
		stored := rec.clone()
		stored.LockedAt = &now
		s.records[rec.ID] = stored
		return stored.clone(), true, nil
	}
	if existing.IsCompleted() || existing.IsLocked(staleBefore) {
		return existing.clone(), false, nil
	}
	existing.LockedAt = &now
	return existing.clone(), true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string, status int, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	rec.StatusCode = status
	rec.Body = append([]byte(nil), body...)
	rec.ContentType = contentType
	rec.CompletedAt = &now
	rec.LockedAt = nil
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.LockedAt = nil
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// RunJanitor purges expired records every interval until ctx is done
func RunJanitor(ctx context.Context, store Store, interval time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Purge(ctx, time.Now().UTC())
			if err != nil {
				logger.WithError(err).Warn("Failed to purge idempotency records")
				continue
			}
			if n > 0 {
				logger.Debug("Purged idempotency records", "count", n)
			}
		}
	}
}
