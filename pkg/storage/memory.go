package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session records in a map. It is safe for concurrent use.
//
// With a TTL configured, a background goroutine removes records that have not
// been updated within the TTL. Multi-instance deployments should use RedisStore.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string]Record
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a store whose records never expire.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// NewMemoryStoreWithTTL creates a store that drops records idle for longer
// than ttl. Stop must be called to release the cleanup goroutine.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		records:       make(map[string]Record),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once
// and on a store without TTL.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	now := time.Now()
	for id, rec := range s.records {
		if now.Sub(rec.UpdatedAt) > s.ttl {
			delete(s.records, id)
		}
	}
}

// Put stores a record, replacing any existing one with the same id.
// A zero UpdatedAt is stamped with the current time.
func (s *MemoryStore) Put(ctx context.Context, record Record) error {
	if err := validateID(record.ID); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	record.Data = append([]byte(nil), record.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = record
	return nil
}

// Get returns the record for id and whether it exists.
func (s *MemoryStore) Get(ctx context.Context, id string) (Record, bool, error) {
	select {
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, found := s.records[id]
	return rec, found, nil
}

// Delete removes the record for id. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// Len returns the number of records currently stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
