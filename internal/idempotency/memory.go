package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Keeper for single-instance deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ttlWindow time.Duration) *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (m *MemoryStore) Begin(_ context.Context, key, eventType string) (bool, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc().UTC()
	if rec, ok := m.records[key]; ok && !rec.Expired(now) && rec.Status != StatusFailed {
		return false, &rec, nil
	}
	m.records[key] = Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		EventType:      eventType,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttlWindow).Unix(),
	}
	return true, nil, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) MarkDone(_ context.Context, key, responseBody string, responseStatus int) error {
	return m.set(key, "mark done", func(r *Record) {
		r.Status, r.ResponseBody, r.ResponseStatus = StatusDone, responseBody, responseStatus
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, key, note string) error {
	return m.set(key, "mark failed", func(r *Record) {
		r.Status, r.Note = StatusFailed, note
	})
}

func (m *MemoryStore) set(key, op string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	fn(&rec)
	rec.UpdatedAt = m.nowFunc().UTC()
	m.records[key] = rec
	return nil
}
