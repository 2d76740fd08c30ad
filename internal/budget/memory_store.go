package budget

import (
	"context"
	"sync"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

type memoryRecord struct {
	mu    sync.Mutex
	sends []time.Time
	last  time.Time
	total int64
}

// prune drops sends older than the day window. Callers hold r.mu.
func (r *memoryRecord) prune(now time.Time) {
	cutoff := now.Add(-DayWindow)
	i := 0
	for i < len(r.sends) && !r.sends[i].After(cutoff) {
		i++
	}
	r.sends = r.sends[i:]
}

func (r *memoryRecord) usage(now time.Time) Usage {
	hour, day := windowCounts(r.sends, now)
	return Usage{LastHour: hour, LastDay: day, LastSendAt: r.last, Total: r.total}
}

func (r *memoryRecord) add(now time.Time) {
	// keep sends sorted; out-of-order timestamps are rare but possible across hosts
	i := len(r.sends)
	for i > 0 && r.sends[i-1].After(now) {
		i--
	}
	r.sends = append(r.sends, time.Time{})
	copy(r.sends[i+1:], r.sends[i:])
	r.sends[i] = now
	r.total++
	if now.After(r.last) {
		r.last = now
	}
}

// MemoryStore is an in-process CounterStore. Each key has its own lock so
// unrelated recipients never contend.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*memoryRecord
	warmup  map[channels.Channel]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*memoryRecord),
		warmup:  make(map[channels.Channel]time.Time),
	}
}

func (m *MemoryStore) record(key Key) *memoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		r = &memoryRecord{}
		m.records[key] = r
	}
	return r
}

// Usage returns the current window counts for key.
func (m *MemoryStore) Usage(_ context.Context, key Key, now time.Time) (Usage, error) {
	r := m.record(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	return r.usage(now), nil
}

// Record adds a send at now.
func (m *MemoryStore) Record(_ context.Context, key Key, now time.Time) error {
	r := m.record(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	r.add(now)
	return nil
}

// Reserve records a send at now when it fits into caps.
func (m *MemoryStore) Reserve(_ context.Context, key Key, now time.Time, caps Caps) (Usage, bool, error) {
	r := m.record(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	u := r.usage(now)
	if ok, _ := caps.admits(u); !ok {
		return u, false, nil
	}
	r.add(now)
	return u, true, nil
}

// Release removes one send recorded at at.
func (m *MemoryStore) Release(_ context.Context, key Key, at time.Time) error {
	r := m.record(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.sends {
		if t.Equal(at) {
			r.sends = append(r.sends[:i], r.sends[i+1:]...)
			r.total--
			return nil
		}
	}
	return nil
}

// WarmUpStart returns the first-use time of c, recording now if unknown.
func (m *MemoryStore) WarmUpStart(_ context.Context, c channels.Channel, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.warmup[c]; ok {
		return t, nil
	}
	m.warmup[c] = now
	return now, nil
}

// SetWarmUpStart overrides the first-use time of c. Used by operators seeding
// an already warm channel.
func (m *MemoryStore) SetWarmUpStart(c channels.Channel, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warmup[c] = at
}
