package carts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists carts. Every transition is conditional on the current status,
// so concurrent pollers and webhooks cannot double-apply a change.
type Store interface {
	Get(ctx context.Context, key Key) (*Cart, error)
	// UpsertActivity merges ev into the cart, marks it active and arms the
	// debounce deadline. Returns ErrAlreadyFinal for converted carts.
	UpsertActivity(ctx context.Context, ev ActivityEvent, dueAt, now time.Time) (*Cart, error)
	// ListDue returns active carts whose deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Cart, error)
	// MarkAbandoned moves a due active cart to abandoned, or returns ErrStatusMismatch.
	MarkAbandoned(ctx context.Context, key Key, now time.Time) (*Cart, error)
	// MarkConverted finalizes a cart. Unknown keys return (nil, nil).
	MarkConverted(ctx context.Context, key Key, now time.Time) (*Cart, error)
	// MarkReminded counts a delivered reminder on an abandoned or reminded cart.
	MarkReminded(ctx context.Context, key Key, now time.Time) error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]Cart
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]Cart)}
}

func cloneCart(c Cart) *Cart {
	c.Items = append([]Item(nil), c.Items...)
	return &c
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[key.String()]
	if !ok {
		return nil, nil
	}
	return cloneCart(c), nil
}

func (m *MemoryStore) UpsertActivity(_ context.Context, ev ActivityEvent, dueAt, now time.Time) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[ev.Key.String()]
	if ok && c.Status.Final() {
		return cloneCart(c), ErrAlreadyFinal
	}
	if !ok {
		c.CreatedAt = now
	}
	ev.apply(&c)
	c.Status = StatusActive
	c.DueAt = dueAt.Unix()
	c.LastActivityAt = now
	c.UpdatedAt = now
	m.carts[c.CartKey] = c
	return cloneCart(c), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Cart
	for _, c := range m.carts {
		if c.Due(now) {
			due = append(due, *cloneCart(c))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt < due[j].DueAt })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) MarkAbandoned(_ context.Context, key Key, now time.Time) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[key.String()]
	if !ok || !c.Due(now) {
		return nil, ErrStatusMismatch
	}
	c.Status = StatusAbandoned
	c.AbandonedAt = now
	c.DueAt = 0
	c.UpdatedAt = now
	m.carts[c.CartKey] = c
	return cloneCart(c), nil
}

func (m *MemoryStore) MarkConverted(_ context.Context, key Key, now time.Time) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[key.String()]
	if !ok {
		return nil, nil
	}
	if c.Status.Final() {
		return cloneCart(c), nil
	}
	c.Status = convertedStatus(c.ReminderCount)
	c.ConvertedAt = now
	c.DueAt = 0
	c.UpdatedAt = now
	m.carts[c.CartKey] = c
	return cloneCart(c), nil
}

func (m *MemoryStore) MarkReminded(_ context.Context, key Key, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[key.String()]
	if !ok || (c.Status != StatusAbandoned && c.Status != StatusReminded) {
		return ErrStatusMismatch
	}
	c.Status = StatusReminded
	c.ReminderCount++
	c.UpdatedAt = now
	m.carts[c.CartKey] = c
	return nil
}

func convertedStatus(reminders int) Status {
	if reminders > 0 {
		return StatusRecovered
	}
	return StatusConverted
}
