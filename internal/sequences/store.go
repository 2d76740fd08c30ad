package sequences

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sequence instances. It keeps at most one active instance per
// (campaign, customer) and applies step transitions only from the expected step.
type Store interface {
	// Start cancels the active instance for inst's (campaign, customer), if any,
	// and inserts inst in one atomic step. It returns the cancelled instance.
	Start(ctx context.Context, inst Instance, now time.Time) (*Instance, error)
	Get(ctx context.Context, id string) (*Instance, error)
	// Active returns the active instance for (campaign, customer) or nil.
	Active(ctx context.Context, campaign, customerKey string) (*Instance, error)
	// Cancel moves the active instance to cancelled and returns it, or nil if none.
	Cancel(ctx context.Context, campaign, customerKey string, now time.Time) (*Instance, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Instance, error)
	// Claim leases step of a due instance until leaseUntil. ErrConflict if the
	// instance moved on or someone else holds the lease.
	Claim(ctx context.Context, id string, step int, now, leaseUntil time.Time) error
	// Advance records a delivered step and arms the next one, or completes.
	Advance(ctx context.Context, id string, step int, entry HistoryEntry, next time.Time, completed bool, now time.Time) error
	// Reschedule keeps step and retries it at next.
	Reschedule(ctx context.Context, id string, step int, lastErr string, next time.Time, now time.Time) error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]Instance
	active map[string]string // activeKey -> instance id
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Instance), active: make(map[string]string)}
}

func cloneInstance(i Instance) *Instance {
	i.History = append([]HistoryEntry(nil), i.History...)
	if i.Context != nil {
		ctx := make(map[string]any, len(i.Context))
		for k, v := range i.Context {
			ctx[k] = v
		}
		i.Context = ctx
	}
	return &i
}

func (m *MemoryStore) Start(_ context.Context, inst Instance, now time.Time) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[inst.ID]; exists {
		return nil, ErrConflict
	}
	key := activeKey(inst.Campaign, inst.CustomerKey)
	var cancelled *Instance
	if id, ok := m.active[key]; ok {
		if old := m.items[id]; old.Status == StatusActive {
			old.Status = StatusCancelled
			old.UpdatedAt = now
			m.items[id] = old
			cancelled = cloneInstance(old)
		}
	}
	m.items[inst.ID] = inst
	m.active[key] = inst.ID
	return cancelled, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (m *MemoryStore) Active(_ context.Context, campaign, customerKey string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[activeKey(campaign, customerKey)]
	if !ok {
		return nil, nil
	}
	inst := m.items[id]
	if inst.Status != StatusActive {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (m *MemoryStore) Cancel(_ context.Context, campaign, customerKey string, now time.Time) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activeKey(campaign, customerKey)
	id, ok := m.active[key]
	if !ok {
		return nil, nil
	}
	delete(m.active, key)
	inst := m.items[id]
	if inst.Status != StatusActive {
		return nil, nil
	}
	inst.Status = StatusCancelled
	inst.UpdatedAt = now
	m.items[id] = inst
	return cloneInstance(inst), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Instance
	for _, inst := range m.items {
		if inst.Due(now) {
			due = append(due, *cloneInstance(inst))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextStepAt.Before(due[j].NextStepAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// current returns the instance if it is active at step. Callers hold m.mu.
func (m *MemoryStore) current(id string, step int) (Instance, error) {
	inst, ok := m.items[id]
	if !ok || inst.Status != StatusActive || inst.CurrentStep != step {
		return Instance{}, ErrConflict
	}
	return inst, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, step int, now, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.current(id, step)
	if err != nil {
		return err
	}
	if inst.NextStepAt.After(now) {
		return ErrConflict
	}
	inst.NextStepAt = leaseUntil
	inst.UpdatedAt = now
	m.items[id] = inst
	return nil
}

func (m *MemoryStore) Advance(_ context.Context, id string, step int, entry HistoryEntry, next time.Time, completed bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.current(id, step)
	if err != nil {
		return err
	}
	inst.History = append(inst.History, entry)
	inst.CurrentStep = step + 1
	inst.NextStepAt = next
	inst.Attempts = 0
	inst.LastError = ""
	inst.UpdatedAt = now
	if completed {
		inst.Status = StatusCompleted
		key := activeKey(inst.Campaign, inst.CustomerKey)
		if m.active[key] == id {
			delete(m.active, key)
		}
	}
	m.items[id] = inst
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id string, step int, lastErr string, next time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.current(id, step)
	if err != nil {
		return err
	}
	inst.Attempts++
	inst.LastError = lastErr
	inst.NextStepAt = next
	inst.UpdatedAt = now
	m.items[id] = inst
	return nil
}
