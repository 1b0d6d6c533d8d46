// README: In-process order store; a mutex makes read-check-write atomic like the SQL predicate.
package order

import (
	"context"
	"sort"
	"sync"

	"courierhub/internal/types"
)

type MemoryStore struct {
	mu      sync.Mutex
	orders  map[types.ID]*Order
	numbers map[string]types.ID
	events  []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[types.ID]*Order),
		numbers: make(map[string]types.ID),
	}
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Scan(_ context.Context, f Filter) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Order
	for _, o := range m.orders {
		if !matchesFilter(o, f) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.numbers[o.Number]; ok {
		return ErrDuplicateNumber
	}
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicateNumber
	}
	m.orders[o.ID] = o.Clone()
	m.numbers[o.Number] = o.ID
	return nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id types.ID, expect Expect, patch Patch) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || !expect.Matches(o) {
		return nil, false, nil
	}
	next := o.Clone()
	patch.Apply(next)
	m.orders[id] = next
	return next.Clone(), true, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, orderID types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchesFilter(o *Order, f Filter) bool {
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.RestaurantID != "" && o.RestaurantID != f.RestaurantID {
		return false
	}
	if f.CourierID != "" && (o.CourierID == nil || *o.CourierID != f.CourierID) {
		return false
	}
	if f.CourierUnset && o.CourierID != nil {
		return false
	}
	return true
}
