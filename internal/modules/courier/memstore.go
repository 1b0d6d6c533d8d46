// README: In-memory courier presence store for tests and single-instance runs.
package courier

import (
	"context"
	"sort"
	"sync"
	"time"

	"courierhub/internal/types"
)

// MemoryStore keeps presences in process. Used by tests and single-node dev runs.
type MemoryStore struct {
	mu        sync.RWMutex
	presences map[types.ID]Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{presences: make(map[types.ID]Presence)}
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presences[id]
	if !ok {
		return Presence{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SavePosition(_ context.Context, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.presences[p.CourierID]
	if !ok {
		cur = Presence{CourierID: p.CourierID, Status: StatusOffline}
	}
	cur.Position = p.Position
	cur.AccuracyM = p.AccuracyM
	cur.UpdatedAt = p.UpdatedAt
	m.presences[p.CourierID] = cur
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id types.ID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.presences[id]
	if !ok {
		cur = Presence{CourierID: id}
	}
	cur.Status = status
	m.presences[id] = cur
	return nil
}

func (m *MemoryStore) Nearby(_ context.Context, center types.Point, radiusKm float64) ([]Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Presence, 0)
	for _, p := range m.presences {
		if p.UpdatedAt.IsZero() {
			continue
		}
		if types.DistanceKm(center, p.Position) <= radiusKm {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return types.DistanceKm(center, out[i].Position) < types.DistanceKm(center, out[j].Position)
	})
	return out, nil
}

func (m *MemoryStore) SeenBefore(_ context.Context, cutoff time.Time) ([]types.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ID
	for id, p := range m.presences {
		if !p.UpdatedAt.IsZero() && p.UpdatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}
