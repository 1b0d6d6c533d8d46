// README: In-memory offer book and dispatch leases for tests and single-instance runs.
package dispatch

import (
	"context"
	"sync"
	"time"

	"courierhub/internal/types"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryOfferBook is the single-process OfferBook used by tests and local runs.
type MemoryOfferBook struct {
	now func() time.Time

	mu       sync.Mutex
	offers   map[types.ID]map[types.ID]Offer
	rejected map[types.ID]map[types.ID]bool
	leases   map[types.ID]lease
}

func NewMemoryOfferBook() *MemoryOfferBook {
	return &MemoryOfferBook{
		now:      time.Now,
		offers:   make(map[types.ID]map[types.ID]Offer),
		rejected: make(map[types.ID]map[types.ID]bool),
		leases:   make(map[types.ID]lease),
	}
}

func (b *MemoryOfferBook) Put(_ context.Context, offers []Offer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range offers {
		if b.offers[o.OrderID] == nil {
			b.offers[o.OrderID] = make(map[types.ID]Offer)
		}
		b.offers[o.OrderID][o.CourierID] = o
	}
	return nil
}

func (b *MemoryOfferBook) Offers(_ context.Context, orderID types.ID) ([]Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Offer, 0, len(b.offers[orderID]))
	for _, o := range b.offers[orderID] {
		out = append(out, o)
	}
	return out, nil
}

func (b *MemoryOfferBook) ForCourier(_ context.Context, courierID types.ID) ([]Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Offer
	for _, byCourier := range b.offers {
		if o, ok := byCourier[courierID]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (b *MemoryOfferBook) Withdraw(_ context.Context, orderID, courierID types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offers[orderID], courierID)
	return nil
}

func (b *MemoryOfferBook) Reject(_ context.Context, orderID, courierID types.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offers[orderID], courierID)
	if b.rejected[orderID] == nil {
		b.rejected[orderID] = make(map[types.ID]bool)
	}
	b.rejected[orderID][courierID] = true
	return nil
}

func (b *MemoryOfferBook) Rejected(_ context.Context, orderID types.ID) (map[types.ID]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[types.ID]bool, len(b.rejected[orderID]))
	for id := range b.rejected[orderID] {
		out[id] = true
	}
	return out, nil
}

func (b *MemoryOfferBook) Clear(_ context.Context, orderID types.ID) ([]Offer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Offer, 0, len(b.offers[orderID]))
	for _, o := range b.offers[orderID] {
		out = append(out, o)
	}
	delete(b.offers, orderID)
	delete(b.rejected, orderID)
	return out, nil
}

func (b *MemoryOfferBook) AcquireLease(_ context.Context, orderID types.ID, owner string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if l, ok := b.leases[orderID]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	b.leases[orderID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (b *MemoryOfferBook) ReleaseLease(_ context.Context, orderID types.ID, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.leases[orderID]; ok && l.owner == owner {
		delete(b.leases, orderID)
	}
	return nil
}
