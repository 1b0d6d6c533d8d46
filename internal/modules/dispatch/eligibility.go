// README: Eligibility filter: online, recently seen and within the pickup radius.
package dispatch

import (
	"cmp"
	"slices"
	"time"

	"courierhub/internal/modules/courier"
	"courierhub/internal/types"
)

type Candidate struct {
	CourierID  types.ID
	DistanceKm float64
}

// Eligible returns the couriers that may receive an offer, nearest first with ties broken by id.
// The ranking is informational; every candidate is offered at once.
func Eligible(pickup types.Point, pool []courier.Presence, now time.Time, rules Rules) []Candidate {
	out := make([]Candidate, 0, len(pool))
	for _, p := range pool {
		if p.Status != courier.StatusOnline {
			continue
		}
		if p.UpdatedAt.IsZero() || now.Sub(p.UpdatedAt) > rules.Freshness {
			continue
		}
		d := types.DistanceKm(pickup, p.Position)
		if d > rules.RadiusKm {
			continue
		}
		out = append(out, Candidate{CourierID: p.CourierID, DistanceKm: d})
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.CourierID, b.CourierID)
	})
	return out
}
