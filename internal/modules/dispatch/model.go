// README: Offers and the rules deciding which couriers receive them.
package dispatch

import (
	"time"

	"courierhub/internal/config"
	"courierhub/internal/types"
)

// Offer is a time-bounded invitation for one courier to claim a ready order.
// It never touches the order record; the arbiter decides whether the order is still claimable.
type Offer struct {
	OrderID    types.ID  `json:"order_id"`
	CourierID  types.ID  `json:"courier_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	DistanceKm float64   `json:"distance_km"`
}

func (o Offer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

type Rules struct {
	RadiusKm  float64
	Freshness time.Duration
}

type Config struct {
	Rules
	OfferTTL         time.Duration
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	LeaseTTL         time.Duration
}

func ConfigFrom(c config.DispatchConfig) Config {
	return Config{
		Rules:            Rules{RadiusKm: c.RadiusKm, Freshness: c.Freshness},
		OfferTTL:         c.OfferTTL,
		RetryInterval:    c.RetryInterval,
		RetryMaxInterval: c.RetryMaxInterval,
		LeaseTTL:         c.LeaseTTL,
	}
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = 3
	}
	if c.Freshness <= 0 {
		c.Freshness = 2 * time.Minute
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.RetryMaxInterval < c.RetryInterval {
		c.RetryMaxInterval = 3 * c.RetryInterval
	}
	if c.LeaseTTL <= c.OfferTTL {
		c.LeaseTTL = c.OfferTTL + 15*time.Second
	}
	return c
}
