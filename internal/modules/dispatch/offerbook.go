// README: Offer book backed by Redis hashes and sets, plus the per-order dispatch lease.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"courierhub/internal/types"
)

const (
	orderOffersKeyPrefix   = "dispatch:order:%s:offers"
	courierOffersKeyPrefix = "dispatch:courier:%s:offers"
	rejectedKeyPrefix      = "dispatch:order:%s:rejected"
	leaseKeyPrefix         = "dispatch:order:%s:lease"
	// TTL for offer bookkeeping (ready orders resolve well within a day).
	keyTTL = 24 * time.Hour
)

// OfferBook records which couriers hold or declined an offer for an order.
type OfferBook interface {
	Put(ctx context.Context, offers []Offer) error
	Offers(ctx context.Context, orderID types.ID) ([]Offer, error)
	ForCourier(ctx context.Context, courierID types.ID) ([]Offer, error)
	Withdraw(ctx context.Context, orderID, courierID types.ID) error
	Reject(ctx context.Context, orderID, courierID types.ID) error
	Rejected(ctx context.Context, orderID types.ID) (map[types.ID]bool, error)
	Clear(ctx context.Context, orderID types.ID) ([]Offer, error)
	AcquireLease(ctx context.Context, orderID types.ID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, orderID types.ID, owner string) error
}

// acquireLease takes a free lease or renews one already held by the same owner.
var acquireLease = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if v == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseLease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisOfferBook struct {
	redis *redis.Client
}

func NewRedisOfferBook(redis *redis.Client) *RedisOfferBook {
	return &RedisOfferBook{redis: redis}
}

func (b *RedisOfferBook) Put(ctx context.Context, offers []Offer) error {
	if len(offers) == 0 {
		return nil
	}
	pipe := b.redis.Pipeline()
	for _, o := range offers {
		raw, err := json.Marshal(o)
		if err != nil {
			return err
		}
		orderKey := orderOffersKey(o.OrderID)
		courierKey := courierOffersKey(o.CourierID)
		pipe.HSet(ctx, orderKey, string(o.CourierID), raw)
		pipe.Expire(ctx, orderKey, keyTTL)
		pipe.HSet(ctx, courierKey, string(o.OrderID), raw)
		pipe.Expire(ctx, courierKey, keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisOfferBook) Offers(ctx context.Context, orderID types.ID) ([]Offer, error) {
	vals, err := b.redis.HGetAll(ctx, orderOffersKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	return decodeOffers(vals)
}

func (b *RedisOfferBook) ForCourier(ctx context.Context, courierID types.ID) ([]Offer, error) {
	vals, err := b.redis.HGetAll(ctx, courierOffersKey(courierID)).Result()
	if err != nil {
		return nil, err
	}
	return decodeOffers(vals)
}

func (b *RedisOfferBook) Withdraw(ctx context.Context, orderID, courierID types.ID) error {
	pipe := b.redis.Pipeline()
	pipe.HDel(ctx, orderOffersKey(orderID), string(courierID))
	pipe.HDel(ctx, courierOffersKey(courierID), string(orderID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisOfferBook) Reject(ctx context.Context, orderID, courierID types.ID) error {
	rk := rejectedKey(orderID)
	pipe := b.redis.Pipeline()
	pipe.HDel(ctx, orderOffersKey(orderID), string(courierID))
	pipe.HDel(ctx, courierOffersKey(courierID), string(orderID))
	pipe.SAdd(ctx, rk, string(courierID))
	pipe.Expire(ctx, rk, keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisOfferBook) Rejected(ctx context.Context, orderID types.ID) (map[types.ID]bool, error) {
	members, err := b.redis.SMembers(ctx, rejectedKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[types.ID]bool, len(members))
	for _, m := range members {
		out[types.ID(m)] = true
	}
	return out, nil
}

// Clear drops every offer and rejection for the order and returns the offers that were held.
func (b *RedisOfferBook) Clear(ctx context.Context, orderID types.ID) ([]Offer, error) {
	held, err := b.Offers(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pipe := b.redis.Pipeline()
	for _, o := range held {
		pipe.HDel(ctx, courierOffersKey(o.CourierID), string(orderID))
	}
	pipe.Del(ctx, orderOffersKey(orderID), rejectedKey(orderID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return held, nil
}

func (b *RedisOfferBook) AcquireLease(ctx context.Context, orderID types.ID, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireLease.Run(ctx, b.redis, []string{leaseKey(orderID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisOfferBook) ReleaseLease(ctx context.Context, orderID types.ID, owner string) error {
	err := releaseLease.Run(ctx, b.redis, []string{leaseKey(orderID)}, owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func decodeOffers(vals map[string]string) ([]Offer, error) {
	out := make([]Offer, 0, len(vals))
	for _, raw := range vals {
		var o Offer
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func orderOffersKey(id types.ID) string   { return fmt.Sprintf(orderOffersKeyPrefix, string(id)) }
func courierOffersKey(id types.ID) string { return fmt.Sprintf(courierOffersKeyPrefix, string(id)) }
func rejectedKey(id types.ID) string      { return fmt.Sprintf(rejectedKeyPrefix, string(id)) }
func leaseKey(id types.ID) string         { return fmt.Sprintf(leaseKeyPrefix, string(id)) }
