// README: Courier presence store backed by Redis GEO, a hash per courier and a last-seen index.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"courierhub/internal/types"
)

const (
	courierGeoKey     = "courier:geo"
	courierSeenKey    = "courier:seen"
	presenceKeyPrefix = "courier:presence:%s"
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (Presence, error)
	SavePosition(ctx context.Context, p Presence) error
	SetStatus(ctx context.Context, id types.ID, status Status) error
	Nearby(ctx context.Context, center types.Point, radiusKm float64) ([]Presence, error)
	SeenBefore(ctx context.Context, cutoff time.Time) ([]types.ID, error)
}

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// SavePosition writes position fields only, so a concurrent status change is never lost.
func (s *Store) SavePosition(ctx context.Context, p Presence) error {
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, presenceKey(p.CourierID),
		"lat", p.Position.Lat,
		"lng", p.Position.Lng,
		"accuracy", p.AccuracyM,
		"updated_at", p.UpdatedAt.UnixMilli(),
	)
	pipe.GeoAdd(ctx, courierGeoKey, &redis.GeoLocation{
		Name:      string(p.CourierID),
		Longitude: p.Position.Lng,
		Latitude:  p.Position.Lat,
	})
	pipe.ZAdd(ctx, courierSeenKey, redis.Z{Score: float64(p.UpdatedAt.UnixMilli()), Member: string(p.CourierID)})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) SetStatus(ctx context.Context, id types.ID, status Status) error {
	return s.redis.HSet(ctx, presenceKey(id), "status", string(status)).Err()
}

func (s *Store) Get(ctx context.Context, id types.ID) (Presence, error) {
	vals, err := s.redis.HGetAll(ctx, presenceKey(id)).Result()
	if err != nil {
		return Presence{}, err
	}
	if len(vals) == 0 {
		return Presence{}, ErrNotFound
	}
	return parsePresence(id, vals)
}

// Nearby returns presences within radiusKm of center, nearest first, in any status.
func (s *Store) Nearby(ctx context.Context, center types.Point, radiusKm float64) ([]Presence, error) {
	ids, err := s.redis.GeoSearch(ctx, courierGeoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(types.ID(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Presence, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p, err := parsePresence(types.ID(ids[i]), vals)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SeenBefore lists couriers whose last position report is older than cutoff.
func (s *Store) SeenBefore(ctx context.Context, cutoff time.Time) ([]types.ID, error) {
	members, err := s.redis.ZRangeByScore(ctx, courierSeenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(members))
	for i, m := range members {
		out[i] = types.ID(m)
	}
	return out, nil
}

func parsePresence(id types.ID, vals map[string]string) (Presence, error) {
	p := Presence{CourierID: id, Status: StatusOffline}
	if s := Status(vals["status"]); s.Valid() {
		p.Status = s
	}
	var err error
	if v, ok := vals["lat"]; ok {
		if p.Position.Lat, err = strconv.ParseFloat(v, 64); err != nil {
			return Presence{}, fmt.Errorf("parse lat: %w", err)
		}
	}
	if v, ok := vals["lng"]; ok {
		if p.Position.Lng, err = strconv.ParseFloat(v, 64); err != nil {
			return Presence{}, fmt.Errorf("parse lng: %w", err)
		}
	}
	if v, ok := vals["accuracy"]; ok {
		p.AccuracyM, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := vals["updated_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Presence{}, fmt.Errorf("parse updated_at: %w", err)
		}
		p.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

func presenceKey(id types.ID) string {
	return fmt.Sprintf(presenceKeyPrefix, string(id))
}
