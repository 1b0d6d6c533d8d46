// README: Restaurant directory backed by PostgreSQL; orders read the pickup point from here.
package restaurant

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"courierhub/internal/types"
)

var (
	ErrNotFound = errors.New("restaurant not found")
	ErrInactive = errors.New("restaurant inactive")
)

type Restaurant struct {
	ID        types.ID    `json:"id"`
	Name      string      `json:"name"`
	Address   string      `json:"address"`
	Location  types.Point `json:"location"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Restaurant, error) {
	var r Restaurant
	var rid string
	err := s.db.QueryRow(ctx, `
		SELECT id, name, address, lat, lng, active, created_at
		FROM restaurants WHERE id = $1`, string(id),
	).Scan(&rid, &r.Name, &r.Address, &r.Location.Lat, &r.Location.Lng, &r.Active, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.ID = types.ID(rid)
	return &r, nil
}

// Location returns the pickup point. Inactive restaurants do not accept orders.
func (s *Store) Location(ctx context.Context, id types.ID) (types.Point, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return types.Point{}, err
	}
	if !r.Active {
		return types.Point{}, ErrInactive
	}
	return r.Location, nil
}

func (s *Store) Upsert(ctx context.Context, r *Restaurant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO restaurants (id, name, address, lat, lng, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			active = EXCLUDED.active`,
		string(r.ID), r.Name, r.Address, r.Location.Lat, r.Location.Lng, r.Active,
	)
	return err
}
