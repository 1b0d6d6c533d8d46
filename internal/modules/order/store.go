// README: Order store backed by PostgreSQL; ConditionalUpdate is the single concurrency primitive.
package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"courierhub/internal/types"
)

// Repository is what the service needs from persistence. Store and MemoryStore implement it.
type Repository interface {
	Get(ctx context.Context, id types.ID) (*Order, error)
	Scan(ctx context.Context, f Filter) ([]*Order, error)
	Insert(ctx context.Context, o *Order) error
	ConditionalUpdate(ctx context.Context, id types.ID, expect Expect, patch Patch) (*Order, bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, orderID types.ID) ([]Event, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, order_number, status, status_version, customer_id, restaurant_id, courier_id,
	items, total_amount, currency, courier_fee, pickup_lat, pickup_lng,
	delivery_address, dropoff_lat, dropoff_lng, payment_method, payment_status, payment_ref,
	special_instructions, cancellation_reason,
	created_at, confirmed_at, ready_at, assigned_at, pickup_at, delivered_at, cancelled_at`

func (s *Store) Insert(ctx context.Context, o *Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	var dropLat, dropLng *float64
	if o.Dropoff != nil {
		dropLat, dropLng = &o.Dropoff.Lat, &o.Dropoff.Lng
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21,
			$22, $23, $24, $25, $26, $27, $28
		)`,
		string(o.ID), o.Number, string(o.Status), o.StatusVersion,
		string(o.CustomerID), string(o.RestaurantID), toStringPtr(o.CourierID),
		items, o.Total.Amount, o.Total.Currency, o.CourierFee.Amount,
		o.Pickup.Lat, o.Pickup.Lng,
		o.DeliveryAddress, dropLat, dropLng, o.PaymentMethod, o.PaymentStatus, o.PaymentRef,
		o.Instructions, o.CancelReason,
		o.CreatedAt, o.ConfirmedAt, o.ReadyAt, o.AssignedAt, o.PickupAt, o.DeliveredAt, o.CancelledAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateNumber
	}
	return wrapStoreErr(err)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return o, nil
}

func (s *Store) Scan(ctx context.Context, f Filter) ([]*Order, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(statusStrings(f.Statuses))+"::text[])")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = "+arg(string(f.CustomerID)))
	}
	if f.RestaurantID != "" {
		where = append(where, "restaurant_id = "+arg(string(f.RestaurantID)))
	}
	if f.CourierID != "" {
		where = append(where, "courier_id = "+arg(string(f.CourierID)))
	}
	if f.CourierUnset {
		where = append(where, "courier_id IS NULL")
	}

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, wrapStoreErr(rows.Err())
}

// ConditionalUpdate applies patch only if expect holds for the stored row, in one statement.
// ok is false when the predicate did not match or the row does not exist.
func (s *Store) ConditionalUpdate(ctx context.Context, id types.ID, expect Expect, patch Patch) (*Order, bool, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders
		SET status = COALESCE(NULLIF($2::text, ''), status),
			status_version = status_version + 1,
			courier_id = CASE WHEN $3::boolean THEN NULL ELSE COALESCE($4::text, courier_id) END,
			cancellation_reason = COALESCE($5::text, cancellation_reason),
			payment_status = COALESCE($6::text, payment_status),
			payment_ref = COALESCE($7::text, payment_ref),
			confirmed_at = COALESCE(confirmed_at, $8::timestamptz),
			ready_at = COALESCE(ready_at, $9::timestamptz),
			assigned_at = COALESCE(assigned_at, $10::timestamptz),
			pickup_at = COALESCE(pickup_at, $11::timestamptz),
			delivered_at = COALESCE(delivered_at, $12::timestamptz),
			cancelled_at = COALESCE(cancelled_at, $13::timestamptz)
		WHERE id = $1
			AND (cardinality($14::text[]) = 0 OR status = ANY($14::text[]))
			AND (NOT $15::boolean OR courier_id IS NULL)
			AND ($16::text IS NULL OR courier_id = $16::text)
		RETURNING `+orderColumns,
		string(id),
		string(patch.Status),
		patch.ClearCourier,
		toStringPtr(patch.CourierID),
		patch.CancelReason,
		patch.PaymentStatus,
		patch.PaymentRef,
		patch.ConfirmedAt,
		patch.ReadyAt,
		patch.AssignedAt,
		patch.PickupAt,
		patch.DeliveredAt,
		patch.CancelledAt,
		statusStrings(expect.Statuses),
		expect.CourierUnset,
		toStringPtr(expect.CourierIs),
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStoreErr(err)
	}
	return o, true, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_role, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return wrapStoreErr(err)
}

func (s *Store) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_role, actor_id, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(orderID))
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorRole, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, wrapStoreErr(rows.Err())
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var courierID, paymentRef, cancelReason sql.NullString
	var dropLat, dropLng sql.NullFloat64
	var items []byte
	var confirmedAt, readyAt, assignedAt, pickupAt, deliveredAt, cancelledAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Number, &o.Status, &o.StatusVersion, &o.CustomerID, &o.RestaurantID, &courierID,
		&items, &o.Total.Amount, &o.Total.Currency, &o.CourierFee.Amount, &o.Pickup.Lat, &o.Pickup.Lng,
		&o.DeliveryAddress, &dropLat, &dropLng, &o.PaymentMethod, &o.PaymentStatus, &paymentRef,
		&o.Instructions, &cancelReason,
		&o.CreatedAt, &confirmedAt, &readyAt, &assignedAt, &pickupAt, &deliveredAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	o.CourierFee.Currency = o.Total.Currency
	if courierID.Valid {
		c := types.ID(courierID.String)
		o.CourierID = &c
	}
	if dropLat.Valid && dropLng.Valid {
		o.Dropoff = &types.Point{Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	if paymentRef.Valid {
		o.PaymentRef = &paymentRef.String
	}
	if cancelReason.Valid {
		o.CancelReason = &cancelReason.String
	}
	o.ConfirmedAt = toTimePtr(confirmedAt)
	o.ReadyAt = toTimePtr(readyAt)
	o.AssignedAt = toTimePtr(assignedAt)
	o.PickupAt = toTimePtr(pickupAt)
	o.DeliveredAt = toTimePtr(deliveredAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	return &o, nil
}

// wrapStoreErr marks connection-level and retryable database failures as ErrStoreUnavailable.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func statusStrings(list []Status) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func toStringPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
