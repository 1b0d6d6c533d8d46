// README: Courier service validates location samples and tracks availability for dispatch.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

var (
	ErrNotFound      = errors.New("courier not found")
	ErrBadRequest    = errors.New("bad request")
	ErrInaccurate    = errors.New("location sample too inaccurate")
	ErrStaleSample   = errors.New("location sample older than current position")
	ErrInvalidStatus = errors.New("invalid courier status")
)

// Mirror receives every presence change, for live maps outside the API.
type Mirror interface {
	Mirror(ctx context.Context, p Presence) error
}

type Service struct {
	store        Repository
	mirror       Mirror
	maxAccuracyM float64
	log          *slog.Logger
	now          func() time.Time
}

func NewService(store Repository, maxAccuracyM float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        store,
		maxAccuracyM: maxAccuracyM,
		log:          logger.With("component", "courier"),
		now:          time.Now,
	}
}

// WithMirror attaches m. Mirror failures are logged and never fail the caller.
func (s *Service) WithMirror(m Mirror) *Service {
	s.mirror = m
	return s
}

func (s *Service) publish(ctx context.Context, p Presence) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Mirror(ctx, p); err != nil {
		s.log.Warn("mirror presence", "courier_id", p.CourierID, "error", err)
	}
}

func (s *Service) publishStatus(ctx context.Context, id types.ID) {
	if s.mirror == nil {
		return
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return
	}
	s.publish(ctx, p)
}

// UpdateLocation stores a sample unless it is too inaccurate or older than the stored one.
// The courier's availability status is left as it is.
func (s *Service) UpdateLocation(ctx context.Context, sample Sample) (Presence, error) {
	if sample.CourierID == "" {
		return Presence{}, ErrBadRequest
	}
	if sample.Position.Lat < -90 || sample.Position.Lat > 90 || sample.Position.Lng < -180 || sample.Position.Lng > 180 {
		return Presence{}, fmt.Errorf("%w: coordinates out of range", ErrBadRequest)
	}
	if sample.AccuracyM < 0 {
		return Presence{}, fmt.Errorf("%w: negative accuracy", ErrBadRequest)
	}
	if s.maxAccuracyM > 0 && sample.AccuracyM > s.maxAccuracyM {
		return Presence{}, ErrInaccurate
	}

	now := s.now()
	at := sample.RecordedAt
	if at.IsZero() || at.After(now) {
		at = now
	}

	cur, err := s.store.Get(ctx, sample.CourierID)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = Presence{CourierID: sample.CourierID, Status: StatusOffline}
	case err != nil:
		return Presence{}, err
	case at.Before(cur.UpdatedAt):
		return cur, ErrStaleSample
	}

	cur.Position = sample.Position
	cur.AccuracyM = sample.AccuracyM
	cur.UpdatedAt = at
	if err := s.store.SavePosition(ctx, cur); err != nil {
		return Presence{}, fmt.Errorf("save position: %w", err)
	}
	s.publish(ctx, cur)
	return cur, nil
}

func (s *Service) SetStatus(ctx context.Context, id types.ID, status Status) error {
	if id == "" {
		return ErrBadRequest
	}
	if !status.Valid() {
		return ErrInvalidStatus
	}
	if err := s.store.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.publishStatus(ctx, id)
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (Presence, error) {
	return s.store.Get(ctx, id)
}

// Nearby returns every known courier within radiusKm of center regardless of status.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64) ([]Presence, error) {
	return s.store.Nearby(ctx, center, radiusKm)
}

// MarkStale takes couriers offline whose last report is older than staleAfter.
// Busy couriers keep their status; they still hold an order.
func (s *Service) MarkStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	ids, err := s.store.SeenBefore(ctx, s.now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		p, err := s.store.Get(ctx, id)
		if err != nil || p.Status != StatusOnline {
			continue
		}
		if err := s.store.SetStatus(ctx, id, StatusOffline); err != nil {
			s.log.Warn("mark courier offline", "courier_id", id, "error", err)
			continue
		}
		p.Status = StatusOffline
		s.publish(ctx, p)
		n++
	}
	return n, nil
}

// OrderChanged puts a busy courier back online once their order is delivered or cancelled.
func (s *Service) OrderChanged(ctx context.Context, prev, cur *order.Order) {
	if prev == nil || prev.CourierID == nil || !cur.Status.Terminal() {
		return
	}
	id := *prev.CourierID
	p, err := s.store.Get(ctx, id)
	if err != nil || p.Status != StatusBusy {
		return
	}
	if err := s.store.SetStatus(ctx, id, StatusOnline); err != nil {
		s.log.Warn("release courier", "courier_id", id, "order_id", cur.ID, "error", err)
		return
	}
	p.Status = StatusOnline
	s.publish(ctx, p)
}
