// README: Order service implements creation, validated transitions and the courier claim.
package order

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"courierhub/internal/metrics"
	"courierhub/internal/modules/payment"
	"courierhub/internal/types"
)

var (
	ErrIllegalTransition        = errors.New("illegal status transition")
	ErrAlreadyAssigned          = errors.New("order already assigned")
	ErrCancellationWindowClosed = errors.New("cancellation window closed")
	ErrNotFound                 = errors.New("order not found")
	ErrBadRequest               = errors.New("bad request")
	ErrReasonRequired           = errors.New("cancellation reason required")
	ErrForbidden                = errors.New("actor not allowed to perform transition")
	ErrConflict                 = errors.New("order state conflict")
	ErrStoreUnavailable         = errors.New("order store unavailable")
	ErrPaymentFailed            = errors.New("payment failed")
	ErrDuplicateNumber          = errors.New("duplicate order number")
)

const (
	ReasonPaymentFailed = "payment_failed"

	maxCASAttempts    = 5
	maxNumberAttempts = 5
)

// Listener observes committed changes. prev is nil for a newly created order.
type Listener interface {
	OrderChanged(ctx context.Context, prev, cur *Order)
}

type RestaurantDirectory interface {
	Location(ctx context.Context, id types.ID) (types.Point, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Deps struct {
	Store             Repository
	Payments          payment.Processor
	Restaurants       RestaurantDirectory
	Geocoder          Geocoder
	Logger            *slog.Logger
	Currency          string
	CourierFeePercent int64
}

type Service struct {
	store       Repository
	payments    payment.Processor
	restaurants RestaurantDirectory
	geocoder    Geocoder
	log         *slog.Logger
	currency    string
	feePercent  int64
	now         func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := d.Currency
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		store:       d.Store,
		payments:    d.Payments,
		restaurants: d.Restaurants,
		geocoder:    d.Geocoder,
		log:         logger.With("component", "order"),
		currency:    currency,
		feePercent:  d.CourierFeePercent,
		now:         time.Now,
	}
}

func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

type CreateCommand struct {
	CustomerID      types.ID
	RestaurantID    types.ID
	Items           []Item
	DeliveryAddress string
	PaymentMethod   string
	Instructions    string
}

type AdvanceCommand struct {
	OrderID   types.ID
	To        Status
	ActorRole Role
	ActorID   types.ID
	Reason    string
}

type CancelCommand struct {
	OrderID   types.ID
	ActorRole Role
	ActorID   types.ID
	Reason    string
}

type ClaimCommand struct {
	OrderID   types.ID
	CourierID types.ID
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}

	var total int64
	for _, it := range cmd.Items {
		total += it.UnitPrice * int64(it.Quantity)
	}
	amount := types.Money{Amount: total, Currency: s.currency}

	o := &Order{
		ID:              types.ID(uuid.NewString()),
		Status:          StatusPending,
		CustomerID:      cmd.CustomerID,
		RestaurantID:    cmd.RestaurantID,
		Items:           append([]Item(nil), cmd.Items...),
		Total:           amount,
		CourierFee:      amount.Percent(s.feePercent),
		DeliveryAddress: strings.TrimSpace(cmd.DeliveryAddress),
		PaymentMethod:   cmd.PaymentMethod,
		PaymentStatus:   PaymentPending,
		Instructions:    cmd.Instructions,
		CreatedAt:       s.now(),
	}

	if s.restaurants != nil {
		pickup, err := s.restaurants.Location(ctx, cmd.RestaurantID)
		if err != nil {
			return nil, fmt.Errorf("restaurant location: %w", err)
		}
		o.Pickup = pickup
	}
	if s.geocoder != nil {
		if p, err := s.geocoder.Geocode(ctx, o.DeliveryAddress); err == nil {
			o.Dropoff = &p
		} else {
			s.log.Warn("geocode delivery address", "error", err)
		}
	}

	if err := s.insert(ctx, o); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, o.ID, StatusNone, StatusPending, RoleCustomer, &o.CustomerID)

	o, err := s.capture(ctx, o)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, nil, o)
	return o, nil
}

// insert retries order-number collisions with a fresh number.
func (s *Service) insert(ctx context.Context, o *Order) error {
	for i := 0; i < maxNumberAttempts; i++ {
		o.Number = newOrderNumber()
		err := s.retry(ctx, func() error { return s.store.Insert(ctx, o) })
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return err
		}
		// A retried insert may have landed already.
		if existing, gerr := s.store.Get(ctx, o.ID); gerr == nil {
			*o = *existing
			return nil
		}
	}
	return fmt.Errorf("allocate order number: %w", ErrConflict)
}

// capture charges the order once. A failed capture cancels the order.
func (s *Service) capture(ctx context.Context, o *Order) (*Order, error) {
	if s.payments == nil {
		return o, nil
	}
	res, err := s.payments.Capture(ctx, payment.Charge{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Method:     o.PaymentMethod,
		Amount:     o.Total,
	})
	if err == nil && res.Status != payment.StatusFailed {
		status := string(res.Status)
		patch := Patch{PaymentStatus: &status}
		if res.Reference != "" {
			ref := res.Reference
			patch.PaymentRef = &ref
		}
		updated, ok, uerr := s.update(ctx, o.ID, Expect{}, patch)
		if uerr != nil || !ok {
			s.log.Error("record payment result", "order_id", o.ID, "error", uerr)
			return o, nil
		}
		return updated, nil
	}

	s.log.Warn("payment capture failed", "order_id", o.ID, "method", o.PaymentMethod, "error", err)
	failed := PaymentFailed
	reason := ReasonPaymentFailed
	stamp := s.now()
	patch := Patch{
		Status:        StatusCancelled,
		ClearCourier:  true,
		CancelReason:  &reason,
		PaymentStatus: &failed,
		CancelledAt:   &stamp,
	}
	if res.Reference != "" {
		ref := res.Reference
		patch.PaymentRef = &ref
	}
	if _, ok, uerr := s.update(ctx, o.ID, Expect{Statuses: []Status{StatusPending}}, patch); uerr != nil || !ok {
		s.log.Error("cancel unpaid order", "order_id", o.ID, "error", uerr)
	} else {
		s.recordEvent(ctx, o.ID, StatusPending, StatusCancelled, RoleSystem, nil)
	}
	if err == nil {
		err = payment.ErrDeclined
	}
	return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
}

// Advance moves an order along its lifecycle on behalf of restaurant, courier, support or system.
// Assignment is only reachable through Claim.
func (s *Service) Advance(ctx context.Context, cmd AdvanceCommand) (*Order, error) {
	if cmd.OrderID == "" {
		return nil, ErrBadRequest
	}
	if cmd.To == StatusAssigned {
		return nil, ErrForbidden
	}
	return s.transition(ctx, cmd.OrderID, Transition{
		To:        cmd.To,
		ActorRole: cmd.ActorRole,
		ActorID:   cmd.ActorID,
		Reason:    cmd.Reason,
	})
}

// Cancel is the cancellation entry point. Customers may only cancel before preparation starts.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	if cmd.OrderID == "" {
		return nil, ErrBadRequest
	}
	return s.transition(ctx, cmd.OrderID, Transition{
		To:        StatusCancelled,
		ActorRole: cmd.ActorRole,
		ActorID:   cmd.ActorID,
		Reason:    strings.TrimSpace(cmd.Reason),
	})
}

// Claim assigns a ready order to a courier. Exactly one concurrent claimant wins;
// the winner retrying gets the same record back.
// Claim assigns the order to the courier. claimed is false when the courier already held
// the assignment and nothing was written.
func (s *Service) Claim(ctx context.Context, cmd ClaimCommand) (o *Order, claimed bool, err error) {
	if cmd.OrderID == "" || cmd.CourierID == "" {
		return nil, false, ErrBadRequest
	}
	return s.apply(ctx, cmd.OrderID, Transition{
		To:        StatusAssigned,
		ActorRole: RoleCourier,
		ActorID:   cmd.CourierID,
		CourierID: cmd.CourierID,
	})
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	var o *Order
	err := s.retry(ctx, func() error {
		var err error
		o, err = s.store.Get(ctx, id)
		return err
	})
	return o, err
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Order, error) {
	var out []*Order
	err := s.retry(ctx, func() error {
		var err error
		out, err = s.store.Scan(ctx, f)
		return err
	})
	return out, err
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// transition re-reads, plans and conditionally writes until the write lands or the plan fails.
// A failed predicate means another writer moved the order first, so the next pass re-plans.
func (s *Service) transition(ctx context.Context, id types.ID, tr Transition) (*Order, error) {
	o, _, err := s.apply(ctx, id, tr)
	return o, err
}

// apply is transition that also reports whether a write landed.
func (s *Service) apply(ctx context.Context, id types.ID, tr Transition) (*Order, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		plan, err := PlanTransition(cur, tr, s.now())
		if err != nil {
			return nil, false, err
		}
		if plan.Noop {
			return cur, false, nil
		}
		updated, ok, err := s.update(ctx, id, plan.Expect, plan.Patch)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			metrics.OrderConflictsTotal.Inc()
			continue
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
		actor := tr.ActorID
		s.recordEvent(ctx, id, cur.Status, updated.Status, tr.ActorRole, &actor)
		s.emit(ctx, cur, updated)
		return updated, true, nil
	}
	s.log.Warn("transition gave up after repeated conflicts", "order_id", id, "to", tr.To)
	return nil, false, ErrConflict
}

func (s *Service) update(ctx context.Context, id types.ID, expect Expect, patch Patch) (*Order, bool, error) {
	var (
		out *Order
		ok  bool
	)
	err := s.retry(ctx, func() error {
		var err error
		out, ok, err = s.store.ConditionalUpdate(ctx, id, expect, patch)
		return err
	})
	return out, ok, err
}

// retry re-runs op while the store reports itself unavailable.
func (s *Service) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

func (s *Service) recordEvent(ctx context.Context, id types.ID, from, to Status, role Role, actor *types.ID) {
	err := s.store.AppendEvent(ctx, &Event{
		OrderID:    id,
		FromStatus: from,
		ToStatus:   to,
		ActorRole:  role,
		ActorID:    actor,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("append order event", "order_id", id, "to", to, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, prev, cur *Order) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.OrderChanged(ctx, prev.Clone(), cur.Clone())
	}
}

func validateCreate(cmd CreateCommand) error {
	if cmd.CustomerID == "" || cmd.RestaurantID == "" || len(cmd.Items) == 0 {
		return ErrBadRequest
	}
	if strings.TrimSpace(cmd.DeliveryAddress) == "" || !payment.ValidMethod(cmd.PaymentMethod) {
		return ErrBadRequest
	}
	for _, it := range cmd.Items {
		if it.Name == "" || it.Quantity <= 0 || it.UnitPrice < 0 {
			return ErrBadRequest
		}
	}
	return nil
}

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newOrderNumber() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	for i := range buf {
		buf[i] = numberAlphabet[int(buf[i])%len(numberAlphabet)]
	}
	return "ORD-" + string(buf[:])
}
