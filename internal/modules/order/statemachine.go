// README: Pure transition planning: legality, actor rules and the fields each transition sets.
package order

import (
	"time"

	"courierhub/internal/types"
)

// Transition is a requested status change.
type Transition struct {
	To        Status
	ActorRole Role
	ActorID   types.ID
	// CourierID is required when To is StatusAssigned.
	CourierID types.ID
	// Reason is required when To is StatusCancelled.
	Reason string
}

// Expect is the predicate a conditional update checks against the stored record.
type Expect struct {
	Statuses     []Status
	CourierUnset bool
	CourierIs    *types.ID
}

// Patch is applied only when Expect holds. Nil fields are left unchanged.
type Patch struct {
	Status        Status
	CourierID     *types.ID
	ClearCourier  bool
	CancelReason  *string
	PaymentStatus *string
	PaymentRef    *string
	ConfirmedAt   *time.Time
	ReadyAt       *time.Time
	AssignedAt    *time.Time
	PickupAt      *time.Time
	DeliveredAt   *time.Time
	CancelledAt   *time.Time
}

// Plan is the outcome of validating a transition against the current record.
type Plan struct {
	Noop   bool
	Expect Expect
	Patch  Patch
}

// customerCancelWindow lists the states a customer may still cancel from.
var customerCancelWindow = []Status{StatusPending, StatusConfirmed}

// PlanTransition validates tr against o and returns the conditional write that performs it.
// o is never modified.
func PlanTransition(o *Order, tr Transition, now time.Time) (Plan, error) {
	if !tr.To.Valid() {
		return Plan{}, ErrBadRequest
	}
	if err := authorize(o, tr); err != nil {
		return Plan{}, err
	}

	if tr.To == StatusAssigned && o.CourierID != nil {
		if *o.CourierID != tr.CourierID {
			return Plan{}, ErrAlreadyAssigned
		}
		// The winner repeating its claim only matches while the order still waits for pickup.
		if o.Status != StatusAssigned {
			return Plan{}, ErrIllegalTransition
		}
		return Plan{Noop: true}, nil
	}
	if o.Status == tr.To {
		return Plan{Noop: true}, nil
	}
	if tr.ActorRole == RoleCustomer && !containsStatus(customerCancelWindow, o.Status) {
		return Plan{}, ErrCancellationWindowClosed
	}
	if !CanTransition(o.Status, tr.To) {
		return Plan{}, ErrIllegalTransition
	}

	stamp := now
	if latest := o.latestStamp(); latest.After(stamp) {
		stamp = latest
	}

	plan := Plan{
		Expect: Expect{Statuses: []Status{o.Status}},
		Patch:  Patch{Status: tr.To},
	}
	if o.CourierID != nil {
		plan.Expect.CourierIs = cloneID(o.CourierID)
	}

	switch tr.To {
	case StatusConfirmed:
		plan.Patch.ConfirmedAt = &stamp
	case StatusReadyForPickup:
		plan.Patch.ReadyAt = &stamp
	case StatusAssigned:
		if tr.CourierID == "" {
			return Plan{}, ErrBadRequest
		}
		courier := tr.CourierID
		plan.Expect.CourierUnset = true
		plan.Patch.CourierID = &courier
		plan.Patch.AssignedAt = &stamp
	case StatusPickedUp:
		plan.Patch.PickupAt = &stamp
	case StatusDelivered:
		plan.Patch.DeliveredAt = &stamp
	case StatusCancelled:
		if tr.Reason == "" {
			return Plan{}, ErrReasonRequired
		}
		reason := tr.Reason
		plan.Patch.CancelReason = &reason
		plan.Patch.ClearCourier = true
		plan.Patch.CancelledAt = &stamp
	}
	return plan, nil
}

// authorize checks the actor may request tr on o. Legality is checked separately.
func authorize(o *Order, tr Transition) error {
	switch tr.ActorRole {
	case RoleRestaurant:
		if tr.ActorID != o.RestaurantID {
			return ErrForbidden
		}
		switch tr.To {
		case StatusConfirmed, StatusPreparing, StatusReadyForPickup, StatusCancelled:
			return nil
		}
	case RoleCourier:
		if tr.To == StatusAssigned {
			if tr.CourierID == tr.ActorID {
				return nil
			}
			return ErrForbidden
		}
		if o.CourierID == nil || *o.CourierID != tr.ActorID {
			return ErrForbidden
		}
		switch tr.To {
		case StatusPickedUp, StatusInTransit, StatusDelivered:
			return nil
		}
	case RoleCustomer:
		if tr.ActorID != o.CustomerID {
			return ErrForbidden
		}
		if tr.To == StatusCancelled {
			return nil
		}
	case RoleSupport, RoleSystem:
		if tr.To != StatusAssigned {
			return nil
		}
	}
	return ErrForbidden
}

// Matches reports whether o satisfies the predicate.
func (e Expect) Matches(o *Order) bool {
	if len(e.Statuses) > 0 && !containsStatus(e.Statuses, o.Status) {
		return false
	}
	if e.CourierUnset && o.CourierID != nil {
		return false
	}
	if e.CourierIs != nil && (o.CourierID == nil || *o.CourierID != *e.CourierIs) {
		return false
	}
	return true
}

// Apply writes p onto o in place and bumps the status version.
func (p Patch) Apply(o *Order) {
	if p.Status != "" {
		o.Status = p.Status
	}
	if p.ClearCourier {
		o.CourierID = nil
	} else if p.CourierID != nil {
		o.CourierID = cloneID(p.CourierID)
	}
	if p.CancelReason != nil {
		o.CancelReason = cloneString(p.CancelReason)
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.PaymentRef != nil {
		o.PaymentRef = cloneString(p.PaymentRef)
	}
	setIfNil(&o.ConfirmedAt, p.ConfirmedAt)
	setIfNil(&o.ReadyAt, p.ReadyAt)
	setIfNil(&o.AssignedAt, p.AssignedAt)
	setIfNil(&o.PickupAt, p.PickupAt)
	setIfNil(&o.DeliveredAt, p.DeliveredAt)
	setIfNil(&o.CancelledAt, p.CancelledAt)
	o.StatusVersion++
}

// setIfNil keeps the first stamp ever written for a state.
func setIfNil(dst **time.Time, v *time.Time) {
	if *dst == nil && v != nil {
		*dst = cloneTime(v)
	}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
