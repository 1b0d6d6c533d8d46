// README: Order aggregate, actor roles and status definitions.
package order

import (
	"time"

	"courierhub/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusAssigned       Status = "assigned"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Role identifies who is asking for a transition.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleCourier    Role = "courier"
	RoleSupport    Role = "support"
	RoleSystem     Role = "system"
)

const (
	PaymentPending  = "pending"
	PaymentCaptured = "captured"
	PaymentFailed   = "failed"
)

type Item struct {
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

type Order struct {
	ID              types.ID     `json:"id"`
	Number          string       `json:"order_number"`
	Status          Status       `json:"status"`
	StatusVersion   int          `json:"status_version"`
	CustomerID      types.ID     `json:"customer_id"`
	RestaurantID    types.ID     `json:"restaurant_id"`
	CourierID       *types.ID    `json:"courier_id"`
	Items           []Item       `json:"items"`
	Total           types.Money  `json:"total"`
	CourierFee      types.Money  `json:"courier_fee"`
	Pickup          types.Point  `json:"pickup"`
	DeliveryAddress string       `json:"delivery_address"`
	Dropoff         *types.Point `json:"dropoff,omitempty"`
	PaymentMethod   string       `json:"payment_method"`
	PaymentStatus   string       `json:"payment_status"`
	PaymentRef      *string      `json:"payment_reference,omitempty"`
	Instructions    string       `json:"special_instructions,omitempty"`
	CancelReason    *string      `json:"cancellation_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ConfirmedAt     *time.Time   `json:"confirmed_at,omitempty"`
	ReadyAt         *time.Time   `json:"ready_at,omitempty"`
	AssignedAt      *time.Time   `json:"assigned_at,omitempty"`
	PickupAt        *time.Time   `json:"pickup_at,omitempty"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time   `json:"cancelled_at,omitempty"`
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorRole  Role
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Filter narrows Scan results. Zero values are ignored.
type Filter struct {
	Statuses     []Status
	CustomerID   types.ID
	RestaurantID types.ID
	CourierID    types.ID
	CourierUnset bool
	Limit        int
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusPreparing, StatusCancelled},
	StatusPreparing:      {StatusReadyForPickup, StatusCancelled},
	StatusReadyForPickup: {StatusAssigned, StatusCancelled},
	StatusAssigned:       {StatusPickedUp, StatusCancelled},
	StatusPickedUp:       {StatusInTransit, StatusCancelled},
	StatusInTransit:      {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPreparing, StatusReadyForPickup, StatusAssigned,
		StatusPickedUp, StatusInTransit, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// HoldsCourier reports whether an order in status s must carry a courier id.
func (s Status) HoldsCourier() bool {
	switch s {
	case StatusAssigned, StatusPickedUp, StatusInTransit, StatusDelivered:
		return true
	}
	return false
}

// Clone returns a deep copy so callers never share pointers with a store.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.CourierID = cloneID(o.CourierID)
	c.PaymentRef = cloneString(o.PaymentRef)
	c.CancelReason = cloneString(o.CancelReason)
	if o.Dropoff != nil {
		p := *o.Dropoff
		c.Dropoff = &p
	}
	c.ConfirmedAt = cloneTime(o.ConfirmedAt)
	c.ReadyAt = cloneTime(o.ReadyAt)
	c.AssignedAt = cloneTime(o.AssignedAt)
	c.PickupAt = cloneTime(o.PickupAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

// latestStamp is the newest lifecycle timestamp recorded on the order.
func (o *Order) latestStamp() time.Time {
	latest := o.CreatedAt
	for _, t := range []*time.Time{o.ConfirmedAt, o.ReadyAt, o.AssignedAt, o.PickupAt, o.DeliveredAt, o.CancelledAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return latest
}

func cloneID(v *types.ID) *types.ID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
