// README: Acceptance arbiter resolves concurrent accepts through the order store's conditional update.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"courierhub/internal/metrics"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/notify"
	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

type Claimer interface {
	Claim(ctx context.Context, cmd order.ClaimCommand) (*order.Order, bool, error)
}

type Availability interface {
	SetStatus(ctx context.Context, id types.ID, status courier.Status) error
}

type ArbiterDeps struct {
	Orders    Claimer
	Book      OfferBook
	Publisher notify.Publisher
	Couriers  Availability
	Engine    *Engine
	Logger    *slog.Logger
}

type Arbiter struct {
	orders   Claimer
	book     OfferBook
	pub      notify.Publisher
	couriers Availability
	engine   *Engine
	log      *slog.Logger
}

func NewArbiter(d ArbiterDeps) *Arbiter {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		orders:   d.Orders,
		book:     d.Book,
		pub:      d.Publisher,
		couriers: d.Couriers,
		engine:   d.Engine,
		log:      logger.With("component", "arbiter"),
	}
}

// Accept claims the order for courierID. Exactly one concurrent caller wins; the rest get
// order.ErrAlreadyAssigned and their offer is dropped. The winner retrying while the order is
// still assigned gets the same order and no side effects run again.
func (a *Arbiter) Accept(ctx context.Context, orderID, courierID types.ID) (*order.Order, error) {
	if orderID == "" || courierID == "" {
		return nil, order.ErrBadRequest
	}

	o, claimed, err := a.orders.Claim(ctx, order.ClaimCommand{OrderID: orderID, CourierID: courierID})
	if err != nil {
		if errors.Is(err, order.ErrAlreadyAssigned) || errors.Is(err, order.ErrIllegalTransition) {
			metrics.OfferAcceptsTotal.WithLabelValues("lost").Inc()
			if werr := a.book.Withdraw(ctx, orderID, courierID); werr != nil {
				a.log.Warn("withdraw lost offer", "order_id", orderID, "courier_id", courierID, "error", werr)
			}
		} else {
			metrics.OfferAcceptsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if !claimed {
		metrics.OfferAcceptsTotal.WithLabelValues("repeat").Inc()
		return o, nil
	}
	metrics.OfferAcceptsTotal.WithLabelValues("won").Inc()
	a.log.Info("offer accepted", "order_id", orderID, "courier_id", courierID)

	if a.engine != nil {
		a.engine.Halt(orderID)
	}
	held, err := a.book.Clear(ctx, orderID)
	if err != nil {
		a.log.Warn("clear offers", "order_id", orderID, "error", err)
	}
	if a.couriers != nil {
		if err := a.couriers.SetStatus(ctx, courierID, courier.StatusBusy); err != nil {
			a.log.Warn("mark courier busy", "courier_id", courierID, "error", err)
		}
	}

	a.announce(ctx, o, courierID, held)
	return o, nil
}

func (a *Arbiter) announce(ctx context.Context, o *order.Order, winner types.ID, held []Offer) {
	notify.PublishTo(ctx, a.pub, notify.Envelope{
		EventType: notify.EventAssigned,
		Title:     "Courier assigned",
		Body:      fmt.Sprintf("A courier is heading to pick up order %s", o.Number),
		Category:  notify.CategoryOrder,
		OrderID:   o.ID,
		Summary:   string(o.Status),
	}, o.CustomerID, o.RestaurantID)

	_ = a.pub.Publish(ctx, notify.Envelope{
		RecipientID: winner,
		EventType:   notify.EventOfferAccepted,
		Title:       "Delivery confirmed",
		Body:        fmt.Sprintf("Order %s is yours", o.Number),
		Category:    notify.CategoryOffer,
		OrderID:     o.ID,
		Summary:     string(o.Status),
	})

	taken := notify.Envelope{
		EventType: notify.EventOfferTaken,
		Title:     "Offer taken",
		Body:      fmt.Sprintf("Order %s was accepted by another courier", o.Number),
		Category:  notify.CategoryOffer,
		OrderID:   o.ID,
		Summary:   string(o.Status),
	}
	for _, h := range held {
		if h.CourierID == winner {
			continue
		}
		taken.RecipientID = h.CourierID
		_ = a.pub.Publish(ctx, taken)
	}
}

// Reject drops the courier's own offer and keeps it from being re-offered. The order is not written.
func (a *Arbiter) Reject(ctx context.Context, orderID, courierID types.ID) error {
	if orderID == "" || courierID == "" {
		return order.ErrBadRequest
	}
	return a.book.Reject(ctx, orderID, courierID)
}
