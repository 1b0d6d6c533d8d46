// README: Order listener that turns committed transitions into envelopes for the order's parties.
package notify

import (
	"context"
	"fmt"

	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

var statusTitles = map[order.Status]string{
	order.StatusPending:        "Order placed",
	order.StatusConfirmed:      "Order confirmed",
	order.StatusPreparing:      "Order is being prepared",
	order.StatusReadyForPickup: "Order ready for pickup",
	order.StatusPickedUp:       "Order picked up",
	order.StatusInTransit:      "Order on the way",
	order.StatusDelivered:      "Order delivered",
	order.StatusCancelled:      "Order cancelled",
}

type OrderNotifier struct {
	pub Publisher
}

func NewOrderNotifier(pub Publisher) *OrderNotifier {
	return &OrderNotifier{pub: pub}
}

// OrderChanged notifies customer, restaurant and courier of a status change.
// Assignment is announced by the acceptance arbiter, which also knows the losing offer holders.
func (n *OrderNotifier) OrderChanged(ctx context.Context, prev, cur *order.Order) {
	if cur == nil || cur.Status == order.StatusAssigned {
		return
	}
	if prev != nil && prev.Status == cur.Status {
		return
	}

	env := Envelope{
		EventType: EventOrderStatus,
		Title:     statusTitles[cur.Status],
		Body:      fmt.Sprintf("Order %s is now %s", cur.Number, cur.Status),
		Category:  CategoryOrder,
		OrderID:   cur.ID,
		Summary:   string(cur.Status),
	}
	if cur.Status == order.StatusCancelled && cur.CancelReason != nil {
		env.Body = fmt.Sprintf("Order %s was cancelled: %s", cur.Number, *cur.CancelReason)
	}

	recipients := []types.ID{cur.CustomerID, cur.RestaurantID}
	if cur.CourierID != nil {
		recipients = append(recipients, *cur.CourierID)
	}
	if prev != nil && prev.CourierID != nil {
		recipients = append(recipients, *prev.CourierID)
	}
	PublishTo(ctx, n.pub, env, recipients...)
}
