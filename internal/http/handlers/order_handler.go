// README: Order handlers: create, read, lifecycle transitions and courier accept/reject.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"courierhub/internal/modules/dispatch"
	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

const defaultListLimit = 50

type OrderHandler struct {
	order   *order.Service
	arbiter *dispatch.Arbiter
	engine  *dispatch.Engine
}

func NewOrderHandler(svc *order.Service, arbiter *dispatch.Arbiter, engine *dispatch.Engine) *OrderHandler {
	return &OrderHandler{order: svc, arbiter: arbiter, engine: engine}
}

type createOrderReq struct {
	// CustomerID is optional; when present it must match the caller.
	CustomerID      string       `json:"customer_id"`
	RestaurantID    string       `json:"restaurant_id" binding:"required"`
	Items           []order.Item `json:"items" binding:"required,min=1"`
	DeliveryAddress string       `json:"delivery_address" binding:"required"`
	PaymentMethod   string       `json:"payment_method" binding:"required"`
	Instructions    string       `json:"special_instructions"`
}

func (h *OrderHandler) Create(c *gin.Context) {
	if !requireRole(c, order.RoleCustomer) {
		return
	}
	uid, _ := caller(c)

	var req createOrderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CustomerID != "" && types.ID(req.CustomerID) != uid {
		writeError(c, http.StatusForbidden, "forbidden: customer_id does not match authenticated user")
		return
	}
	o, err := h.order.Create(c.Request.Context(), order.CreateCommand{
		CustomerID:      uid,
		RestaurantID:    types.ID(req.RestaurantID),
		Items:           req.Items,
		DeliveryAddress: req.DeliveryAddress,
		PaymentMethod:   req.PaymentMethod,
		Instructions:    req.Instructions,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, o)
}

func (h *OrderHandler) Get(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// List scopes the query to the caller. Support and system may filter freely.
func (h *OrderHandler) List(c *gin.Context) {
	uid, role := caller(c)
	f := order.Filter{
		CustomerID:   types.ID(c.Query("customer_id")),
		RestaurantID: types.ID(c.Query("restaurant_id")),
		CourierID:    types.ID(c.Query("courier_id")),
		Limit:        queryLimit(c, defaultListLimit),
	}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := order.Status(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(c, http.StatusBadRequest, "invalid status filter")
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	switch role {
	case order.RoleCustomer:
		f.CustomerID = uid
	case order.RoleRestaurant:
		f.RestaurantID = uid
	case order.RoleCourier:
		f.CourierID = uid
	case order.RoleSupport, order.RoleSystem:
	default:
		writeError(c, http.StatusForbidden, "forbidden: unknown role")
		return
	}

	orders, err := h.order.List(c.Request.Context(), f)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	if orders == nil {
		orders = []*order.Order{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"orders": orders})
}

type advanceReq struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Advance requests a status change as the caller. The order service decides whether the
// caller's role may perform it.
func (h *OrderHandler) Advance(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req advanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid, role := caller(c)
	o, err := h.order.Advance(c.Request.Context(), order.AdvanceCommand{
		OrderID:   id,
		To:        order.Status(req.Status),
		ActorRole: role,
		ActorID:   uid,
		Reason:    req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	uid, role := caller(c)
	o, err := h.order.Cancel(c.Request.Context(), order.CancelCommand{
		OrderID:   id,
		ActorRole: role,
		ActorID:   uid,
		Reason:    req.Reason,
	})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

// Accept claims an offered order for the calling courier. Losing a race is a 409.
func (h *OrderHandler) Accept(c *gin.Context) {
	if !requireRole(c, order.RoleCourier) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	o, err := h.arbiter.Accept(c.Request.Context(), id, uid)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, o)
}

func (h *OrderHandler) Reject(c *gin.Context) {
	if !requireRole(c, order.RoleCourier) {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := caller(c)
	if err := h.arbiter.Reject(c.Request.Context(), id, uid); err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": "rejected"})
}

type eventResp struct {
	From      order.Status `json:"from_status"`
	To        order.Status `json:"to_status"`
	ActorRole order.Role   `json:"actor_role"`
	ActorID   *types.ID    `json:"actor_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Events returns the order's transition audit trail.
func (h *OrderHandler) Events(c *gin.Context) {
	o, ok := h.load(c)
	if !ok {
		return
	}
	events, err := h.order.Events(c.Request.Context(), o.ID)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	out := make([]eventResp, len(events))
	for i, e := range events {
		out[i] = eventResp{From: e.FromStatus, To: e.ToStatus, ActorRole: e.ActorRole, ActorID: e.ActorID, CreatedAt: e.CreatedAt}
	}
	writeJSON(c, http.StatusOK, map[string]any{"events": out})
}

// load fetches the path order and checks the caller may see it.
func (h *OrderHandler) load(c *gin.Context) (*order.Order, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	o, err := h.order.Get(c.Request.Context(), id)
	if err != nil {
		writeOrderError(c, err)
		return nil, false
	}
	if !h.canView(c, o) {
		writeError(c, http.StatusForbidden, "forbidden: not a party to this order")
		return nil, false
	}
	return o, true
}

func (h *OrderHandler) canView(c *gin.Context, o *order.Order) bool {
	uid, role := caller(c)
	switch role {
	case order.RoleSupport, order.RoleSystem:
		return true
	case order.RoleCustomer:
		return o.CustomerID == uid
	case order.RoleRestaurant:
		return o.RestaurantID == uid
	case order.RoleCourier:
		if o.CourierID != nil && *o.CourierID == uid {
			return true
		}
		if h.engine == nil {
			return false
		}
		offers, err := h.engine.OffersFor(c.Request.Context(), uid)
		if err != nil {
			return false
		}
		for _, off := range offers {
			if off.OrderID == o.ID {
				return true
			}
		}
	}
	return false
}
