// README: Courier handlers for own offers, availability and presence.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/dispatch"
	"courierhub/internal/modules/order"
)

type CourierHandler struct {
	couriers *courier.Service
	engine   *dispatch.Engine
}

func NewCourierHandler(couriers *courier.Service, engine *dispatch.Engine) *CourierHandler {
	return &CourierHandler{couriers: couriers, engine: engine}
}

func (h *CourierHandler) Me(c *gin.Context) {
	if !requireRole(c, order.RoleCourier) {
		return
	}
	uid, _ := caller(c)
	p, err := h.couriers.Get(c.Request.Context(), uid)
	if err != nil {
		writeCourierError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

// Offers lists the caller's live offers, soonest expiry first.
func (h *CourierHandler) Offers(c *gin.Context) {
	if !requireRole(c, order.RoleCourier) {
		return
	}
	uid, _ := caller(c)
	offers, err := h.engine.OffersFor(c.Request.Context(), uid)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error")
		return
	}
	if offers == nil {
		offers = []dispatch.Offer{}
	}
	writeJSON(c, http.StatusOK, map[string]any{"offers": offers})
}

type statusReq struct {
	Status string `json:"status" binding:"required"`
}

// SetStatus toggles availability. Busy is owned by assignment and cannot be set by hand.
func (h *CourierHandler) SetStatus(c *gin.Context) {
	if !requireRole(c, order.RoleCourier) {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	st := courier.Status(req.Status)
	if st == courier.StatusBusy {
		writeError(c, http.StatusBadRequest, courier.ErrInvalidStatus.Error())
		return
	}
	uid, _ := caller(c)
	if err := h.couriers.SetStatus(c.Request.Context(), uid, st); err != nil {
		writeCourierError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"status": st})
}
