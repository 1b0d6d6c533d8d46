// README: Location handler; couriers push position samples for themselves only.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/order"
	"courierhub/internal/types"
)

type LocationHandler struct {
	couriers *courier.Service
}

func NewLocationHandler(svc *courier.Service) *LocationHandler {
	return &LocationHandler{couriers: svc}
}

type locationReq struct {
	Lat        *float64  `json:"lat" binding:"required"`
	Lng        *float64  `json:"lng" binding:"required"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (h *LocationHandler) Update(c *gin.Context) {
	// Only the authenticated courier may update their own location.
	if !requireRole(c, order.RoleCourier) {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid, _ := caller(c)
	p, err := h.couriers.UpdateLocation(c.Request.Context(), courier.Sample{
		CourierID:  uid,
		Position:   types.Point{Lat: *req.Lat, Lng: *req.Lng},
		AccuracyM:  req.AccuracyM,
		RecordedAt: req.RecordedAt,
	})
	if err != nil {
		writeCourierError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}
