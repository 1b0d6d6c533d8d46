// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"courierhub/internal/http/middleware"
	"courierhub/internal/modules/chat"
	"courierhub/internal/modules/courier"
	"courierhub/internal/modules/order"
	"courierhub/internal/modules/restaurant"
	"courierhub/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the uuid and slug style ids used across the API.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func pathID(c *gin.Context, name string) (types.ID, bool) {
	id := c.Param(name)
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return types.ID(id), true
}

func caller(c *gin.Context) (types.ID, order.Role) {
	return types.ID(middleware.CallerUID(c)), order.Role(middleware.CallerRole(c))
}

// requireRole writes 403 unless the caller holds one of roles.
func requireRole(c *gin.Context, roles ...order.Role) bool {
	_, role := caller(c)
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	writeError(c, http.StatusForbidden, "forbidden: "+string(roles[0])+" role required")
	return false
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrBadRequest), errors.Is(err, order.ErrReasonRequired),
		errors.Is(err, restaurant.ErrNotFound), errors.Is(err, restaurant.ErrInactive):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrIllegalTransition), errors.Is(err, order.ErrAlreadyAssigned),
		errors.Is(err, order.ErrCancellationWindowClosed), errors.Is(err, order.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrPaymentFailed):
		writeError(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, order.ErrStoreUnavailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeCourierError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, courier.ErrBadRequest), errors.Is(err, courier.ErrInvalidStatus):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, courier.ErrInaccurate):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, courier.ErrStaleSample):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, courier.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeChatError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrClosed):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
